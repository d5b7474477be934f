package detectors

import (
	"fmt"

	"github.com/LliminM/rupair/internal/core"
	"github.com/LliminM/rupair/internal/symbolic"
)

// FlowDetector 流图遍检测器
// 按逆后序遍历基本块，长度由前向数据流得到，保护条件取自支配访问点的分支
type FlowDetector struct {
	*core.BaseDetector
}

// NewFlowDetector 创建流图遍检测器
func NewFlowDetector() *FlowDetector {
	return &FlowDetector{
		BaseDetector: core.NewBaseDetector("flow", core.PassFlow),
	}
}

// Detect 执行检测
func (d *FlowDetector) Detect(rep *core.Representation) ([]core.Candidate, error) {
	if rep == nil || rep.FlowErr != nil {
		var cause error = fmt.Errorf("flow IR unavailable")
		if rep != nil {
			cause = fmt.Errorf("flow IR unavailable: %w", rep.FlowErr)
		}
		return nil, core.NewError(core.CodeRepresentation, "detect", repPath(rep), cause)
	}
	var candidates []core.Candidate
	for _, body := range rep.Flow {
		candidates = append(candidates, d.detectBody(body)...)
	}
	core.SortCandidates(candidates)
	return candidates, nil
}

func repPath(rep *core.Representation) string {
	if rep == nil {
		return ""
	}
	return rep.Path
}

// =============================================================================
// 长度数据流
// =============================================================================

// lengthFact 某程序点上缓冲区长度的抽象值
type lengthFact struct {
	Length  symbolic.Expr
	Unknown bool
	Array   bool
	Decl    *core.Declaration
}

type lengthState map[string]lengthFact

func (s lengthState) clone() lengthState {
	out := make(lengthState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s lengthState) equal(o lengthState) bool {
	if len(s) != len(o) {
		return false
	}
	for k, a := range s {
		b, ok := o[k]
		if !ok || a.Unknown != b.Unknown || !symbolic.Equal(a.Length, b.Length) || a.Decl != b.Decl {
			return false
		}
	}
	return true
}

// transfer 应用单条语句
func (s lengthState) transfer(stmt core.FlowStmt) {
	switch stmt.Kind {
	case core.StmtAlloc:
		s[stmt.Target] = lengthFact{Length: stmt.Value, Unknown: stmt.Value == nil, Array: stmt.Array, Decl: stmt.Decl}
	case core.StmtSetLen:
		prev := s[stmt.Target]
		s[stmt.Target] = lengthFact{Length: stmt.Value, Unknown: stmt.Value == nil, Array: prev.Array}
	}
}

// join 汇合点：各前驱一致时保留，否则未知
func joinStates(states []lengthState) lengthState {
	out := make(lengthState)
	if len(states) == 0 {
		return out
	}
	keys := make(map[string]bool)
	for _, st := range states {
		for k := range st {
			keys[k] = true
		}
	}
	for k := range keys {
		first, ok := states[0][k]
		agree := ok && !first.Unknown
		for _, st := range states[1:] {
			f, ok := st[k]
			if !ok || f.Unknown || !symbolic.Equal(f.Length, first.Length) {
				agree = false
			}
			if ok && f.Decl != first.Decl {
				first.Decl = nil
			}
		}
		if agree {
			out[k] = first
		} else {
			out[k] = lengthFact{Unknown: true, Array: first.Array}
		}
	}
	return out
}

// lengthsIn 计算每个块入口处的长度状态，迭代到不动点
func lengthsIn(body *core.FlowBody, rpo []int) map[int]lengthState {
	in := make(map[int]lengthState, len(rpo))
	out := make(map[int]lengthState, len(rpo))
	for changed := true; changed; {
		changed = false
		for _, id := range rpo {
			blk := body.Blocks[id]
			var preds []lengthState
			for _, p := range blk.Preds {
				if st, ok := out[p]; ok {
					preds = append(preds, st)
				}
			}
			entry := joinStates(preds)
			state := entry.clone()
			for _, stmt := range blk.Stmts {
				state.transfer(stmt)
			}
			if prev, ok := out[id]; !ok || !prev.equal(state) {
				out[id] = state
				changed = true
			}
			in[id] = entry
		}
	}
	return in
}

// =============================================================================
// 访问检测
// =============================================================================

// bodyFacts 单个函数的流图事实
type bodyFacts struct {
	body     *core.FlowBody
	dt       *core.DominanceTree
	lengths  map[int]lengthState
	pointers map[string][]core.FlowStmt
	defs     map[string]int
	assigns  map[string]assignSite // 只赋值一次的不可变变量
}

type assignSite struct {
	block, index int
	value        symbolic.Expr
}

func (d *FlowDetector) detectBody(body *core.FlowBody) []core.Candidate {
	dt := core.NewDominanceTree(body)
	dt.Compute()
	rpo := body.ReversePostOrder()

	facts := &bodyFacts{
		body:     body,
		dt:       dt,
		lengths:  lengthsIn(body, rpo),
		pointers: make(map[string][]core.FlowStmt),
		defs:     make(map[string]int),
		assigns:  make(map[string]assignSite),
	}
	for _, blk := range body.Blocks {
		for i, stmt := range blk.Stmts {
			name := stmt.Defines()
			if name == "" {
				continue
			}
			facts.defs[name]++
			switch stmt.Kind {
			case core.StmtPtr:
				facts.pointers[name] = append(facts.pointers[name], stmt)
			case core.StmtAssign:
				if !stmt.Mutable {
					facts.assigns[name] = assignSite{block: blk.ID, index: i, value: stmt.Value}
				}
			}
		}
	}

	var candidates []core.Candidate
	for _, id := range rpo {
		blk := body.Blocks[id]
		for i, stmt := range blk.Stmts {
			if stmt.Kind != core.StmtAccess || !stmt.Unsafe {
				continue
			}
			if c, ok := facts.candidate(blk, i, stmt); ok {
				candidates = append(candidates, c)
			}
		}
	}
	return candidates
}

// resolve 沿指针派生语句找到底层缓冲区
func (f *bodyFacts) resolve(stmt core.FlowStmt) (buffer string, offset symbolic.Expr, dom *symbolic.Domain, ok bool) {
	offset, dom = stmt.Value, stmt.Domain
	if !stmt.Access.IsRawPointer() || stmt.RootIsBuffer {
		return stmt.Base, offset, dom, true
	}
	root := stmt.Base
	for depth := 0; depth < 8; depth++ {
		defs := f.pointers[root]
		if len(defs) != 1 || f.defs[root] != 1 {
			return "", offset, dom, false
		}
		p := defs[0]
		offset = symbolic.Fold(symbolic.Add(p.Value, offset))
		if p.Domain != nil && (dom == nil || p.Domain.Signed) {
			dom = p.Domain
		}
		if p.RootIsBuffer {
			return p.Base, offset, dom, true
		}
		root = p.Base
	}
	return "", offset, dom, false
}

// stateAt 访问点处的长度状态
func (f *bodyFacts) stateAt(blk *core.FlowBlock, index int) lengthState {
	state := f.lengths[blk.ID].clone()
	for _, stmt := range blk.Stmts[:index] {
		state.transfer(stmt)
	}
	return state
}

func (f *bodyFacts) candidate(blk *core.FlowBlock, index int, stmt core.FlowStmt) (core.Candidate, bool) {
	buffer, offset, dom, ok := f.resolve(stmt)
	if !ok && stmt.Bare {
		return core.Candidate{}, false
	}
	c := core.Candidate{
		Location:   stmt.Loc,
		Kind:       stmt.Access,
		Base:       stmt.Base,
		Buffer:     buffer,
		Offset:     offset,
		OffsetText: offset.String(),
		OffsetType: dom,
		Passes:     []core.Pass{core.PassFlow},
	}

	state := f.stateAt(blk, index)
	var decl *core.Declaration
	if buffer != "" {
		if fact, ok := state[buffer]; ok && !fact.Unknown {
			c.KnownLength = fact.Length
			decl = fact.Decl
		}
	}
	if c.OffsetType == nil {
		if v, ok := offset.(symbolic.Var); ok {
			if d, ok := f.body.VarTypes[v.Name]; ok {
				c.OffsetType = &d
			}
		}
	}

	c.Guard = f.guardAt(blk.ID, index, relevantNames(c))
	c.Bindings, c.VarTypes = closeBindings(c, func(name string) (symbolic.Expr, bool) {
		if a, ok := f.assigns[name]; ok && f.defs[name] == 1 && f.dominatesPoint(a.block, a.index, blk.ID, index) {
			if !symbolic.ContainsOpaque(a.value) && !containsName(symbolic.FreeVars(a.value), name) {
				return a.value, true
			}
		}
		if v, ok := f.body.Consts[name]; ok {
			return symbolic.Lit{Value: v}, true
		}
		if other, ok := symbolic.IsLength(symbolic.Var{Name: name}); ok && other != buffer {
			if fact, ok := state[other]; ok && !fact.Unknown && fact.Length != nil {
				return fact.Length, true
			}
		}
		return nil, false
	}, f.body.VarTypes)

	if stmt.Shape != nil {
		c.Shape = *stmt.Shape
		c.Shape.Decl = decl
	}
	return c, true
}

// dominatesPoint 语句 (ab, ai) 是否在 (bb, bi) 之前的每条路径上执行
func (f *bodyFacts) dominatesPoint(ab, ai, bb, bi int) bool {
	if ab == bb {
		return ai < bi
	}
	return f.dt.Dominates(ab, bb)
}

// guardAt 收集在访问点必然成立的分支条件
// 分支 B 的某个后继 S 只有 B 一个前驱且支配访问块时，条件在 S 入口成立；
// 从 S 到访问点、不经过 B 的路径上被改写的变量使相关合取项失效
func (f *bodyFacts) guardAt(block, index int, relevant map[string]bool) *core.Guard {
	var kept []symbolic.Pred
	origins := make(map[core.GuardOrigin]bool)

	for _, b := range f.dt.Dominators(block) {
		if b == block {
			continue
		}
		term := f.body.Blocks[b].Term
		if term.Kind != core.TermBranch || term.Cond == nil || term.Then == term.Else {
			continue
		}
		var pred symbolic.Pred
		var succ int
		switch {
		case f.soleEntry(term.Then, b) && f.dt.Dominates(term.Then, block):
			pred, succ = term.Cond, term.Then
		case term.Exact && f.soleEntry(term.Else, b) && f.dt.Dominates(term.Else, block):
			pred, succ = symbolic.Negate(term.Cond), term.Else
		default:
			continue
		}

		killed := f.killedBetween(b, succ, block, index)
		for _, conj := range conjuncts(pred) {
			if !mentionsAny(conj, relevant) || mentionsAny(conj, killed) {
				continue
			}
			kept = append(kept, conj)
			origins[core.GuardDominator] = true
		}
	}
	return makeGuard(kept, origins)
}

func (f *bodyFacts) soleEntry(succ, from int) bool {
	preds := f.body.Blocks[succ].Preds
	return len(preds) == 1 && preds[0] == from
}

// killedBetween 从 succ 到访问点 (block, index) 且不经过 branch 的路径上定义的变量
func (f *bodyFacts) killedBetween(branch, succ, block, index int) map[string]bool {
	forward := f.body.ReachableAvoiding(succ, branch)

	// 能不经过 branch 回到访问块的块
	backward := make(map[int]bool)
	work := append([]int(nil), f.body.Blocks[block].Preds...)
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		if id == branch || backward[id] {
			continue
		}
		backward[id] = true
		work = append(work, f.body.Blocks[id].Preds...)
	}

	killed := make(map[string]bool)
	for id := range forward {
		if !backward[id] {
			continue
		}
		// 访问块自身在环上时整块都算
		if id == block {
			index = len(f.body.Blocks[block].Stmts)
			continue
		}
		for _, stmt := range f.body.Blocks[id].Stmts {
			if name := stmt.Defines(); name != "" {
				killed[name] = true
			}
		}
	}
	for _, stmt := range f.body.Blocks[block].Stmts[:index] {
		if name := stmt.Defines(); name != "" {
			killed[name] = true
		}
	}
	return killed
}
