package detectors

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/LliminM/rupair/internal/core"
	"github.com/LliminM/rupair/internal/symbolic"
)

// SyntaxDetector 语法遍检测器
// 在 unsafe 块和 unsafe fn 中匹配裸指针与索引访问，沿语法树向上收集保护条件
type SyntaxDetector struct {
	*core.BaseDetector
}

// bufferInfo 缓冲区声明
type bufferInfo struct {
	Length symbolic.Expr // nil 表示未知
	Array  bool
	Decl   *core.Declaration
	Grown  bool // 函数内存在改变长度的调用
}

// pointerInfo 指针派生
type pointerInfo struct {
	Root         string
	RootIsBuffer bool
	Offset       symbolic.Expr
	OffsetType   *symbolic.Domain
	Defs         int
}

// functionScope 单个函数的声明表
type functionScope struct {
	unit     *core.ParsedUnit
	tb       *core.TermBuilder
	facts    core.FunctionFacts
	buffers  map[string]*bufferInfo
	pointers map[string]*pointerInfo
	bindings map[string]symbolic.Expr // 只赋值一次的不可变绑定
	defs     map[string]int
	assigns  map[string][]rewrite // 变量 -> 改写点
}

// rewrite 变量的一次改写；value 为改写后的值，无法建模时为 nil
type rewrite struct {
	pos   uint32
	node  *sitter.Node
	value symbolic.Expr
}

// macroDeref 宏参数中的指针解引用 *p.add(k)
var macroDeref = regexp.MustCompile(`\*\s*([A-Za-z_][A-Za-z0-9_]*)\s*\.\s*(add|offset)\s*\(\s*([^()]*?)\s*\)`)

// NewSyntaxDetector 创建语法遍检测器
func NewSyntaxDetector() *SyntaxDetector {
	return &SyntaxDetector{
		BaseDetector: core.NewBaseDetector("syntax", core.PassSyntax),
	}
}

// Detect 执行检测
func (d *SyntaxDetector) Detect(rep *core.Representation) ([]core.Candidate, error) {
	if !rep.HasSyntax() {
		return nil, core.NewError(core.CodeRepresentation, "detect", rep.Path, fmt.Errorf("syntax tree unavailable"))
	}
	unit := rep.Unit

	funcs, err := unit.FindFunctions()
	if err != nil {
		return nil, core.NewError(core.CodeRepresentation, "detect", rep.Path, err)
	}
	consts := unit.FindConstants()
	tb := core.NewTermBuilder(unit)

	var candidates []core.Candidate
	for _, fn := range funcs {
		scope := d.collectScope(unit, tb, fn, consts)
		candidates = append(candidates, d.detectFunction(scope, fn)...)
	}
	core.SortCandidates(candidates)
	return candidates, nil
}

// =============================================================================
// 声明收集
// =============================================================================

// collectScope 收集函数内的缓冲区、指针、不可变绑定与改写位置
func (d *SyntaxDetector) collectScope(unit *core.ParsedUnit, tb *core.TermBuilder, fn core.FunctionDef, consts map[string]int64) *functionScope {
	scope := &functionScope{
		unit:     unit,
		tb:       tb,
		facts:    unit.FactsOf(tb, fn, consts),
		buffers:  make(map[string]*bufferInfo),
		pointers: make(map[string]*pointerInfo),
		bindings: make(map[string]symbolic.Expr),
		defs:     make(map[string]int),
		assigns:  make(map[string][]rewrite),
	}
	for name, length := range scope.facts.ParamLengths {
		scope.buffers[name] = &bufferInfo{Length: length, Array: true}
	}

	core.Walk(fn.Body, func(n *sitter.Node) bool {
		switch n.Type() {
		case "function_item":
			return false
		case "let_declaration":
			d.collectLet(scope, n)
		case "assignment_expression", "compound_assignment_expr":
			d.collectAssign(scope, n)
		case "call_expression":
			if recv, method, _, ok := unit.MethodCall(n); ok && core.IsGrowthMethod(method) {
				name := unit.GetSourceText(recv)
				if buf, ok := scope.buffers[name]; ok {
					buf.Grown = true
				}
				scope.markAssigned(symbolic.LengthOf(name).Name, n)
			}
		}
		return true
	})
	return scope
}

func (d *SyntaxDetector) collectLet(scope *functionScope, let *sitter.Node) {
	unit, tb := scope.unit, scope.tb
	name := unit.PatternName(let.ChildByFieldName("pattern"))
	if name == "" {
		return
	}
	value := let.ChildByFieldName("value")
	scope.defs[name]++
	scope.markRewritten(name, let, value)

	if alloc, ok := unit.AllocationOf(tb, value); ok {
		if _, seen := scope.buffers[name]; seen {
			scope.buffers[name] = &bufferInfo{Array: alloc.Array, Grown: true}
			return
		}
		scope.buffers[name] = &bufferInfo{Length: alloc.Length, Array: alloc.Array, Decl: unit.DeclarationOf(name, let, alloc)}
		return
	}
	if length, ok := unit.ArrayTypeLength(tb, let.ChildByFieldName("type")); ok {
		scope.buffers[name] = &bufferInfo{Length: length, Array: true}
		return
	}
	if p, ok := unit.DerivePointer(tb, value); ok && !p.Bare {
		info := scope.pointers[name]
		if info == nil {
			info = &pointerInfo{}
			scope.pointers[name] = info
		}
		info.Root, info.RootIsBuffer, info.Offset, info.OffsetType = p.Root, p.RootIsBuffer, p.Offset, p.OffsetType
		info.Defs++
		return
	}
	if value != nil && !core.IsMutableLet(let) {
		// let i = i + 1 遮蔽旧值，不能作为 i 自身的绑定
		if expr := tb.Expr(value); !symbolic.ContainsOpaque(expr) && !containsName(symbolic.FreeVars(expr), name) {
			scope.bindings[name] = expr
		}
	}
}

func (d *SyntaxDetector) collectAssign(scope *functionScope, node *sitter.Node) {
	left := node.ChildByFieldName("left")
	if left == nil {
		return
	}
	name := scope.unit.GetSourceText(left)
	scope.markRewritten(name, node, node.ChildByFieldName("right"))
	if p, ok := scope.pointers[name]; ok {
		p.Defs++
	}
	if buf, ok := scope.buffers[name]; ok {
		buf.Grown = true
		scope.markAssigned(symbolic.LengthOf(name).Name, node)
	}
}

func (s *functionScope) markAssigned(name string, node *sitter.Node) {
	s.assigns[name] = append(s.assigns[name], rewrite{pos: node.StartByte(), node: node})
}

// markRewritten 记录赋值、复合赋值或遮蔽声明，并尽量给出改写后的值
func (s *functionScope) markRewritten(name string, node, right *sitter.Node) {
	site := rewrite{pos: node.StartByte(), node: node}
	if right != nil {
		value := s.tb.Expr(right)
		if node.Type() == "compound_assignment_expr" {
			value = nil
			if op, ok := symbolic.ParseOp(strings.TrimSuffix(s.unit.OperatorText(node), "=")); ok {
				value = symbolic.Binary{Op: op, X: symbolic.Var{Name: name}, Y: s.tb.Expr(right)}
			}
		}
		if value != nil && !symbolic.ContainsOpaque(value) {
			site.value = value
		}
	}
	s.assigns[name] = append(s.assigns[name], site)
}

// lengthOf 缓冲区的语法长度，存在长度改变时未知
func (s *functionScope) lengthOf(buffer string) symbolic.Expr {
	if buf, ok := s.buffers[buffer]; ok && !buf.Grown {
		return buf.Length
	}
	return nil
}

// resolvePointer 沿指针派生链找到底层缓冲区，返回累计偏移
func (s *functionScope) resolvePointer(site core.AccessSite) (buffer string, offset symbolic.Expr, dom *symbolic.Domain, ok bool) {
	offset, dom = site.Offset, site.OffsetType
	if site.BaseIsBuffer {
		return site.Base, offset, dom, true
	}
	root := site.Base
	for depth := 0; depth < 8; depth++ {
		p, found := s.pointers[root]
		if !found || p.Defs != 1 {
			return "", offset, dom, false
		}
		offset = symbolic.Fold(symbolic.Add(p.Offset, offset))
		if p.OffsetType != nil && (dom == nil || p.OffsetType.Signed) {
			dom = p.OffsetType
		}
		if p.RootIsBuffer {
			return p.Root, offset, dom, true
		}
		root = p.Root
	}
	return "", offset, dom, false
}

// =============================================================================
// 访问检测
// =============================================================================

// detectFunction 检测函数中的受检访问
func (d *SyntaxDetector) detectFunction(scope *functionScope, fn core.FunctionDef) []core.Candidate {
	unit, tb := scope.unit, scope.tb
	var candidates []core.Candidate

	core.Walk(fn.Body, func(n *sitter.Node) bool {
		switch n.Type() {
		case "function_item":
			return false
		case "macro_invocation":
			if unit.InUnsafeRegion(n) {
				candidates = append(candidates, d.detectMacro(scope, n)...)
			}
			return false
		}
		if !unit.InUnsafeRegion(n) {
			return true
		}
		site, ok := unit.MatchAccess(tb, n)
		if !ok {
			return true
		}
		if c, ok := d.buildCandidate(scope, site); ok {
			candidates = append(candidates, c)
		}
		return true
	})
	return candidates
}

// buildCandidate 由访问点构建候选
func (d *SyntaxDetector) buildCandidate(scope *functionScope, site core.AccessSite) (core.Candidate, bool) {
	unit := scope.unit
	c := core.Candidate{
		Location:   unit.LocationOf(site.Node),
		Kind:       scope.facts.KindOf(site),
		Base:       site.Base,
		Offset:     site.Offset,
		OffsetText: site.Offset.String(),
		OffsetType: site.OffsetType,
		Passes:     []core.Pass{core.PassSyntax},
	}

	if site.Pointer {
		buffer, offset, dom, ok := scope.resolvePointer(site)
		if !ok && site.Bare {
			// *x 不是经指针派生得到的访问
			return core.Candidate{}, false
		}
		c.Buffer, c.Offset, c.OffsetType = buffer, offset, dom
		c.OffsetText = offset.String()
	} else {
		c.Buffer = site.Base
	}
	if c.Buffer != "" {
		c.KnownLength = scope.lengthOf(c.Buffer)
	}

	// 字面量索引小于字面量长度时无需验证
	if !site.Pointer {
		if off, ok := symbolic.AsLiteral(c.Offset); ok {
			if length, ok := symbolic.AsLiteral(substituteConsts(c.KnownLength, scope.facts.Consts)); ok && off >= 0 && off < length {
				return core.Candidate{}, false
			}
		}
	}

	if c.OffsetType == nil {
		if v, ok := c.Offset.(symbolic.Var); ok {
			if dom, ok := scope.facts.VarTypes[v.Name]; ok {
				c.OffsetType = &dom
			}
		}
	}

	var renamed map[string]symbolic.Expr
	c.Guard, renamed = d.collectGuard(scope, site.Node, c)
	c.Bindings, c.VarTypes = scope.supportingFacts(c, renamed)

	shape := unit.ShapeOf(site)
	if buf, ok := scope.buffers[c.Buffer]; ok && !buf.Grown {
		shape.Decl = buf.Decl
	}
	c.Shape = shape
	return c, true
}

func substituteConsts(e symbolic.Expr, consts map[string]int64) symbolic.Expr {
	if e == nil || len(consts) == 0 {
		return e
	}
	m := make(map[string]symbolic.Expr, len(consts))
	for k, v := range consts {
		m[k] = symbolic.Lit{Value: v}
	}
	return symbolic.Substitute(e, m)
}

// detectMacro 扫描宏参数中的指针解引用，宏内访问只能人工复核
func (d *SyntaxDetector) detectMacro(scope *functionScope, macro *sitter.Node) []core.Candidate {
	unit := scope.unit
	name := unit.GetSourceText(macro.ChildByFieldName("macro"))
	if name == "vec" {
		return nil
	}
	var tt *sitter.Node
	for _, child := range core.NamedChildren(macro) {
		if child.Type() == "token_tree" {
			tt = child
		}
	}
	if tt == nil {
		return nil
	}
	text := unit.GetSourceText(tt)

	var candidates []core.Candidate
	for _, m := range macroDeref.FindAllStringSubmatchIndex(text, -1) {
		span := core.Span{Start: tt.StartByte() + uint32(m[0]), End: tt.StartByte() + uint32(m[1])}
		ptr := text[m[2]:m[3]]
		method := text[m[4]:m[5]]
		argText := text[m[6]:m[7]]

		offset, err := symbolic.ParseExpr(argText)
		if err != nil {
			offset = symbolic.Opaque{ID: int(span.Start), Text: argText}
		}
		site := core.AccessSite{Pointer: true, Base: ptr, Offset: offset, Form: core.FormRead}
		if method == "offset" {
			isize := symbolic.Isize
			site.OffsetType = &isize
		}
		buffer, offset, dom, _ := scope.resolvePointer(site)

		stmtNode := core.EnclosingStatement(macro)
		shape := core.AccessShape{
			Form:       core.FormRead,
			Access:     span,
			AccessText: text[m[0]:m[1]],
			Expr:       span,
			ExprText:   text[m[0]:m[1]],
			InMacro:    true,
		}
		if stmtNode != nil {
			shape.Stmt = core.SpanOf(stmtNode)
			shape.StmtText = unit.GetSourceText(stmtNode)
		}

		c := core.Candidate{
			Location:   unit.LocationAt(span),
			Kind:       core.KindRawPointerDerefOffset,
			Base:       ptr,
			Buffer:     buffer,
			Offset:     offset,
			OffsetText: offset.String(),
			OffsetType: dom,
			Shape:      shape,
			Passes:     []core.Pass{core.PassSyntax},
		}
		if buffer != "" {
			c.KnownLength = scope.lengthOf(buffer)
		}
		guard, renamed := d.collectGuard(scope, macro, c)
		c.Guard = guard
		c.Bindings, c.VarTypes = scope.supportingFacts(c, renamed)
		candidates = append(candidates, c)
	}
	return candidates
}

// =============================================================================
// 保护条件
// =============================================================================

// guardPart 单个保护条件来源
type guardPart struct {
	pred   symbolic.Pred
	origin core.GuardOrigin
	pos    uint32 // 条件求值结束的位置
}

// collectGuard 沿语法树向上收集包围访问的 if 条件与 for 循环范围
// 第二个返回值是改写前取值变量带来的绑定
func (d *SyntaxDetector) collectGuard(scope *functionScope, node *sitter.Node, c core.Candidate) (*core.Guard, map[string]symbolic.Expr) {
	unit, tb := scope.unit, scope.tb
	var parts []guardPart

	for cur, parent := node, node.Parent(); parent != nil; cur, parent = parent, parent.Parent() {
		switch parent.Type() {
		case "function_item", "closure_expression":
			parent = nil
		case "if_expression":
			if cons := parent.ChildByFieldName("consequence"); cons != nil && sameSpan(cons, cur) {
				cond := parent.ChildByFieldName("condition")
				if p, _ := tb.Pred(cond); p != nil {
					parts = append(parts, guardPart{pred: p, origin: core.GuardIf, pos: cond.EndByte()})
				}
			}
		case "else_clause":
			ifNode := parent.Parent()
			if ifNode == nil || ifNode.Type() != "if_expression" {
				continue
			}
			cond := ifNode.ChildByFieldName("condition")
			if p, exact := tb.Pred(cond); p != nil && exact {
				parts = append(parts, guardPart{pred: symbolic.Negate(p), origin: core.GuardElse, pos: cond.EndByte()})
			}
		case "while_expression":
			if body := parent.ChildByFieldName("body"); body != nil && sameSpan(body, cur) {
				cond := parent.ChildByFieldName("condition")
				if p, _ := tb.Pred(cond); p != nil {
					parts = append(parts, guardPart{pred: p, origin: core.GuardLoop, pos: cond.EndByte()})
				}
			}
		case "for_expression":
			if body := parent.ChildByFieldName("body"); body != nil && sameSpan(body, cur) {
				value := parent.ChildByFieldName("value")
				if p := unit.LoopGuard(tb, parent.ChildByFieldName("pattern"), value); p != nil {
					parts = append(parts, guardPart{pred: p, origin: core.GuardLoop, pos: value.EndByte()})
				}
			}
		}
		if parent == nil {
			break
		}
	}
	if len(parts) == 0 {
		return nil, nil
	}

	relevant := relevantNames(c)
	access := node.StartByte()
	var kept []symbolic.Pred
	origins := make(map[core.GuardOrigin]bool)
	renamed := make(map[string]symbolic.Expr)
	for _, part := range parts {
		for _, conj := range conjuncts(part.pred) {
			if !mentionsAny(conj, relevant) {
				continue
			}
			atAccess, ok := scope.preState(conj, part.pos, node, renamed)
			if !ok {
				continue
			}
			kept = append(kept, atAccess)
			origins[part.origin] = true
		}
	}
	return makeGuard(kept, origins), renamed
}

// preStateName 改写前取值的变量名
func preStateName(name string) string {
	return name + "@pre"
}

// preState 把条件改写到访问点：条件与访问之间只被改写一次且改写值可建模的变量
// 换成改写前的取值，并在 renamed 中记录 name = value[name := name@pre]；
// 其余被改写的变量使条件失效
func (s *functionScope) preState(p symbolic.Pred, from uint32, access *sitter.Node, renamed map[string]symbolic.Expr) (symbolic.Pred, bool) {
	to := access.StartByte()
	subst := make(map[string]symbolic.Expr)
	values := make(map[string]symbolic.Expr)
	for _, name := range symbolic.PredVars(p) {
		sites := s.rewritesBetween(name, from, to)
		if len(sites) == 0 {
			continue
		}
		site := sites[0]
		if len(sites) > 1 || site.value == nil || !runsBefore(site.node, access) {
			return nil, false
		}
		pre := preStateName(name)
		for _, v := range symbolic.FreeVars(site.value) {
			if v != name && len(s.rewritesBetween(v, site.pos, to)) > 0 {
				return nil, false
			}
		}
		subst[name] = symbolic.Var{Name: pre}
		values[name] = symbolic.Substitute(site.value, map[string]symbolic.Expr{name: symbolic.Var{Name: pre}})
	}
	if len(subst) == 0 {
		return p, true
	}
	for name, v := range values {
		renamed[name] = v
	}
	return symbolic.SubstitutePred(p, subst), true
}

// rewritesBetween 变量在 (from, to) 区间内的改写点
func (s *functionScope) rewritesBetween(name string, from, to uint32) []rewrite {
	var out []rewrite
	for _, site := range s.assigns[name] {
		if site.pos > from && site.pos < to {
			out = append(out, site)
		}
	}
	return out
}

// runsBefore 改写语句是否与访问处于同一语句块链上，从而必然先于访问执行
func runsBefore(rewritten, access *sitter.Node) bool {
	stmt := core.EnclosingStatement(rewritten)
	if stmt == nil || stmt.Parent() == nil {
		return false
	}
	block := stmt.Parent()
	if block.Type() != "block" {
		return false
	}
	return access.StartByte() >= block.StartByte() && access.EndByte() <= block.EndByte()
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func sameSpan(a, b *sitter.Node) bool {
	return a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte()
}

// supportingFacts 收集偏移、长度与保护条件所依赖的绑定和整数类型
func (s *functionScope) supportingFacts(c core.Candidate, renamed map[string]symbolic.Expr) ([]core.Binding, map[string]symbolic.Domain) {
	types := s.facts.VarTypes
	if len(renamed) > 0 {
		types = make(map[string]symbolic.Domain, len(s.facts.VarTypes)+len(renamed))
		for k, v := range s.facts.VarTypes {
			types[k] = v
		}
		for name := range renamed {
			if d, ok := types[name]; ok {
				types[preStateName(name)] = d
			}
		}
	}
	return closeBindings(c, func(name string) (symbolic.Expr, bool) {
		if v, ok := renamed[name]; ok {
			return v, true
		}
		if s.defs[name] == 1 {
			if v, ok := s.bindings[name]; ok {
				return v, true
			}
		}
		if v, ok := s.facts.Consts[name]; ok {
			return symbolic.Lit{Value: v}, true
		}
		if buffer, ok := symbolic.IsLength(symbolic.Var{Name: name}); ok && buffer != c.Buffer {
			if length := s.lengthOf(buffer); length != nil {
				return length, true
			}
		}
		return nil, false
	}, types)
}

// =============================================================================
// 两个检测遍共用的辅助函数
// =============================================================================

// relevantNames 与候选相关的变量：偏移中的变量和底层缓冲区长度
func relevantNames(c core.Candidate) map[string]bool {
	names := map[string]bool{c.LengthName(): true}
	for _, v := range symbolic.FreeVars(c.Offset) {
		names[v] = true
	}
	if c.KnownLength != nil {
		for _, v := range symbolic.FreeVars(c.KnownLength) {
			names[v] = true
		}
	}
	return names
}

func conjuncts(p symbolic.Pred) []symbolic.Pred {
	if a, ok := p.(symbolic.And); ok {
		var out []symbolic.Pred
		for _, q := range a.Ps {
			out = append(out, conjuncts(q)...)
		}
		return out
	}
	return []symbolic.Pred{p}
}

func mentionsAny(p symbolic.Pred, names map[string]bool) bool {
	for _, v := range symbolic.PredVars(p) {
		if names[v] {
			return true
		}
	}
	return false
}

// makeGuard 合取保留的条件，来源唯一时沿用，否则标记为合并
func makeGuard(kept []symbolic.Pred, origins map[core.GuardOrigin]bool) *core.Guard {
	if len(kept) == 0 {
		return nil
	}
	pred := symbolic.Conj(kept...)
	origin := core.GuardMerged
	if len(origins) == 1 {
		for o := range origins {
			origin = o
		}
	}
	return &core.Guard{Pred: pred, Text: pred.String(), Origin: origin}
}

// closeBindings 从偏移、长度和保护条件中的变量出发，传递闭包地收集绑定
func closeBindings(c core.Candidate, lookup func(string) (symbolic.Expr, bool), types map[string]symbolic.Domain) ([]core.Binding, map[string]symbolic.Domain) {
	var work []string
	work = append(work, symbolic.FreeVars(c.Offset)...)
	if c.KnownLength != nil {
		work = append(work, symbolic.FreeVars(c.KnownLength)...)
	}
	if c.Guard != nil {
		work = append(work, symbolic.PredVars(c.Guard.Pred)...)
	}

	seen := make(map[string]bool)
	var bindings []core.Binding
	varTypes := make(map[string]symbolic.Domain)
	for len(work) > 0 {
		name := work[0]
		work = work[1:]
		if seen[name] {
			continue
		}
		seen[name] = true
		if d, ok := types[name]; ok {
			varTypes[name] = d
		}
		if v, ok := lookup(name); ok {
			bindings = append(bindings, core.Binding{Name: name, Value: v})
			work = append(work, symbolic.FreeVars(v)...)
		}
	}
	sortBindings(bindings)
	return bindings, varTypes
}

func sortBindings(bs []core.Binding) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].Name < bs[j].Name })
}
