package core

import (
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/LliminM/rupair/internal/symbolic"
)

// cfgBuilder 把单个函数的语法树降低为流图
type cfgBuilder struct {
	unit  *ParsedUnit
	tb    *TermBuilder
	body  *FlowBody
	facts FunctionFacts
	cur   int // 当前块；-1 表示控制流已转出
	loops []loopFrame
}

type loopFrame struct {
	head, exit int
}

// LowerUnit 为解析单元中的每个函数构建流图
func LowerUnit(unit *ParsedUnit) ([]*FlowBody, error) {
	funcs, err := unit.FindFunctions()
	if err != nil {
		return nil, NewError(CodeRepresentation, "lower", unit.FilePath, fmt.Errorf("failed to find functions: %w", err))
	}
	consts := unit.FindConstants()
	tb := NewTermBuilder(unit)

	bodies := make([]*FlowBody, 0, len(funcs))
	for _, fn := range funcs {
		body, err := LowerFunction(unit, tb, fn, consts)
		if err != nil {
			return nil, NewError(CodeRepresentation, "lower", unit.FilePath, fmt.Errorf("function %s: %w", fn.Name, err))
		}
		bodies = append(bodies, body)
	}
	return bodies, nil
}

// LowerFunction 为单个函数构建流图
func LowerFunction(unit *ParsedUnit, tb *TermBuilder, fn FunctionDef, consts map[string]int64) (*FlowBody, error) {
	b := &cfgBuilder{
		unit:  unit,
		tb:    tb,
		body:  NewFlowBody(fn.Name, unit.FilePath),
		facts: unit.FactsOf(tb, fn, consts),
	}
	b.cur = b.body.Entry
	for name, d := range b.facts.VarTypes {
		b.body.VarTypes[name] = d
	}
	for name, v := range consts {
		b.body.Consts[name] = v
	}

	// 定长数组参数在入口处视为已分配
	for name, length := range b.facts.ParamLengths {
		b.emit(FlowStmt{Kind: StmtAlloc, Loc: unit.LocationOf(fn.Node), Target: name, Value: length, Array: true})
	}

	b.buildBlock(fn.Body)
	if b.cur >= 0 {
		b.terminate(Terminator{Kind: TermReturn})
	}
	if err := b.body.Link(); err != nil {
		return nil, err
	}
	return b.body, nil
}

// block 返回当前块；控制流已转出时新建一个不可达块承接后续语句
func (b *cfgBuilder) block() *FlowBlock {
	if b.cur < 0 {
		b.cur = b.body.NewBlock()
	}
	return b.body.Blocks[b.cur]
}

func (b *cfgBuilder) emit(stmt FlowStmt) {
	blk := b.block()
	blk.Stmts = append(blk.Stmts, stmt)
}

func (b *cfgBuilder) terminate(t Terminator) {
	b.block().Term = t
	b.cur = -1
}

func (b *cfgBuilder) jump(target int) {
	b.terminate(Terminator{Kind: TermGoto, Then: target})
}

// fallthroughTo 当前块仍然打开时跳到 target
func (b *cfgBuilder) fallthroughTo(target int) {
	if b.cur >= 0 {
		b.jump(target)
	}
}

// buildBlock 构建块表达式
func (b *cfgBuilder) buildBlock(node *sitter.Node) {
	for _, child := range NamedChildren(node) {
		b.buildStatement(child)
	}
}

// buildStatement 构建单条语句
func (b *cfgBuilder) buildStatement(node *sitter.Node) {
	switch node.Type() {
	case "expression_statement":
		if inner := node.NamedChild(0); inner != nil {
			b.buildExpr(inner)
		}
	case "let_declaration":
		b.buildLet(node)
	case "line_comment", "block_comment", "attribute_item", "inner_attribute_item", "empty_statement":
	case "function_item", "struct_item", "enum_item", "impl_item", "trait_item", "mod_item",
		"use_declaration", "const_item", "static_item", "type_item", "macro_definition":
		// 嵌套条目单独分析
	default:
		b.buildExpr(node)
	}
}

// buildExpr 构建语句位置的表达式
func (b *cfgBuilder) buildExpr(node *sitter.Node) {
	switch node.Type() {
	case "if_expression":
		b.buildIf(node)
	case "while_expression":
		b.buildWhile(node)
	case "loop_expression":
		b.buildLoop(node)
	case "for_expression":
		b.buildFor(node)
	case "match_expression":
		b.buildMatch(node)
	case "block":
		b.buildBlock(node)
	case "unsafe_block":
		for _, child := range NamedChildren(node) {
			if child.Type() == "block" {
				b.buildBlock(child)
			}
		}
	case "return_expression":
		b.scan(node)
		b.terminate(Terminator{Kind: TermReturn})
	case "break_expression":
		b.scan(node)
		if n := len(b.loops); n > 0 {
			b.jump(b.loops[n-1].exit)
		} else {
			b.terminate(Terminator{Kind: TermReturn})
		}
	case "continue_expression":
		if n := len(b.loops); n > 0 {
			b.jump(b.loops[n-1].head)
		}
	case "assignment_expression", "compound_assignment_expr":
		b.scan(node)
		b.buildAssign(node)
	default:
		b.scan(node)
	}
}

// buildIf 构建 if 表达式
// 没有 else 时也生成独立的 else 块，使提前返回的条件能够支配后续代码
func (b *cfgBuilder) buildIf(node *sitter.Node) {
	cond := node.ChildByFieldName("condition")
	b.scan(cond)
	pred, exact := b.tb.Pred(cond)

	thenBlock, elseBlock, join := b.body.NewBlock(), b.body.NewBlock(), b.body.NewBlock()
	b.terminate(Terminator{
		Kind:     TermBranch,
		Cond:     pred,
		CondText: b.unit.GetSourceText(cond),
		Exact:    exact && pred != nil,
		Then:     thenBlock,
		Else:     elseBlock,
	})

	b.cur = thenBlock
	if consequence := node.ChildByFieldName("consequence"); consequence != nil {
		b.buildExpr(consequence)
	}
	b.fallthroughTo(join)

	b.cur = elseBlock
	if alternative := node.ChildByFieldName("alternative"); alternative != nil {
		for _, child := range NamedChildren(alternative) {
			b.buildExpr(child)
		}
	}
	b.fallthroughTo(join)

	b.cur = join
}

// buildWhile 构建 while 循环：循环头求值条件
func (b *cfgBuilder) buildWhile(node *sitter.Node) {
	head := b.body.NewBlock()
	b.jump(head)
	b.cur = head

	cond := node.ChildByFieldName("condition")
	b.scan(cond)
	pred, exact := b.tb.Pred(cond)

	bodyBlock, exit := b.body.NewBlock(), b.body.NewBlock()
	b.terminate(Terminator{
		Kind:     TermBranch,
		Cond:     pred,
		CondText: b.unit.GetSourceText(cond),
		Exact:    exact && pred != nil,
		Then:     bodyBlock,
		Else:     exit,
	})

	b.loops = append(b.loops, loopFrame{head: head, exit: exit})
	b.cur = bodyBlock
	if body := node.ChildByFieldName("body"); body != nil {
		b.buildExpr(body)
	}
	b.fallthroughTo(head)
	b.loops = b.loops[:len(b.loops)-1]

	b.cur = exit
}

// buildLoop 构建 loop 循环，只能经 break 退出
func (b *cfgBuilder) buildLoop(node *sitter.Node) {
	head, exit := b.body.NewBlock(), b.body.NewBlock()
	b.jump(head)

	b.loops = append(b.loops, loopFrame{head: head, exit: exit})
	b.cur = head
	if body := node.ChildByFieldName("body"); body != nil {
		b.buildExpr(body)
	}
	b.fallthroughTo(head)
	b.loops = b.loops[:len(b.loops)-1]

	b.cur = exit
}

// buildFor 构建 for 循环：循环头的条件由迭代范围推出
func (b *cfgBuilder) buildFor(node *sitter.Node) {
	pattern, value := node.ChildByFieldName("pattern"), node.ChildByFieldName("value")
	b.scan(value)

	head := b.body.NewBlock()
	b.jump(head)
	b.cur = head

	bodyBlock, exit := b.body.NewBlock(), b.body.NewBlock()
	b.terminate(Terminator{
		Kind:     TermBranch,
		Cond:     b.unit.LoopGuard(b.tb, pattern, value),
		CondText: strings.TrimSpace(b.unit.GetSourceText(pattern) + " in " + b.unit.GetSourceText(value)),
		Then:     bodyBlock,
		Else:     exit,
	})

	b.loops = append(b.loops, loopFrame{head: head, exit: exit})
	b.cur = bodyBlock
	if body := node.ChildByFieldName("body"); body != nil {
		b.buildExpr(body)
	}
	b.fallthroughTo(head)
	b.loops = b.loops[:len(b.loops)-1]

	b.cur = exit
}

// buildMatch 构建 match 表达式，分支条件不建模
func (b *cfgBuilder) buildMatch(node *sitter.Node) {
	b.scan(node.ChildByFieldName("value"))

	var arms []*sitter.Node
	for _, child := range NamedChildren(node.ChildByFieldName("body")) {
		if child.Type() == "match_arm" {
			arms = append(arms, child)
		}
	}
	targets := make([]int, len(arms))
	for i := range arms {
		targets[i] = b.body.NewBlock()
	}
	join := b.body.NewBlock()
	if len(targets) == 0 {
		b.jump(join)
		b.cur = join
		return
	}
	b.terminate(Terminator{Kind: TermSwitch, Targets: targets})

	for i, arm := range arms {
		b.cur = targets[i]
		if value := arm.ChildByFieldName("value"); value != nil {
			b.buildExpr(value)
		}
		b.fallthroughTo(join)
	}
	b.cur = join
}

// buildLet 构建 let 声明：分配、指针派生或普通赋值
func (b *cfgBuilder) buildLet(node *sitter.Node) {
	value := node.ChildByFieldName("value")
	b.scan(value)

	name := b.unit.PatternName(node.ChildByFieldName("pattern"))
	if name == "" {
		return
	}
	loc := b.unit.LocationOf(node)
	mutable := IsMutableLet(node)
	typ := node.ChildByFieldName("type")

	if alloc, ok := b.unit.AllocationOf(b.tb, value); ok {
		b.emit(FlowStmt{
			Kind:    StmtAlloc,
			Loc:     loc,
			Target:  name,
			Value:   alloc.Length,
			Array:   alloc.Array,
			Mutable: mutable,
			Decl:    b.unit.DeclarationOf(name, node, alloc),
		})
		return
	}
	if d, ok := b.unit.DerivePointer(b.tb, value); ok && !d.Bare {
		b.emit(FlowStmt{
			Kind:         StmtPtr,
			Loc:          loc,
			Target:       name,
			Base:         d.Root,
			RootIsBuffer: d.RootIsBuffer,
			Value:        d.Offset,
			Domain:       d.OffsetType,
			Mutable:      mutable,
		})
		return
	}
	if length, ok := b.unit.ArrayTypeLength(b.tb, typ); ok {
		b.emit(FlowStmt{Kind: StmtAlloc, Loc: loc, Target: name, Value: length, Array: true, Mutable: mutable})
		return
	}
	if value == nil {
		return
	}
	stmt := FlowStmt{Kind: StmtAssign, Loc: loc, Target: name, Value: b.tb.Expr(value), Mutable: mutable}
	if d, ok := b.facts.VarTypes[name]; ok {
		stmt.Domain = &d
	}
	b.emit(stmt)
}

// buildAssign 构建对变量的重新赋值
func (b *cfgBuilder) buildAssign(node *sitter.Node) {
	left, right := node.ChildByFieldName("left"), node.ChildByFieldName("right")
	if left == nil || !isPlace(left) {
		return
	}
	name := b.unit.GetSourceText(left)
	loc := b.unit.LocationOf(node)

	if node.Type() == "compound_assignment_expr" {
		var value symbolic.Expr = symbolic.Opaque{ID: int(node.StartByte()), Text: b.unit.GetSourceText(node)}
		if op, ok := symbolic.ParseOp(strings.TrimSuffix(b.unit.OperatorText(node), "=")); ok {
			value = symbolic.Binary{Op: op, X: symbolic.Var{Name: name}, Y: b.tb.Expr(right)}
		}
		b.emit(FlowStmt{Kind: StmtAssign, Loc: loc, Target: name, Value: value, Mutable: true})
		return
	}
	if alloc, ok := b.unit.AllocationOf(b.tb, right); ok {
		b.emit(FlowStmt{Kind: StmtAlloc, Loc: loc, Target: name, Value: alloc.Length, Array: alloc.Array, Mutable: true})
		return
	}
	if d, ok := b.unit.DerivePointer(b.tb, right); ok && !d.Bare {
		b.emit(FlowStmt{
			Kind:         StmtPtr,
			Loc:          loc,
			Target:       name,
			Base:         d.Root,
			RootIsBuffer: d.RootIsBuffer,
			Value:        d.Offset,
			Domain:       d.OffsetType,
			Mutable:      true,
		})
		return
	}
	b.emit(FlowStmt{Kind: StmtAssign, Loc: loc, Target: name, Value: b.tb.Expr(right), Mutable: true})
}

// scan 按求值顺序（后序）记录表达式中的访问与长度改变
func (b *cfgBuilder) scan(node *sitter.Node) {
	if node == nil {
		return
	}
	switch node.Type() {
	case "closure_expression", "function_item", "token_tree":
		return
	}
	for _, child := range NamedChildren(node) {
		b.scan(child)
	}

	if site, ok := b.unit.MatchAccess(b.tb, node); ok {
		shape := b.unit.ShapeOf(site)
		b.emit(FlowStmt{
			Kind:         StmtAccess,
			Loc:          b.unit.LocationOf(site.Node),
			Base:         site.Base,
			RootIsBuffer: site.BaseIsBuffer,
			Bare:         site.Bare,
			Value:        site.Offset,
			Domain:       site.OffsetType,
			Access:       b.facts.KindOf(site),
			Unsafe:       b.unit.InUnsafeRegion(site.Node),
			Shape:        &shape,
			Text:         b.unit.GetSourceText(site.Node),
		})
		return
	}

	if recv, method, args, ok := b.unit.MethodCall(node); ok && IsGrowthMethod(method) && isPlace(recv) {
		length, _ := b.unit.LengthAfter(b.tb, method, args)
		b.emit(FlowStmt{
			Kind:   StmtSetLen,
			Loc:    b.unit.LocationOf(node),
			Target: b.unit.GetSourceText(recv),
			Value:  length,
		})
	}
}
