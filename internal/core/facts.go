package core

import (
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/LliminM/rupair/internal/symbolic"
)

// FunctionFacts 函数内与控制流无关的声明信息，两个检测遍共用
type FunctionFacts struct {
	Arrays       map[string]bool            // 声明为定长数组的名字
	ParamLengths map[string]symbolic.Expr   // [T; N] 参数的长度
	VarTypes     map[string]symbolic.Domain // 显式或由字面量推断的整数类型
	Consts       map[string]int64
}

// FactsOf 收集函数参数与 let 声明的类型信息
func (u *ParsedUnit) FactsOf(tb *TermBuilder, fn FunctionDef, consts map[string]int64) FunctionFacts {
	facts := FunctionFacts{
		Arrays:       make(map[string]bool),
		ParamLengths: make(map[string]symbolic.Expr),
		VarTypes:     make(map[string]symbolic.Domain),
		Consts:       consts,
	}

	for _, param := range NamedChildren(fn.Node.ChildByFieldName("parameters")) {
		if param.Type() != "parameter" {
			continue
		}
		name := u.PatternName(param.ChildByFieldName("pattern"))
		typ := param.ChildByFieldName("type")
		if name == "" || typ == nil {
			continue
		}
		if length, ok := u.ArrayTypeLength(tb, typ); ok {
			facts.Arrays[name] = true
			facts.ParamLengths[name] = length
		}
		if d, ok := symbolic.DomainOf(u.GetSourceText(typ)); ok {
			facts.VarTypes[name] = d
		}
	}

	Walk(fn.Body, func(n *sitter.Node) bool {
		switch n.Type() {
		case "function_item":
			return false
		case "let_declaration":
			name := u.PatternName(n.ChildByFieldName("pattern"))
			if name == "" {
				return true
			}
			typ := n.ChildByFieldName("type")
			value := n.ChildByFieldName("value")
			if typ != nil {
				if _, ok := u.ArrayTypeLength(tb, typ); ok {
					facts.Arrays[name] = true
				}
				if d, ok := symbolic.DomainOf(u.GetSourceText(typ)); ok {
					facts.VarTypes[name] = d
				}
			}
			if alloc, ok := u.AllocationOf(tb, value); ok && alloc.Array {
				facts.Arrays[name] = true
			}
			if _, typed := facts.VarTypes[name]; !typed {
				if d, ok := tb.DomainHint(value); ok {
					facts.VarTypes[name] = d
				}
			}
		}
		return true
	})
	return facts
}

// KindOf 按缓冲区声明确定访问的操作类型
func (f FunctionFacts) KindOf(site AccessSite) OperationKind {
	if !site.Pointer && f.Arrays[site.Base] {
		return KindArrayIndex
	}
	return site.Kind()
}

// PatternName 返回简单绑定模式的变量名：x、mut x、ref x
func (u *ParsedUnit) PatternName(pattern *sitter.Node) string {
	if pattern == nil {
		return ""
	}
	switch pattern.Type() {
	case "identifier":
		return u.GetSourceText(pattern)
	case "mut_pattern", "ref_pattern":
		for _, c := range NamedChildren(pattern) {
			if name := u.PatternName(c); name != "" {
				return name
			}
		}
	}
	return ""
}

// IsMutableLet let 声明是否带 mut
func IsMutableLet(let *sitter.Node) bool {
	for i := 0; i < int(let.ChildCount()); i++ {
		if let.Child(i).Type() == "mutable_specifier" {
			return true
		}
	}
	if p := let.ChildByFieldName("pattern"); p != nil && p.Type() == "mut_pattern" {
		return true
	}
	return false
}

// ShapeOf 收集修复所需的语法形态
func (u *ParsedUnit) ShapeOf(site AccessSite) AccessShape {
	shape := AccessShape{
		Form:       site.Form,
		Access:     SpanOf(site.Node),
		AccessText: u.GetSourceText(site.Node),
		Operator:   site.Operator,
		InMacro:    InMacro(site.Node),
		Unchecked:  site.Unchecked,
	}
	if site.Value != nil {
		shape.Value = u.GetSourceText(site.Value)
	}
	expr := site.Node
	if site.Form == FormAssign || site.Form == FormCompound {
		if a := assignmentOf(site.Node); a != nil {
			expr = a
		}
	}
	shape.Expr = SpanOf(expr)
	shape.ExprText = u.GetSourceText(expr)
	stmt := EnclosingStatement(site.Node)
	if stmt == nil {
		return shape
	}
	shape.Stmt = SpanOf(stmt)
	shape.StmtText = u.GetSourceText(stmt)
	if stmt.Type() == "let_declaration" {
		if v := Unparen(stmt.ChildByFieldName("value")); v != nil && sameNode(v, site.Node) {
			shape.LetName = u.PatternName(stmt.ChildByFieldName("pattern"))
			shape.LetType = u.GetSourceText(stmt.ChildByFieldName("type"))
		}
	}
	return shape
}

// DeclarationOf 带字面量长度的缓冲区声明
func (u *ParsedUnit) DeclarationOf(name string, let *sitter.Node, alloc Allocation) *Declaration {
	if let == nil || alloc.LengthNode == nil {
		return nil
	}
	return &Declaration{
		Name:   name,
		Length: SpanOf(alloc.LengthNode),
		Value:  alloc.LengthValue,
		Stmt:   SpanOf(let),
		Text:   u.GetSourceText(let),
	}
}

// LoopGuard 由 for 循环头推出循环体内成立的条件
//
//	for i in a..b                      a <= i && i < b
//	for i in a..=b                     a <= i && i <= b
//	for (i, x) in v.iter().enumerate() 0 <= i && i < v.len()
func (u *ParsedUnit) LoopGuard(tb *TermBuilder, pattern, value *sitter.Node) symbolic.Pred {
	value = Unparen(value)
	if pattern == nil || value == nil {
		return nil
	}
	if recv, method, _, ok := u.MethodCall(value); ok {
		switch method {
		case "rev", "step_by":
			return u.LoopGuard(tb, pattern, recv)
		case "enumerate":
			if pattern.Type() != "tuple_pattern" {
				return nil
			}
			elems := NamedChildren(pattern)
			if len(elems) == 0 || elems[0].Type() != "identifier" {
				return nil
			}
			src, iter, _, ok := u.MethodCall(Unparen(recv))
			if !ok || (iter != "iter" && iter != "iter_mut" && iter != "into_iter") || !isPlace(src) {
				return nil
			}
			i := symbolic.Var{Name: u.GetSourceText(elems[0])}
			return symbolic.Conj(
				symbolic.Cmp{Op: symbolic.CmpLe, X: symbolic.Lit{Value: 0}, Y: i},
				symbolic.Cmp{Op: symbolic.CmpLt, X: i, Y: symbolic.LengthOf(u.GetSourceText(src))},
			)
		}
		return nil
	}
	if value.Type() != "range_expression" || pattern.Type() != "identifier" {
		return nil
	}
	var start, end *sitter.Node
	op := ""
	for i := 0; i < int(value.ChildCount()); i++ {
		c := value.Child(i)
		switch {
		case !c.IsNamed():
			op = u.GetSourceText(c)
		case op == "":
			start = c
		default:
			end = c
		}
	}
	if end == nil {
		return nil
	}
	i := symbolic.Var{Name: u.GetSourceText(pattern)}
	var lo symbolic.Expr = symbolic.Lit{Value: 0}
	if start != nil {
		lo = tb.Expr(start)
	}
	upper := symbolic.CmpLt
	if op == "..=" {
		upper = symbolic.CmpLe
	}
	return symbolic.Conj(
		symbolic.Cmp{Op: symbolic.CmpLe, X: lo, Y: i},
		symbolic.Cmp{Op: upper, X: i, Y: tb.Expr(end)},
	)
}
