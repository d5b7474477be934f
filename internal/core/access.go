package core

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/LliminM/rupair/internal/symbolic"
)

// =============================================================================
// 访问形态识别（语法检测与流图构建共用）
// =============================================================================

// AccessSite 语法树中的一次指针或索引访问
type AccessSite struct {
	Node         *sitter.Node // 访问表达式，决定候选位置
	Pointer      bool
	Base         string // 指针变量或缓冲区
	BaseIsBuffer bool   // 指针链直接从缓冲区派生（buf.as_mut_ptr().add(k)）
	Offset       symbolic.Expr
	OffsetType   *symbolic.Domain
	Bare         bool // *p 形式，指针变量未经偏移直接解引用
	Form         AccessForm
	Value        *sitter.Node
	Operator     string
	Unchecked    bool
}

// Write 是否为写访问
func (a AccessSite) Write() bool {
	return a.Form == FormAssign || a.Form == FormCompound || a.Form == FormPtrWrite
}

// Kind 指针访问按读写区分类型；索引访问由调用方按缓冲区声明决定
func (a AccessSite) Kind() OperationKind {
	if !a.Pointer {
		return KindSliceIndex
	}
	if a.Write() {
		return KindRawPointerOffset
	}
	return KindRawPointerDerefOffset
}

// PointerDerivation 指针派生链 root.as_mut_ptr().add(a).offset(b)
type PointerDerivation struct {
	Root         string
	RootIsBuffer bool
	Offset       symbolic.Expr
	OffsetType   *symbolic.Domain
	Bare         bool
}

var pointerBases = map[string]bool{"as_mut_ptr": true, "as_ptr": true}

var pointerSteps = map[string]bool{"add": true, "offset": true, "sub": true}

// DerivePointer 识别指针派生表达式
func (u *ParsedUnit) DerivePointer(tb *TermBuilder, node *sitter.Node) (PointerDerivation, bool) {
	node = stripCasts(node)
	if node == nil {
		return PointerDerivation{}, false
	}
	if node.Type() == "identifier" {
		return PointerDerivation{Root: u.GetSourceText(node), Offset: symbolic.Lit{Value: 0}, Bare: true}, true
	}
	recv, method, args, ok := u.MethodCall(node)
	if !ok {
		return PointerDerivation{}, false
	}
	switch {
	case pointerBases[method] && len(args) == 0 && isPlace(recv):
		return PointerDerivation{Root: u.GetSourceText(recv), RootIsBuffer: true, Offset: symbolic.Lit{Value: 0}}, true
	case pointerSteps[method] && len(args) == 1:
		inner, ok := u.DerivePointer(tb, recv)
		if !ok {
			return PointerDerivation{}, false
		}
		step := tb.Expr(args[0])
		dom := inner.OffsetType
		if d, ok := tb.DomainHint(args[0]); ok {
			dom = &d
		}
		switch method {
		case "offset":
			d := symbolic.Isize
			dom = &d
		case "sub":
			step = symbolic.Neg(step)
			d := symbolic.Isize
			dom = &d
		}
		inner.Offset = symbolic.Fold(symbolic.Add(inner.Offset, step))
		if lit, ok := symbolic.AsLiteral(inner.Offset); ok {
			inner.Offset = symbolic.Lit{Value: lit}
		}
		inner.OffsetType = dom
		inner.Bare = false
		return inner, true
	}
	return PointerDerivation{}, false
}

func stripCasts(node *sitter.Node) *sitter.Node {
	for node != nil {
		switch node.Type() {
		case "parenthesized_expression":
			node = node.NamedChild(0)
		case "type_cast_expression":
			node = node.ChildByFieldName("value")
		default:
			return node
		}
	}
	return nil
}

var ptrWriteMethods = map[string]bool{"write": true, "write_unaligned": true, "write_volatile": true}

var ptrReadMethods = map[string]bool{"read": true, "read_unaligned": true, "read_volatile": true}

// MatchAccess 识别节点是否为受检访问
func (u *ParsedUnit) MatchAccess(tb *TermBuilder, node *sitter.Node) (AccessSite, bool) {
	switch node.Type() {
	case "unary_expression":
		if u.OperatorText(node) != "*" {
			return AccessSite{}, false
		}
		operand := Unparen(node.NamedChild(0))
		if operand == nil {
			return AccessSite{}, false
		}
		if _, method, _, ok := u.MethodCall(operand); ok && (method == "get_unchecked" || method == "get_unchecked_mut") {
			return AccessSite{}, false
		}
		d, ok := u.DerivePointer(tb, operand)
		if !ok {
			return AccessSite{}, false
		}
		site := u.pointerSite(node, d)
		site.Form, site.Value, site.Operator = u.accessForm(node)
		return site, true

	case "call_expression":
		if recv, method, args, ok := u.MethodCall(node); ok {
			switch {
			case ptrWriteMethods[method] && len(args) == 1:
				if d, ok := u.DerivePointer(tb, recv); ok {
					site := u.pointerSite(node, d)
					site.Form, site.Value = FormPtrWrite, args[0]
					return site, true
				}
			case ptrReadMethods[method] && len(args) == 0:
				if d, ok := u.DerivePointer(tb, recv); ok {
					site := u.pointerSite(node, d)
					site.Form = FormPtrRead
					return site, true
				}
			case (method == "get_unchecked" || method == "get_unchecked_mut") && len(args) == 1 && isPlace(recv):
				site := u.indexSite(tb, node, recv, args[0])
				site.Unchecked = true
				// *buf.get_unchecked_mut(i) = v 的读写由外层解引用决定
				if parent := node.Parent(); parent != nil && parent.Type() == "unary_expression" && u.OperatorText(parent) == "*" {
					site.Node = parent
					site.Form, site.Value, site.Operator = u.accessForm(parent)
				}
				return site, true
			}
			return AccessSite{}, false
		}
		// std::ptr::write(p.add(k), v) / ptr::read(p.add(k))
		if path, args, ok := u.PathCall(node); ok && len(args) >= 1 {
			switch {
			case strings.HasSuffix(path, "ptr::write") && len(args) == 2:
				if d, ok := u.DerivePointer(tb, args[0]); ok {
					site := u.pointerSite(node, d)
					site.Form, site.Value = FormPtrWrite, args[1]
					return site, true
				}
			case strings.HasSuffix(path, "ptr::read") && len(args) == 1:
				if d, ok := u.DerivePointer(tb, args[0]); ok {
					site := u.pointerSite(node, d)
					site.Form = FormPtrRead
					return site, true
				}
			}
		}

	case "index_expression":
		base, index := node.NamedChild(0), node.NamedChild(1)
		if base == nil || index == nil || index.Type() == "range_expression" || !isPlace(base) {
			return AccessSite{}, false
		}
		site := u.indexSite(tb, node, base, index)
		site.Form, site.Value, site.Operator = u.accessForm(node)
		return site, true
	}
	return AccessSite{}, false
}

func (u *ParsedUnit) pointerSite(node *sitter.Node, d PointerDerivation) AccessSite {
	return AccessSite{
		Node:         node,
		Pointer:      true,
		Base:         d.Root,
		BaseIsBuffer: d.RootIsBuffer,
		Bare:         d.Bare,
		Offset:       d.Offset,
		OffsetType:   d.OffsetType,
		Form:         FormRead,
	}
}

func (u *ParsedUnit) indexSite(tb *TermBuilder, node, base, index *sitter.Node) AccessSite {
	site := AccessSite{
		Node:   node,
		Base:   u.GetSourceText(base),
		Offset: tb.Expr(index),
		Form:   FormRead,
	}
	if d, ok := tb.DomainHint(index); ok {
		site.OffsetType = &d
	}
	return site
}

// accessForm 由父节点判断访问是左值还是右值
func (u *ParsedUnit) accessForm(node *sitter.Node) (AccessForm, *sitter.Node, string) {
	child := node
	parent := node.Parent()
	for parent != nil && parent.Type() == "parenthesized_expression" {
		child, parent = parent, parent.Parent()
	}
	if parent == nil {
		return FormRead, nil, ""
	}
	left := parent.ChildByFieldName("left")
	if left == nil || !sameNode(left, child) {
		return FormRead, nil, ""
	}
	switch parent.Type() {
	case "assignment_expression":
		return FormAssign, parent.ChildByFieldName("right"), "="
	case "compound_assignment_expr":
		return FormCompound, parent.ChildByFieldName("right"), u.OperatorText(parent)
	}
	return FormRead, nil, ""
}

// assignmentOf 访问作为左值时所在的赋值表达式
func assignmentOf(node *sitter.Node) *sitter.Node {
	parent := node.Parent()
	for parent != nil && parent.Type() == "parenthesized_expression" {
		parent = parent.Parent()
	}
	if parent == nil {
		return nil
	}
	switch parent.Type() {
	case "assignment_expression", "compound_assignment_expr":
		return parent
	}
	return nil
}

func sameNode(a, b *sitter.Node) bool {
	return a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte() && a.Type() == b.Type()
}

// =============================================================================
// 缓冲区声明识别
// =============================================================================

// Allocation 缓冲区分配表达式
type Allocation struct {
	Length      symbolic.Expr // 未知时为 nil
	Array       bool
	LengthNode  *sitter.Node  // 可改写的长度字面量
	LengthValue int64
}

// growthMethods 改变长度的方法
var growthMethods = map[string]bool{
	"push": true, "pop": true, "insert": true, "remove": true, "swap_remove": true,
	"extend": true, "extend_from_slice": true, "append": true, "drain": true,
	"retain": true, "dedup": true, "split_off": true, "resize": true,
	"resize_with": true, "truncate": true, "clear": true, "set_len": true,
}

// IsGrowthMethod 方法是否可能改变缓冲区长度
func IsGrowthMethod(method string) bool {
	return growthMethods[method]
}

// LengthAfter 返回已知结果长度的长度改变方法：resize(n, v)、set_len(n)、truncate/clear
func (u *ParsedUnit) LengthAfter(tb *TermBuilder, method string, args []*sitter.Node) (symbolic.Expr, bool) {
	switch method {
	case "resize", "resize_with":
		if len(args) == 2 {
			return tb.Expr(args[0]), true
		}
	case "set_len":
		if len(args) == 1 {
			return tb.Expr(args[0]), true
		}
	case "clear":
		return symbolic.Lit{Value: 0}, true
	}
	return nil, false
}

// AllocationOf 识别缓冲区分配表达式
func (u *ParsedUnit) AllocationOf(tb *TermBuilder, node *sitter.Node) (Allocation, bool) {
	node = Unparen(node)
	if node == nil {
		return Allocation{}, false
	}
	switch node.Type() {
	case "macro_invocation":
		name := u.GetSourceText(node.ChildByFieldName("macro"))
		if name != "vec" {
			return Allocation{}, false
		}
		return u.vecMacro(tb, node), true

	case "array_expression":
		alloc := Allocation{Array: true}
		if length := node.ChildByFieldName("length"); length != nil {
			alloc.Length = tb.Expr(length)
			if length.Type() == "integer_literal" {
				alloc.LengthNode = length
				alloc.LengthValue, _, _ = ParseIntLiteral(u.GetSourceText(length))
			}
			return alloc, true
		}
		n := 0
		for _, child := range NamedChildren(node) {
			if child.Type() != "attribute_item" {
				n++
			}
		}
		alloc.Length = symbolic.Lit{Value: int64(n)}
		return alloc, true

	case "call_expression":
		if path, args, ok := u.PathCall(node); ok {
			switch {
			case strings.HasSuffix(path, "Vec::new"), strings.HasSuffix(path, "Vec::with_capacity"):
				return Allocation{Length: symbolic.Lit{Value: 0}}, true
			case strings.HasSuffix(path, "Box::new") && len(args) == 1:
				if inner, ok := u.AllocationOf(tb, args[0]); ok {
					return inner, true
				}
			}
		}
		if _, method, _, ok := u.MethodCall(node); ok {
			switch method {
			case "to_vec", "collect", "into_boxed_slice":
				// 长度来自运行时数据
				return Allocation{}, true
			}
		}
	}
	return Allocation{}, false
}

// vecMacro 解析 vec![v; n] 与 vec![a, b, c]
// 宏参数在语法树中只是记号序列，需按记号拆分
func (u *ParsedUnit) vecMacro(tb *TermBuilder, node *sitter.Node) Allocation {
	var tt *sitter.Node
	for i := 0; i < int(node.NamedChildCount()); i++ {
		if c := node.NamedChild(i); c.Type() == "token_tree" {
			tt = c
		}
	}
	if tt == nil {
		return Allocation{Length: symbolic.Lit{Value: 0}}
	}
	var tokens []*sitter.Node
	for i := 0; i < int(tt.ChildCount()); i++ {
		tokens = append(tokens, tt.Child(i))
	}
	// 去掉首尾括号
	if len(tokens) >= 2 {
		tokens = tokens[1 : len(tokens)-1]
	}
	if len(tokens) == 0 {
		return Allocation{Length: symbolic.Lit{Value: 0}}
	}
	for i, tok := range tokens {
		if u.GetSourceText(tok) != ";" {
			continue
		}
		rest := tokens[i+1:]
		if len(rest) == 1 {
			switch rest[0].Type() {
			case "integer_literal":
				v, _, ok := ParseIntLiteral(u.GetSourceText(rest[0]))
				if ok {
					return Allocation{Length: symbolic.Lit{Value: v}, LengthNode: rest[0], LengthValue: v}
				}
			case "identifier":
				return Allocation{Length: symbolic.Var{Name: u.GetSourceText(rest[0])}}
			}
		}
		if expr, err := symbolic.ParseExpr(joinTokens(u, rest)); err == nil {
			return Allocation{Length: expr}
		}
		return Allocation{}
	}
	// 逗号分隔的元素个数（只数顶层逗号）
	count, depth := 1, 0
	for i, tok := range tokens {
		switch u.GetSourceText(tok) {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
		case ",":
			if depth == 0 && i != len(tokens)-1 {
				count++
			}
		}
	}
	return Allocation{Length: symbolic.Lit{Value: int64(count)}}
}

func joinTokens(u *ParsedUnit, tokens []*sitter.Node) string {
	if len(tokens) == 0 {
		return ""
	}
	start, end := tokens[0].StartByte(), tokens[len(tokens)-1].EndByte()
	return u.SpanText(Span{Start: start, End: end})
}

// ArrayTypeLength 解析 [T; N] 类型的长度
func (u *ParsedUnit) ArrayTypeLength(tb *TermBuilder, typeNode *sitter.Node) (symbolic.Expr, bool) {
	for typeNode != nil && (typeNode.Type() == "reference_type" || typeNode.Type() == "pointer_type") {
		typeNode = typeNode.ChildByFieldName("type")
	}
	if typeNode == nil || typeNode.Type() != "array_type" {
		return nil, false
	}
	length := typeNode.ChildByFieldName("length")
	if length == nil {
		// [T] 切片
		return nil, false
	}
	return tb.Expr(length), true
}

// IsCollectionType 类型是否为 Vec、切片或数组
func (u *ParsedUnit) IsCollectionType(typeNode *sitter.Node) bool {
	text := u.GetSourceText(typeNode)
	text = strings.TrimLeft(text, "&* ")
	text = strings.TrimPrefix(text, "mut ")
	text = strings.TrimPrefix(text, "const ")
	return strings.HasPrefix(text, "Vec<") || strings.HasPrefix(text, "[") || strings.HasPrefix(text, "Box<[")
}
