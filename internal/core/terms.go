package core

import (
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/LliminM/rupair/internal/symbolic"
)

// TermBuilder 把语法树中的表达式转换为符号项
// 含副作用或无法建模的子表达式成为不透明项，以字节偏移为标识保证跨遍一致
type TermBuilder struct {
	unit *ParsedUnit
}

// NewTermBuilder 创建项构造器
func NewTermBuilder(unit *ParsedUnit) *TermBuilder {
	return &TermBuilder{unit: unit}
}

// ParseIntLiteral 解析 Rust 整数字面量，返回值与类型后缀
func ParseIntLiteral(text string) (int64, string, bool) {
	text = strings.ReplaceAll(strings.TrimSpace(text), "_", "")
	base := 10
	switch {
	case strings.HasPrefix(text, "0x"):
		base, text = 16, text[2:]
	case strings.HasPrefix(text, "0o"):
		base, text = 8, text[2:]
	case strings.HasPrefix(text, "0b"):
		base, text = 2, text[2:]
	}
	suffix := ""
	for _, s := range []string{"usize", "isize", "u128", "i128", "u64", "i64", "u32", "i32", "u16", "i16", "u8", "i8"} {
		if strings.HasSuffix(text, s) && len(text) > len(s) {
			suffix, text = s, strings.TrimSuffix(text, s)
			break
		}
	}
	v, err := strconv.ParseInt(text, base, 64)
	if err != nil {
		return 0, "", false
	}
	return v, suffix, true
}

func (b *TermBuilder) opaque(node *sitter.Node) symbolic.Expr {
	return symbolic.Opaque{ID: int(node.StartByte()), Text: b.unit.GetSourceText(node)}
}

// Expr 把整数表达式转换为符号项
func (b *TermBuilder) Expr(node *sitter.Node) symbolic.Expr {
	if node == nil {
		return symbolic.Opaque{Text: "?"}
	}
	switch node.Type() {
	case "integer_literal":
		if v, _, ok := ParseIntLiteral(b.unit.GetSourceText(node)); ok {
			return symbolic.Lit{Value: v}
		}
	case "identifier", "self":
		return symbolic.Var{Name: b.unit.GetSourceText(node)}
	case "field_expression":
		// self.len 之类的字段访问视为变量
		if value := node.ChildByFieldName("value"); value != nil && isPlace(value) {
			return symbolic.Var{Name: b.unit.GetSourceText(node)}
		}
	case "parenthesized_expression":
		if inner := node.NamedChild(0); inner != nil {
			return b.Expr(inner)
		}
	case "type_cast_expression":
		return b.Expr(node.ChildByFieldName("value"))
	case "unary_expression":
		if b.unit.OperatorText(node) == "-" {
			return symbolic.Neg(b.Expr(node.NamedChild(0)))
		}
	case "binary_expression":
		if op, ok := symbolic.ParseOp(b.unit.OperatorText(node)); ok {
			return symbolic.Binary{
				Op: op,
				X:  b.Expr(node.ChildByFieldName("left")),
				Y:  b.Expr(node.ChildByFieldName("right")),
			}
		}
	case "call_expression":
		if recv, method, args, ok := b.unit.MethodCall(node); ok && method == "len" && len(args) == 0 && isPlace(recv) {
			return symbolic.LengthOf(b.unit.GetSourceText(recv))
		}
	}
	return b.opaque(node)
}

func isPlace(node *sitter.Node) bool {
	switch node.Type() {
	case "identifier", "self":
		return true
	case "field_expression":
		v := node.ChildByFieldName("value")
		return v != nil && isPlace(v)
	}
	return false
}

// Pred 把布尔表达式转换为谓词
// exact 为 false 表示结果比原条件弱（丢弃了无法建模的合取项），此时不能取反使用
func (b *TermBuilder) Pred(node *sitter.Node) (p symbolic.Pred, exact bool) {
	if node == nil {
		return nil, false
	}
	switch node.Type() {
	case "parenthesized_expression":
		return b.Pred(node.NamedChild(0))
	case "boolean_literal":
		return symbolic.Bool{Value: b.unit.GetSourceText(node) == "true"}, true
	case "unary_expression":
		if b.unit.OperatorText(node) == "!" {
			inner, ok := b.Pred(node.NamedChild(0))
			if inner == nil || !ok {
				return nil, false
			}
			return symbolic.Not{P: inner}, true
		}
	case "binary_expression":
		op := b.unit.OperatorText(node)
		left, right := node.ChildByFieldName("left"), node.ChildByFieldName("right")
		switch op {
		case "&&":
			lp, lok := b.Pred(left)
			rp, rok := b.Pred(right)
			var parts []symbolic.Pred
			if lp != nil {
				parts = append(parts, lp)
			}
			if rp != nil {
				parts = append(parts, rp)
			}
			if len(parts) == 0 {
				return nil, false
			}
			return symbolic.Conj(parts...), lok && rok && lp != nil && rp != nil
		case "||":
			lp, lok := b.Pred(left)
			rp, rok := b.Pred(right)
			if lp == nil || rp == nil || !lok || !rok {
				return nil, false
			}
			return symbolic.Disj(lp, rp), true
		}
		if cmp, ok := symbolic.ParseCmpOp(op); ok {
			return symbolic.Cmp{Op: cmp, X: b.Expr(left), Y: b.Expr(right)}, true
		}
	}
	return nil, false
}

// DomainHint 由字面量后缀或 as 转换推断整数域
func (b *TermBuilder) DomainHint(node *sitter.Node) (symbolic.Domain, bool) {
	if node == nil {
		return symbolic.Domain{}, false
	}
	switch node.Type() {
	case "integer_literal":
		if _, suffix, ok := ParseIntLiteral(b.unit.GetSourceText(node)); ok && suffix != "" {
			return symbolic.DomainOf(suffix)
		}
	case "type_cast_expression":
		return symbolic.DomainOf(b.unit.GetSourceText(node.ChildByFieldName("type")))
	case "parenthesized_expression":
		return b.DomainHint(node.NamedChild(0))
	case "binary_expression":
		if d, ok := b.DomainHint(node.ChildByFieldName("left")); ok {
			return d, true
		}
		return b.DomainHint(node.ChildByFieldName("right"))
	}
	return symbolic.Domain{}, false
}

// MethodCall 拆分方法调用 recv.method(args)
func (u *ParsedUnit) MethodCall(node *sitter.Node) (recv *sitter.Node, method string, args []*sitter.Node, ok bool) {
	if node == nil || node.Type() != "call_expression" {
		return nil, "", nil, false
	}
	fn := node.ChildByFieldName("function")
	if fn != nil && fn.Type() == "generic_function" {
		fn = fn.ChildByFieldName("function")
	}
	if fn == nil || fn.Type() != "field_expression" {
		return nil, "", nil, false
	}
	field := fn.ChildByFieldName("field")
	recv = fn.ChildByFieldName("value")
	if field == nil || recv == nil {
		return nil, "", nil, false
	}
	return recv, u.GetSourceText(field), NamedChildren(node.ChildByFieldName("arguments")), true
}

// PathCall 拆分路径调用 Vec::with_capacity(n)，返回完整路径
func (u *ParsedUnit) PathCall(node *sitter.Node) (path string, args []*sitter.Node, ok bool) {
	if node == nil || node.Type() != "call_expression" {
		return "", nil, false
	}
	fn := node.ChildByFieldName("function")
	if fn == nil {
		return "", nil, false
	}
	if fn.Type() == "generic_function" {
		fn = fn.ChildByFieldName("function")
	}
	if fn == nil || (fn.Type() != "scoped_identifier" && fn.Type() != "identifier") {
		return "", nil, false
	}
	return u.GetSourceText(fn), NamedChildren(node.ChildByFieldName("arguments")), true
}

// Unparen 去掉外层括号
func Unparen(node *sitter.Node) *sitter.Node {
	for node != nil && node.Type() == "parenthesized_expression" {
		node = node.NamedChild(0)
	}
	return node
}
