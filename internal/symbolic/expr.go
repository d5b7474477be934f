// Package symbolic 提供偏移量/长度的整数项代数与布尔谓词
// 与具体求解器实现无关，验证器和检测器都只依赖这里的类型
package symbolic

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Op 二元算术运算符
type Op int

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpRem
)

// String 返回运算符的源码形式
func (op Op) String() string {
	switch op {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpRem:
		return "%"
	default:
		return "?"
	}
}

// ParseOp 解析源码中的算术运算符
func ParseOp(text string) (Op, bool) {
	switch text {
	case "+":
		return OpAdd, true
	case "-":
		return OpSub, true
	case "*":
		return OpMul, true
	case "/":
		return OpDiv, true
	case "%":
		return OpRem, true
	}
	return 0, false
}

// Expr 整数项：字面量、变量、二元运算或不透明子项
type Expr interface {
	String() string
	exprNode()
}

// Lit 整数字面量
type Lit struct {
	Value int64
}

// Var 具名变量（局部变量、缓冲区长度符号等）
type Var struct {
	Name string
}

// Binary 二元运算
type Binary struct {
	Op Op
	X  Expr
	Y  Expr
}

// Opaque 无法建模的子项（函数调用、字段访问等），按不受约束的整数处理，从不求值
type Opaque struct {
	ID   int
	Text string
}

func (Lit) exprNode()    {}
func (Var) exprNode()    {}
func (Binary) exprNode() {}
func (Opaque) exprNode() {}

func (l Lit) String() string { return strconv.FormatInt(l.Value, 10) }

func (v Var) String() string { return v.Name }

func (b Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", b.X, b.Op, b.Y)
}

func (o Opaque) String() string {
	return o.Text
}

// Name 返回不透明子项在求解器中使用的变量名
func (o Opaque) Name() string {
	return fmt.Sprintf("opaque#%d", o.ID)
}

// lengthSuffix 长度符号的后缀
const lengthSuffix = ".len()"

// LengthOf 返回缓冲区长度符号
func LengthOf(base string) Var {
	return Var{Name: base + lengthSuffix}
}

// IsLength 判断变量是否为长度符号，并返回对应缓冲区名
func IsLength(v Var) (string, bool) {
	if strings.HasSuffix(v.Name, lengthSuffix) {
		return strings.TrimSuffix(v.Name, lengthSuffix), true
	}
	return "", false
}

// Add 构造 x + y
func Add(x, y Expr) Expr { return Binary{Op: OpAdd, X: x, Y: y} }

// Sub 构造 x - y
func Sub(x, y Expr) Expr { return Binary{Op: OpSub, X: x, Y: y} }

// Neg 构造 -x
func Neg(x Expr) Expr {
	if l, ok := x.(Lit); ok {
		return Lit{Value: -l.Value}
	}
	return Binary{Op: OpSub, X: Lit{Value: 0}, Y: x}
}

// AsLiteral 若项是（可折叠为）常量则返回其值
func AsLiteral(e Expr) (int64, bool) {
	if l, ok := Fold(e).(Lit); ok {
		return l.Value, true
	}
	return 0, false
}

// Fold 常量折叠；溢出或除零时保留原项
func Fold(e Expr) Expr {
	b, ok := e.(Binary)
	if !ok {
		return e
	}
	x := Fold(b.X)
	y := Fold(b.Y)
	lx, okx := x.(Lit)
	ly, oky := y.(Lit)
	if okx && oky {
		if v, err := apply(b.Op, lx.Value, ly.Value); err == nil {
			return Lit{Value: v}
		}
	}
	// x + 0, x - 0
	if oky && ly.Value == 0 && (b.Op == OpAdd || b.Op == OpSub) {
		return x
	}
	if okx && lx.Value == 0 && b.Op == OpAdd {
		return y
	}
	return Binary{Op: b.Op, X: x, Y: y}
}

// Walk 先序遍历项
func Walk(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	if b, ok := e.(Binary); ok {
		Walk(b.X, fn)
		Walk(b.Y, fn)
	}
}

// FreeVars 返回项中出现的变量名（含不透明子项），已排序去重
func FreeVars(e Expr) []string {
	set := make(map[string]struct{})
	collectVars(e, set)
	return sortedKeys(set)
}

func collectVars(e Expr, set map[string]struct{}) {
	Walk(e, func(n Expr) {
		switch t := n.(type) {
		case Var:
			set[t.Name] = struct{}{}
		case Opaque:
			set[t.Name()] = struct{}{}
		}
	})
}

// Substitute 按绑定替换变量
func Substitute(e Expr, bindings map[string]Expr) Expr {
	switch t := e.(type) {
	case Var:
		if r, ok := bindings[t.Name]; ok {
			return r
		}
		return t
	case Binary:
		return Binary{Op: t.Op, X: Substitute(t.X, bindings), Y: Substitute(t.Y, bindings)}
	default:
		return e
	}
}

// Equal 结构相等
func Equal(a, b Expr) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.String() == b.String()
}

// ContainsOpaque 判断项是否含不透明子项
func ContainsOpaque(e Expr) bool {
	found := false
	Walk(e, func(n Expr) {
		if _, ok := n.(Opaque); ok {
			found = true
		}
	})
	return found
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
