package symbolic

import (
	"fmt"
	"strings"
)

// CmpOp 比较运算符
type CmpOp int

const (
	CmpLt CmpOp = iota
	CmpLe
	CmpGt
	CmpGe
	CmpEq
	CmpNe
)

// String 返回比较运算符的源码形式
func (op CmpOp) String() string {
	switch op {
	case CmpLt:
		return "<"
	case CmpLe:
		return "<="
	case CmpGt:
		return ">"
	case CmpGe:
		return ">="
	case CmpEq:
		return "=="
	case CmpNe:
		return "!="
	default:
		return "?"
	}
}

// ParseCmpOp 解析源码中的比较运算符
func ParseCmpOp(text string) (CmpOp, bool) {
	switch text {
	case "<":
		return CmpLt, true
	case "<=":
		return CmpLe, true
	case ">":
		return CmpGt, true
	case ">=":
		return CmpGe, true
	case "==":
		return CmpEq, true
	case "!=":
		return CmpNe, true
	}
	return 0, false
}

// Negated 返回取反后的比较运算符
func (op CmpOp) Negated() CmpOp {
	switch op {
	case CmpLt:
		return CmpGe
	case CmpLe:
		return CmpGt
	case CmpGt:
		return CmpLe
	case CmpGe:
		return CmpLt
	case CmpEq:
		return CmpNe
	default:
		return CmpEq
	}
}

// Pred 布尔谓词
type Pred interface {
	String() string
	predNode()
}

// Cmp 两个整数项的比较
type Cmp struct {
	Op CmpOp
	X  Expr
	Y  Expr
}

// And 合取
type And struct {
	Ps []Pred
}

// Or 析取
type Or struct {
	Ps []Pred
}

// Not 取反
type Not struct {
	P Pred
}

// Bool 常量真值
type Bool struct {
	Value bool
}

func (Cmp) predNode()  {}
func (And) predNode()  {}
func (Or) predNode()   {}
func (Not) predNode()  {}
func (Bool) predNode() {}

func (c Cmp) String() string { return fmt.Sprintf("%s %s %s", c.X, c.Op, c.Y) }

func (a And) String() string { return joinPreds(a.Ps, " && ", "true") }

func (o Or) String() string { return joinPreds(o.Ps, " || ", "false") }

func (n Not) String() string { return "!(" + n.P.String() + ")" }

func (b Bool) String() string {
	if b.Value {
		return "true"
	}
	return "false"
}

func joinPreds(ps []Pred, sep, empty string) string {
	if len(ps) == 0 {
		return empty
	}
	parts := make([]string, len(ps))
	for i, p := range ps {
		s := p.String()
		if _, isCmp := p.(Cmp); !isCmp && len(ps) > 1 {
			s = "(" + s + ")"
		}
		parts[i] = s
	}
	return strings.Join(parts, sep)
}

// Conj 合取并展平，丢弃 true，按文本去重
func Conj(ps ...Pred) Pred {
	var out []Pred
	seen := make(map[string]bool)
	var add func(p Pred)
	add = func(p Pred) {
		switch t := p.(type) {
		case nil:
			return
		case Bool:
			if t.Value {
				return
			}
		case And:
			for _, q := range t.Ps {
				add(q)
			}
			return
		}
		key := p.String()
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, p)
	}
	for _, p := range ps {
		add(p)
	}
	switch len(out) {
	case 0:
		return Bool{Value: true}
	case 1:
		return out[0]
	}
	return And{Ps: out}
}

// Disj 析取
func Disj(ps ...Pred) Pred {
	var out []Pred
	for _, p := range ps {
		if p == nil {
			continue
		}
		if o, ok := p.(Or); ok {
			out = append(out, o.Ps...)
			continue
		}
		out = append(out, p)
	}
	if len(out) == 1 {
		return out[0]
	}
	return Or{Ps: out}
}

// Negate 取反并下推到比较（NNF），!= 展开为两个严格比较的析取
func Negate(p Pred) Pred {
	return nnf(p, true)
}

// NNF 将谓词转换为否定范式
func NNF(p Pred) Pred {
	return nnf(p, false)
}

func nnf(p Pred, negate bool) Pred {
	switch t := p.(type) {
	case Cmp:
		op := t.Op
		if negate {
			op = op.Negated()
		}
		if op == CmpNe {
			return Or{Ps: []Pred{Cmp{Op: CmpLt, X: t.X, Y: t.Y}, Cmp{Op: CmpGt, X: t.X, Y: t.Y}}}
		}
		return Cmp{Op: op, X: t.X, Y: t.Y}
	case And:
		ps := make([]Pred, len(t.Ps))
		for i, q := range t.Ps {
			ps[i] = nnf(q, negate)
		}
		if negate {
			return Or{Ps: ps}
		}
		return And{Ps: ps}
	case Or:
		ps := make([]Pred, len(t.Ps))
		for i, q := range t.Ps {
			ps[i] = nnf(q, negate)
		}
		if negate {
			return And{Ps: ps}
		}
		return Or{Ps: ps}
	case Not:
		return nnf(t.P, !negate)
	case Bool:
		if negate {
			return Bool{Value: !t.Value}
		}
		return t
	}
	return p
}

// PredVars 返回谓词中出现的变量名，已排序去重
func PredVars(p Pred) []string {
	set := make(map[string]struct{})
	WalkPred(p, func(c Cmp) {
		collectVars(c.X, set)
		collectVars(c.Y, set)
	})
	return sortedKeys(set)
}

// WalkPred 遍历谓词中的所有比较
func WalkPred(p Pred, fn func(Cmp)) {
	switch t := p.(type) {
	case Cmp:
		fn(t)
	case And:
		for _, q := range t.Ps {
			WalkPred(q, fn)
		}
	case Or:
		for _, q := range t.Ps {
			WalkPred(q, fn)
		}
	case Not:
		WalkPred(t.P, fn)
	}
}

// Mentions 判断谓词是否引用了任一给定变量
func Mentions(p Pred, names ...string) bool {
	if p == nil {
		return false
	}
	vars := PredVars(p)
	for _, v := range vars {
		for _, n := range names {
			if v == n {
				return true
			}
		}
	}
	return false
}

// MentionsExpr 判断谓词中是否出现与 e 结构相等的项（用于字面量偏移）
func MentionsExpr(p Pred, e Expr) bool {
	found := false
	key := Fold(e).String()
	WalkPred(p, func(c Cmp) {
		Walk(c.X, func(n Expr) {
			if Fold(n).String() == key {
				found = true
			}
		})
		Walk(c.Y, func(n Expr) {
			if Fold(n).String() == key {
				found = true
			}
		})
	})
	return found
}

// SubstitutePred 按绑定替换谓词中的变量
func SubstitutePred(p Pred, bindings map[string]Expr) Pred {
	switch t := p.(type) {
	case Cmp:
		return Cmp{Op: t.Op, X: Substitute(t.X, bindings), Y: Substitute(t.Y, bindings)}
	case And:
		ps := make([]Pred, len(t.Ps))
		for i, q := range t.Ps {
			ps[i] = SubstitutePred(q, bindings)
		}
		return And{Ps: ps}
	case Or:
		ps := make([]Pred, len(t.Ps))
		for i, q := range t.Ps {
			ps[i] = SubstitutePred(q, bindings)
		}
		return Or{Ps: ps}
	case Not:
		return Not{P: SubstitutePred(t.P, bindings)}
	}
	return p
}
