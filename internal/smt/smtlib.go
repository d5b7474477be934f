package smt

import (
	"bufio"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/LliminM/rupair/internal/symbolic"
)

// Symbol 返回 SMT-LIB 引用形式的符号
func Symbol(name string) string {
	name = strings.NewReplacer("|", "_", "\\", "_").Replace(name)
	return "|" + name + "|"
}

// EncodeTerm 把整数项编码为 SMT-LIB 整数项
// 除法与取余按 Rust 的向零截断语义展开
func EncodeTerm(e symbolic.Expr) string {
	switch t := e.(type) {
	case symbolic.Lit:
		if t.Value < 0 {
			return fmt.Sprintf("(- %s)", new(big.Int).Neg(big.NewInt(t.Value)).String())
		}
		return fmt.Sprintf("%d", t.Value)
	case symbolic.Var:
		return Symbol(t.Name)
	case symbolic.Opaque:
		return Symbol(t.Name())
	case symbolic.Binary:
		x := EncodeTerm(t.X)
		y := EncodeTerm(t.Y)
		switch t.Op {
		case symbolic.OpAdd:
			return fmt.Sprintf("(+ %s %s)", x, y)
		case symbolic.OpSub:
			return fmt.Sprintf("(- %s %s)", x, y)
		case symbolic.OpMul:
			return fmt.Sprintf("(* %s %s)", x, y)
		case symbolic.OpDiv:
			return truncDiv(x, y)
		case symbolic.OpRem:
			return fmt.Sprintf("(- %s (* %s %s))", x, y, truncDiv(x, y))
		}
	}
	return "0"
}

func truncDiv(x, y string) string {
	return fmt.Sprintf("(ite (= (< %s 0) (< %s 0)) (div (abs %s) (abs %s)) (- (div (abs %s) (abs %s))))",
		x, y, x, y, x, y)
}

// EncodePred 把谓词编码为 SMT-LIB 布尔项
func EncodePred(p symbolic.Pred) string {
	switch t := p.(type) {
	case symbolic.Bool:
		if t.Value {
			return "true"
		}
		return "false"
	case symbolic.Cmp:
		x, y := EncodeTerm(t.X), EncodeTerm(t.Y)
		switch t.Op {
		case symbolic.CmpLt:
			return fmt.Sprintf("(< %s %s)", x, y)
		case symbolic.CmpLe:
			return fmt.Sprintf("(<= %s %s)", x, y)
		case symbolic.CmpGt:
			return fmt.Sprintf("(> %s %s)", x, y)
		case symbolic.CmpGe:
			return fmt.Sprintf("(>= %s %s)", x, y)
		case symbolic.CmpEq:
			return fmt.Sprintf("(= %s %s)", x, y)
		case symbolic.CmpNe:
			return fmt.Sprintf("(distinct %s %s)", x, y)
		}
	case symbolic.And:
		if len(t.Ps) == 0 {
			return "true"
		}
		return "(and " + joinEncoded(t.Ps) + ")"
	case symbolic.Or:
		if len(t.Ps) == 0 {
			return "false"
		}
		return "(or " + joinEncoded(t.Ps) + ")"
	case symbolic.Not:
		return "(not " + EncodePred(t.P) + ")"
	}
	return "true"
}

func joinEncoded(ps []symbolic.Pred) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = EncodePred(p)
	}
	return strings.Join(parts, " ")
}

// EncodeQuery 生成一次查询的 SMT-LIB 命令；整数域约束以显式边界断言给出，不做回绕
func EncodeQuery(q *Query) []string {
	var cmds []string
	for _, v := range q.Vars {
		sym := Symbol(v.Name)
		lo, hi := v.Domain.Bounds()
		cmds = append(cmds,
			fmt.Sprintf("(declare-const %s Int)", sym),
			fmt.Sprintf("(assert (and (<= %s %s) (<= %s %s)))", bigTerm(lo), sym, sym, bigTerm(hi)),
		)
	}
	for _, a := range q.Assertions {
		cmds = append(cmds, fmt.Sprintf("(assert %s)", EncodePred(a)))
	}
	return cmds
}

func bigTerm(v *big.Int) string {
	if v.Sign() < 0 {
		return "(- " + new(big.Int).Neg(v).String() + ")"
	}
	return v.String()
}

// Script 生成带作用域的完整脚本（push/pop 保证断言不跨查询泄漏）
func Script(q *Query, sentinel string) string {
	var b strings.Builder
	b.WriteString("(push 1)\n")
	for _, c := range EncodeQuery(q) {
		b.WriteString(c)
		b.WriteByte('\n')
	}
	b.WriteString("(check-sat)\n")
	if len(q.Vars) > 0 {
		syms := make([]string, len(q.Vars))
		for i, v := range q.Vars {
			syms[i] = Symbol(v.Name)
		}
		fmt.Fprintf(&b, "(get-value (%s))\n", strings.Join(syms, " "))
	}
	b.WriteString("(pop 1)\n")
	fmt.Fprintf(&b, "(echo %q)\n", sentinel)
	return b.String()
}

// =============================================================================
// 输出解析
// =============================================================================

// sexpr S 表达式节点：原子或列表
type sexpr struct {
	atom string
	list []sexpr
	isList bool
}

// readSexpr 从输入中读取一个完整的 S 表达式或一行原子
func readSexpr(r *bufio.Reader) (sexpr, error) {
	tok, err := nextToken(r)
	if err != nil {
		return sexpr{}, err
	}
	return parseFrom(tok, r)
}

func parseFrom(tok string, r *bufio.Reader) (sexpr, error) {
	if tok == ")" {
		return sexpr{}, fmt.Errorf("unexpected ')'")
	}
	if tok != "(" {
		return sexpr{atom: tok}, nil
	}
	node := sexpr{isList: true}
	for {
		t, err := nextToken(r)
		if err != nil {
			return sexpr{}, err
		}
		if t == ")" {
			return node, nil
		}
		child, err := parseFrom(t, r)
		if err != nil {
			return sexpr{}, err
		}
		node.list = append(node.list, child)
	}
}

func nextToken(r *bufio.Reader) (string, error) {
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			continue
		case c == '(' || c == ')':
			return string(c), nil
		case c == '|':
			s, err := r.ReadString('|')
			if err != nil {
				return "", err
			}
			return "|" + s, nil
		case c == '"':
			var b strings.Builder
			b.WriteByte('"')
			for {
				d, err := r.ReadByte()
				if err != nil {
					return "", err
				}
				b.WriteByte(d)
				if d == '"' {
					// SMT-LIB 用 "" 转义引号
					if next, err := r.Peek(1); err == nil && next[0] == '"' {
						_, _ = r.ReadByte()
						continue
					}
					return b.String(), nil
				}
			}
		default:
			var b strings.Builder
			b.WriteByte(c)
			for {
				next, err := r.Peek(1)
				if err != nil {
					if err == io.EOF {
						return b.String(), nil
					}
					return "", err
				}
				if strings.ContainsRune(" \t\r\n()|\"", rune(next[0])) {
					return b.String(), nil
				}
				d, _ := r.ReadByte()
				b.WriteByte(d)
			}
		}
	}
}

// parseValue 解析模型中的整数值：n 或 (- n)
func parseValue(v sexpr) (*big.Int, bool) {
	if !v.isList {
		n, ok := new(big.Int).SetString(v.atom, 10)
		return n, ok
	}
	if len(v.list) == 2 && !v.list[0].isList && v.list[0].atom == "-" {
		n, ok := parseValue(v.list[1])
		if !ok {
			return nil, false
		}
		return n.Neg(n), true
	}
	return nil, false
}

// parseModel 解析 get-value 的输出 ((|x| 1) (|y| (- 2)))
func parseModel(v sexpr) (symbolic.Env, error) {
	if !v.isList {
		return nil, fmt.Errorf("unexpected model %q", v.atom)
	}
	env := make(symbolic.Env, len(v.list))
	for _, pair := range v.list {
		if !pair.isList || len(pair.list) != 2 || pair.list[0].isList {
			return nil, fmt.Errorf("malformed model entry")
		}
		name := strings.Trim(pair.list[0].atom, "|")
		n, ok := parseValue(pair.list[1])
		if !ok {
			return nil, fmt.Errorf("non-integer model value for %s", name)
		}
		if !n.IsInt64() {
			// 超出 int64 的取值无法在报告中精确复现
			continue
		}
		env[name] = n.Int64()
	}
	return env, nil
}
