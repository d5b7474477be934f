package symbolic

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParseExpr 解析文本形式的整数项，例如 "i + 1"、"buf.len() - 2"
// 用于外部 IR 文档与测试
func ParseExpr(text string) (Expr, error) {
	p := &exprParser{toks: tokenize(text)}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("unexpected %q in %q", p.peek(), text)
	}
	return e, nil
}

// ParsePred 解析文本形式的谓词，例如 "i < buf.len() && i >= 0"
func ParsePred(text string) (Pred, error) {
	p := &exprParser{toks: tokenize(text)}
	pr, err := p.or()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("unexpected %q in %q", p.peek(), text)
	}
	return pr, nil
}

func tokenize(text string) []string {
	var toks []string
	rs := []rune(text)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsDigit(r):
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '_') {
				j++
			}
			toks = append(toks, strings.ReplaceAll(string(rs[i:j]), "_", ""))
			// 忽略整数后缀，如 15usize
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j])) {
				j++
			}
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(rs) {
				c := rs[j]
				if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '.' || c == ':' {
					j++
					continue
				}
				// 允许方法调用形式的符号，如 buf.len()
				if c == '(' && j+1 < len(rs) && rs[j+1] == ')' && j > i && rs[j-1] != '.' {
					j += 2
					continue
				}
				break
			}
			toks = append(toks, string(rs[i:j]))
			i = j
		default:
			if i+1 < len(rs) {
				two := string(rs[i : i+2])
				switch two {
				case "<=", ">=", "==", "!=", "&&", "||":
					toks = append(toks, two)
					i += 2
					continue
				}
			}
			toks = append(toks, string(r))
			i++
		}
	}
	return toks
}

type exprParser struct {
	toks []string
	pos  int
}

func (p *exprParser) done() bool { return p.pos >= len(p.toks) }

func (p *exprParser) peek() string {
	if p.done() {
		return ""
	}
	return p.toks[p.pos]
}

func (p *exprParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *exprParser) or() (Pred, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	ps := []Pred{left}
	for p.peek() == "||" {
		p.next()
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		ps = append(ps, right)
	}
	if len(ps) == 1 {
		return left, nil
	}
	return Or{Ps: ps}, nil
}

func (p *exprParser) and() (Pred, error) {
	left, err := p.unaryPred()
	if err != nil {
		return nil, err
	}
	ps := []Pred{left}
	for p.peek() == "&&" {
		p.next()
		right, err := p.unaryPred()
		if err != nil {
			return nil, err
		}
		ps = append(ps, right)
	}
	if len(ps) == 1 {
		return left, nil
	}
	return And{Ps: ps}, nil
}

func (p *exprParser) unaryPred() (Pred, error) {
	switch p.peek() {
	case "!":
		p.next()
		inner, err := p.unaryPred()
		if err != nil {
			return nil, err
		}
		return Not{P: inner}, nil
	case "true", "false":
		return Bool{Value: p.next() == "true"}, nil
	case "(":
		// 回溯：括号内既可能是谓词也可能是整数项
		save := p.pos
		p.next()
		if inner, err := p.or(); err == nil && p.peek() == ")" {
			p.next()
			if _, ok := ParseCmpOp(p.peek()); !ok && !isArith(p.peek()) {
				return inner, nil
			}
		}
		p.pos = save
	}
	x, err := p.expr()
	if err != nil {
		return nil, err
	}
	op, ok := ParseCmpOp(p.peek())
	if !ok {
		return nil, fmt.Errorf("expected comparison, got %q", p.peek())
	}
	p.next()
	y, err := p.expr()
	if err != nil {
		return nil, err
	}
	return Cmp{Op: op, X: x, Y: y}, nil
}

func isArith(tok string) bool {
	_, ok := ParseOp(tok)
	return ok
}

func (p *exprParser) expr() (Expr, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for p.peek() == "+" || p.peek() == "-" {
		op, _ := ParseOp(p.next())
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: op, X: left, Y: right}
	}
	return left, nil
}

func (p *exprParser) term() (Expr, error) {
	left, err := p.factor()
	if err != nil {
		return nil, err
	}
	for p.peek() == "*" || p.peek() == "/" || p.peek() == "%" {
		op, _ := ParseOp(p.next())
		right, err := p.factor()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: op, X: left, Y: right}
	}
	return left, nil
}

func (p *exprParser) factor() (Expr, error) {
	tok := p.next()
	switch {
	case tok == "":
		return nil, fmt.Errorf("unexpected end of expression")
	case tok == "-":
		inner, err := p.factor()
		if err != nil {
			return nil, err
		}
		if lit, ok := inner.(Lit); ok {
			return Lit{Value: -lit.Value}, nil
		}
		return Neg(inner), nil
	case tok == "(":
		inner, err := p.expr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing ')'")
		}
		return inner, nil
	case unicode.IsDigit(rune(tok[0])):
		v, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q: %w", tok, err)
		}
		return Lit{Value: v}, nil
	case unicode.IsLetter(rune(tok[0])) || tok[0] == '_':
		return Var{Name: tok}, nil
	}
	return nil, fmt.Errorf("unexpected token %q", tok)
}
