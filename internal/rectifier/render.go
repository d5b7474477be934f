package rectifier

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/LliminM/rupair/internal/core"
	"github.com/LliminM/rupair/internal/symbolic"
	"github.com/LliminM/rupair/internal/verifier"
)

// =============================================================================
// 边界判断的拼装
// =============================================================================

// guard 边界判断的各个片段
type guard struct {
	buffer  string // 被索引的缓冲区表达式
	value   string // 偏移的源码形式，用于报错信息
	index   string // 下标表达式
	cond    string
	prelude string // 偏移含副作用或算术时先求值一次
	checked bool   // 偏移算术已提升为 checked_* 调用
}

func (r *Rectifier) guardFor(c core.Candidate) guard {
	buffer := c.Base
	if c.Kind.IsRawPointer() {
		buffer = c.Buffer
	}
	off := offsetText(c)
	g := guard{buffer: buffer, value: off}
	dom := verifier.OffsetDomain(c)
	if lifted, ok := checkedOffset(c, dom); ok {
		g.prelude = fmt.Sprintf("let %s = %s;", indexTemp, r.overflowFallback(c, lifted, off, dom))
		g.value = indexTemp
		g.checked = true
	} else if symbolic.ContainsOpaque(c.Offset) {
		g.prelude = fmt.Sprintf("let %s = %s;", indexTemp, off)
		g.value = indexTemp
	}
	length := buffer + ".len()"

	v, literal := symbolic.AsLiteral(symbolic.Fold(c.Offset))
	if literal && v < 0 {
		// 负常量需带类型后缀，判断分支里再转成 usize
		g.value = fmt.Sprintf("%d%s", v, dom)
	}
	if (literal && v >= 0) || (!dom.Signed && dom.Width == 64) {
		g.index = g.value
		g.cond = fmt.Sprintf("%s < %s", g.value, length)
		return g
	}

	operand := g.value
	if !simpleOperand(operand) {
		operand = "(" + operand + ")"
	}
	g.index = operand + " as usize"
	g.cond = fmt.Sprintf("(%s) < %s", g.index, length)
	if dom.Signed {
		g.cond = fmt.Sprintf("%s >= 0 && %s", operand, g.cond)
	}
	return g
}

// =============================================================================
// 偏移算术的溢出检查
// =============================================================================

var checkedMethods = map[symbolic.Op]string{
	symbolic.OpAdd: "checked_add",
	symbolic.OpSub: "checked_sub",
	symbolic.OpMul: "checked_mul",
	symbolic.OpDiv: "checked_div",
	symbolic.OpRem: "checked_rem",
}

// checkedOffset 把偏移中的算术改写为 checked_* 调用，结果是 Option
// 变量类型与偏移域不一致时放弃，避免生成类型不匹配的调用
//
//	n - 1        n.checked_sub(1usize)
//	i * 4 + f()  i.checked_mul(4usize).zip(Some(f())).and_then(|(x, y)| x.checked_add(y))
func checkedOffset(c core.Candidate, dom symbolic.Domain) (string, bool) {
	off := symbolic.Fold(c.Offset)
	if _, ok := off.(symbolic.Binary); !ok {
		return "", false
	}
	text, _, ok := liftChecked(c, off, dom)
	return text, ok
}

func liftChecked(c core.Candidate, e symbolic.Expr, dom symbolic.Domain) (text string, option, ok bool) {
	switch t := e.(type) {
	case symbolic.Lit:
		if t.Value < 0 {
			if !dom.Signed {
				return "", false, false
			}
			return fmt.Sprintf("(%d%s)", t.Value, dom), false, true
		}
		return fmt.Sprintf("%d%s", t.Value, dom), false, true
	case symbolic.Var:
		if !sameDomain(c, t, dom) {
			return "", false, false
		}
		return t.Name, false, true
	case symbolic.Opaque:
		if strings.ContainsAny(t.Text, " *&-+/%!<>=|^") {
			return "(" + t.Text + ")", false, true
		}
		return t.Text, false, true
	case symbolic.Binary:
		method, known := checkedMethods[t.Op]
		if !known {
			return "", false, false
		}
		x, xopt, xok := liftChecked(c, t.X, dom)
		y, yopt, yok := liftChecked(c, t.Y, dom)
		if !xok || !yok {
			return "", false, false
		}
		if !xopt && !yopt {
			return fmt.Sprintf("%s.%s(%s)", x, method, y), true, true
		}
		if !xopt {
			x = "Some(" + x + ")"
		}
		if !yopt {
			y = "Some(" + y + ")"
		}
		return fmt.Sprintf("%s.zip(%s).and_then(|(x, y)| x.%s(y))", x, y, method), true, true
	}
	return "", false, false
}

func sameDomain(c core.Candidate, v symbolic.Var, dom symbolic.Domain) bool {
	if _, ok := symbolic.IsLength(v); ok {
		return dom == symbolic.Usize
	}
	if d, ok := c.VarTypes[v.Name]; ok {
		return d == dom
	}
	return true
}

// overflowFallback 溢出时的处理与失败策略一致：log 策略下写访问取域上界，随后的边界判断必然失败
func (r *Rectifier) overflowFallback(c core.Candidate, lifted, off string, dom symbolic.Domain) string {
	if r.policy == PolicyLog && isWrite(c) {
		return fmt.Sprintf("%s.unwrap_or(%s::MAX)", lifted, dom)
	}
	return fmt.Sprintf("%s.expect(%s)", lifted, strconv.Quote(fmt.Sprintf("arithmetic overflow in offset `%s`", off)))
}

func (r *Rectifier) overflowDescription(c core.Candidate) string {
	if r.policy == PolicyLog && isWrite(c) {
		return "takes the else branch"
	}
	return "panics"
}

// body 越界检查通过后执行的安全访问
func (r *Rectifier) body(c core.Candidate, g guard) (string, error) {
	shape := c.Shape
	target := fmt.Sprintf("%s[%s]", g.buffer, g.index)
	switch shape.Form {
	case core.FormAssign, core.FormPtrWrite:
		if shape.Value == "" {
			return "", fmt.Errorf("the written value is unavailable")
		}
		return target + " = " + shape.Value, nil
	case core.FormCompound:
		if shape.Value == "" || shape.Operator == "" {
			return "", fmt.Errorf("the compound assignment is incomplete")
		}
		return target + " " + shape.Operator + " " + shape.Value, nil
	}
	// buf.get_unchecked(i) 本身是引用
	if shape.Unchecked && !strings.HasPrefix(strings.TrimSpace(shape.AccessText), "*") {
		if strings.Contains(shape.AccessText, "get_unchecked_mut") {
			return "&mut " + target, nil
		}
		return "&" + target, nil
	}
	return target, nil
}

func isWrite(c core.Candidate) bool {
	switch c.Shape.Form {
	case core.FormAssign, core.FormCompound, core.FormPtrWrite:
		return true
	}
	return false
}

func operationWord(c core.Candidate) string {
	switch c.Shape.Form {
	case core.FormAssign, core.FormPtrWrite:
		return "write"
	case core.FormCompound:
		return "update"
	}
	return "read"
}

// failure 越界分支；读访问没有可返回的值，总是 panic
func (r *Rectifier) failure(c core.Candidate, g guard) string {
	op := operationWord(c)
	args := g.value + ", " + g.buffer + ".len()"
	name := escapeFormat(g.buffer)
	if r.policy == PolicyLog && isWrite(c) {
		return fmt.Sprintf("eprintln!(\"out-of-bounds %s skipped: index {} is not below the length {} of `%s`\", %s)", op, name, args)
	}
	return fmt.Sprintf("panic!(\"out-of-bounds %s prevented: index {} is not below the length {} of `%s`\", %s)", op, name, args)
}

func (r *Rectifier) failureDescription(c core.Candidate) string {
	if r.policy == PolicyLog && isWrite(c) {
		return fmt.Sprintf("skips the %s and reports the index on stderr", operationWord(c))
	}
	return fmt.Sprintf("panics naming the index and the attempted %s", operationWord(c))
}

// wrap 用边界判断替换访问所在的求值单元
//
//	*p.add(k) = v;         整条语句变为 if/else
//	let x = *p.add(k);     右值变为 if 表达式
//	f(*p.add(k));          访问处内联 (if .. { .. } else { .. })
func (r *Rectifier) wrap(c core.Candidate, g guard) (string, error) {
	shape := c.Shape
	body, err := r.body(c, g)
	if err != nil {
		return "", err
	}
	fail := r.failure(c, g)

	stmt := string(r.src[shape.Stmt.Start:shape.Stmt.End])
	rel, relEnd := int(shape.Expr.Start-shape.Stmt.Start), int(shape.Expr.End-shape.Stmt.Start)
	exprText := stmt[rel:relEnd]
	indent := r.indentAt(shape.Stmt.Start)

	if isWrite(c) && strings.TrimSuffix(strings.TrimSpace(stmt), ";") == exprText {
		lines := []string{
			"if " + g.cond + " {",
			"    " + body + ";",
			"} else {",
			"    " + fail + ";",
			"}",
		}
		return joinLines(withPrelude(lines, g), indent), nil
	}

	if shape.LetName != "" && exprText == shape.AccessText {
		lines := []string{
			"if " + g.cond + " {",
			"    " + body,
			"} else {",
			"    " + fail,
			"}",
		}
		return stmt[:rel] + joinLines(withPrelude(lines, g), indent) + stmt[relEnd:], nil
	}

	inline := fmt.Sprintf("if %s { %s } else { %s }", g.cond, body, fail)
	if g.prelude != "" {
		inline = fmt.Sprintf("{ %s %s }", g.prelude, inline)
	}
	return stmt[:rel] + "(" + inline + ")" + stmt[relEnd:], nil
}

func withPrelude(lines []string, g guard) []string {
	if g.prelude == "" {
		return lines
	}
	out := []string{"{", "    " + g.prelude}
	for _, l := range lines {
		out = append(out, "    "+l)
	}
	return append(out, "}")
}

// joinLines 第一行接在原语句起点，其余行补齐语句缩进
func joinLines(lines []string, indent string) string {
	return strings.Join(lines, "\n"+indent)
}

// resize 字面量下标越过字面量长度声明时，把声明长度改为 offset + 1
func (r *Rectifier) resize(c core.Candidate) (string, bool) {
	d := c.Shape.Decl
	if c.Kind.IsRawPointer() || d == nil || !d.Length.Valid() || !d.Stmt.Contains(d.Length) {
		return "", false
	}
	n, ok := symbolic.AsLiteral(symbolic.Fold(c.Offset))
	if !ok || n < d.Value || hasArrayAnnotation(d.Text) {
		return "", false
	}
	rel, relEnd := int(d.Length.Start-d.Stmt.Start), int(d.Length.End-d.Stmt.Start)
	if relEnd > len(d.Text) {
		return "", false
	}
	return d.Text[:rel] + strconv.FormatInt(n+1, 10) + d.Text[relEnd:], true
}

// hasArrayAnnotation let b: [T; N] = ... 的长度同时出现在类型里，单改初值不成立
func hasArrayAnnotation(decl string) bool {
	eq := strings.Index(decl, "=")
	if eq < 0 {
		return false
	}
	head := decl[:eq]
	colon := strings.Index(head, ":")
	return colon >= 0 && strings.Contains(head[colon:], "[")
}

func lengthFor(c core.Candidate) string {
	if n, ok := symbolic.AsLiteral(symbolic.Fold(c.Offset)); ok {
		return strconv.FormatInt(n+1, 10)
	}
	return offsetText(c) + " + 1"
}

// offsetText 偏移的源码形式；符号项的文本本身就是合法的表达式
func offsetText(c core.Candidate) string {
	if c.Offset == nil {
		return c.OffsetText
	}
	return trimOuterParens(symbolic.Fold(c.Offset).String())
}

func trimOuterParens(s string) string {
	for len(s) >= 2 && s[0] == '(' && s[len(s)-1] == ')' {
		depth := 0
		wraps := true
		for i := 0; i < len(s)-1; i++ {
			switch s[i] {
			case '(':
				depth++
			case ')':
				depth--
			}
			if depth == 0 {
				wraps = false
				break
			}
		}
		if !wraps {
			return s
		}
		s = s[1 : len(s)-1]
	}
	return s
}

func simpleOperand(s string) bool {
	if s == "" {
		return false
	}
	for i, ch := range s {
		switch {
		case ch == '_' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func escapeFormat(s string) string {
	s = strings.ReplaceAll(s, "{", "{{")
	s = strings.ReplaceAll(s, "}", "}}")
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func (r *Rectifier) indentAt(pos uint32) string {
	start := int(pos)
	if start > len(r.src) {
		return ""
	}
	for start > 0 && r.src[start-1] != '\n' {
		start--
	}
	end := start
	for end < len(r.src) && (r.src[end] == ' ' || r.src[end] == '\t') {
		end++
	}
	return string(r.src[start:end])
}
