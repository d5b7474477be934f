// Package rectifier 为已确认的越界访问生成带边界检查的替换代码
package rectifier

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/LliminM/rupair/internal/core"
	"github.com/LliminM/rupair/internal/symbolic"
	"github.com/LliminM/rupair/internal/verifier"
)

// Strategy 修复策略
type Strategy string

const (
	StrategyBoundCheck   Strategy = "bound_check"   // 索引访问外包一层边界判断
	StrategySafeAccess   Strategy = "safe_access"   // get_unchecked 改为带检查的索引
	StrategyVecResize    Strategy = "vec_resize"    // 扩大缓冲区声明
	StrategyUnsafeToSafe Strategy = "unsafe_to_safe" // 裸指针访问改为带检查的索引
	StrategyManualReview Strategy = "manual_review"
)

// FailurePolicy 越界分支的行为
type FailurePolicy string

const (
	PolicyPanic FailurePolicy = "panic"
	PolicyLog   FailurePolicy = "log"
)

// ParsePolicy 解析失败策略
func ParsePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyPanic, "":
		return PolicyPanic, nil
	case PolicyLog:
		return PolicyLog, nil
	}
	return "", fmt.Errorf("unsupported failure policy: %s", s)
}

// indexTemp 偏移含副作用时引入的临时变量
const indexTemp = "__rupair_idx"

// Fix 单个候选的修复结果
// Fixed 为空表示没有找到可安全改写的位置，需要人工审查
type Fix struct {
	Strategy     Strategy
	Confidence   string
	Span         core.Span // 被替换的源码区间
	Original     string
	Fixed        string
	Suggestion   string
	Patch        string
	Witness      string
	ManualReview bool
}

// Options 修复选项
type Options struct {
	Policy FailurePolicy
}

// Rectifier 单个文件的修复器
type Rectifier struct {
	path   string
	src    []byte
	policy FailurePolicy
}

// New 创建修复器，src 为候选所在文件的完整源码
func New(path string, src []byte, opts Options) *Rectifier {
	if opts.Policy == "" {
		opts.Policy = PolicyPanic
	}
	return &Rectifier{path: path, src: src, policy: opts.Policy}
}

// Rectify 为已确认的候选生成修复
// 找不到插入点时返回人工审查修复以及 core.ErrRectification 分类的错误
func (r *Rectifier) Rectify(v verifier.Verification) (Fix, error) {
	c := v.Candidate
	shape := c.Shape
	fix := Fix{
		Span:     shape.Stmt,
		Original: shape.StmtText,
		Witness:  Witness(v),
	}
	if fix.Original == "" {
		fix.Original = r.lineAt(c.Location.Line)
	}

	if reason := r.blocker(c); reason != "" {
		return r.manual(fix, c, reason)
	}

	if out, ok := r.resize(c); ok {
		fix.Strategy = StrategyVecResize
		fix.Confidence = core.ConfidenceLow
		fix.Span = shape.Decl.Stmt
		fix.Original = shape.Decl.Text
		fix.Fixed = out
		fix.Suggestion = fmt.Sprintf(
			"Resize the declaration of `%s` from %d to %s elements so that index %s is in bounds. "+
				"This is a declaration-level fix with lower confidence: check every other use of `%s` before applying it.",
			shape.Decl.Name, shape.Decl.Value, lengthFor(c), offsetText(c), shape.Decl.Name)
		fix.Patch = r.patch(fix)
		return fix, nil
	}

	g := r.guardFor(c)
	fixed, err := r.wrap(c, g)
	if err != nil {
		return r.manual(fix, c, err.Error())
	}
	fix.Fixed = fixed
	fix.Confidence = core.ConfidenceHigh
	switch {
	case c.Kind.IsRawPointer():
		fix.Strategy = StrategyUnsafeToSafe
		fix.Suggestion = fmt.Sprintf(
			"Replace the raw pointer access through `%s` with indexing into `%s`, guarded by `%s`; the else branch %s.",
			c.Base, g.buffer, g.cond, r.failureDescription(c))
	case shape.Unchecked:
		fix.Strategy = StrategySafeAccess
		fix.Suggestion = fmt.Sprintf(
			"Replace the unchecked access to `%s` with bounds-checked indexing guarded by `%s`; the else branch %s.",
			g.buffer, g.cond, r.failureDescription(c))
	default:
		fix.Strategy = StrategyBoundCheck
		fix.Suggestion = fmt.Sprintf(
			"Check `%s` before indexing `%s`; the else branch %s.",
			g.cond, g.buffer, r.failureDescription(c))
	}
	if g.checked {
		fix.Suggestion += fmt.Sprintf(" The offset `%s` is computed with checked arithmetic, so an overflow %s instead of wrapping.",
			offsetText(c), r.overflowDescription(c))
	}
	fix.Patch = r.patch(fix)
	return fix, nil
}

// blocker 返回无法自动改写的原因；可以改写时返回空串
func (r *Rectifier) blocker(c core.Candidate) string {
	shape := c.Shape
	switch {
	case c.Offset == nil:
		return "the offset expression could not be extracted"
	case shape.InMacro:
		return "the access is inside a macro invocation"
	case !shape.Stmt.Valid() || !shape.Expr.Valid():
		return "no enclosing statement is available for the access"
	case !shape.Stmt.Contains(shape.Expr):
		return "the access is not inside its enclosing statement"
	case int(shape.Stmt.End) > len(r.src):
		return "the statement span is outside the source file"
	case c.Kind.IsRawPointer() && c.Buffer == "":
		return fmt.Sprintf("pointer `%s` is not derived from a known buffer", c.Base)
	}
	return ""
}

func (r *Rectifier) manual(fix Fix, c core.Candidate, reason string) (Fix, error) {
	fix.Strategy = StrategyManualReview
	fix.Confidence = core.ConfidenceLow
	fix.ManualReview = true
	fix.Fixed = ""
	fix.Suggestion = fmt.Sprintf(
		"Manual review required: %s. Make sure `%s` is below the length of `%s` before this access, or replace it with checked indexing.",
		reason, offsetText(c), c.BufferName())
	return fix, core.NewError(core.CodeRectification, "rectify", r.path,
		fmt.Errorf("%s at line %d: %w", c.Kind, c.Location.Line, errors.New(reason)))
}

// Witness 以文本形式列出求解器模型
func Witness(v verifier.Verification) string {
	if len(v.Model) == 0 {
		return ""
	}
	names := make(map[string]string)
	if v.Candidate.Offset != nil {
		symbolic.Walk(v.Candidate.Offset, func(e symbolic.Expr) {
			if o, ok := e.(symbolic.Opaque); ok {
				names[o.Name()] = o.Text
			}
		})
	}
	keys := make([]string, 0, len(v.Model))
	for k := range v.Model {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		label := k
		if text, ok := names[k]; ok {
			label = text
		}
		parts = append(parts, fmt.Sprintf("%s = %d", label, v.Model[k]))
	}
	return strings.Join(parts, ", ")
}

func (r *Rectifier) lineAt(line int) string {
	if line <= 0 {
		return ""
	}
	lines := strings.Split(string(r.src), "\n")
	if line > len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[line-1])
}
