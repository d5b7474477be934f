// Package report 汇总单个文件的问题并按多种格式输出
package report

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/LliminM/rupair/internal/core"
	"github.com/LliminM/rupair/internal/rectifier"
	"github.com/LliminM/rupair/internal/verifier"
)

// ToolName 报告中的工具名
const ToolName = "rupair"

// Version 工具版本，构建时可用 -ldflags 覆盖
var Version = "0.3.0"

var (
	// ErrRefutedIssue 已被证伪的候选不能生成问题
	ErrRefutedIssue = errors.New("refuted candidate cannot produce an issue")
	// ErrUnconfirmedFix 只有已确认的问题可以携带修复代码
	ErrUnconfirmedFix = errors.New("fixed code requires a confirmed verdict")
)

// Issue 报告中的单个问题
type Issue struct {
	Number       int                `json:"number"`
	Location     core.Location      `json:"location"`
	Kind         core.OperationKind `json:"operation_kind"`
	Verdict      verifier.Verdict   `json:"verdict"`
	Description  string             `json:"description"`
	Suggestion   string             `json:"fix_suggestion"`
	OriginalCode string             `json:"original_code"`
	FixedCode    string             `json:"fixed_code,omitempty"`
	FixSpan      core.Span          `json:"fix_span"`
	Severity     string             `json:"severity"`
	Confidence   string             `json:"confidence"`
	CWE          string             `json:"cwe"`
	Strategy     rectifier.Strategy `json:"strategy,omitempty"`
	ManualReview bool               `json:"manual_review"`
	Patch        string             `json:"patch,omitempty"`
	Witness      string             `json:"witness,omitempty"`
	Impact       string             `json:"impact"`
	Passes       []core.Pass        `json:"passes,omitempty"`
}

// NewIssue 由验证结果和修复结果组装问题
// fix 为空时，已确认的问题退化为人工审查
func NewIssue(v verifier.Verification, fix *rectifier.Fix) (Issue, error) {
	c := v.Candidate
	if v.Verdict == verifier.Refuted {
		return Issue{}, fmt.Errorf("%s: %w", c.Location, ErrRefutedIssue)
	}
	issue := Issue{
		Location:     c.Location,
		Kind:         c.Kind,
		Verdict:      v.Verdict,
		Description:  describe(v),
		CWE:          c.Kind.CWE(),
		Impact:       impactOf(c.Kind),
		Passes:       append([]core.Pass(nil), c.Passes...),
		OriginalCode: c.Shape.StmtText,
	}
	if issue.OriginalCode == "" {
		issue.OriginalCode = c.Shape.AccessText
	}

	if v.Verdict != verifier.Confirmed {
		issue.Severity = core.SeverityLow
		issue.Confidence = core.ConfidenceLow
		issue.Strategy = rectifier.StrategyManualReview
		issue.ManualReview = true
		issue.Suggestion = fmt.Sprintf(
			"The bounds of this access could not be decided (%s). Review whether `%s` can reach the length of `%s` and add an explicit check if it can.",
			reasonOf(v), offsetOf(c), c.BufferName())
		if fix != nil {
			issue.Witness = fix.Witness
		}
		return issue, nil
	}

	issue.Severity = c.Kind.Severity()
	if fix == nil {
		issue.Confidence = core.ConfidenceLow
		issue.Strategy = rectifier.StrategyManualReview
		issue.ManualReview = true
		issue.Suggestion = fmt.Sprintf(
			"Manual review required: no fix was generated. Make sure `%s` is below the length of `%s` before this access.",
			offsetOf(c), c.BufferName())
		return issue, nil
	}

	issue.Confidence = fix.Confidence
	issue.Strategy = fix.Strategy
	issue.Suggestion = fix.Suggestion
	issue.FixedCode = fix.Fixed
	issue.FixSpan = fix.Span
	issue.Patch = fix.Patch
	issue.Witness = fix.Witness
	issue.ManualReview = fix.ManualReview || fix.Fixed == ""
	if fix.Original != "" {
		issue.OriginalCode = fix.Original
	}
	return issue, nil
}

// describe 问题描述；偏移值直接取自求解器模型
func describe(v verifier.Verification) string {
	c := v.Candidate
	action := accessNoun(c)
	buffer := c.BufferName()
	if v.Verdict == verifier.Confirmed {
		offset := offsetOf(c)
		if v.HasOffset {
			offset = fmt.Sprintf("%d", v.Offset)
		}
		length := ""
		if v.HasLength {
			length = fmt.Sprintf(" (length %d)", v.Length)
		}
		detail := ""
		if c.OffsetText != "" && c.OffsetText != offset {
			detail = fmt.Sprintf(" when `%s` evaluates to %s", c.OffsetText, offset)
		}
		return fmt.Sprintf("%s at offset %s is outside the bounds of `%s`%s%s.",
			action, offset, buffer, length, detail)
	}
	return fmt.Sprintf("%s at offset `%s` into `%s` could not be proven in bounds: %s.",
		action, offsetOf(c), buffer, reasonOf(v))
}

func accessNoun(c core.Candidate) string {
	switch c.Kind {
	case core.KindRawPointerOffset:
		return fmt.Sprintf("Raw pointer write through `%s`", c.Base)
	case core.KindRawPointerDerefOffset:
		return fmt.Sprintf("Raw pointer read through `%s`", c.Base)
	case core.KindArrayIndex:
		return fmt.Sprintf("Array access to `%s`", c.Base)
	}
	if c.Shape.Unchecked {
		return fmt.Sprintf("Unchecked slice access to `%s`", c.Base)
	}
	return fmt.Sprintf("Slice access to `%s`", c.Base)
}

func impactOf(k core.OperationKind) string {
	switch k {
	case core.KindRawPointerOffset:
		return "Memory past the end of the buffer is overwritten, corrupting adjacent data."
	case core.KindRawPointerDerefOffset:
		return "Memory past the end of the buffer is read, leaking unrelated data or crashing the process."
	}
	return "Indexing past the end of the buffer panics at runtime, or is undefined behavior through get_unchecked."
}

func offsetOf(c core.Candidate) string {
	if c.OffsetText != "" {
		return c.OffsetText
	}
	if c.Offset != nil {
		return c.Offset.String()
	}
	return "?"
}

func reasonOf(v verifier.Verification) string {
	if v.Reason != "" {
		return v.Reason
	}
	return "no length bound is known"
}

// =============================================================================
// AnalysisReport
// =============================================================================

// AnalysisReport 单个文件的分析报告，构建后不可修改
type AnalysisReport struct {
	file        string
	issues      []Issue
	generatedAt time.Time
}

// File 源文件路径
func (r *AnalysisReport) File() string { return r.file }

// Len 问题数量
func (r *AnalysisReport) Len() int { return len(r.issues) }

// GeneratedAt 生成时间
func (r *AnalysisReport) GeneratedAt() time.Time { return r.generatedAt }

// Issues 返回问题列表的副本
func (r *AnalysisReport) Issues() []Issue {
	out := make([]Issue, len(r.issues))
	for i, is := range r.issues {
		out[i] = is.clone()
	}
	return out
}

// Issue 按编号取问题，编号从 1 开始
func (r *AnalysisReport) Issue(number int) (Issue, bool) {
	if number < 1 || number > len(r.issues) {
		return Issue{}, false
	}
	return r.issues[number-1].clone(), true
}

// CountBy 按判定统计
func (r *AnalysisReport) CountBy() map[verifier.Verdict]int {
	out := make(map[verifier.Verdict]int)
	for _, is := range r.issues {
		out[is.Verdict]++
	}
	return out
}

func (is Issue) clone() Issue {
	is.Passes = append([]core.Pass(nil), is.Passes...)
	return is
}

// Builder 收集单个文件的问题
type Builder struct {
	file   string
	issues []Issue
	now    func() time.Time
}

// NewBuilder 创建报告构建器
func NewBuilder(file string) *Builder {
	return &Builder{file: file, now: time.Now}
}

// Add 加入一个问题
func (b *Builder) Add(issue Issue) error {
	switch {
	case issue.Verdict == verifier.Refuted:
		return fmt.Errorf("%s: %w", issue.Location, ErrRefutedIssue)
	case issue.FixedCode != "" && issue.Verdict != verifier.Confirmed:
		return fmt.Errorf("%s: %w", issue.Location, ErrUnconfirmedFix)
	}
	b.issues = append(b.issues, issue.clone())
	return nil
}

// Len 已收集的问题数
func (b *Builder) Len() int { return len(b.issues) }

// Build 排序、编号并冻结；构建器之后仍可继续使用
func (b *Builder) Build() *AnalysisReport {
	issues := make([]Issue, len(b.issues))
	for i, is := range b.issues {
		issues[i] = is.clone()
	}
	sort.SliceStable(issues, func(i, j int) bool {
		a, c := issues[i].Location, issues[j].Location
		if a.Line != c.Line || a.Column != c.Column {
			return a.Before(c)
		}
		return issues[i].Kind < issues[j].Kind
	})
	for i := range issues {
		issues[i].Number = i + 1
	}
	return &AnalysisReport{file: b.file, issues: issues, generatedAt: b.now()}
}

// =============================================================================
// 运行结果
// =============================================================================

// FileFailure 无法分析的文件
type FileFailure struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// ScanResult 一次运行的全部报告，作为各写入器的输入
type ScanResult struct {
	RunID        string
	Reports      []*AnalysisReport
	Failures     []FileFailure
	Verdicts     map[verifier.Verdict]int
	FilesScanned int
	Duration     time.Duration
	StartedAt    time.Time
}

// TotalIssues 所有文件的问题总数
func (r *ScanResult) TotalIssues() int {
	n := 0
	for _, rep := range r.Reports {
		n += rep.Len()
	}
	return n
}
