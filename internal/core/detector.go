package core

import (
	"fmt"
)

// Representation 单个源文件的分析视图
// 语法树与流图可以分别缺失；FlowErr 记录流图不可用的原因
type Representation struct {
	Path    string
	Unit    *ParsedUnit
	Flow    []*FlowBody
	FlowErr error
}

// HasSyntax 语法视图是否可用
func (r *Representation) HasSyntax() bool {
	return r != nil && r.Unit != nil && r.Unit.Root != nil
}

// HasFlow 流图视图是否可用
func (r *Representation) HasFlow() bool {
	return r != nil && r.FlowErr == nil && len(r.Flow) > 0
}

// CandidateDetector 候选检测能力
type CandidateDetector interface {
	// Name 返回检测器名称
	Name() string

	// Pass 返回检测器所属的检测遍
	Pass() Pass

	// Detect 在表示上检测候选访问
	Detect(rep *Representation) ([]Candidate, error)
}

// BaseDetector 基础检测器，提供通用功能
type BaseDetector struct {
	name string
	pass Pass
}

// NewBaseDetector 创建基础检测器
func NewBaseDetector(name string, pass Pass) *BaseDetector {
	return &BaseDetector{name: name, pass: pass}
}

// Name 返回检测器名称
func (d *BaseDetector) Name() string {
	return d.name
}

// Pass 返回检测遍
func (d *BaseDetector) Pass() Pass {
	return d.pass
}

// Severity levels
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Confidence levels
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// CWE IDs
const (
	CWE119 = "CWE-119" // Improper Restriction of Operations within the Bounds of a Memory Buffer
	CWE125 = "CWE-125" // Out-of-bounds Read
	CWE787 = "CWE-787" // Out-of-bounds Write
)

// ErrorWrapper 包装检测器错误
type ErrorWrapper struct {
	DetectorName string
	Err          error
}

func (e *ErrorWrapper) Error() string {
	return fmt.Sprintf("detector %s: %v", e.DetectorName, e.Err)
}

func (e *ErrorWrapper) Unwrap() error { return e.Err }

// WrapError 包装检测器错误
func WrapError(detector CandidateDetector, err error) error {
	return &ErrorWrapper{
		DetectorName: detector.Name(),
		Err:          err,
	}
}
