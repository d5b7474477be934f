package core

import (
	"fmt"
	"sort"
	"strings"

	"github.com/LliminM/rupair/internal/symbolic"
)

// OperationKind 被检查的访问形式
type OperationKind string

const (
	KindRawPointerOffset      OperationKind = "raw_pointer_offset"
	KindSliceIndex            OperationKind = "slice_index"
	KindArrayIndex            OperationKind = "array_index"
	KindRawPointerDerefOffset OperationKind = "raw_pointer_deref_with_offset"
)

// ParseOperationKind 解析操作类型标签
func ParseOperationKind(s string) (OperationKind, error) {
	switch k := OperationKind(strings.TrimSpace(s)); k {
	case KindRawPointerOffset, KindSliceIndex, KindArrayIndex, KindRawPointerDerefOffset:
		return k, nil
	}
	return "", fmt.Errorf("unknown operation kind: %q", s)
}

// IsRawPointer 是否为裸指针访问
func (k OperationKind) IsRawPointer() bool {
	return k == KindRawPointerOffset || k == KindRawPointerDerefOffset
}

// CWE 返回对应的 CWE 编号
func (k OperationKind) CWE() string {
	switch k {
	case KindRawPointerOffset:
		return CWE787
	case KindRawPointerDerefOffset:
		return CWE125
	default:
		return CWE119
	}
}

// Severity 已确认问题的严重程度
func (k OperationKind) Severity() string {
	if k.IsRawPointer() {
		return SeverityCritical
	}
	return SeverityHigh
}

// Span 源码字节区间 [Start, End)
type Span struct {
	Start uint32 `json:"start" yaml:"start"`
	End   uint32 `json:"end" yaml:"end"`
}

// Valid 区间是否非空
func (s Span) Valid() bool { return s.End > s.Start }

// Contains 是否包含另一个区间
func (s Span) Contains(o Span) bool { return s.Start <= o.Start && o.End <= s.End }

// Location 源码位置，行列从 1 开始
type Location struct {
	File      string `json:"file"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	EndLine   int    `json:"end_line,omitempty"`
	EndColumn int    `json:"end_column,omitempty"`
	Span      Span   `json:"-"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// Before 按 (行, 列) 排序
func (l Location) Before(o Location) bool {
	if l.Line != o.Line {
		return l.Line < o.Line
	}
	return l.Column < o.Column
}

// GuardOrigin 保护条件的来源
type GuardOrigin string

const (
	GuardIf        GuardOrigin = "if"
	GuardElse      GuardOrigin = "else"
	GuardLoop      GuardOrigin = "loop"
	GuardDominator GuardOrigin = "dominator"
	GuardMerged    GuardOrigin = "merged"
)

// Guard 作用域内已有的保护条件
type Guard struct {
	Pred   symbolic.Pred
	Text   string
	Origin GuardOrigin
}

// Binding 不可变局部变量的取值
type Binding struct {
	Name  string
	Value symbolic.Expr
}

// AccessForm 访问在语句中的用法
type AccessForm string

const (
	FormAssign   AccessForm = "assign"   // *p.add(k) = v / buf[i] = v
	FormCompound AccessForm = "compound" // *p.add(k) += v
	FormRead     AccessForm = "read"     // 右值位置
	FormPtrWrite AccessForm = "ptr_write"
	FormPtrRead  AccessForm = "ptr_read"
)

// AccessShape 修复所需的语法信息
type AccessShape struct {
	Form       AccessForm
	Access     Span   // 访问表达式（含 .write(v) 调用）
	AccessText string
	Expr       Span   // 求值单元：赋值形式为整个赋值表达式，否则同 Access
	ExprText   string
	Stmt       Span   // 所在语句
	StmtText   string
	LetName    string // let x = <access>; 形式的绑定名
	LetType    string
	Value      string // 写入值的源码
	Operator   string // 复合赋值运算符
	InMacro    bool
	Unchecked  bool   // get_unchecked(_mut)
	Decl       *Declaration
}

// Declaration 缓冲区声明的可改写信息
type Declaration struct {
	Name   string
	Length Span // 长度字面量所在区间
	Value  int64
	Stmt   Span
	Text   string
}

// Pass 产生候选的检测遍
type Pass string

const (
	PassSyntax Pass = "syntax"
	PassFlow   Pass = "flow"
)

// Candidate 待验证的访问
// 创建后不再修改，后续阶段以值传递
type Candidate struct {
	Location    Location
	Kind        OperationKind
	Base        string // 访问所用的指针或缓冲区表达式
	Buffer      string // 解析出的底层缓冲区；未知时为空
	Offset      symbolic.Expr
	OffsetText  string
	KnownLength symbolic.Expr
	Guard       *Guard
	Bindings    []Binding
	VarTypes    map[string]symbolic.Domain
	OffsetType  *symbolic.Domain
	Shape       AccessShape
	Passes      []Pass
}

// Key 合并用的键：位置 + 操作类型
func (c Candidate) Key() string {
	return fmt.Sprintf("%s:%d:%d:%s", c.Location.File, c.Location.Line, c.Location.Column, c.Kind)
}

// LengthName 底层缓冲区长度符号
func (c Candidate) LengthName() string {
	return symbolic.LengthOf(c.BufferName()).Name
}

// BufferName 底层缓冲区名，未解析时退回访问基址
func (c Candidate) BufferName() string {
	if c.Buffer != "" {
		return c.Buffer
	}
	return c.Base
}

// HasPass 是否由指定遍产生
func (c Candidate) HasPass(p Pass) bool {
	for _, x := range c.Passes {
		if x == p {
			return true
		}
	}
	return false
}

// SortCandidates 按位置与类型排序
func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].Location, cs[j].Location
		if a.Line != b.Line || a.Column != b.Column {
			return a.Before(b)
		}
		return cs[i].Kind < cs[j].Kind
	})
}
