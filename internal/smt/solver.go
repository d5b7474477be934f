// Package smt 约束求解层：求解器接口、SMT-LIB2 编码、内置精确求解器与外部求解器进程
package smt

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/LliminM/rupair/internal/symbolic"
)

//go:generate mockgen -destination=mocks/mock_solver.go -package=mocks github.com/LliminM/rupair/internal/smt Solver

// ErrUnavailable 求解器不可用（进程崩溃、资源耗尽、未安装）
var ErrUnavailable = errors.New("solver unavailable")

// Status 可满足性结果
type Status int

const (
	StatusUnknown Status = iota
	StatusSat
	StatusUnsat
)

// String 返回 SMT-LIB 风格的结果名
func (s Status) String() string {
	switch s {
	case StatusSat:
		return "sat"
	case StatusUnsat:
		return "unsat"
	default:
		return "unknown"
	}
}

// VarDecl 变量声明
type VarDecl struct {
	Name   string
	Domain symbolic.Domain
}

// Query 一次可满足性查询；所有断言在同一个新作用域中生效
type Query struct {
	Vars       []VarDecl
	Assertions []symbolic.Pred
}

// Declare 追加变量声明（同名只保留第一次）
func (q *Query) Declare(name string, d symbolic.Domain) {
	for _, v := range q.Vars {
		if v.Name == name {
			return
		}
	}
	q.Vars = append(q.Vars, VarDecl{Name: name, Domain: d})
}

// Assert 追加断言
func (q *Query) Assert(p symbolic.Pred) {
	if p != nil {
		q.Assertions = append(q.Assertions, p)
	}
}

// Validate 检查断言中引用的变量都已声明
func (q *Query) Validate() error {
	declared := make(map[string]bool, len(q.Vars))
	for _, v := range q.Vars {
		declared[v.Name] = true
	}
	for _, a := range q.Assertions {
		for _, name := range symbolic.PredVars(a) {
			if !declared[name] {
				return fmt.Errorf("undeclared variable %q in assertion %s", name, a)
			}
		}
	}
	return nil
}

// Result 查询结果；Model 仅在 StatusSat 时有效
type Result struct {
	Status  Status
	Model   symbolic.Env
	Reason  string
	Elapsed time.Duration
}

// Solver 约束求解器接口
// 同一个实例不保证并发安全，每个文件的流水线使用独立会话
type Solver interface {
	// Check 在新的约束作用域中检查查询的可满足性
	Check(ctx context.Context, q *Query) (*Result, error)
	// Name 返回后端名称
	Name() string
	// Close 释放求解器资源
	Close() error
}

// Backend 求解器后端类型
type Backend string

const (
	BackendNative  Backend = "native"
	BackendProcess Backend = "process"
	BackendAuto    Backend = "auto"
)

// DefaultCommand 默认外部求解器命令
const DefaultCommand = "z3 -in -smt2"

// Options 求解器选项
type Options struct {
	Backend  Backend
	Command  string        // 外部求解器命令行
	Timeout  time.Duration // 单次查询超时（外部求解器内部也会设置）
	MaxNodes int           // 内置求解器的搜索预算
}

// NewSolver 按选项创建求解器会话
// auto 模式下外部求解器可执行文件存在时使用进程后端，否则退回内置求解器
func NewSolver(opts Options) (Solver, error) {
	switch opts.Backend {
	case BackendNative, "":
		return NewNativeSolver(opts.MaxNodes), nil
	case BackendProcess:
		return newProcessSolver(opts)
	case BackendAuto:
		if ProcessAvailable(opts.Command) {
			if s, err := newProcessSolver(opts); err == nil {
				return s, nil
			}
		}
		return NewNativeSolver(opts.MaxNodes), nil
	default:
		return nil, fmt.Errorf("unsupported solver backend: %s", opts.Backend)
	}
}

// ParseBackend 解析后端名称
func ParseBackend(name string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(name))) {
	case BackendNative, "":
		return BackendNative, nil
	case BackendProcess, "z3":
		return BackendProcess, nil
	case BackendAuto:
		return BackendAuto, nil
	}
	return "", fmt.Errorf("unsupported solver backend: %s", name)
}

// SplitCommand 拆分求解器命令行
func SplitCommand(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand
	}
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid solver command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty solver command")
	}
	return args, nil
}

// ProcessAvailable 检查外部求解器可执行文件是否存在
func ProcessAvailable(command string) bool {
	args, err := SplitCommand(command)
	if err != nil {
		return false
	}
	_, err = exec.LookPath(args[0])
	return err == nil
}

// StatusInfo 求解器状态信息
type StatusInfo struct {
	Backend          Backend `json:"backend"`
	Selected         string  `json:"selected"`
	Command          string  `json:"command"`
	ProcessAvailable bool    `json:"process_available"`
	Version          string  `json:"version,omitempty"`
}

// Describe 汇总后端选择结果
func Describe(opts Options) StatusInfo {
	info := StatusInfo{
		Backend:          opts.Backend,
		Command:          opts.Command,
		ProcessAvailable: ProcessAvailable(opts.Command),
	}
	if info.Command == "" {
		info.Command = DefaultCommand
	}
	s, err := NewSolver(opts)
	if err != nil {
		info.Selected = "unavailable: " + err.Error()
		return info
	}
	defer s.Close()
	info.Selected = s.Name()
	if v, ok := s.(interface{ Version() string }); ok {
		info.Version = v.Version()
	}
	return info
}
