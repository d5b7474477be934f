//go:build !noz3

package smt

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProcessSolver 通过标准输入输出驱动外部 SMT-LIB2 求解器进程
// 进程按需启动；超时后终止进程，下次查询时重新启动
type ProcessSolver struct {
	args    []string
	timeout time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	stderr  *bytes.Buffer
	version string
}

func newProcessSolver(opts Options) (Solver, error) {
	return NewProcessSolver(opts.Command, opts.Timeout)
}

// NewProcessSolver 创建外部求解器会话（不立即启动进程）
func NewProcessSolver(command string, timeout time.Duration) (*ProcessSolver, error) {
	args, err := SplitCommand(command)
	if err != nil {
		return nil, err
	}
	return &ProcessSolver{args: args, timeout: timeout}, nil
}

// Name 返回后端名称
func (s *ProcessSolver) Name() string {
	return "process:" + s.args[0]
}

// Version 返回求解器报告的版本（需要已启动或可启动）
func (s *ProcessSolver) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureStarted(); err != nil {
		return ""
	}
	if s.version != "" {
		return s.version
	}
	sentinel := "rupair-" + uuid.NewString()
	if _, err := io.WriteString(s.stdin, fmt.Sprintf("(get-info :version)\n(echo %q)\n", sentinel)); err != nil {
		s.killLocked()
		return ""
	}
	resp, err := readUntil(s.stdout, sentinel)
	if err != nil {
		s.killLocked()
		return ""
	}
	for _, node := range resp {
		if node.isList && len(node.list) == 2 && node.list[0].atom == ":version" {
			s.version = strings.Trim(node.list[1].atom, "\"")
		}
	}
	return s.version
}

func (s *ProcessSolver) ensureStarted() error {
	if s.cmd != nil {
		return nil
	}
	cmd := exec.Command(s.args[0], s.args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrUnavailable, s.args[0], err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.stdout = bufio.NewReader(stdout)
	s.stderr = stderr

	if s.timeout > 0 {
		opt := fmt.Sprintf("(set-option :timeout %d)\n", s.timeout.Milliseconds())
		if _, err := io.WriteString(s.stdin, opt); err != nil {
			s.killLocked()
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func (s *ProcessSolver) killLocked() {
	if s.cmd == nil {
		return
	}
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	s.cmd = nil
	s.stdin = nil
	s.stdout = nil
}

type processReply struct {
	nodes []sexpr
	err   error
}

// Check 在 push/pop 作用域中执行一次查询
func (s *ProcessSolver) Check(ctx context.Context, q *Query) (*Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureStarted(); err != nil {
		return nil, err
	}

	start := time.Now()
	sentinel := "rupair-" + uuid.NewString()
	if _, err := io.WriteString(s.stdin, Script(q, sentinel)); err != nil {
		s.killLocked()
		return nil, fmt.Errorf("%w: write query: %v", ErrUnavailable, err)
	}

	replies := make(chan processReply, 1)
	stdout := s.stdout
	go func() {
		nodes, err := readUntil(stdout, sentinel)
		replies <- processReply{nodes: nodes, err: err}
	}()

	var reply processReply
	select {
	case <-ctx.Done():
		// 求解器可能停在任意状态，只能整体重启
		s.killLocked()
		return &Result{Status: StatusUnknown, Reason: "timeout", Elapsed: time.Since(start)}, nil
	case reply = <-replies:
	}

	if reply.err != nil {
		detail := strings.TrimSpace(s.stderr.String())
		s.killLocked()
		if detail != "" {
			return nil, fmt.Errorf("%w: %v: %s", ErrUnavailable, reply.err, detail)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, reply.err)
	}

	res, err := interpretReply(reply.nodes)
	if err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

// interpretReply 从应答序列中提取结果与模型
func interpretReply(nodes []sexpr) (*Result, error) {
	res := &Result{Status: StatusUnknown}
	seenStatus := false
	for _, node := range nodes {
		if !node.isList {
			switch node.atom {
			case "sat":
				res.Status, seenStatus = StatusSat, true
			case "unsat":
				res.Status, seenStatus = StatusUnsat, true
			case "unknown":
				res.Status, seenStatus = StatusUnknown, true
			}
			continue
		}
		if len(node.list) > 0 && !node.list[0].isList && node.list[0].atom == "error" {
			if !seenStatus {
				msg := ""
				if len(node.list) > 1 {
					msg = strings.Trim(node.list[1].atom, "\"")
				}
				return nil, fmt.Errorf("solver rejected query: %s", msg)
			}
			// check-sat 之后的错误（如 unsat 时 get-value 无模型）忽略
			continue
		}
		if seenStatus && res.Status == StatusSat && res.Model == nil {
			model, err := parseModel(node)
			if err != nil {
				return nil, fmt.Errorf("parse model: %w", err)
			}
			res.Model = model
		}
	}
	if !seenStatus {
		return nil, fmt.Errorf("solver produced no check-sat answer")
	}
	if res.Status == StatusSat && res.Model == nil {
		res.Model = map[string]int64{}
	}
	if res.Status == StatusUnknown {
		res.Reason = "solver returned unknown"
	}
	return res, nil
}

// readUntil 读取 S 表达式直到遇到哨兵回显
func readUntil(r *bufio.Reader, sentinel string) ([]sexpr, error) {
	var nodes []sexpr
	for {
		node, err := readSexpr(r)
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("solver closed output")
			}
			return nil, err
		}
		if !node.isList && strings.Trim(node.atom, "\"") == sentinel {
			return nodes, nil
		}
		if !node.isList && (node.atom == "success" || node.atom == "unsupported") {
			continue
		}
		nodes = append(nodes, node)
	}
}

// Close 终止求解器进程
func (s *ProcessSolver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	_, _ = io.WriteString(s.stdin, "(exit)\n")
	_ = s.stdin.Close()
	done := make(chan error, 1)
	cmd := s.cmd
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(time.Second):
		_ = cmd.Process.Kill()
		<-done
	}
	s.cmd = nil
	s.stdin = nil
	s.stdout = nil
	return nil
}
