// Package scanner 单次运行的分析流水线：表示 -> 检测 -> 验证 -> 修复 -> 报告
package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/LliminM/rupair/internal/config"
	"github.com/LliminM/rupair/internal/core"
	"github.com/LliminM/rupair/internal/detectors"
	"github.com/LliminM/rupair/internal/metrics"
	"github.com/LliminM/rupair/internal/rectifier"
	"github.com/LliminM/rupair/internal/report"
	"github.com/LliminM/rupair/internal/smt"
	"github.com/LliminM/rupair/internal/telemetry"
	"github.com/LliminM/rupair/internal/verifier"
)

// 文件状态，对应 rupair_files_total 的 status 标签
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

// SolverFactory 为每个文件创建独立的求解器会话
type SolverFactory func() (smt.Solver, error)

// RunContext 一次运行的上下文
// 持有配置、日志、指标、追踪和求解器工厂，在运行结束时由 Close 统一释放
type RunContext struct {
	cfg       *config.Config
	logger    hclog.Logger
	metrics   *metrics.Recorder
	tracer    *telemetry.Provider
	newSolver SolverFactory
	policy    rectifier.FailurePolicy
}

// Option 运行上下文选项
type Option func(*RunContext)

// WithLogger 设置日志
func WithLogger(logger hclog.Logger) Option {
	return func(rc *RunContext) {
		rc.logger = logger
	}
}

// WithSolverFactory 替换求解器工厂（测试中注入 mock）
func WithSolverFactory(f SolverFactory) Option {
	return func(rc *RunContext) {
		rc.newSolver = f
	}
}

// WithMetrics 使用外部指标记录器
func WithMetrics(m *metrics.Recorder) Option {
	return func(rc *RunContext) {
		rc.metrics = m
	}
}

// WithTracer 使用外部追踪器
func WithTracer(p *telemetry.Provider) Option {
	return func(rc *RunContext) {
		rc.tracer = p
	}
}

// NewRunContext 创建运行上下文
// 未注入追踪器时按 trace_file 创建；未注入指标记录器时创建新的注册表
func NewRunContext(cfg *config.Config, options ...Option) (*RunContext, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, _ := rectifier.ParsePolicy(cfg.Rectify.FailurePolicy)

	rc := &RunContext{cfg: cfg, policy: policy}
	for _, option := range options {
		option(rc)
	}
	if rc.logger == nil {
		rc.logger = hclog.NewNullLogger()
	}
	if rc.metrics == nil {
		rc.metrics = metrics.New()
	}
	if rc.tracer == nil {
		tp, err := telemetry.NewFileProvider(cfg.TraceFile, report.Version)
		if err != nil {
			return nil, err
		}
		rc.tracer = tp
	}
	if rc.newSolver == nil {
		opts := cfg.SolverOptions()
		rc.newSolver = func() (smt.Solver, error) {
			return smt.NewSolver(opts)
		}
	}
	return rc, nil
}

// Config 返回运行配置
func (rc *RunContext) Config() *config.Config { return rc.cfg }

// Metrics 返回指标记录器
func (rc *RunContext) Metrics() *metrics.Recorder { return rc.metrics }

// Close 写出指标文件并关闭追踪器
func (rc *RunContext) Close(ctx context.Context) error {
	var errs []error
	if rc.cfg.MetricsFile != "" {
		if err := rc.metrics.WriteToTextfile(rc.cfg.MetricsFile); err != nil {
			errs = append(errs, err)
		}
	}
	if err := rc.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down tracer: %w", err))
	}
	return errors.Join(errs...)
}

// =============================================================================
// 单文件流水线
// =============================================================================

// FileResult 单个文件的分析结果
type FileResult struct {
	Path          string
	Report        *report.AnalysisReport
	Verifications []verifier.Verification
	Fixes         []rectifier.Fix
	// Fixed 应用全部修复后的源码；没有可应用的修复时为 nil
	Fixed []byte
	// Degraded 某个视图、检测器或求解器不可用，结果可能不完整
	Degraded bool
	Warnings []error
}

// Status 文件状态
func (r *FileResult) Status() string {
	if r.Degraded {
		return StatusDegraded
	}
	return StatusOK
}

// ScanFile 读取并分析单个文件
// 只有读取失败返回错误（core.ErrSourceIO），其余问题降级处理
func (rc *RunContext) ScanFile(ctx context.Context, path string) (*FileResult, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		rc.metrics.RecordFile(StatusFailed)
		rc.logger.Error("failed to read source", "file", path, "error", err)
		return nil, core.NewError(core.CodeSourceIO, "read", path, err)
	}
	return rc.ScanSource(ctx, path, src)
}

// ScanSource 分析内存中的源码
func (rc *RunContext) ScanSource(ctx context.Context, path string, src []byte) (*FileResult, error) {
	ctx, span := rc.tracer.Start(ctx, telemetry.SpanScanFile, telemetry.AttrFile.String(path))
	defer span.End()
	logger := rc.logger.With("file", path)
	res := &FileResult{Path: path}

	rep := rc.represent(ctx, path, src, logger, res)
	defer rep.Unit.Close()

	candidates := rc.detect(ctx, rep, logger, res)
	res.Verifications = rc.verify(ctx, path, candidates, logger, res)
	res.Report = rc.rectify(ctx, path, src, res, logger)

	if len(res.Fixes) > 0 {
		fixed, skipped := rectifier.ApplyFixes(src, res.Fixes)
		if skipped > 0 {
			logger.Debug("overlapping fixes skipped", "count", skipped)
		}
		res.Fixed = fixed
	}

	rc.metrics.RecordFile(res.Status())
	span.SetAttributes(telemetry.AttrIssues.Int(res.Report.Len()))
	logger.Debug("file analyzed", "candidates", len(candidates), "issues", res.Report.Len(), "status", res.Status())
	return res, nil
}

// represent 构建语法视图和流图视图，任一视图失败都只影响对应的检测遍
func (rc *RunContext) represent(ctx context.Context, path string, src []byte, logger hclog.Logger, res *FileResult) *core.Representation {
	rep := &core.Representation{Path: path}

	unit, err := core.ParseSource(ctx, path, src)
	if err != nil {
		logger.Warn("syntax view unavailable", "error", err)
		res.degrade(err)
	} else {
		rep.Unit = unit
	}

	if !rc.cfg.FlowIR {
		return rep
	}
	if doc, ok := core.FindFlowDocument(rc.cfg.IRDir, path); ok {
		rep.Flow, rep.FlowErr = core.LoadFlowFile(doc, path)
	} else if rep.Unit != nil {
		rep.Flow, rep.FlowErr = core.LowerUnit(rep.Unit)
	} else {
		rep.FlowErr = core.NewError(core.CodeRepresentation, "lower", path, fmt.Errorf("no syntax tree to lower"))
	}
	if rep.FlowErr != nil {
		logger.Warn("flow view unavailable, continuing with syntax-only detection", "error", rep.FlowErr)
		res.degrade(rep.FlowErr)
	}
	return rep
}

func (rc *RunContext) detect(ctx context.Context, rep *core.Representation, logger hclog.Logger, res *FileResult) []core.Candidate {
	_, span := rc.tracer.Start(ctx, telemetry.SpanStageDetect)
	defer span.End()
	timer := rc.metrics.NewTimer("detect")
	defer timer.Stop()

	dets := detectors.DefaultDetectors(rc.cfg.FlowIR && rep.HasFlow())
	if !rep.HasSyntax() {
		// 只有流图视图时单独运行流图遍
		dets = nil
		if rc.cfg.FlowIR && rep.HasFlow() {
			dets = []core.CandidateDetector{detectors.NewFlowDetector()}
		}
	}
	candidates, errs := detectors.RunAll(rep, dets, logger.Named("detect"))
	for _, err := range errs {
		res.degrade(err)
		telemetry.RecordError(span, err)
	}
	for _, c := range candidates {
		for _, pass := range c.Passes {
			rc.metrics.RecordCandidates(string(c.Kind), string(pass), 1)
		}
	}
	span.SetAttributes(telemetry.AttrCandidates.Int(len(candidates)))
	return candidates
}

// verify 每个文件使用独立的求解器会话，文件结束时关闭
func (rc *RunContext) verify(ctx context.Context, path string, candidates []core.Candidate, logger hclog.Logger, res *FileResult) []verifier.Verification {
	if len(candidates) == 0 {
		return nil
	}
	ctx, span := rc.tracer.Start(ctx, telemetry.SpanStageVerify, telemetry.AttrCandidates.Int(len(candidates)))
	defer span.End()
	timer := rc.metrics.NewTimer("verify")
	defer timer.Stop()

	var out []verifier.Verification
	solver, err := rc.newSolver()
	if err != nil {
		err = core.NewError(core.CodeSolverUnavailable, "verify", path, err)
		logger.Warn("solver unavailable, candidates degrade to unknown", "error", err)
		res.degrade(err)
		telemetry.RecordError(span, err)
		out = make([]verifier.Verification, 0, len(candidates))
		for _, c := range candidates {
			out = append(out, verifier.Verification{Candidate: c, Verdict: verifier.Unknown, Reason: "solver unavailable"})
		}
	} else {
		defer solver.Close()
		v := verifier.New(solver, verifier.Options{
			Timeout: rc.cfg.Solver.Timeout,
			Logger:  logger.Named("verify"),
		})
		out, err = v.VerifyAll(ctx, candidates)
		if err != nil {
			res.degrade(err)
			telemetry.RecordError(span, err)
		}
	}

	for _, r := range out {
		rc.metrics.RecordVerdict(string(r.Verdict), r.Elapsed, r.Queried, r.TimedOut)
	}
	return out
}

// rectify 为 Confirmed 生成修复并构建报告；Refuted 不出现在报告中
func (rc *RunContext) rectify(ctx context.Context, path string, src []byte, res *FileResult, logger hclog.Logger) *report.AnalysisReport {
	_, span := rc.tracer.Start(ctx, telemetry.SpanStageRectify)
	defer span.End()
	timer := rc.metrics.NewTimer("rectify")
	defer timer.Stop()

	r := rectifier.New(path, src, rectifier.Options{Policy: rc.policy})
	b := report.NewBuilder(path)
	for _, v := range res.Verifications {
		var (
			issue report.Issue
			err   error
		)
		switch v.Verdict {
		case verifier.Confirmed:
			fix, ferr := r.Rectify(v)
			if ferr != nil {
				rc.metrics.RecordRectifyFailure()
				logger.Debug("no automatic fix", "line", v.Candidate.Location.Line, "kind", v.Candidate.Kind, "error", ferr)
			} else {
				res.Fixes = append(res.Fixes, fix)
			}
			issue, err = report.NewIssue(v, &fix)
		case verifier.Unknown:
			if !rc.cfg.Report.IncludeUnknown {
				continue
			}
			issue, err = report.NewIssue(v, nil)
		default:
			continue
		}
		if err == nil {
			err = b.Add(issue)
		}
		if err != nil {
			logger.Warn("issue dropped", "line", v.Candidate.Location.Line, "error", err)
		}
	}
	span.SetAttributes(attribute.Int("rupair.fixes", len(res.Fixes)))
	return b.Build()
}

func (r *FileResult) degrade(err error) {
	r.Degraded = true
	r.Warnings = append(r.Warnings, err)
}

// =============================================================================
// 多文件
// =============================================================================

// RunSummary 一次运行的汇总
type RunSummary struct {
	RunID     string
	Files     []*FileResult // 与输入顺序一致，读取失败的文件不在其中
	Failures  []report.FileFailure
	Verdicts  map[verifier.Verdict]int
	StartedAt time.Time
	Duration  time.Duration
	Pool      core.PoolStats
}

// ScanFiles 并行分析多个文件
// 文件之间不共享可变状态；单个文件失败不影响其他文件，只有 ctx 取消返回错误
func (rc *RunContext) ScanFiles(ctx context.Context, paths []string) (*RunSummary, error) {
	summary := &RunSummary{
		RunID:     uuid.NewString(),
		Verdicts:  make(map[verifier.Verdict]int),
		StartedAt: time.Now(),
	}
	rc.logger.Info("scan started", "run_id", summary.RunID, "files", len(paths), "workers", rc.cfg.Workers)

	pool := core.NewFilePool(rc.cfg.Workers)
	results, errs, err := core.RunIndexed(ctx, pool, len(paths), func(ctx context.Context, i int) (*FileResult, error) {
		return rc.ScanFile(ctx, paths[i])
	})

	for i, res := range results {
		if errs[i] != nil {
			summary.Failures = append(summary.Failures, report.FileFailure{File: paths[i], Error: errs[i].Error()})
			continue
		}
		if res == nil {
			// ctx 取消前未开始的文件
			continue
		}
		summary.Files = append(summary.Files, res)
		for _, v := range res.Verifications {
			summary.Verdicts[v.Verdict]++
		}
	}
	summary.Duration = time.Since(summary.StartedAt)
	summary.Pool = pool.Stats()

	rc.logger.Info("scan finished",
		"run_id", summary.RunID,
		"files", len(summary.Files),
		"failed", len(summary.Failures),
		"issues", summary.TotalIssues(),
		"duration", summary.Duration)
	return summary, err
}

// Reports 所有文件的报告
func (s *RunSummary) Reports() []*report.AnalysisReport {
	out := make([]*report.AnalysisReport, 0, len(s.Files))
	for _, f := range s.Files {
		out = append(out, f.Report)
	}
	return out
}

// TotalIssues 问题总数
func (s *RunSummary) TotalIssues() int {
	n := 0
	for _, f := range s.Files {
		n += f.Report.Len()
	}
	return n
}

// ScanResult 转换为报告写入器的输入
func (s *RunSummary) ScanResult() *report.ScanResult {
	verdicts := make(map[verifier.Verdict]int, len(s.Verdicts))
	for k, v := range s.Verdicts {
		verdicts[k] = v
	}
	return &report.ScanResult{
		RunID:        s.RunID,
		Reports:      s.Reports(),
		Failures:     append([]report.FileFailure(nil), s.Failures...),
		Verdicts:     verdicts,
		FilesScanned: len(s.Files) + len(s.Failures),
		Duration:     s.Duration,
		StartedAt:    s.StartedAt,
	}
}

// WriteFixed 把修复后的源码写到 dir 下，保持源文件的相对路径
func (s *RunSummary) WriteFixed(dir string) ([]string, error) {
	var written []string
	for _, f := range s.Files {
		if f.Fixed == nil {
			continue
		}
		target := filepath.Join(dir, report.RelativePath(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return written, fmt.Errorf("failed to create fixed source directory: %w", err)
		}
		if err := os.WriteFile(target, f.Fixed, 0644); err != nil {
			return written, fmt.Errorf("failed to write fixed source: %w", err)
		}
		written = append(written, target)
	}
	return written, nil
}
