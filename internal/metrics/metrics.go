// Package metrics 单次运行的 Prometheus 指标
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rupair"

// Recorder 一次运行的指标集合，注册在独立的 registry 上
// nil Recorder 的所有方法都是空操作
type Recorder struct {
	registry        *prometheus.Registry
	candidates      *prometheus.CounterVec
	verdicts        *prometheus.CounterVec
	solverTimeouts  prometheus.Counter
	rectifyFailures prometheus.Counter
	files           *prometheus.CounterVec
	solverSeconds   prometheus.Histogram
	stageSeconds    *prometheus.HistogramVec
}

// Option 指标选项
type Option func(*prometheus.Registry)

// WithRuntimeStats 附带 Go 运行时指标（协程数、内存、GC）
func WithRuntimeStats() Option {
	return func(reg *prometheus.Registry) {
		reg.MustRegister(collectors.NewGoCollector())
	}
}

// New 创建指标集合
func New(options ...Option) *Recorder {
	reg := prometheus.NewRegistry()
	for _, opt := range options {
		opt(reg)
	}
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		candidates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Candidates produced by each detection pass, by operation kind.",
		}, []string{"kind", "pass"}),
		verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Verification verdicts.",
		}, []string{"verdict"}),
		solverTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "solver_timeouts_total",
			Help:      "Solver queries that hit the per-candidate timeout.",
		}),
		rectifyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rectify_failures_total",
			Help:      "Confirmed candidates that fell back to manual review.",
		}),
		files: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Analyzed files by outcome.",
		}, []string{"status"}),
		solverSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "solver_query_seconds",
			Help:      "Wall time of individual solver queries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		stageSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_seconds",
			Help:      "Wall time of pipeline stages per file.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
	}
}

// Registry 底层 registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// RecordCandidates 记录检测遍产生的候选数
func (r *Recorder) RecordCandidates(kind, pass string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.candidates.WithLabelValues(kind, pass).Add(float64(n))
}

// RecordVerdict 记录一次验证；queried 为 false 时没有实际调用求解器
func (r *Recorder) RecordVerdict(verdict string, elapsed time.Duration, queried, timedOut bool) {
	if r == nil {
		return
	}
	r.verdicts.WithLabelValues(verdict).Inc()
	if queried {
		r.solverSeconds.Observe(elapsed.Seconds())
	}
	if timedOut {
		r.solverTimeouts.Inc()
	}
}

// RecordRectifyFailure 记录一次修复失败
func (r *Recorder) RecordRectifyFailure() {
	if r == nil {
		return
	}
	r.rectifyFailures.Inc()
}

// RecordFile 记录文件处理结果：ok、degraded、failed
func (r *Recorder) RecordFile(status string) {
	if r == nil {
		return
	}
	r.files.WithLabelValues(status).Inc()
}

// RecordTimer 记录阶段耗时
func (r *Recorder) RecordTimer(stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// Timer 阶段计时器
type Timer struct {
	start    time.Time
	stage    string
	recorder *Recorder
}

// NewTimer 创建计时器
func (r *Recorder) NewTimer(stage string) *Timer {
	return &Timer{start: time.Now(), stage: stage, recorder: r}
}

// Stop 停止计时器并返回耗时
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	t.recorder.RecordTimer(t.stage, d)
	return d
}

// WithTimer 计时包装器
func (r *Recorder) WithTimer(stage string, fn func()) {
	timer := r.NewTimer(stage)
	defer timer.Stop()
	fn()
}

// WriteToTextfile 以 node_exporter textfile 格式写出全部指标
func (r *Recorder) WriteToTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
