package core

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// FilePool 文件级工作池
// 每个任务独占自己的解析器、表示和求解器会话，任务之间不共享可变状态
type FilePool struct {
	workers int
	stats   PoolStats
}

// PoolStats 工作池统计信息
type PoolStats struct {
	JobsSubmitted   int64         `json:"jobs_submitted"`
	JobsCompleted   int64         `json:"jobs_completed"`
	JobsFailed      int64         `json:"jobs_failed"`
	ActiveWorkers   int64         `json:"active_workers"`
	MaxActive       int64         `json:"max_active"`
	TotalExecTimeNs int64         `json:"total_exec_time_ns"` // 存储为纳秒
	AvgExecTime     time.Duration `json:"avg_exec_time"`
}

// NewFilePool 创建工作池，workers <= 0 时使用 CPU 数
func NewFilePool(workers int) *FilePool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &FilePool{workers: workers}
}

// Workers 并发上限
func (p *FilePool) Workers() int {
	return p.workers
}

// RunIndexed 并行执行 n 个任务，结果按下标写回，输出顺序与输入一致
// 单个任务的错误记录在对应下标，不影响其他任务；只有 ctx 取消会提前结束
func RunIndexed[T any](ctx context.Context, p *FilePool, n int, job func(ctx context.Context, i int) (T, error)) ([]T, []error, error) {
	results := make([]T, n)
	errs := make([]error, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		atomic.AddInt64(&p.stats.JobsSubmitted, 1)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p.enter()
			start := time.Now()

			res, err := job(gctx, i)

			p.leave(time.Since(start), err)
			results[i], errs[i] = res, err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, errs, err
	}
	return results, errs, ctx.Err()
}

func (p *FilePool) enter() {
	active := atomic.AddInt64(&p.stats.ActiveWorkers, 1)
	for {
		peak := atomic.LoadInt64(&p.stats.MaxActive)
		if active <= peak || atomic.CompareAndSwapInt64(&p.stats.MaxActive, peak, active) {
			return
		}
	}
}

func (p *FilePool) leave(elapsed time.Duration, err error) {
	atomic.AddInt64(&p.stats.JobsCompleted, 1)
	atomic.AddInt64(&p.stats.TotalExecTimeNs, int64(elapsed))
	if err != nil {
		atomic.AddInt64(&p.stats.JobsFailed, 1)
	}
	atomic.AddInt64(&p.stats.ActiveWorkers, -1)
}

// Stats 获取统计信息快照
func (p *FilePool) Stats() PoolStats {
	s := PoolStats{
		JobsSubmitted:   atomic.LoadInt64(&p.stats.JobsSubmitted),
		JobsCompleted:   atomic.LoadInt64(&p.stats.JobsCompleted),
		JobsFailed:      atomic.LoadInt64(&p.stats.JobsFailed),
		ActiveWorkers:   atomic.LoadInt64(&p.stats.ActiveWorkers),
		MaxActive:       atomic.LoadInt64(&p.stats.MaxActive),
		TotalExecTimeNs: atomic.LoadInt64(&p.stats.TotalExecTimeNs),
	}
	if s.JobsCompleted > 0 {
		s.AvgExecTime = time.Duration(s.TotalExecTimeNs) / time.Duration(s.JobsCompleted)
	}
	return s
}
