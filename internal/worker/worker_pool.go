// ============================================================================
// Button-Agent Dispatcher - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 將每一筆 Job 交給對應的 Executor 非同步執行，並回報狀態轉換
//
// 執行模型:
//   每一次 Dispatch() 啟動一個受追蹤的 goroutine，呼叫端立即返回：
//
//   Dispatch(id, def)
//      └─ go run()
//           ├─ semaphore.Acquire      (並發上限，等待中的 Job 維持 PENDING)
//           ├─ store.MarkRunning(id)
//           ├─ executor.Execute(ctx)  (panic 轉為錯誤)
//           └─ store.Complete / store.Fail
//
// 並發控制:
//   - semaphore.Weighted: 限制同時執行的 Job 數量（max_concurrent）
//   - WaitGroup: 追蹤所有 goroutine，確保優雅關閉
//   - Mutex: 保護 stopped 狀態，與 wg.Add 原子地配對
//
// 優雅關閉:
//   Shutdown(ctx) 流程：
//   1. 設定 stopped，不再接受新的 Dispatch
//   2. 等待執行中的 Job 完成，最多等待 grace 時間
//   3. 取消共享的 base context，中斷仍在執行的 Job
//   4. 被關閉中斷的 Job 不記錄任何結果（由重啟恢復處理）
//
// 錯誤處理:
//   - ErrDispatcherClosed: 關閉後提交任務
//   - ErrNoExecutor: 任務類型沒有對應的 Executor（記錄為 ERROR）
//   - 執行失敗只會反映在 Job 的 ERROR 狀態，不會傳回呼叫端
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/button-agent/pkg/types"
	"golang.org/x/sync/semaphore"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDispatcherClosed 表示 Dispatcher 已關閉，無法提交新任務
	ErrDispatcherClosed = errors.New("dispatcher is closed")
	// ErrNoExecutor 表示任務類型沒有註冊執行器
	ErrNoExecutor = errors.New("no executor for task kind")
)

// 預設值
const (
	DefaultMaxConcurrent = 16
	DefaultShutdownGrace = 10 * time.Second
)

// Config Dispatcher 設定
type Config struct {
	MaxConcurrent int           // 同時執行的 Job 上限
	ShutdownGrace time.Duration // 關閉時等待執行中 Job 的時間
}

// Option Dispatcher 的可選設定
type Option func(*Dispatcher)

// WithRecorder 設定觀測掛勾
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.recorder = r
		}
	}
}

// Dispatcher 非同步執行 Job
type Dispatcher struct {
	store     JobStore
	executors map[types.TaskKind]Executor
	recorder  Recorder
	sem       *semaphore.Weighted
	grace     time.Duration

	baseCtx context.Context    // 所有執行共用，Shutdown 時取消
	cancel  context.CancelFunc // 取消 baseCtx

	wg       sync.WaitGroup
	mu       sync.Mutex
	stopped  bool
	inFlight atomic.Int64
}

// NewDispatcher 建立 Dispatcher
//
// 使用範例：
//
//	d := worker.NewDispatcher(store, map[types.TaskKind]worker.Executor{
//	    types.KindOperation: worker.NewOperationExecutor(operations.Builtin()),
//	    types.KindShell:     worker.NewCommandExecutor(5 * time.Minute),
//	}, worker.Config{MaxConcurrent: 16})
func NewDispatcher(store JobStore, executors map[types.TaskKind]Executor, cfg Config, opts ...Option) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:     store,
		executors: executors,
		recorder:  nopRecorder{},
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		grace:     cfg.ShutdownGrace,
		baseCtx:   ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch 非同步執行一筆 PENDING 的 Job，立即返回
func (d *Dispatcher) Dispatch(id types.JobID, def types.TaskDefinition) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(id, def)
	return nil
}

// run 單一 Job 的完整執行流程
func (d *Dispatcher) run(id types.JobID, def types.TaskDefinition) {
	defer d.wg.Done()

	if err := d.sem.Acquire(d.baseCtx, 1); err != nil {
		// 關閉前尚未開始，維持 PENDING
		slog.Warn("dispatch abandoned before start", "job_id", id, "task", def.Name)
		return
	}
	defer d.sem.Release(1)

	if err := d.store.MarkRunning(id); err != nil {
		slog.Error("mark running failed", "job_id", id, "error", err)
		return
	}

	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	d.recorder.JobStarted(def.Name)
	start := time.Now()

	result, err := d.execute(def)

	if d.baseCtx.Err() != nil {
		// 被關閉中斷的執行結果不可信，交給重啟恢復
		slog.Warn("execution interrupted by shutdown, result discarded", "job_id", id, "task", def.Name)
		return
	}

	res := Result{JobID: id, TaskName: def.Name, Success: err == nil, Error: err, Duration: time.Since(start)}
	d.recorder.JobFinished(res)

	if err != nil {
		slog.Info("job failed", "job_id", id, "task", def.Name, "error", err, "duration", res.Duration)
		if ferr := d.store.Fail(id, err.Error()); ferr != nil {
			slog.Error("record failure failed", "job_id", id, "error", ferr)
		}
		return
	}

	slog.Info("job done", "job_id", id, "task", def.Name, "duration", res.Duration)
	if cerr := d.store.Complete(id, result); cerr != nil {
		slog.Error("record completion failed", "job_id", id, "error", cerr)
	}
}

// execute 呼叫對應的 Executor，任何 panic 都轉為錯誤
func (d *Dispatcher) execute(def types.TaskDefinition) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	ex, ok := d.executors[def.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutor, def.Kind)
	}
	return ex.Execute(d.baseCtx, def)
}

// InFlight 目前正在執行（已進入 RUNNING）的 Job 數量
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// Wait 等待所有已提交的 Job 結束（測試用）
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown 優雅地關閉 Dispatcher
//
// 先等待最多 grace 時間讓執行中的 Job 自然結束，再取消 base context。
// ctx 到期時立即取消並回傳 ctx.Err()。重複呼叫是安全的。
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.grace)
	defer timer.Stop()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-timer.C:
		slog.Warn("shutdown grace period elapsed, cancelling running jobs", "in_flight", d.InFlight())
	case <-ctx.Done():
	}

	d.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
