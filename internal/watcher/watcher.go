// ============================================================================
// Button-Agent Completion Watcher - 任務完成後的決策迴圈
// ============================================================================
//
// Package: internal/watcher
// 文件: watcher.go
// 功能: 找出尚未處理的已結束任務，詢問 Oracle 下一步，並執行決策
//
// 每個 tick:
//   for job in store.List(DONE) ∪ store.List(ERROR)（依建立時間）:
//     if processed[job.ID]: skip
//     request  = {finished_task, result_summary, available_buttons, context}
//     decision = oracle.Decide(request)      // 逾時或失敗時改為 Wait
//     act(decision)                          // run_button / create_button / alert / wait
//     processed[job.ID] = true               // 呼叫與動作都嘗試過之後才標記
//
// 保證:
//   - tickMu 序列化 Tick，重疊的呼叫不會把同一筆任務送出兩次
//   - 單筆任務的任何錯誤只記錄日誌，不中斷同一 tick 的其他任務
//   - 設定 MarkerLog 時，標記同步寫入決策日誌，重啟後以 Replay 還原
//   - 標記發生在動作之後：行程在兩者之間中止時，重啟後會再送一次（至少一次）
//   - 關閉取消 ctx 時，進行中的任務不標記，tick 直接結束
//
// ============================================================================

package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/button-agent/internal/notify"
	"github.com/ChuLiYu/button-agent/internal/oracle"
	"github.com/ChuLiYu/button-agent/internal/storage/wal"
	"github.com/ChuLiYu/button-agent/pkg/types"
	"github.com/google/uuid"
)

const (
	// DefaultTick 預設檢查間隔
	DefaultTick = 10 * time.Second
	// DefaultSummaryLimit 結果摘要的字元上限
	DefaultSummaryLimit = 500
	// DefaultMaxLossPerDay 風險限制未設定 max_loss_per_day 時使用
	DefaultMaxLossPerDay = 20000.0
	// TimeLayout current_time 的格式
	TimeLayout = "2006-01-02 15:04:05"

	errorPrefix = "ERROR: "
)

// ============================================================================
// 協作者介面
// ============================================================================

// JobSource 提供任務紀錄（由 jobmanager.Store 實作）
type JobSource interface {
	List(status types.JobStatus) []*types.Job
}

// TaskNames 提供目前可執行的任務名稱（由 registry 實作）
type TaskNames interface {
	Names() []string
}

// RunFunc 建立並派送一筆 Job（由 controller.RunTask 提供）
type RunFunc func(ctx context.Context, taskName string) (types.JobID, error)

// MarkerLog 已處理標記的持久化（由 wal.WAL 實作）
type MarkerLog interface {
	Append(eventType wal.EventType, jobID types.JobID, decision string) error
	Replay(handler wal.EventHandler) error
}

// Observer 決策結果的觀測掛勾（由 metrics.Collector 實作）
type Observer interface {
	OracleDecided(decisionType string)
	OracleFailed()
}

// ContextProvider 產生每次決策請求附帶的環境資訊
type ContextProvider interface {
	Context(now time.Time) oracle.Context
}

// RiskSource 提供風險限制（由 registry 實作）
type RiskSource interface {
	RiskLimits() map[string]any
}

// StaticContext 餘額與當日損益取自設定，max_loss_per_day 取自風險限制
type StaticContext struct {
	Balance  float64
	DailyPnL float64
	Limits   RiskSource
}

// Context 組出 oracle.Context
func (c StaticContext) Context(now time.Time) oracle.Context {
	maxLoss := DefaultMaxLossPerDay
	if c.Limits != nil {
		if v, ok := toFloat(c.Limits.RiskLimits()["max_loss_per_day"]); ok {
			maxLoss = v
		}
	}
	return oracle.Context{
		Balance:       c.Balance,
		DailyPnL:      c.DailyPnL,
		MaxLossPerDay: maxLoss,
		CurrentTime:   now.Format(TimeLayout),
	}
}

// yaml 與 json 解出的數字型別不一定相同
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// ============================================================================
// Watcher
// ============================================================================

// Config Watcher 設定，零值使用預設
type Config struct {
	Tick          time.Duration
	SummaryLimit  int
	OracleTimeout time.Duration
}

// Option Watcher 的可選設定
type Option func(*Watcher)

// WithMarkerLog 以決策日誌保存已處理標記
func WithMarkerLog(m MarkerLog) Option {
	return func(w *Watcher) { w.markers = m }
}

// WithObserver 設定觀測掛勾
func WithObserver(o Observer) Option {
	return func(w *Watcher) { w.observer = o }
}

// WithContextProvider 設定環境資訊來源
func WithContextProvider(p ContextProvider) Option {
	return func(w *Watcher) { w.env = p }
}

// WithAlerter 設定 alert 決策的接收者
func WithAlerter(a notify.Alerter) Option {
	return func(w *Watcher) { w.alerter = a }
}

// WithProposer 設定 create_button 決策的接收者
func WithProposer(p notify.Proposer) Option {
	return func(w *Watcher) { w.proposer = p }
}

// WithClock 注入時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// Watcher 任務完成監看與決策迴圈
type Watcher struct {
	jobs     JobSource
	tasks    TaskNames
	oracle   oracle.Oracle
	run      RunFunc
	cfg      Config
	markers  MarkerLog
	observer Observer
	env      ContextProvider
	alerter  notify.Alerter
	proposer notify.Proposer
	now      func() time.Time

	tickMu    sync.Mutex // 序列化 Tick
	mu        sync.RWMutex
	processed map[types.JobID]bool
}

// New 建立 Watcher
//
// 使用範例：
//
//	w := watcher.New(store, reg, oracle.NewHTTPOracle(url, token, 0), ctrl.RunTask, watcher.Config{},
//		watcher.WithMarkerLog(decisions))
//	if err := w.LoadMarkers(); err != nil { ... }
//	go w.Run(ctx)
func New(jobs JobSource, tasks TaskNames, o oracle.Oracle, run RunFunc, cfg Config, opts ...Option) *Watcher {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.SummaryLimit <= 0 {
		cfg.SummaryLimit = DefaultSummaryLimit
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = oracle.DefaultTimeout
	}
	if o == nil {
		o = oracle.Static{}
	}

	w := &Watcher{
		jobs:      jobs,
		tasks:     tasks,
		oracle:    o,
		run:       run,
		cfg:       cfg,
		env:       StaticContext{},
		alerter:   notify.LogNotifier{},
		proposer:  notify.LogNotifier{},
		now:       time.Now,
		processed: make(map[types.JobID]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// LoadMarkers 從決策日誌還原已處理標記
func (w *Watcher) LoadMarkers() error {
	if w.markers == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.markers.Replay(func(e wal.Event) error {
		if e.Type == wal.EventProcessed {
			w.processed[e.JobID] = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay decision log: %w", err)
	}
	slog.Info("processed markers restored", "count", len(w.processed))
	return nil
}

// Processed 任務是否已送出決策
func (w *Watcher) Processed(id types.JobID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.processed[id]
}

// Run 每個 tick 執行一次 Tick，直到 ctx 取消
func (w *Watcher) Run(ctx context.Context) error {
	slog.Info("completion watcher started", "tick", w.cfg.Tick)

	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("completion watcher stopped")
			return ctx.Err()
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick 處理所有尚未標記的已結束任務，回傳本次處理的任務 ID
func (w *Watcher) Tick(ctx context.Context) []types.JobID {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	var handled []types.JobID
	for _, job := range w.finishedJobs() {
		if ctx.Err() != nil {
			break
		}
		if w.Processed(job.ID) {
			continue
		}

		decision := w.decide(ctx, job)
		if decision == nil {
			break
		}
		w.act(ctx, job, decision)
		// 關閉中斷了動作時不標記，重啟後重新送出
		if ctx.Err() != nil {
			slog.Info("tick interrupted, job left unmarked", "job_id", job.ID)
			break
		}
		w.mark(job.ID, decision)
		handled = append(handled, job.ID)
	}
	return handled
}

func (w *Watcher) finishedJobs() []*types.Job {
	jobs := append(w.jobs.List(types.StatusDone), w.jobs.List(types.StatusError)...)
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs
}

// decide 呼叫 Oracle；任何失敗都改為 Wait
//
// 外層 ctx 在呼叫期間被取消時回傳 nil，該筆任務不算處理過。
func (w *Watcher) decide(ctx context.Context, job *types.Job) oracle.Decision {
	req := oracle.Request{
		FinishedTask:   job.TaskName,
		ResultSummary:  Summarize(job, w.cfg.SummaryLimit),
		AvailableTasks: w.tasks.Names(),
		Context:        w.env.Context(w.now()),
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.OracleTimeout)
	defer cancel()

	decision, err := w.oracle.Decide(callCtx, req)
	if ctx.Err() != nil {
		slog.Info("oracle call interrupted by shutdown", "job_id", job.ID, "task", job.TaskName)
		return nil
	}
	if err == nil && decision == nil {
		err = fmt.Errorf("oracle returned no decision")
	}
	if err != nil {
		slog.Error("oracle call failed", "job_id", job.ID, "task", job.TaskName, "error", err)
		if w.observer != nil {
			w.observer.OracleFailed()
		}
		decision = oracle.Wait{Reason: "oracle call failed: " + err.Error()}
	}

	if w.observer != nil {
		w.observer.OracleDecided(string(decision.Type()))
	}
	slog.Info("decision received",
		"job_id", job.ID,
		"task", job.TaskName,
		"decision", decision.Type(),
		"reason", decision.Why())
	return decision
}

func (w *Watcher) act(ctx context.Context, job *types.Job, decision oracle.Decision) {
	switch d := decision.(type) {
	case oracle.RunTask:
		id, err := w.run(ctx, d.Target)
		if err != nil {
			slog.Error("run_button failed", "source_job", job.ID, "target", d.Target, "error", err)
			return
		}
		slog.Info("follow-up job started", "source_job", job.ID, "target", d.Target, "job_id", id)

	case oracle.ProposeTask:
		err := w.proposer.Propose(ctx, notify.Proposal{
			ID:         uuid.NewString(),
			Definition: d.Definition,
			Reason:     d.Reason,
			SourceJob:  job.ID,
			CreatedAt:  w.now(),
		})
		if err != nil {
			slog.Error("create_button proposal failed", "source_job", job.ID, "name", d.Definition.Name, "error", err)
		}

	case oracle.Alert:
		err := w.alerter.Alert(ctx, notify.AlertEvent{
			Message:   d.Message,
			Reason:    d.Reason,
			SourceJob: job.ID,
			TaskName:  job.TaskName,
			At:        w.now(),
		})
		if err != nil {
			slog.Error("alert delivery failed", "source_job", job.ID, "error", err)
		}

	case oracle.Wait:
	}
}

// mark 記錄已處理；日誌寫入失敗時記憶體仍標記，本行程內不會重送
func (w *Watcher) mark(id types.JobID, decision oracle.Decision) {
	w.mu.Lock()
	w.processed[id] = true
	w.mu.Unlock()

	if w.markers == nil {
		return
	}
	if err := w.markers.Append(wal.EventProcessed, id, string(decision.Type())); err != nil {
		slog.Error("failed to persist processed marker", "job_id", id, "error", err)
	}
}

// Summarize 產生交給 Oracle 的結果摘要
//
//   - DONE: 結果中有 "result" 欄位時取其 JSON，否則取整個結果的 JSON
//   - ERROR: "ERROR: " + 錯誤訊息
//
// 超過 limit 個字元時截斷。
func Summarize(job *types.Job, limit int) string {
	var s string
	if job.Status == types.StatusError {
		s = errorPrefix + job.Error
	} else {
		payload := job.Result
		if m, ok := job.Result.(map[string]any); ok {
			if inner, has := m["result"]; has {
				payload = inner
			}
		}
		b, err := json.Marshal(payload)
		if err != nil {
			s = fmt.Sprintf("%v", payload)
		} else {
			s = string(b)
		}
	}
	return truncate(s, limit)
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
