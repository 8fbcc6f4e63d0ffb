// ============================================================================
// Button-Agent 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝所有模組，負責重啟恢復、任務觸發、背景循環與優雅關閉
//
// 架構設計:
//   這是整個系統的"大腦"，負責協調以下組件：
//   - Registry: 任務定義登錄表（tasks.yaml）
//   - Store: 任務紀錄與狀態機，每次變更都寫出 jobs.json
//   - Dispatcher: 非同步執行任務
//   - AutoScheduler: 依間隔自動觸發 auto 任務
//   - Watcher: 任務結束後詢問 Oracle 並執行決策
//   - WAL: 決策日誌，保存 Watcher 的已處理標記
//
// 背景循環 (3 個並發 Goroutine):
//   1. Scheduler Loop - 每 scheduler.tick 檢查 auto 任務
//   2. Watcher Loop   - 每 watcher.tick 處理新結束的任務
//   3. Stats Loop     - 每 watcher.tick 更新各狀態任務數指標
//
// 重啟恢復流程（Start）:
//   1. 載入 jobs.json 並還原 Store
//   2. 重放決策日誌，還原已處理標記
//   3. RUNNING 的紀錄已沒有執行者 → ERROR "interrupted by restart"
//   4. PENDING 的紀錄：任務仍存在 → 重新派送；任務已消失 → ERROR
//   5. 啟動背景循環
//
// 關閉順序（Stop）:
//   1. 取消背景循環並等待退出（不再產生新任務）
//   2. Dispatcher.Shutdown：等待寬限期後取消執行中的任務
//   3. 關閉決策日誌與通知通道
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/button-agent/internal/jobmanager"
	"github.com/ChuLiYu/button-agent/internal/metrics"
	"github.com/ChuLiYu/button-agent/internal/notify"
	"github.com/ChuLiYu/button-agent/internal/operations"
	"github.com/ChuLiYu/button-agent/internal/oracle"
	"github.com/ChuLiYu/button-agent/internal/registry"
	"github.com/ChuLiYu/button-agent/internal/scheduler"
	"github.com/ChuLiYu/button-agent/internal/snapshot"
	"github.com/ChuLiYu/button-agent/internal/storage/wal"
	"github.com/ChuLiYu/button-agent/internal/watcher"
	"github.com/ChuLiYu/button-agent/internal/worker"
	"github.com/ChuLiYu/button-agent/pkg/types"
)

// InterruptedMessage 重啟時無法繼續的任務所記錄的錯誤訊息
const InterruptedMessage = "interrupted by restart"

var (
	ErrAlreadyStarted = errors.New("controller already started")
	ErrStopped        = errors.New("controller is stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置，零值使用各模組的預設
type Config struct {
	TasksFile      string // tasks.yaml 路徑，空字串表示僅在記憶體
	JobsFile       string // jobs.json 路徑，空字串表示不持久化
	DecisionLog    string // 決策日誌路徑
	PersistMarkers bool   // 是否以決策日誌保存已處理標記

	CommandTimeout time.Duration
	MaxConcurrent  int
	ShutdownGrace  time.Duration

	SchedulerTick time.Duration

	WatcherTick   time.Duration
	SummaryLimit  int
	OracleTimeout time.Duration

	Balance  float64 // 提供給 Oracle 的帳戶餘額
	DailyPnL float64 // 提供給 Oracle 的當日損益
}

// Deps 由呼叫端提供的外部協作者
type Deps struct {
	Oracle     oracle.Oracle         // nil 時一律 Wait
	Operations *operations.Catalogue // nil 時使用 operations.Builtin()
	Notifiers  []notify.Notifier     // 額外的警示/提議通道（例如 Redis）
	Metrics    *metrics.Collector    // nil 時不收集指標
}

// Status 系統狀態摘要
type Status struct {
	Uptime   time.Duration           `json:"uptime"`
	Tasks    int                     `json:"tasks_count"`
	Jobs     map[types.JobStatus]int `json:"jobs"`
	InFlight int                     `json:"in_flight"`
}

// Controller 核心控制器
type Controller struct {
	cfg     Config
	metrics *metrics.Collector

	registry   *registry.Registry
	store      *jobmanager.Store
	snapshots  *snapshot.Manager
	dispatcher *worker.Dispatcher
	scheduler  *scheduler.AutoScheduler
	watcher    *watcher.Watcher
	decisions  *wal.WAL // PersistMarkers 關閉時為 nil
	inbox      *notify.Inbox
	notifiers  []notify.Notifier

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	cancel    context.CancelFunc
	loopWg    sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立 Controller 並載入任務登錄表
//
// tasks.yaml 無法讀取或格式錯誤、決策日誌無法開啟時回傳錯誤。
func NewController(cfg Config, deps Deps) (*Controller, error) {
	reg, err := loadRegistry(cfg.TasksFile)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:      cfg,
		metrics:  deps.Metrics,
		registry: reg,
	}

	// 1. 任務紀錄與持久化
	var persister jobmanager.Persister
	if cfg.JobsFile != "" {
		c.snapshots = snapshot.NewManager(cfg.JobsFile)
		persister = c.snapshots
	}
	c.store = jobmanager.NewStore(reg, persister)

	// 2. Dispatcher
	catalogue := deps.Operations
	if catalogue == nil {
		catalogue = operations.Builtin()
	}
	var dispatchOpts []worker.Option
	if c.metrics != nil {
		dispatchOpts = append(dispatchOpts, worker.WithRecorder(c.metrics))
	}
	c.dispatcher = worker.NewDispatcher(c.store, map[types.TaskKind]worker.Executor{
		types.KindOperation: worker.NewOperationExecutor(catalogue),
		types.KindShell:     worker.NewCommandExecutor(cfg.CommandTimeout),
	}, worker.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		ShutdownGrace: cfg.ShutdownGrace,
	}, dispatchOpts...)

	// 3. Scheduler
	var schedOpts []scheduler.Option
	if c.metrics != nil {
		schedOpts = append(schedOpts, scheduler.WithObserver(c.metrics))
	}
	c.scheduler = scheduler.New(reg, c.RunTask, cfg.SchedulerTick, schedOpts...)

	// 4. 通知通道：日誌 + 收件匣 + 外部通道
	c.inbox = notify.NewInbox(reg)
	c.notifiers = deps.Notifiers
	fanout := append(notify.Fanout{notify.LogNotifier{}, c.inbox}, deps.Notifiers...)

	// 5. Watcher
	watchOpts := []watcher.Option{
		watcher.WithAlerter(fanout),
		watcher.WithProposer(fanout),
		watcher.WithContextProvider(watcher.StaticContext{
			Balance:  cfg.Balance,
			DailyPnL: cfg.DailyPnL,
			Limits:   reg,
		}),
	}
	if c.metrics != nil {
		watchOpts = append(watchOpts, watcher.WithObserver(c.metrics))
	}
	if cfg.PersistMarkers && cfg.DecisionLog != "" {
		decisions, err := wal.NewWAL(cfg.DecisionLog, true)
		if err != nil {
			return nil, fmt.Errorf("failed to open decision log: %w", err)
		}
		c.decisions = decisions
		watchOpts = append(watchOpts, watcher.WithMarkerLog(decisions))
	}
	c.watcher = watcher.New(c.store, reg, deps.Oracle, c.RunTask, watcher.Config{
		Tick:          cfg.WatcherTick,
		SummaryLimit:  cfg.SummaryLimit,
		OracleTimeout: cfg.OracleTimeout,
	}, watchOpts...)

	return c, nil
}

func loadRegistry(path string) (*registry.Registry, error) {
	if path == "" {
		return registry.New()
	}
	reg, err := registry.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load task registry: %w", err)
	}
	return reg, nil
}

// Start 恢復狀態並啟動背景循環
//
// ctx 取消時背景循環也會停止；完整關閉仍需呼叫 Stop。
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.startTime = time.Now()

	// 1. 恢復階段
	slog.Info("Starting recovery...")

	if err := c.loadSnapshot(); err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}
	if err := c.watcher.LoadMarkers(); err != nil {
		return err
	}
	redispatched, abandoned := c.recoverInterrupted()

	recoveryTime := time.Since(c.startTime)
	if c.metrics != nil {
		c.metrics.SetRecoveryTime(recoveryTime.Seconds())
	}
	slog.Info("Recovery completed",
		"duration", recoveryTime,
		"redispatched", redispatched,
		"abandoned", abandoned)

	// 2. 啟動背景循環
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	c.loopWg.Add(3)
	go func() {
		defer c.loopWg.Done()
		c.scheduler.Run(loopCtx)
	}()
	go func() {
		defer c.loopWg.Done()
		c.watcher.Run(loopCtx)
	}()
	go c.statsLoop(loopCtx)

	slog.Info("Controller started", "tasks", c.registry.Len())
	return nil
}

// loadSnapshot 從 jobs.json 還原任務紀錄
func (c *Controller) loadSnapshot() error {
	if c.snapshots == nil {
		return nil
	}
	data, err := c.snapshots.Load()
	if err != nil {
		return err
	}
	c.store.Restore(data)
	slog.Info("Snapshot loaded", "path", c.snapshots.GetPath(), "jobs", len(data.Jobs))
	return nil
}

// recoverInterrupted 處理前一個行程留下的未結束紀錄
func (c *Controller) recoverInterrupted() (redispatched, abandoned int) {
	for _, job := range c.store.List(types.StatusRunning) {
		if err := c.store.Abandon(job.ID, InterruptedMessage); err != nil {
			slog.Error("Failed to abandon interrupted job", "job_id", job.ID, "error", err)
			continue
		}
		abandoned++
	}

	for _, job := range c.store.List(types.StatusPending) {
		def, err := c.registry.Get(job.TaskName)
		if err != nil {
			if aerr := c.store.Abandon(job.ID, InterruptedMessage); aerr != nil {
				slog.Error("Failed to abandon orphaned job", "job_id", job.ID, "error", aerr)
				continue
			}
			slog.Warn("Pending job references a removed task", "job_id", job.ID, "task", job.TaskName)
			abandoned++
			continue
		}
		if err := c.dispatcher.Dispatch(job.ID, def); err != nil {
			slog.Error("Failed to redispatch pending job", "job_id", job.ID, "error", err)
			continue
		}
		redispatched++
	}
	return redispatched, abandoned
}

// statsLoop 定期更新各狀態任務數
func (c *Controller) statsLoop(ctx context.Context) {
	defer c.loopWg.Done()
	if c.metrics == nil {
		return
	}

	interval := c.cfg.WatcherTick
	if interval <= 0 {
		interval = watcher.DefaultTick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.metrics.UpdateJobStats(c.store.Stats())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ============================================================================
// 公開方法
// ============================================================================

// RunTask 建立一筆 PENDING 紀錄並派送，回傳其 ID
//
// Scheduler 與 Watcher 的 run_button 都經由此方法觸發任務。
func (c *Controller) RunTask(ctx context.Context, taskName string) (types.JobID, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return "", ErrStopped
	}

	def, err := c.registry.Get(taskName)
	if err != nil {
		return "", fmt.Errorf("%w: %s", jobmanager.ErrUnknownTask, taskName)
	}

	id, err := c.store.Create(taskName)
	if err != nil {
		return "", err
	}
	if c.metrics != nil {
		c.metrics.RecordCreated(taskName)
	}

	if err := c.dispatcher.Dispatch(id, def); err != nil {
		// 紀錄維持 PENDING，下次啟動時由恢復流程處理
		return id, err
	}
	slog.Info("job created", "job_id", id, "task", taskName)
	return id, nil
}

// GetJob 取得單筆任務紀錄
func (c *Controller) GetJob(id types.JobID) (*types.Job, error) {
	return c.store.Get(id)
}

// ListJobs 列出任務紀錄，status 為空字串時回傳全部
func (c *Controller) ListJobs(status types.JobStatus) []*types.Job {
	return c.store.List(status)
}

// ListTasks 列出所有任務定義
func (c *Controller) ListTasks() []types.TaskDefinition {
	return c.registry.List()
}

// DefineTask 註冊新任務定義並寫回 tasks.yaml
func (c *Controller) DefineTask(def types.TaskDefinition) error {
	return c.registry.Register(def)
}

// RiskLimits 回傳風險限制設定
func (c *Controller) RiskLimits() map[string]any {
	return c.registry.RiskLimits()
}

// Proposals 列出待審核的新任務提議
func (c *Controller) Proposals() []notify.Proposal {
	return c.inbox.List()
}

// ApproveProposal 核准提議並註冊其定義
func (c *Controller) ApproveProposal(id string) (types.TaskDefinition, error) {
	return c.inbox.Approve(id)
}

// RejectProposal 捨棄提議
func (c *Controller) RejectProposal(id string) error {
	return c.inbox.Reject(id)
}

// Status 取得系統狀態
func (c *Controller) Status() Status {
	c.mu.Lock()
	startTime := c.startTime
	c.mu.Unlock()

	var uptime time.Duration
	if !startTime.IsZero() {
		uptime = time.Since(startTime)
	}
	return Status{
		Uptime:   uptime,
		Tasks:    c.registry.Len(),
		Jobs:     c.store.Stats(),
		InFlight: c.dispatcher.InFlight(),
	}
}

// Stop 優雅關閉 Controller，重複呼叫是安全的
//
// ctx 限制整個關閉流程的時間；到期時執行中的任務會被取消，
// 它們的紀錄維持 RUNNING，由下一次啟動的恢復流程處理。
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		slog.Info("Controller already stopped")
		return nil
	}
	// 在同一把鎖內取消背景循環：RunTask 看到 stopped 時，
	// Watcher 的 ctx 必然已取消
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	slog.Info("Stopping controller...")

	// 1. 等待背景循環結束
	c.loopWg.Wait()

	var errs []error

	// 2. 停止 Dispatcher
	if err := c.dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher shutdown: %w", err))
	}

	// 3. 關閉決策日誌
	if c.decisions != nil {
		if err := c.decisions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close decision log: %w", err))
		}
	}

	// 4. 關閉外部通知通道
	for _, n := range c.notifiers {
		if closer, ok := n.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	slog.Info("Controller stopped")
	return errors.Join(errs...)
}
