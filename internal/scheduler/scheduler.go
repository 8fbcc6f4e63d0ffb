// ============================================================================
// Button-Agent Auto-Scheduler
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 週期性檢查 auto 任務，間隔到期時觸發一次執行
//
// 演算法（每個 tick）:
//   for def in registry.List():
//     if !def.Auto: skip
//     elapsed = now - lastRun[def.Name]   (從未執行視為無限大)
//     if elapsed >= def.Interval():
//       Trigger(def.Name)
//       成功才更新 lastRun[def.Name] = now
//
// 保證:
//   - 同一個 AutoScheduler 的 tick 不會重疊（tickMu）
//   - 單一任務觸發失敗只記錄日誌，不影響同一 tick 的其他任務
//   - 每個 tick 重新讀取登錄表，新註冊的 auto 任務下一個 tick 即可觸發
//   - lastRun 僅保存在記憶體，重啟後所有 auto 任務視為從未執行
//
// ============================================================================

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/button-agent/pkg/types"
)

// DefaultTick 預設檢查間隔
const DefaultTick = 30 * time.Second

// TaskSource 提供目前的任務定義（由 registry 實作）
type TaskSource interface {
	List() []types.TaskDefinition
}

// TriggerFunc 建立並派送一筆 Job（由 controller.RunTask 提供）
type TriggerFunc func(ctx context.Context, taskName string) (types.JobID, error)

// Observer 觸發結果的觀測掛勾（由 metrics.Collector 實作）
type Observer interface {
	SchedulerTriggered(taskName string, err error)
}

// Option AutoScheduler 的可選設定
type Option func(*AutoScheduler)

// WithClock 注入時鐘，Run 迴圈以此決定每個 tick 的 now
func WithClock(now func() time.Time) Option {
	return func(s *AutoScheduler) { s.now = now }
}

// WithObserver 設定觀測掛勾
func WithObserver(o Observer) Option {
	return func(s *AutoScheduler) { s.observer = o }
}

// AutoScheduler 依間隔自動觸發 auto 任務
type AutoScheduler struct {
	tasks    TaskSource
	trigger  TriggerFunc
	tick     time.Duration
	now      func() time.Time
	observer Observer

	tickMu  sync.Mutex // 序列化 Tick
	mu      sync.Mutex // 保護 lastRun
	lastRun map[string]time.Time
}

// New 建立 AutoScheduler；tick <= 0 使用 DefaultTick
func New(tasks TaskSource, trigger TriggerFunc, tick time.Duration, opts ...Option) *AutoScheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	s := &AutoScheduler{
		tasks:   tasks,
		trigger: trigger,
		tick:    tick,
		now:     time.Now,
		lastRun: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 啟動時立即檢查一次，之後每個 tick 檢查，直到 ctx 取消
func (s *AutoScheduler) Run(ctx context.Context) error {
	slog.Info("auto-scheduler started", "tick", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx, s.now())
	for {
		select {
		case <-ctx.Done():
			slog.Info("auto-scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Tick 評估一次所有 auto 任務，回傳本次成功觸發的任務名稱
func (s *AutoScheduler) Tick(ctx context.Context, now time.Time) []string {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	var triggered []string
	for _, def := range s.tasks.List() {
		if ctx.Err() != nil {
			// 關閉中，放棄剩餘的任務
			return triggered
		}
		if !def.Auto || !s.due(def, now) {
			continue
		}

		id, err := s.trigger(ctx, def.Name)
		if s.observer != nil {
			s.observer.SchedulerTriggered(def.Name, err)
		}
		if err != nil {
			slog.Error("auto trigger failed", "task", def.Name, "error", err)
			continue
		}

		s.mu.Lock()
		s.lastRun[def.Name] = now
		s.mu.Unlock()
		triggered = append(triggered, def.Name)
		slog.Info("auto triggered", "task", def.Name, "job_id", id)
	}
	return triggered
}

// due 距離上次觸發是否已超過間隔
func (s *AutoScheduler) due(def types.TaskDefinition, now time.Time) bool {
	s.mu.Lock()
	last, ok := s.lastRun[def.Name]
	s.mu.Unlock()
	if !ok {
		return true
	}
	return now.Sub(last) >= def.Interval()
}

// LastRun 任務最近一次成功自動觸發的時間
func (s *AutoScheduler) LastRun(taskName string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastRun[taskName]
	return t, ok
}
