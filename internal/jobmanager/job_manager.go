// ============================================================================
// Button-Agent 任務紀錄儲存 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理每一次任務執行（Job）的完整生命週期和狀態轉換
//
// 任務狀態轉換 (State Machine):
//   PENDING (已建立)
//      ↓ MarkRunning()
//   RUNNING (執行中)
//      ↓ Complete() 或 Fail()
//   DONE (成功) / ERROR (失敗)
//
// 狀態轉換規則:
//   - PENDING → RUNNING: 由 Dispatcher 在開始執行時呼叫
//   - RUNNING → DONE: 執行成功，附帶結果
//   - RUNNING → ERROR: 執行失敗，附帶錯誤訊息
//   - PENDING/RUNNING → ERROR: 僅由重啟恢復流程透過 Abandon() 使用
//   - 終止狀態永遠不會再改變
//
// 持久化:
//   - 每一次變更都在持有鎖的情況下完整寫出所有紀錄（Persister）
//   - 寫出失敗時回滾記憶體中的變更並回傳錯誤，記憶體永遠不會領先磁碟
//   - 因為寫出發生在鎖內，落盤的快照具有全序關係
//
// 並發安全:
//   - 使用 sync.RWMutex 保護 jobs map
//   - 讀操作使用 RLock，寫操作使用 Lock
//   - Get/List 回傳副本，呼叫端無法修改內部狀態
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/button-agent/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務名稱不在登錄表中
	ErrUnknownTask = errors.New("unknown task")
	// 任務紀錄不存在
	ErrJobNotFound = errors.New("job not found")
	// 非法的狀態轉換
	ErrInvalidTransition = errors.New("invalid job status transition")
	// 持久化失敗（記憶體狀態已回滾）
	ErrPersistFailed = errors.New("failed to persist job set")
)

// ============================================================================
// 協作者介面
// ============================================================================

// TaskLookup 查詢任務名稱是否存在（由 registry 實作）
type TaskLookup interface {
	Has(name string) bool
}

// Persister 完整寫出所有任務紀錄（由 snapshot.Manager 實作）
type Persister interface {
	Write(data types.SnapshotData) error
}

// Option Store 的可選設定
type Option func(*Store)

// WithClock 注入時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator 注入 ID 產生器（測試用）
func WithIDGenerator(gen func() types.JobID) Option {
	return func(s *Store) { s.newID = gen }
}

// maxIDAttempts ID 碰撞時的最大重試次數
const maxIDAttempts = 16

// Store 任務紀錄儲存，系統中唯一的共享可變狀態
type Store struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*types.Job
	tasks   TaskLookup
	persist Persister
	now     func() time.Time
	newID   func() types.JobID
}

// NewStore 建立新的任務紀錄儲存
//
// 參數說明：
//   - tasks: 任務名稱查詢，nil 表示不做檢查
//   - persist: 持久化掛勾，nil 表示僅保存在記憶體
//
// 使用範例：
//
//	store := jobmanager.NewStore(reg, snapshot.NewManager("data/jobs.json"))
//	id, err := store.Create("scan_market")
func NewStore(tasks TaskLookup, persist Persister, opts ...Option) *Store {
	s := &Store{
		jobs:    make(map[types.JobID]*types.Job),
		tasks:   tasks,
		persist: persist,
		now:     time.Now,
		newID:   NewJobID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewJobID 產生 "job-" 加上 8 個十六進位字元的識別碼
func NewJobID() types.JobID {
	return types.JobID("job-" + uuid.NewString()[:8])
}

// ============================================================================
// 變更操作
// ============================================================================

// Create 為指定任務建立一筆 PENDING 紀錄並回傳其 ID
//
// 錯誤處理：
//   - ErrUnknownTask: 任務名稱不在登錄表中，不會建立任何紀錄
//   - ErrPersistFailed: 寫出失敗，紀錄已移除
func (s *Store) Create(taskName string) (types.JobID, error) {
	if s.tasks != nil && !s.tasks.Has(taskName) {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, taskName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.allocateIDLocked()
	if err != nil {
		return "", err
	}

	s.jobs[id] = &types.Job{
		ID:        id,
		TaskName:  taskName,
		Status:    types.StatusPending,
		CreatedAt: s.now(),
	}

	if err := s.persistLocked(); err != nil {
		delete(s.jobs, id)
		return "", err
	}
	return id, nil
}

// MarkRunning PENDING → RUNNING，設定開始時間
func (s *Store) MarkRunning(id types.JobID) error {
	return s.transition(id, []types.JobStatus{types.StatusPending}, types.StatusRunning, func(j *types.Job) {
		t := s.now()
		j.StartedAt = &t
	})
}

// Complete RUNNING → DONE，設定結束時間並附上結果
func (s *Store) Complete(id types.JobID, result any) error {
	return s.transition(id, []types.JobStatus{types.StatusRunning}, types.StatusDone, func(j *types.Job) {
		t := s.now()
		j.FinishedAt = &t
		j.Result = result
	})
}

// Fail RUNNING → ERROR，設定結束時間並附上錯誤訊息
func (s *Store) Fail(id types.JobID, message string) error {
	return s.transition(id, []types.JobStatus{types.StatusRunning}, types.StatusError, func(j *types.Job) {
		t := s.now()
		j.FinishedAt = &t
		j.Error = message
	})
}

// Abandon 將尚未結束的紀錄直接標記為 ERROR
//
// 僅供重啟恢復使用：前一個行程留下的 PENDING/RUNNING 紀錄已沒有執行者。
func (s *Store) Abandon(id types.JobID, message string) error {
	return s.transition(id, []types.JobStatus{types.StatusPending, types.StatusRunning}, types.StatusError, func(j *types.Job) {
		t := s.now()
		j.FinishedAt = &t
		j.Error = message
	})
}

// transition 狀態轉換的共用流程：檢查 → 套用 → 寫出 → 失敗時回滾
func (s *Store) transition(id types.JobID, from []types.JobStatus, to types.JobStatus, apply func(*types.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	allowed := false
	for _, st := range from {
		if job.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, id, job.Status, to)
	}

	prev := *job
	job.Status = to
	apply(job)

	if err := s.persistLocked(); err != nil {
		*job = prev
		return err
	}
	return nil
}

// allocateIDLocked 產生未被使用的 ID，呼叫端必須持有寫鎖
func (s *Store) allocateIDLocked() (types.JobID, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := s.newID()
		if _, taken := s.jobs[id]; !taken {
			return id, nil
		}
		slog.Warn("job id collision, retrying", "job_id", id)
	}
	return "", errors.New("failed to allocate unique job id")
}

// persistLocked 寫出完整任務集合，呼叫端必須持有寫鎖
func (s *Store) persistLocked() error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.Write(s.snapshotLocked()); err != nil {
		slog.Error("persist job set failed", "error", err)
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return nil
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得單筆紀錄的副本
func (s *Store) Get(id types.JobID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// List 列出紀錄副本，status 為空字串時回傳全部
//
// 依建立時間排序（相同時再依 ID），單次呼叫內結果穩定。
func (s *Store) List(status types.JobStatus) []*types.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// Stats 取得各狀態任務的統計資訊
//
// 使用範例：
//
//	stats := store.Stats()
//	slog.Info("jobs", "pending", stats[types.StatusPending], "running", stats[types.StatusRunning])
func (s *Store) Stats() map[types.JobStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[types.JobStatus]int{
		types.StatusPending: 0,
		types.StatusRunning: 0,
		types.StatusDone:    0,
		types.StatusError:   0,
	}
	for _, job := range s.jobs {
		stats[job.Status]++
	}
	return stats
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Snapshot 生成快照資料（深拷貝）
func (s *Store) Snapshot() types.SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() types.SnapshotData {
	jobsCopy := make(map[types.JobID]*types.Job, len(s.jobs))
	for id, job := range s.jobs {
		jobsCopy[id] = job.Clone()
	}
	return types.SnapshotData{
		Jobs:      jobsCopy,
		SchemaVer: 1,
	}
}

// Restore 以快照內容取代目前所有紀錄（不觸發寫出）
//
// 使用範例：
//
//	data, _ := snapshots.Load()
//	store.Restore(data)
func (s *Store) Restore(data types.SnapshotData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	for id, job := range data.Jobs {
		if job == nil {
			continue
		}
		c := job.Clone()
		c.ID = id
		s.jobs[id] = c
	}
}
