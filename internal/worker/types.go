package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/button-agent/pkg/types"
)

// Executor 執行一個任務定義的目標，回傳結果載荷
type Executor interface {
	Execute(ctx context.Context, def types.TaskDefinition) (any, error)
}

// JobStore Dispatcher 需要的狀態轉換（由 jobmanager.Store 實作）
type JobStore interface {
	MarkRunning(id types.JobID) error
	Complete(id types.JobID, result any) error
	Fail(id types.JobID, message string) error
}

// Recorder 執行過程的觀測掛勾（由 metrics.Collector 實作）
type Recorder interface {
	JobStarted(taskName string)
	JobFinished(result Result)
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	TaskName string        // 任務名稱
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

type nopRecorder struct{}

func (nopRecorder) JobStarted(string)  {}
func (nopRecorder) JobFinished(Result) {}
