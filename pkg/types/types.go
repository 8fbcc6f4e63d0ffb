// Package types 定義了 button-agent 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// ============================================================================
// 任務定義（Button）
// ============================================================================

// TaskKind 任務執行類型
type TaskKind string

const (
	KindOperation TaskKind = "operation" // 呼叫行程內已註冊的操作
	KindShell     TaskKind = "shell"     // 執行外部命令列

	// kindPythonModule 舊版 tasks.yaml 的寫法，載入時視同 KindOperation
	kindPythonModule TaskKind = "python_module"
)

// DefaultAutoInterval auto 任務未設定間隔時使用的預設值
const DefaultAutoInterval = time.Hour

// ErrInvalidDefinition 任務定義欄位不合法
var ErrInvalidDefinition = errors.New("invalid task definition")

// TaskDefinition 登錄表中的一個任務（即 UI 上的一顆「按鈕」）
type TaskDefinition struct {
	Name        string   `json:"name" yaml:"-"`
	Kind        TaskKind `json:"type" yaml:"type"`
	Module      string   `json:"module,omitempty" yaml:"module,omitempty"`   // operation 類型的操作參照字串
	Command     string   `json:"command,omitempty" yaml:"command,omitempty"` // shell 類型的命令列
	Auto        bool     `json:"auto" yaml:"auto"`
	IntervalSec int      `json:"interval_sec,omitempty" yaml:"interval_sec,omitempty"`
	Description string   `json:"description" yaml:"description"`
}

// Interval 回傳自動觸發的間隔
func (d TaskDefinition) Interval() time.Duration {
	if d.IntervalSec <= 0 {
		return DefaultAutoInterval
	}
	return time.Duration(d.IntervalSec) * time.Second
}

// Normalize 正規化舊版欄位值（python_module → operation），並修剪空白
func (d *TaskDefinition) Normalize() {
	d.Name = strings.TrimSpace(d.Name)
	d.Kind = TaskKind(strings.ToLower(strings.TrimSpace(string(d.Kind))))
	if d.Kind == kindPythonModule {
		d.Kind = KindOperation
	}
}

// Validate 檢查定義是否可執行
func (d TaskDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	switch d.Kind {
	case KindOperation:
		if d.Module == "" {
			return fmt.Errorf("%w: task %q of type %s requires module", ErrInvalidDefinition, d.Name, d.Kind)
		}
	case KindShell:
		if d.Command == "" {
			return fmt.Errorf("%w: task %q of type %s requires command", ErrInvalidDefinition, d.Name, d.Kind)
		}
	default:
		return fmt.Errorf("%w: task %q has unknown type %q", ErrInvalidDefinition, d.Name, d.Kind)
	}
	if d.IntervalSec < 0 {
		return fmt.Errorf("%w: task %q has negative interval", ErrInvalidDefinition, d.Name)
	}
	return nil
}

// ============================================================================
// 任務執行紀錄（Job）
// ============================================================================

// JobID 任務執行唯一識別碼
type JobID string

// JobStatus 任務執行狀態
type JobStatus string

// 定義狀態常數，狀態只能單向前進：PENDING → RUNNING → DONE / ERROR
const (
	StatusPending JobStatus = "PENDING" // 已建立，尚未開始執行
	StatusRunning JobStatus = "RUNNING" // 執行中
	StatusDone    JobStatus = "DONE"    // 成功完成
	StatusError   JobStatus = "ERROR"   // 執行失敗
)

// ParseStatus 解析狀態字串（不分大小寫）
func ParseStatus(s string) (JobStatus, error) {
	switch st := JobStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusRunning, StatusDone, StatusError:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsTerminal 是否為終止狀態
func (s JobStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// Job 一次任務執行的紀錄
type Job struct {
	ID         JobID      `json:"job_id"`
	TaskName   string     `json:"task_name"`
	Status     JobStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     any        `json:"result,omitempty"` // 僅 DONE 時存在
	Error      string     `json:"error,omitempty"`  // 僅 ERROR 時存在
}

// Clone 回傳可安全交給呼叫端的副本
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	c.Result = deepCopy(j.Result)
	return &c
}

// deepCopy 複製結果中的 map、slice 與指標，其餘值原樣回傳
func deepCopy(v any) any {
	if v == nil {
		return nil
	}
	return copyValue(reflect.ValueOf(v)).Interface()
}

func copyValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		c := copyValue(v.Elem())
		out := reflect.New(v.Type()).Elem()
		out.Set(c)
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), copyValue(iter.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(copyValue(v.Index(i)))
		}
		return out
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(copyValue(v.Elem()))
		return out
	}
	return v
}

// SnapshotData 持久化的任務紀錄集合，用於重啟後完整載入
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`
	SchemaVer int            `json:"schema_ver"`
}
