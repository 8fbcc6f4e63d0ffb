// Package notify 將 watcher 的 alert 與 create_button 決策送到人看得到的地方
//
// 提供的實作：
//   - LogNotifier：寫入 slog
//   - RedisNotifier：alert 發布到頻道，提議推入清單
//   - Inbox：在記憶體中保留待審核的提議，核准後交給登錄表
//   - Fanout：同時送往多個 Notifier
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/button-agent/pkg/types"
	"github.com/google/uuid"
)

// AlertEvent 一則需要人工注意的警示
type AlertEvent struct {
	Message   string      `json:"message"`
	Reason    string      `json:"reason"`
	SourceJob types.JobID `json:"source_job"`
	TaskName  string      `json:"task_name"`
	At        time.Time   `json:"at"`
}

// Proposal 一個待人工核准的新任務定義
type Proposal struct {
	ID         string               `json:"id"`
	Definition types.TaskDefinition `json:"definition"`
	Reason     string               `json:"reason"`
	SourceJob  types.JobID          `json:"source_job"`
	CreatedAt  time.Time            `json:"created_at"`
}

// Alerter 接收警示
type Alerter interface {
	Alert(ctx context.Context, event AlertEvent) error
}

// Proposer 接收新任務提議
type Proposer interface {
	Propose(ctx context.Context, p Proposal) error
}

// Notifier 同時處理警示與提議
type Notifier interface {
	Alerter
	Proposer
}

// LogNotifier 只寫日誌
type LogNotifier struct{}

// Alert 以 WARN 等級記錄警示
func (LogNotifier) Alert(ctx context.Context, e AlertEvent) error {
	slog.Warn("ALERT", "message", e.Message, "reason", e.Reason, "task", e.TaskName, "job_id", e.SourceJob)
	return nil
}

// Propose 記錄提議內容
func (LogNotifier) Propose(ctx context.Context, p Proposal) error {
	slog.Info("new button proposed",
		"proposal_id", p.ID,
		"name", p.Definition.Name,
		"type", p.Definition.Kind,
		"reason", p.Reason,
		"job_id", p.SourceJob)
	return nil
}

// Fanout 依序送往每個 Notifier；單一失敗不影響其他，錯誤合併回傳
type Fanout []Notifier

// Alert 送出警示
func (f Fanout) Alert(ctx context.Context, e AlertEvent) error {
	var errs []error
	for _, n := range f {
		if err := n.Alert(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Propose 送出提議；先指派 ID，讓每個 Notifier 看到同一個 ID
func (f Fanout) Propose(ctx context.Context, p Proposal) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	var errs []error
	for _, n := range f {
		if err := n.Propose(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
