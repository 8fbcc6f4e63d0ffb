package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/button-agent/pkg/types"
	"github.com/google/uuid"
)

// ErrProposalNotFound 提議不存在（已處理或 ID 錯誤）
var ErrProposalNotFound = errors.New("proposal not found")

// Registrar 接收核准後的定義（由 registry 實作）
type Registrar interface {
	Register(def types.TaskDefinition) error
}

// Inbox 保存待審核提議
//
// watcher 只負責提出，不會自行註冊；只有 Approve 會呼叫 Registrar。
// 提議只存在記憶體，重啟後消失。
type Inbox struct {
	mu        sync.Mutex
	proposals map[string]Proposal
	registrar Registrar
	now       func() time.Time
}

// NewInbox 建立提議收件匣
func NewInbox(registrar Registrar) *Inbox {
	return &Inbox{
		proposals: make(map[string]Proposal),
		registrar: registrar,
		now:       time.Now,
	}
}

// Alert 收件匣不處理警示
func (in *Inbox) Alert(ctx context.Context, e AlertEvent) error { return nil }

// Propose 保存提議；沒有 ID 時指派一個
func (in *Inbox) Propose(ctx context.Context, p Proposal) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = in.now()
	}
	in.proposals[p.ID] = p
	return nil
}

// List 依建立時間列出待審核提議
func (in *Inbox) List() []Proposal {
	in.mu.Lock()
	defer in.mu.Unlock()

	out := make([]Proposal, 0, len(in.proposals))
	for _, p := range in.proposals {
		out = append(out, p)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// Approve 將提議交給登錄表註冊；註冊失敗時提議保留
func (in *Inbox) Approve(id string) (types.TaskDefinition, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	p, ok := in.proposals[id]
	if !ok {
		return types.TaskDefinition{}, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	if err := in.registrar.Register(p.Definition); err != nil {
		return types.TaskDefinition{}, err
	}
	delete(in.proposals, id)
	slog.Info("proposal approved", "proposal_id", id, "task", p.Definition.Name)
	return p.Definition, nil
}

// Reject 捨棄提議
func (in *Inbox) Reject(id string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if _, ok := in.proposals[id]; !ok {
		return fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	delete(in.proposals, id)
	slog.Info("proposal rejected", "proposal_id", id)
	return nil
}
