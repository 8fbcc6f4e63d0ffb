// Package oracle 定義決策（Decision）與決策來源（Oracle）的契約
//
// 任務完成後，watcher 把完成資訊交給 Oracle，Oracle 回傳四種決策之一：
// 執行另一個任務、提議新任務定義、發出警示、或等待。
package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/ChuLiYu/button-agent/pkg/types"
)

// DecisionType 決策標籤，字串值與回應文件中的 decision_type 相同
type DecisionType string

const (
	TypeRunTask     DecisionType = "run_button"
	TypeProposeTask DecisionType = "create_button"
	TypeAlert       DecisionType = "alert"
	TypeWait        DecisionType = "wait"
)

// Decision 封閉的決策型別，只有本套件內的四種實作
type Decision interface {
	Type() DecisionType
	Why() string
	isDecision()
}

// RunTask 執行指定任務
type RunTask struct {
	Target string
	Reason string
}

// ProposeTask 提議新增任務定義（需要人工核准）
type ProposeTask struct {
	Definition types.TaskDefinition
	Reason     string
}

// Alert 需要人工注意
type Alert struct {
	Message string
	Reason  string
}

// Wait 不做任何事
type Wait struct {
	Reason string
}

func (RunTask) Type() DecisionType     { return TypeRunTask }
func (ProposeTask) Type() DecisionType { return TypeProposeTask }
func (Alert) Type() DecisionType       { return TypeAlert }
func (Wait) Type() DecisionType        { return TypeWait }

func (d RunTask) Why() string     { return d.Reason }
func (d ProposeTask) Why() string { return d.Reason }
func (d Alert) Why() string       { return d.Reason }
func (d Wait) Why() string        { return d.Reason }

func (RunTask) isDecision()     {}
func (ProposeTask) isDecision() {}
func (Alert) isDecision()       {}
func (Wait) isDecision()        {}

// Context 提供給 Oracle 的環境資訊
type Context struct {
	Balance       float64 `json:"balance"`
	DailyPnL      float64 `json:"daily_pnl"`
	MaxLossPerDay float64 `json:"max_loss_per_day"`
	CurrentTime   string  `json:"current_time"` // 2006-01-02 15:04:05
}

// Request 一次決策請求
type Request struct {
	FinishedTask   string   `json:"finished_task"`
	ResultSummary  string   `json:"result_summary"`
	AvailableTasks []string `json:"available_buttons"`
	Context        Context  `json:"context"`
}

// Prompt 將請求轉為可直接交給語言模型的文字
func (r Request) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Finished task: %s\n\n", r.FinishedTask)
	fmt.Fprintf(&b, "Result:\n%s\n\n", r.ResultSummary)
	b.WriteString("Current situation:\n")
	fmt.Fprintf(&b, "- Available buttons: %s\n", strings.Join(r.AvailableTasks, ", "))
	fmt.Fprintf(&b, "- Balance: %.0f\n", r.Context.Balance)
	fmt.Fprintf(&b, "- Daily P/L: %.0f\n", r.Context.DailyPnL)
	fmt.Fprintf(&b, "- Max loss per day: %.0f\n", r.Context.MaxLossPerDay)
	fmt.Fprintf(&b, "- Current time: %s\n\n", r.Context.CurrentTime)
	b.WriteString("Decide the next action.")
	return b.String()
}

// SystemPrompt 描述回應格式的系統提示
const SystemPrompt = `You are the decision system of a button agent.

After a task finishes, decide the next action:
1. run_button: run an existing button
2. create_button: propose the spec of a new button, only when truly needed
3. wait: do nothing
4. alert: a human needs to look at this

Risk principles:
- be careful when losses approach the daily limit
- alert when a test trade result looks abnormal
- ask a human on sudden market moves

Always answer with a single JSON document:
{
  "decision_type": "run_button" | "create_button" | "wait" | "alert",
  "button_name": "button to run (run_button only)",
  "reason": "why",
  "new_button_spec": { ... },
  "alert_message": "..."
}`

// Oracle 決策來源
type Oracle interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// Func 將函式轉為 Oracle
type Func func(ctx context.Context, req Request) (Decision, error)

// Decide 呼叫 f
func (f Func) Decide(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// Static 永遠回傳同一個決策；零值回傳 Wait
type Static struct {
	Decision Decision
}

// Decide 回傳固定決策
func (s Static) Decide(ctx context.Context, req Request) (Decision, error) {
	if s.Decision == nil {
		return Wait{Reason: "no oracle configured"}, nil
	}
	return s.Decision, nil
}
