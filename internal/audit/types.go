package audit

import (
	"encoding/json"
	"time"
)

// Stage 标记审计记录产生的阶段。
type Stage string

const (
	// StageDecision 为风控评估阶段的记录。
	StageDecision Stage = "decision"
	// StageExecution 为交易执行阶段的记录。
	StageExecution Stage = "execution"
)

// Record 为一条不可变的审计记录。
// CommandID 把同一条指令在各阶段产生的记录串联起来。
type Record struct {
	ID         int64           `json:"id,omitempty"`
	CommandID  string          `json:"command_id"`
	Account    string          `json:"account"`
	Stage      Stage           `json:"stage"`
	Intent     json.RawMessage `json:"intent,omitempty"`
	Outcome    string          `json:"outcome"`
	Reason     string          `json:"reason,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}
