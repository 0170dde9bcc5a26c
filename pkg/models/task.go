package models

import "time"

// TaskKind selects what a scheduled task runs when its cron expression fires.
type TaskKind string

const (
	// TaskAIQuery runs a one-shot conversation turn and pushes the answer.
	TaskAIQuery TaskKind = "ai_query"
	// TaskSkillExec runs a skill and pushes its result.
	TaskSkillExec TaskKind = "skill_exec"
	// TaskScriptExec runs a stored script and pushes its output.
	TaskScriptExec TaskKind = "script_exec"
)

// ScheduledTask is a cron-driven job that delivers its output to a chat
// channel target.
type ScheduledTask struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Kind      TaskKind  `json:"kind"`
	Cron      string    `json:"cron"`
	Payload   string    `json:"payload"`
	TargetID  string    `json:"target_id"`
	Enabled   bool      `json:"enabled"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
