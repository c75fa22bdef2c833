package models

import "time"

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// AgentRun records one top-level or spawned agent invocation.
type AgentRun struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	AgentType      string    `json:"agent_type"`
	AncestorRunIDs []string  `json:"ancestor_run_ids,omitempty"`
	Status         RunStatus `json:"status"`

	TotalSteps    int     `json:"total_steps"`
	DirectCredits float64 `json:"direct_credits"`
	TotalCredits  float64 `json:"total_credits"`
	ErrorMessage  string  `json:"error_message,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// StepStatus records how a single step concluded.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
)

// AgentStep records one step of an agent run.
type AgentStep struct {
	RunID        string     `json:"run_id"`
	StepNumber   int        `json:"step_number"`
	Credits      float64    `json:"credits"`
	ChildRunIDs  []string   `json:"child_run_ids,omitempty"`
	MessageID    string     `json:"message_id,omitempty"`
	Status       StepStatus `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	ErrorMessage string     `json:"error_message,omitempty"`
}
