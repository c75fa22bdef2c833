package agent

import (
	"encoding/json"

	"github.com/haasonsaas/relay/internal/history"
	"github.com/haasonsaas/relay/internal/template"
	"github.com/haasonsaas/relay/pkg/models"
)

// State is the mutable state of one live agent instance. It is owned by the
// agent's loop; the runtime never shares it across goroutines.
type State struct {
	AgentID   string
	AgentType string
	RunID     string
	ParentID  string

	// AncestorRunIDs is ordered root-first.
	AncestorRunIDs []string

	History *history.Store

	// StepsRemaining is decremented once per LLM turn and never increases.
	StepsRemaining int

	// CreditsUsed includes descendants; DirectCreditsUsed counts only this
	// agent's own LLM and tool costs. Both are monotone.
	CreditsUsed       float64
	DirectCreditsUsed float64

	ChildRunIDs []string

	// Output is the structured value set by the set_output tool.
	Output json.RawMessage

	// Subgoals is the agent's persistent scratch space.
	Subgoals map[string]*models.Subgoal

	// ContextTokenCount caches the estimated prompt size of the next turn.
	ContextTokenCount int

	parent *State
}

// NewState creates a fresh agent state with an empty history.
func NewState(agentID, agentType string) *State {
	return &State{
		AgentID:   agentID,
		AgentType: agentType,
		History:   history.New(),
		Subgoals:  make(map[string]*models.Subgoal),
	}
}

// AddCost accumulates one LLM or tool cost: the agent's own direct credits,
// plus the rolled-up credits of the agent and every ancestor, so the root's
// CreditsUsed is the total tree cost.
func (s *State) AddCost(credits float64) {
	if credits <= 0 {
		return
	}
	s.DirectCreditsUsed += credits
	for a := s; a != nil; a = a.parent {
		a.CreditsUsed += credits
	}
}

// Public returns the read-only view handed to programmatic step handlers.
func (s *State) Public() template.PublicState {
	subgoals := make(map[string]models.Subgoal, len(s.Subgoals))
	for k, g := range s.Subgoals {
		subgoals[k] = *g
	}
	return template.PublicState{
		AgentID:           s.AgentID,
		AgentType:         s.AgentType,
		RunID:             s.RunID,
		ParentID:          s.ParentID,
		StepsRemaining:    s.StepsRemaining,
		CreditsUsed:       s.CreditsUsed,
		DirectCreditsUsed: s.DirectCreditsUsed,
		Output:            s.Output,
		MessageCount:      s.History.Len(),
		Subgoals:          subgoals,
	}
}

// Output is the terminal result of a run: either a structured Value or an
// error with an optional HTTP status code.
type Output struct {
	Type       string          `json:"type,omitempty"`
	Message    string          `json:"message,omitempty"`
	StatusCode int             `json:"statusCode,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
}

// ErrorOutput builds an error-typed output.
func ErrorOutput(message string, statusCode int) *Output {
	return &Output{Type: "error", Message: message, StatusCode: statusCode}
}
