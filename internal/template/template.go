// Package template defines agent templates: declarative descriptions of an
// agent type (model, prompts, tools, spawnable children, schemas) plus the
// optional programmatic step handler.
package template

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/relay/pkg/models"
)

// InputSchema holds separate validators for the prompt and params of an
// agent invocation.
type InputSchema struct {
	Prompt json.RawMessage `json:"prompt,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Template describes an agent type. Templates are immutable once a run has
// started; the runtime never writes to them.
type Template struct {
	// ID is the stable identifier, optionally qualified as
	// "publisher/name@version".
	ID string

	DisplayName string

	// Model names the LLM used for this agent's turns.
	Model string

	// SystemPrompt fragments are joined to build the system prompt.
	SystemPrompt []string

	// InstructionsPrompt, when set, is appended to the initial history as
	// an instructions-tagged user message.
	InstructionsPrompt string

	// StepPrompt, when set, overrides the default per-step prompt template.
	StepPrompt string

	// ToolNames is the set of tools this agent may call.
	ToolNames []string

	// SpawnableAgents lists child template ids this agent may spawn.
	SpawnableAgents []string

	InheritParentSystemPrompt bool
	IncludeMessageHistory     bool

	InputSchema  *InputSchema
	OutputSchema json.RawMessage

	// HandleSteps is the optional programmatic step handler. It is attached
	// in Go code after templates are loaded; see RegisterHandler.
	HandleSteps StepHandler
}

// HasTool reports whether the template declares the named tool.
func (t *Template) HasTool(name string) bool {
	for _, n := range t.ToolNames {
		if n == name {
			return true
		}
	}
	return false
}

// PublicState is the read-only view of agent state handed to programmatic
// step handlers on every resumption.
type PublicState struct {
	AgentID        string
	AgentType      string
	RunID          string
	ParentID       string
	StepsRemaining int

	CreditsUsed       float64
	DirectCreditsUsed float64

	Output       json.RawMessage
	MessageCount int

	// Subgoals is the agent's persistent scratch space, keyed by subgoal id.
	Subgoals map[string]models.Subgoal
}

// Resume is what a handler receives back each time it regains control.
type Resume struct {
	// State is the current public agent state.
	State PublicState

	// ToolResult carries the output of the tool call the handler just
	// yielded, if any.
	ToolResult []models.ToolOutputPart

	// StepsComplete is true when the loop would end the turn now.
	StepsComplete bool

	// NResponses carries the batch of alternative completions produced
	// after a GenerateN yield.
	NResponses []string
}

// Controls is the yield surface of a programmatic step handler. Every method
// suspends the handler, returns control to the agent loop, and blocks until
// the loop resumes the handler.
type Controls interface {
	// Step yields for exactly one LLM turn.
	Step() Resume

	// StepAll yields until the loop would naturally end the turn.
	StepAll() Resume

	// StepText injects text as if the model had produced it; inline tool
	// calls in the text are parsed and executed.
	StepText(text string) Resume

	// GenerateN asks the next LLM turn for n parallel completions; the
	// handler resumes with Resume.NResponses populated.
	GenerateN(n int) Resume

	// Tool executes one tool call as if the agent had issued it and records
	// the call/result pair in message history.
	Tool(name string, input any) Resume

	// HiddenTool is Tool without the history entries, for scaffolding calls
	// the model should never see.
	HiddenTool(name string, input any) Resume
}

// StepHandler is the programmatic step handler: a cooperative coroutine
// interleaving deterministic code with LLM turns. Returning ends the turn;
// a non-nil error fails the run's current step.
type StepHandler func(ctx context.Context, run Controls, prompt string, params json.RawMessage) error
