package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// stepResult is the outcome of a single agent turn.
type stepResult struct {
	EndTurn bool

	// NResponses carries the batch of alternative completions when the
	// turn ran in generate-N mode.
	NResponses []string

	MessageID        string
	HadToolCallError bool
	Calls            []models.ToolCall
}

// runStep executes one LLM turn: assemble the step prompt, stream the
// response (dispatching tool calls as they appear), then decide whether the
// turn ends. It is pure with respect to external state beyond the injected
// contracts; transport failures propagate to the loop, which owns the error
// policy.
func (r *run) runStep(ctx context.Context, prompt string) (*stepResult, error) {
	if r.state.StepsRemaining <= 0 {
		r.state.History.Expire(models.TTLUserPrompt)
		r.state.History.Append(systemTaggedMessage(StepWarningMessage))
		r.sink.Emit(ctx, models.TextChunk(StepWarningMessage))
		return &stepResult{EndTurn: true}, nil
	}

	stepPrompt := buildStepPrompt(r.tmpl, r.state, r.rt.fileCtx)
	r.state.History.Append(stepPromptMessage(stepPrompt))

	r.hadToolCallError = false

	req := &PromptRequest{
		Model:    r.tmpl.Model,
		System:   r.system,
		Messages: r.state.History.Messages(),
		Tools:    r.toolDefs,
		OnCost:   r.onCost,
	}

	if r.generateN > 0 {
		req.N = r.generateN
		raw, err := r.rt.transport.Prompt(ctx, req)
		r.state.History.Expire(models.TTLAgentStep)
		r.state.StepsRemaining--
		if err != nil {
			return nil, fmt.Errorf("prompt: %w", err)
		}
		responses, err := parseNResponses(raw, r.generateN)
		if err != nil {
			return nil, err
		}
		return &stepResult{EndTurn: false, NResponses: responses}, nil
	}

	stream, err := r.rt.transport.PromptStream(ctx, req)
	if err != nil {
		r.state.StepsRemaining--
		return nil, fmt.Errorf("prompt stream: %w", err)
	}

	res := r.processStream(ctx, stream, true)

	r.state.History.Expire(models.TTLAgentStep)

	if isCompactCommand(prompt) {
		r.state.History.ReplaceAll([]*models.Message{systemTaggedMessage(res.Text)})
	}

	r.state.StepsRemaining--

	return &stepResult{
		EndTurn:          shouldEndTurn(r.tmpl.HasTool(tools.TaskCompleted), res),
		MessageID:        res.MessageID,
		HadToolCallError: res.HadToolCallError,
		Calls:            res.Calls,
	}, nil
}

// shouldEndTurn decides turn termination from the turn's tool activity.
//
// hasNoWork holds when every call this turn is in the soft set that does
// not force another step and nothing errored. Templates that carry
// task_completed opt into explicit termination only; everything else ends
// on an explicit end tool or on having no work left.
func shouldEndTurn(hasTaskCompleted bool, res *streamResult) bool {
	hasNoWork := !res.HadToolCallError
	hasExplicitEnd := false
	for _, call := range res.Calls {
		if !tools.WontForceNextStep[call.Name] {
			hasNoWork = false
		}
		if tools.EndsTurn[call.Name] {
			hasExplicitEnd = true
		}
	}

	if hasTaskCompleted {
		return hasExplicitEnd
	}
	return hasExplicitEnd || hasNoWork
}

// parseNResponses decodes the JSON-array reply of a generate-N request. A
// bare string counts as the single response when n is 1.
func parseNResponses(raw string, n int) ([]string, error) {
	var responses []string
	if err := json.Unmarshal([]byte(raw), &responses); err != nil {
		if n == 1 {
			return []string{raw}, nil
		}
		return nil, fmt.Errorf("expected a JSON array of %d responses: %w", n, err)
	}
	return responses, nil
}

// onCost is the run's cost callback: accumulate into this agent's credits
// (rolling up to ancestors) and record metrics.
func (r *run) onCost(c Cost) {
	r.state.AddCost(c.Credits)
	r.rt.metrics.CreditsTotal.Add(c.Credits)
}
