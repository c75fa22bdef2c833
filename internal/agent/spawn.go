package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/history"
	"github.com/haasonsaas/relay/internal/schema"
	"github.com/haasonsaas/relay/internal/template"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// MaxAgentDepth bounds the subagent tree; spawning is genuinely recursive
// and siblings execute sequentially within a parent.
const MaxAgentDepth = 10

// validateSpawnInput checks every child entry before the call is allowed to
// produce any event: the template must resolve, the parent must be
// permitted to spawn it, and prompt/params must satisfy the child's input
// schemas. Any violation abandons the whole call.
func (r *run) validateSpawnInput(ctx context.Context, input json.RawMessage) (*tools.SpawnAgentsInput, error) {
	var in tools.SpawnAgentsInput
	if err := json.Unmarshal(normalizeInput(input), &in); err != nil {
		return nil, fmt.Errorf("invalid spawn_agents input: %v", err)
	}
	if len(in.Agents) == 0 {
		return nil, fmt.Errorf("spawn_agents requires at least one agent")
	}
	if r.depth+1 >= MaxAgentDepth {
		return nil, fmt.Errorf("cannot spawn %s: %v", in.Agents[0].AgentType, ErrMaxAgentDepth)
	}

	for _, entry := range in.Agents {
		child, err := r.rt.templates.Resolve(ctx, entry.AgentType)
		if err != nil {
			return nil, fmt.Errorf("cannot spawn %s: %v", entry.AgentType, err)
		}
		if !template.CanSpawn(r.tmpl, child.ID) {
			return nil, fmt.Errorf("agent %s is not permitted to spawn %s", r.tmpl.ID, child.ID)
		}
		if child.InputSchema != nil {
			if len(child.InputSchema.Prompt) > 0 {
				promptJSON, _ := json.Marshal(entry.Prompt)
				if err := schema.Validate(child.InputSchema.Prompt, json.RawMessage(promptJSON)); err != nil {
					return nil, fmt.Errorf("invalid prompt for %s: %v", child.ID, err)
				}
			}
			if len(child.InputSchema.Params) > 0 {
				if err := schema.Validate(child.InputSchema.Params, entry.Params); err != nil {
					return nil, fmt.Errorf("invalid params for %s: %v", child.ID, err)
				}
			}
		}
	}
	return &in, nil
}

// spawnAgents runs each validated child in order, recursively invoking the
// agent loop. Credits roll up through the child state's parent link; child
// run ids are appended to the parent's state as each child finishes.
func (r *run) spawnAgents(ctx context.Context, in *tools.SpawnAgentsInput) ([]models.ToolOutputPart, error) {
	type childReport struct {
		AgentType string          `json:"agent_type"`
		RunID     string          `json:"run_id,omitempty"`
		Output    json.RawMessage `json:"output,omitempty"`
		Error     string          `json:"error,omitempty"`
	}

	reports := make([]childReport, 0, len(in.Agents))
	for _, entry := range in.Agents {
		child, err := r.rt.templates.Resolve(ctx, entry.AgentType)
		if err != nil {
			return nil, err
		}

		childState := r.newChildState(child, entry.Prompt)

		r.sink.Emit(ctx, models.EventChunk(models.Event{
			Kind:      models.EventSubagentStart,
			AgentID:   childState.AgentID,
			AgentType: child.ID,
			Prompt:    entry.Prompt,
		}))

		var params json.RawMessage
		if entry.Params != nil {
			params, _ = json.Marshal(entry.Params)
		}
		finalState, output, err := r.rt.run(ctx, child, childState, &RunOptions{
			Prompt:      entry.Prompt,
			Params:      params,
			Sink:        r.sink,
			UserInputID: r.userInputID,

			parentSystem: r.system,
			parentTools:  r.toolDefs,
			depth:        r.depth + 1,
		})
		if err != nil {
			// Fatal child failures (402) propagate to the parent loop.
			return nil, err
		}

		r.sink.Emit(ctx, models.EventChunk(models.Event{
			Kind:      models.EventSubagentFinish,
			AgentID:   finalState.AgentID,
			AgentType: child.ID,
			RunID:     finalState.RunID,
		}))
		r.state.ChildRunIDs = append(r.state.ChildRunIDs, finalState.RunID)

		report := childReport{AgentType: child.ID, RunID: finalState.RunID}
		if output != nil {
			if output.Type == "error" {
				report.Error = output.Message
			} else {
				report.Output = output.Value
			}
		}
		reports = append(reports, report)
	}

	payload, err := json.Marshal(reports)
	if err != nil {
		return nil, fmt.Errorf("encode spawn results: %w", err)
	}
	return models.JSONOutput(payload), nil
}

// newChildState builds the initial state for a spawned child: fresh agent
// id, ancestry extended by the parent's run, and the parent's history
// (spawn-filtered) when the child template asks for it.
func (r *run) newChildState(child *template.Template, prompt string) *State {
	childState := NewState(uuid.NewString(), child.ID)
	childState.ParentID = r.state.AgentID
	childState.AncestorRunIDs = append(append([]string(nil), r.state.AncestorRunIDs...), r.state.RunID)
	childState.StepsRemaining = r.rt.defaultMaxSteps
	childState.ContextTokenCount = r.state.ContextTokenCount
	childState.parent = r.state

	if child.IncludeMessageHistory {
		msgs := history.FilterUnfinishedToolCalls(r.state.History.Messages())
		msgs = append(msgs, &models.Message{
			Role:    models.RoleUser,
			Content: systemTagged(fmt.Sprintf("Spawned as %s by agent %s.", child.ID, r.state.AgentID)),
			Tags:    []string{models.TagSubagentSpawn},
		})
		childState.History = history.New(msgs...)
	}
	return childState
}
