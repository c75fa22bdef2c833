package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/relay/internal/schema"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// callSource distinguishes model-issued calls from programmatic handler
// calls; handler calls bypass the template tool allowlist.
type callSource int

const (
	sourceModel callSource = iota
	sourceHandler
)

// dispatch validates and executes one tool call.
//
// A nil result means the call was refused or abandoned before execution: an
// error event has been emitted, no tool_call/tool_result pair was produced,
// and no tool message must be appended (downstream consumers treat an
// orphan tool call as a protocol violation). A non-nil result had a matching
// tool_call event emitted first, except after cancellation: a call
// dispatched on a cancelled context returns an empty result and emits no
// events.
//
// Calls from the same turn run strictly sequentially: dispatch blocks until
// the handler resolves, so one call's side effects are visible to the next.
func (r *run) dispatch(ctx context.Context, call models.ToolCall, source callSource) *models.ToolResult {
	if ctx.Err() != nil {
		// Cancelled: produce empty output and never forward to tool hosts.
		return &models.ToolResult{ToolCallID: call.ID, ToolName: call.Name}
	}

	originalName := call.Name
	rewritten := r.rewriteAgentCall(&call)

	mcpServer, mcpTool, isMCP := "", "", false
	if r.rt.mcp != nil {
		mcpServer, mcpTool, isMCP = r.rt.mcp.Route(call.Name)
	}

	if source != sourceHandler && !r.callPermitted(originalName, rewritten, isMCP) {
		r.toolError(ctx, call, fmt.Sprintf("Tool %q is not available to this agent.", originalName))
		return nil
	}

	def, ok := r.lookupDefinition(ctx, call.Name, mcpServer, isMCP)
	if !ok {
		r.toolError(ctx, call, fmt.Sprintf("Unknown tool: %s", call.Name))
		return nil
	}
	if len(def.InputSchema) > 0 {
		if err := schema.Validate(def.InputSchema, normalizeInput(call.Input)); err != nil {
			r.toolError(ctx, call, fmt.Sprintf("Invalid input for tool %s: %v", call.Name, err))
			return nil
		}
	}

	// Spawn permission and child input validation happen before the
	// tool_call event so a refused spawn leaves no orphan event pair.
	var spawnInput *tools.SpawnAgentsInput
	if call.Name == tools.SpawnAgents {
		parsed, err := r.validateSpawnInput(ctx, call.Input)
		if err != nil {
			r.toolError(ctx, call, err.Error())
			return nil
		}
		spawnInput = parsed
	}

	r.sink.Emit(ctx, models.EventChunk(models.Event{
		Kind:       models.EventToolCall,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Input:      call.Input,
	}))

	output, err := r.execute(ctx, call, spawnInput, mcpServer, mcpTool, isMCP)
	result := &models.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Output:     output,
	}
	outcome := "ok"
	if err != nil {
		result.IsError = true
		result.Output = append(result.Output, models.ToolOutputPart{Type: "text", Text: err.Error()})
		r.hadToolCallError = true
		outcome = "error"
		r.rt.logger.Error(ctx, "tool call failed", "tool", call.Name, "error", err.Error())
	}
	r.rt.metrics.ToolCallsTotal.WithLabelValues(call.Name, outcome).Inc()
	r.rt.tracker.TrackEvent(ctx, "tool_call", map[string]any{
		"tool":    call.Name,
		"outcome": outcome,
	})

	r.sink.Emit(ctx, models.EventChunk(models.Event{
		Kind:       models.EventToolResult,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Output:     result.Output,
	}))
	return result
}

// rewriteAgentCall rewrites a call addressed at a template's short name into
// a spawn_agents call with that template as the single child.
func (r *run) rewriteAgentCall(call *models.ToolCall) bool {
	if _, native := r.rt.tools.Get(call.Name); native {
		return false
	}
	tmpl, ok := r.rt.templates.ByShortName(call.Name)
	if !ok {
		return false
	}

	var in struct {
		Prompt string         `json:"prompt"`
		Params map[string]any `json:"params"`
	}
	if len(call.Input) > 0 {
		_ = json.Unmarshal(call.Input, &in)
	}
	rewritten, err := json.Marshal(tools.SpawnAgentsInput{Agents: []tools.SpawnAgentEntry{{
		AgentType: tmpl.ID,
		Prompt:    in.Prompt,
		Params:    in.Params,
	}}})
	if err != nil {
		return false
	}
	call.Name = tools.SpawnAgents
	call.Input = rewritten
	return true
}

func (r *run) callPermitted(originalName string, rewritten, isMCP bool) bool {
	if r.tmpl.HasTool(originalName) {
		return true
	}
	if rewritten && r.tmpl.HasTool(tools.SpawnAgents) {
		return true
	}
	return isMCP
}

func (r *run) lookupDefinition(ctx context.Context, name, mcpServer string, isMCP bool) (tools.Definition, bool) {
	if isMCP {
		for _, d := range r.mcpDefinitions(ctx, mcpServer) {
			if d.Name == name {
				return d, true
			}
		}
		// Remote tool not listed by the server; let the server decide.
		return tools.Definition{Name: name}, true
	}
	if d, ok := r.rt.tools.Get(name); ok {
		return d, true
	}
	if r.rt.fileCtx != nil {
		for _, d := range r.rt.fileCtx.CustomTools {
			if d.Name == name {
				return d, true
			}
		}
	}
	return tools.Definition{}, false
}

func (r *run) execute(ctx context.Context, call models.ToolCall, spawnInput *tools.SpawnAgentsInput, mcpServer, mcpTool string, isMCP bool) ([]models.ToolOutputPart, error) {
	switch {
	case call.Name == tools.SpawnAgents:
		return r.spawnAgents(ctx, spawnInput)
	case tools.RuntimeHandled[call.Name]:
		return r.execBuiltin(ctx, call)
	case isMCP:
		return r.rt.mcp.Call(ctx, mcpServer, mcpTool, call.Input)
	default:
		return r.requestHostTool(ctx, call)
	}
}

func (r *run) requestHostTool(ctx context.Context, call models.ToolCall) ([]models.ToolOutputPart, error) {
	if r.rt.requestToolCall == nil {
		return nil, fmt.Errorf("no tool host configured for %s", call.Name)
	}
	req := &ToolCallRequest{
		UserInputID: r.userInputID,
		ToolName:    call.Name,
		Input:       call.Input,
	}
	if call.Name == tools.RunTerminalCommand {
		var in tools.RunTerminalCommandInput
		if err := json.Unmarshal(call.Input, &in); err == nil {
			req.TimeoutSeconds = in.TimeoutSeconds
		}
	}
	resp, err := r.rt.requestToolCall(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", call.Name, err)
	}
	return resp.Output, nil
}

func (r *run) execBuiltin(ctx context.Context, call models.ToolCall) ([]models.ToolOutputPart, error) {
	switch call.Name {
	case tools.EndTurn:
		return models.TextOutput("Turn ended."), nil

	case tools.TaskCompleted:
		return models.TextOutput("Task marked as complete."), nil

	case tools.SetOutput:
		var in tools.SetOutputInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return nil, fmt.Errorf("decode set_output input: %w", err)
		}
		value, err := json.Marshal(in.Output)
		if err != nil {
			return nil, fmt.Errorf("encode output: %w", err)
		}
		if len(r.tmpl.OutputSchema) > 0 {
			if err := schema.Validate(r.tmpl.OutputSchema, json.RawMessage(value)); err != nil {
				return nil, fmt.Errorf("output does not match the required schema: %v", err)
			}
		}
		r.state.Output = value
		return models.TextOutput("Output set."), nil

	case tools.AddSubgoal:
		var in tools.AddSubgoalInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return nil, fmt.Errorf("decode add_subgoal input: %w", err)
		}
		if _, exists := r.state.Subgoals[in.ID]; exists {
			return nil, fmt.Errorf("subgoal %s already exists", in.ID)
		}
		r.state.Subgoals[in.ID] = &models.Subgoal{
			ID:        in.ID,
			Objective: in.Objective,
			Status:    in.Status,
			Plan:      in.Plan,
		}
		return models.TextOutput("Subgoal added."), nil

	case tools.UpdateSubgoal:
		var in tools.UpdateSubgoalInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return nil, fmt.Errorf("decode update_subgoal input: %w", err)
		}
		g, ok := r.state.Subgoals[in.ID]
		if !ok {
			return nil, fmt.Errorf("unknown subgoal: %s", in.ID)
		}
		if in.Status != "" {
			g.Status = in.Status
		}
		if in.Plan != "" {
			g.Plan = in.Plan
		}
		if in.Log != "" {
			g.Logs = append(g.Logs, in.Log)
		}
		return models.TextOutput("Subgoal updated."), nil

	case tools.Think:
		return models.TextOutput("Thought recorded."), nil

	case tools.AddMessage:
		var in tools.AddMessageInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return nil, fmt.Errorf("decode add_message input: %w", err)
		}
		r.state.History.Append(&models.Message{Role: models.Role(in.Role), Content: in.Content})
		return models.TextOutput("Message added."), nil

	case tools.SetMessages:
		var in tools.SetMessagesInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return nil, fmt.Errorf("decode set_messages input: %w", err)
		}
		msgs := make([]*models.Message, 0, len(in.Messages))
		for _, m := range in.Messages {
			msgs = append(msgs, &models.Message{Role: models.Role(m.Role), Content: m.Content})
		}
		r.state.History.ReplaceAll(msgs)
		return models.TextOutput("Messages replaced."), nil
	}
	return nil, fmt.Errorf("unhandled builtin tool: %s", call.Name)
}

// toolError surfaces a validation or permission failure: an error event
// only, no tool_call/tool_result pair.
func (r *run) toolError(ctx context.Context, call models.ToolCall, message string) {
	r.hadToolCallError = true
	r.rt.metrics.ToolCallsTotal.WithLabelValues(call.Name, "refused").Inc()
	r.rt.logger.Warn(ctx, "tool call refused", "tool", call.Name, "reason", message)
	r.sink.Emit(ctx, models.EventChunk(models.Event{
		Kind:       models.EventError,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Message:    message,
	}))
}

// normalizeInput treats an absent input as an empty object for validation.
func normalizeInput(input json.RawMessage) json.RawMessage {
	if len(input) == 0 || string(input) == "null" {
		return json.RawMessage(`{}`)
	}
	return input
}
