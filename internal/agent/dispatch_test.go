package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/template"
	"github.com/haasonsaas/relay/pkg/models"
)

func TestSpawnPermissionDenied(t *testing.T) {
	tp := &fakeTransport{scripts: [][]StreamChunk{
		script(toolCallChunks("tc-1", "spawn_agents", `{"agents":[{"agent_type":"foo"}]}`)),
		script("giving up"),
	}}
	env := newTestEnv(t, tp, nil,
		&template.Template{
			ID:        "parent",
			Model:     "test-model",
			ToolNames: []string{"spawn_agents"},
			// No spawnable agents: every spawn must be refused.
		},
		&template.Template{ID: "foo", Model: "test-model"},
	)

	state, _ := env.run(t, context.Background(), "parent", nil)

	errs := env.sink.events(models.EventError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	if !strings.Contains(errs[0].Message, "not permitted") {
		t.Errorf("error message = %q", errs[0].Message)
	}
	if got := env.sink.events(models.EventSubagentStart); len(got) != 0 {
		t.Error("subagent_start emitted for refused spawn")
	}
	if got := env.sink.events(models.EventToolResult); len(got) != 0 {
		t.Error("tool_result emitted for refused spawn")
	}
	if len(state.ChildRunIDs) != 0 {
		t.Error("child run created despite refusal")
	}
	// The parent continued to a second turn after the refusal.
	if tp.streamCalls() != 2 {
		t.Errorf("stream calls = %d, want 2", tp.streamCalls())
	}
}

func TestUnknownToolRefused(t *testing.T) {
	tp := &fakeTransport{scripts: [][]StreamChunk{
		script(toolCallChunks("tc-1", "frobnicate", `{}`)),
		script("ok then"),
	}}
	env := newTestEnv(t, tp, nil, &template.Template{
		ID:        "chat",
		Model:     "test-model",
		ToolNames: []string{"frobnicate"},
	})

	env.run(t, context.Background(), "chat", nil)

	if len(env.sink.events(models.EventError)) != 1 {
		t.Fatal("expected one error event")
	}
	if len(env.sink.events(models.EventToolCall)) != 0 {
		t.Error("tool_call emitted for unknown tool")
	}
}

func TestToolNotInTemplateRefused(t *testing.T) {
	tp := &fakeTransport{scripts: [][]StreamChunk{
		script(toolCallChunks("tc-1", "write_file", `{"path":"a","content":"b"}`)),
		script("done"),
	}}
	called := false
	rtc := func(ctx context.Context, req *ToolCallRequest) (*ToolCallResponse, error) {
		called = true
		return &ToolCallResponse{}, nil
	}
	env := newTestEnv(t, tp, rtc, &template.Template{
		ID:        "reader",
		Model:     "test-model",
		ToolNames: []string{"read_files"},
	})

	env.run(t, context.Background(), "reader", nil)

	if called {
		t.Error("host executed a tool outside the template's tool set")
	}
	if len(env.sink.events(models.EventError)) != 1 {
		t.Error("expected an error event for the refused call")
	}
}

func TestSchemaValidationFailureAbandonsCall(t *testing.T) {
	tp := &fakeTransport{scripts: [][]StreamChunk{
		// write_file requires path and content strings.
		script(toolCallChunks("tc-1", "write_file", `{"path":12}`)),
		script("done"),
	}}
	called := false
	rtc := func(ctx context.Context, req *ToolCallRequest) (*ToolCallResponse, error) {
		called = true
		return &ToolCallResponse{}, nil
	}
	env := newTestEnv(t, tp, rtc, &template.Template{
		ID:        "writer",
		Model:     "test-model",
		ToolNames: []string{"write_file"},
	})

	env.run(t, context.Background(), "writer", nil)

	if called {
		t.Error("tool executed despite schema failure")
	}
	if len(env.sink.events(models.EventToolResult)) != 0 {
		t.Error("tool_result emitted for abandoned call")
	}
}

func TestAgentAsToolRewrite(t *testing.T) {
	tp := &fakeTransport{scripts: [][]StreamChunk{
		// The model "calls" the helper template by short name.
		script(toolCallChunks("tc-1", "helper", `{"prompt":"look this up"}`)),
		// Child turn.
		script("child answer"),
		// Parent follow-up turn.
		script("done"),
	}}
	env := newTestEnv(t, tp, nil,
		&template.Template{
			ID:              "base",
			Model:           "test-model",
			ToolNames:       []string{"spawn_agents"},
			SpawnableAgents: []string{"relay/helper"},
		},
		&template.Template{ID: "relay/helper", Model: "test-model"},
	)

	state, _ := env.run(t, context.Background(), "base", nil)

	starts := env.sink.events(models.EventSubagentStart)
	if len(starts) != 1 {
		t.Fatalf("subagent_start events = %d, want 1", len(starts))
	}
	if starts[0].AgentType != "relay/helper" {
		t.Errorf("agent type = %q", starts[0].AgentType)
	}
	if starts[0].Prompt != "look this up" {
		t.Errorf("prompt = %q", starts[0].Prompt)
	}
	if len(state.ChildRunIDs) != 1 {
		t.Errorf("child runs = %d", len(state.ChildRunIDs))
	}
}

func TestBuiltinSubgoalTools(t *testing.T) {
	tp := &fakeTransport{scripts: [][]StreamChunk{
		script(
			toolCallChunks("tc-1", "add_subgoal", `{"id":"g1","objective":"find the bug"}`),
			toolCallChunks("tc-2", "update_subgoal", `{"id":"g1","status":"done","log":"found it"}`),
		),
	}}
	env := newTestEnv(t, tp, nil, &template.Template{
		ID:        "worker",
		Model:     "test-model",
		ToolNames: []string{"add_subgoal", "update_subgoal"},
	})

	state, _ := env.run(t, context.Background(), "worker", nil)

	g, ok := state.Subgoals["g1"]
	if !ok {
		t.Fatal("subgoal not recorded")
	}
	if g.Status != "done" || len(g.Logs) != 1 {
		t.Errorf("subgoal = %+v", g)
	}
}
