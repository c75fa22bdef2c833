package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/template"
	"github.com/haasonsaas/relay/pkg/models"
)

func TestHandlerStepYield(t *testing.T) {
	tp := &fakeTransport{scripts: [][]StreamChunk{
		script("model reply"),
	}}

	var resumes []template.Resume
	handler := func(ctx context.Context, run template.Controls, prompt string, params json.RawMessage) error {
		if prompt != "go" {
			t.Errorf("handler prompt = %q", prompt)
		}
		resumes = append(resumes, run.Step())
		return nil
	}

	env := newTestEnv(t, tp, nil, &template.Template{
		ID:          "scripted",
		Model:       "test-model",
		HandleSteps: handler,
	})

	env.run(t, context.Background(), "scripted", nil)

	if tp.streamCalls() != 1 {
		t.Errorf("stream calls = %d, want 1", tp.streamCalls())
	}
	if len(resumes) != 1 {
		t.Fatalf("handler resumed %d times, want 1", len(resumes))
	}
	if !resumes[0].StepsComplete {
		t.Error("handler not told the turn was complete")
	}
}

func TestHandlerToolYieldRecordsHistory(t *testing.T) {
	tp := &fakeTransport{}
	done := false
	handler := func(ctx context.Context, run template.Controls, prompt string, params json.RawMessage) error {
		r := run.Tool("think", map[string]string{"thought": "planning"})
		if len(r.ToolResult) == 0 || r.ToolResult[0].Text != "Thought recorded." {
			t.Errorf("tool result = %+v", r.ToolResult)
		}
		done = true
		return nil
	}

	env := newTestEnv(t, tp, nil, &template.Template{
		ID:          "scripted",
		Model:       "test-model",
		HandleSteps: handler,
	})

	state, _ := env.run(t, context.Background(), "scripted", nil)

	if !done {
		t.Fatal("handler never ran")
	}
	if tp.streamCalls() != 0 {
		t.Errorf("stream calls = %d, want 0", tp.streamCalls())
	}

	var sawCall, sawResult bool
	for _, m := range state.History.Messages() {
		if m.Role == models.RoleAssistant && len(m.ToolCalls()) == 1 {
			sawCall = true
		}
		if m.Role == models.RoleTool && m.ToolName == "think" {
			sawResult = true
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("tool call/result pair missing from history (call=%v result=%v)", sawCall, sawResult)
	}
}

func TestHandlerHiddenToolKeepsHistoryClean(t *testing.T) {
	tp := &fakeTransport{}
	handler := func(ctx context.Context, run template.Controls, prompt string, params json.RawMessage) error {
		run.HiddenTool("think", map[string]string{"thought": "scaffolding"})
		return nil
	}

	env := newTestEnv(t, tp, nil, &template.Template{
		ID:          "scripted",
		Model:       "test-model",
		HandleSteps: handler,
	})

	state, _ := env.run(t, context.Background(), "scripted", nil)

	for _, m := range state.History.Messages() {
		if m.Role == models.RoleTool || len(m.ToolCalls()) > 0 {
			t.Errorf("hidden tool leaked into history: %+v", m)
		}
	}
	// The call still executed: tool_call/tool_result events were emitted.
	if len(env.sink.events(models.EventToolResult)) != 1 {
		t.Error("hidden tool did not execute")
	}
}

func TestHandlerGenerateN(t *testing.T) {
	tp := &fakeTransport{
		promptFunc: func(req *PromptRequest) (string, error) {
			if req.N != 2 {
				t.Errorf("req.N = %d, want 2", req.N)
			}
			return `["option a","option b"]`, nil
		},
	}

	var got []string
	handler := func(ctx context.Context, run template.Controls, prompt string, params json.RawMessage) error {
		r := run.GenerateN(2)
		got = r.NResponses
		return nil
	}

	env := newTestEnv(t, tp, nil, &template.Template{
		ID:          "scripted",
		Model:       "test-model",
		HandleSteps: handler,
	})

	env.run(t, context.Background(), "scripted", nil)

	if len(got) != 2 || got[0] != "option a" || got[1] != "option b" {
		t.Fatalf("nResponses = %v", got)
	}
	if tp.promptCalled != 1 {
		t.Errorf("prompt calls = %d, want 1", tp.promptCalled)
	}
	if tp.streamCalls() != 0 {
		t.Errorf("stream calls = %d, want 0", tp.streamCalls())
	}
}

func TestHandlerStepTextExecutesInlineCalls(t *testing.T) {
	tp := &fakeTransport{}
	handler := func(ctx context.Context, run template.Controls, prompt string, params json.RawMessage) error {
		run.StepText("noting <add_subgoal><id>g1</id><objective>dig</objective></add_subgoal> ok")
		return nil
	}

	env := newTestEnv(t, tp, nil, &template.Template{
		ID:          "scripted",
		Model:       "test-model",
		ToolNames:   []string{"add_subgoal"},
		HandleSteps: handler,
	})

	state, _ := env.run(t, context.Background(), "scripted", nil)

	if _, ok := state.Subgoals["g1"]; !ok {
		t.Fatal("inline tool call from injected text did not execute")
	}
	if !strings.Contains(env.sink.text(), "noting") {
		t.Errorf("injected text not surfaced: %q", env.sink.text())
	}
}

func TestHandlerStepAll(t *testing.T) {
	tp := &fakeTransport{scripts: [][]StreamChunk{
		// Turn 1 does work, turn 2 is a plain reply that ends the turn.
		script("working", toolCallChunks("tc-1", "write_file", `{"path":"a","content":"b"}`)),
		script("all wrapped up"),
	}}

	resumed := 0
	handler := func(ctx context.Context, run template.Controls, prompt string, params json.RawMessage) error {
		r := run.StepAll()
		resumed++
		if !r.StepsComplete {
			t.Error("step-all resumed before the turn completed")
		}
		return nil
	}

	env := newTestEnv(t, tp, echoToolHost(t), &template.Template{
		ID:          "scripted",
		Model:       "test-model",
		ToolNames:   []string{"write_file"},
		HandleSteps: handler,
	})

	env.run(t, context.Background(), "scripted", nil)

	if tp.streamCalls() != 2 {
		t.Errorf("stream calls = %d, want 2", tp.streamCalls())
	}
	if resumed != 1 {
		t.Errorf("handler resumed %d times, want exactly once", resumed)
	}
}

func TestHandlerErrorProducesSkippedStep(t *testing.T) {
	tp := &fakeTransport{}
	handler := func(ctx context.Context, run template.Controls, prompt string, params json.RawMessage) error {
		return errors.New("handler exploded")
	}

	env := newTestEnv(t, tp, nil, &template.Template{
		ID:          "scripted",
		Model:       "test-model",
		HandleSteps: handler,
	})

	state, output := env.run(t, context.Background(), "scripted", nil)

	if output == nil || output.Type != "error" || !strings.Contains(output.Message, "handler exploded") {
		t.Fatalf("output = %+v", output)
	}

	msgs := state.History.Messages()
	var sawAssistant bool
	for _, m := range msgs {
		if m.Role == models.RoleAssistant && strings.Contains(m.Content, "handler exploded") {
			sawAssistant = true
		}
	}
	if !sawAssistant {
		t.Error("handler error not reported as assistant message")
	}

	steps := env.store.Steps(state.RunID)
	if len(steps) != 1 || steps[0].Status != models.StepSkipped {
		t.Fatalf("steps = %+v, want one skipped", steps)
	}
}

func TestHandlerRegistryDestroyedAfterRun(t *testing.T) {
	tp := &fakeTransport{}
	handler := func(ctx context.Context, run template.Controls, prompt string, params json.RawMessage) error {
		return nil
	}
	env := newTestEnv(t, tp, nil, &template.Template{
		ID:          "scripted",
		Model:       "test-model",
		HandleSteps: handler,
	})

	state, _ := env.run(t, context.Background(), "scripted", nil)

	env.rt.handlers.mu.Lock()
	_, live := env.rt.handlers.sessions[state.RunID]
	stepAll := env.rt.handlers.stepAll[state.RunID]
	env.rt.handlers.mu.Unlock()
	if live || stepAll {
		t.Error("handler session survived run termination")
	}
}
