package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/template"
	"github.com/haasonsaas/relay/pkg/models"
)

func TestReasoningDeltasForwardedNotRecorded(t *testing.T) {
	tp := &fakeTransport{scripts: [][]StreamChunk{
		{
			{Kind: ChunkReasoningDelta, Text: "thinking hard"},
			textChunk("the answer"),
		},
	}}
	env := newTestEnv(t, tp, nil, &template.Template{ID: "chat", Model: "m"})

	state, _ := env.run(t, context.Background(), "chat", nil)

	deltas := env.sink.events(models.EventReasoningDelta)
	if len(deltas) != 1 || deltas[0].Text != "thinking hard" {
		t.Fatalf("reasoning events = %+v", deltas)
	}
	for _, m := range state.History.Messages() {
		if strings.Contains(m.Text(), "thinking hard") {
			t.Error("reasoning trace leaked into history")
		}
	}
}

func TestProviderErrorSuppressesNoWorkShortcut(t *testing.T) {
	tp := &fakeTransport{scripts: [][]StreamChunk{
		{
			textChunk("partial"),
			{Kind: ChunkError, Err: errors.New("overloaded")},
		},
		script("recovered"),
	}}
	env := newTestEnv(t, tp, nil, &template.Template{ID: "chat", Model: "m"})

	env.run(t, context.Background(), "chat", nil)

	errEvents := env.sink.events(models.EventError)
	if len(errEvents) != 1 || !strings.Contains(errEvents[0].Message, "overloaded") {
		t.Fatalf("error events = %+v", errEvents)
	}
	// The errored turn must not end via the no-work shortcut.
	if tp.streamCalls() != 2 {
		t.Errorf("stream calls = %d, want 2", tp.streamCalls())
	}
}

func TestInlineCallsFromModelText(t *testing.T) {
	tp := &fakeTransport{scripts: [][]StreamChunk{
		script(
			"let me check ",
			"<run_terminal_command><command>ls -la</command>",
			"</run_terminal_command> hold on",
		),
		script("found it"),
	}}
	env := newTestEnv(t, tp, echoToolHost(t), &template.Template{
		ID:        "runner",
		Model:     "m",
		ToolNames: []string{"run_terminal_command"},
	})

	state, _ := env.run(t, context.Background(), "runner", nil)

	calls := env.sink.events(models.EventToolCall)
	if len(calls) != 1 || calls[0].ToolName != "run_terminal_command" {
		t.Fatalf("tool calls = %+v", calls)
	}
	if !strings.Contains(env.sink.text(), "let me check") {
		t.Errorf("surrounding text lost: %q", env.sink.text())
	}
	if strings.Contains(env.sink.text(), "<run_terminal_command>") {
		t.Errorf("tool markup leaked to sink: %q", env.sink.text())
	}

	var sawToolMsg bool
	for _, m := range state.History.Messages() {
		if m.Role == models.RoleTool && m.ToolName == "run_terminal_command" {
			sawToolMsg = true
		}
	}
	if !sawToolMsg {
		t.Error("tool message missing from history")
	}
}

func TestStreamMessageIDRecorded(t *testing.T) {
	tp := &fakeTransport{scripts: [][]StreamChunk{
		{
			textChunk("hi"),
			{Kind: ChunkFinish, MessageID: "msg-abc"},
		},
	}}
	env := newTestEnv(t, tp, nil, &template.Template{ID: "chat", Model: "m"})

	state, _ := env.run(t, context.Background(), "chat", nil)

	steps := env.store.Steps(state.RunID)
	if len(steps) != 1 || steps[0].MessageID != "msg-abc" {
		t.Fatalf("steps = %+v", steps)
	}
}
