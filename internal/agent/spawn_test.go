package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/template"
	"github.com/haasonsaas/relay/pkg/models"
)

func spawnScript(agentType, prompt string) []StreamChunk {
	return script(toolCallChunks("tc-spawn", "spawn_agents",
		`{"agents":[{"agent_type":"`+agentType+`","prompt":"`+prompt+`"}]}`))
}

func TestSpawnChildRunsAndCreditsRollUp(t *testing.T) {
	tp := &fakeTransport{
		costPerCall: 1,
		scripts: [][]StreamChunk{
			spawnScript("relay/helper", "investigate"),
			script("child findings"),
			script("parent wrap-up"),
		},
	}
	env := newTestEnv(t, tp, nil,
		&template.Template{
			ID:              "lead",
			Model:           "test-model",
			ToolNames:       []string{"spawn_agents"},
			SpawnableAgents: []string{"relay/helper"},
		},
		&template.Template{ID: "relay/helper", Model: "test-model", IncludeMessageHistory: true},
	)

	state, _ := env.run(t, context.Background(), "lead", nil)

	if len(state.ChildRunIDs) != 1 {
		t.Fatalf("child runs = %d, want 1", len(state.ChildRunIDs))
	}
	childRunID := state.ChildRunIDs[0]

	childRun, ok := env.store.GetRun(childRunID)
	if !ok {
		t.Fatal("child run not recorded")
	}
	if len(childRun.AncestorRunIDs) != 1 || childRun.AncestorRunIDs[0] != state.RunID {
		t.Errorf("child ancestors = %v, want [%s]", childRun.AncestorRunIDs, state.RunID)
	}

	// Two parent turns at 1 credit each, one child turn at 1 credit.
	if state.DirectCreditsUsed != 2 {
		t.Errorf("parent direct credits = %v, want 2", state.DirectCreditsUsed)
	}
	if state.CreditsUsed != 3 {
		t.Errorf("parent total credits = %v, want 3", state.CreditsUsed)
	}
	if state.CreditsUsed < state.DirectCreditsUsed {
		t.Error("total credits below direct credits")
	}
	if childRun.TotalCredits != 1 || childRun.DirectCredits != 1 {
		t.Errorf("child credits = %+v", childRun)
	}
}

func TestSpawnEventOrdering(t *testing.T) {
	tp := &fakeTransport{scripts: [][]StreamChunk{
		spawnScript("relay/helper", "go"),
		script("child text"),
		script("done"),
	}}
	env := newTestEnv(t, tp, nil,
		&template.Template{
			ID:              "lead",
			Model:           "test-model",
			ToolNames:       []string{"spawn_agents"},
			SpawnableAgents: []string{"relay/helper"},
		},
		&template.Template{ID: "relay/helper", Model: "test-model"},
	)

	env.run(t, context.Background(), "lead", nil)

	kinds := env.sink.eventOrder()
	var startIdx, finishIdx, resultIdx int = -1, -1, -1
	for i, k := range kinds {
		switch k {
		case "subagent_start":
			startIdx = i
		case "subagent_finish":
			finishIdx = i
		case "tool_result":
			resultIdx = i
		}
	}
	if startIdx < 0 || finishIdx < 0 || resultIdx < 0 {
		t.Fatalf("missing events: %v", kinds)
	}
	if !(startIdx < finishIdx && finishIdx < resultIdx) {
		t.Errorf("event order = %v; want start < finish < spawn tool_result", kinds)
	}
}

func TestSpawnFiltersUnfinishedToolCallsFromChildHistory(t *testing.T) {
	var childRequests []*PromptRequest
	tp := &fakeTransport{scripts: [][]StreamChunk{
		spawnScript("relay/helper", "go"),
		script("child text"),
		script("done"),
	}}
	env := newTestEnv(t, tp, nil,
		&template.Template{
			ID:              "lead",
			Model:           "test-model",
			ToolNames:       []string{"spawn_agents"},
			SpawnableAgents: []string{"relay/helper"},
		},
		&template.Template{ID: "relay/helper", Model: "test-model", IncludeMessageHistory: true},
	)

	env.run(t, context.Background(), "lead", nil)

	tp.mu.Lock()
	if len(tp.requests) >= 2 {
		childRequests = append(childRequests, tp.requests[1])
	}
	tp.mu.Unlock()

	if len(childRequests) == 0 {
		t.Fatal("child request not captured")
	}
	// The spawn_agents call is unanswered at spawn time; the child must not
	// see it.
	for _, m := range childRequests[0].Messages {
		for _, call := range m.ToolCalls() {
			if call.Name == "spawn_agents" {
				t.Error("child history contains the parent's unfinished spawn call")
			}
		}
	}

	var sawMarker bool
	for _, m := range childRequests[0].Messages {
		if m.HasTag(models.TagSubagentSpawn) {
			sawMarker = true
		}
	}
	if !sawMarker {
		t.Error("spawn marker missing from child history")
	}
}

func TestSpawnWithoutHistoryStartsEmpty(t *testing.T) {
	tp := &fakeTransport{scripts: [][]StreamChunk{
		spawnScript("relay/helper", "task"),
		script("child text"),
		script("done"),
	}}
	env := newTestEnv(t, tp, nil,
		&template.Template{
			ID:              "lead",
			Model:           "test-model",
			ToolNames:       []string{"spawn_agents"},
			SpawnableAgents: []string{"relay/helper"},
		},
		&template.Template{ID: "relay/helper", Model: "test-model"},
	)

	env.run(t, context.Background(), "lead", nil)

	tp.mu.Lock()
	childReq := tp.requests[1]
	tp.mu.Unlock()

	for _, m := range childReq.Messages {
		if m.HasTag(models.TagSubagentSpawn) {
			t.Error("history-less child received a spawn marker")
		}
		if strings.Contains(m.Content, "spawn_agents") {
			t.Error("parent history leaked into child")
		}
	}

	var sawPrompt bool
	for _, m := range childReq.Messages {
		if m.HasTag(models.TagUserPrompt) && strings.Contains(m.Text(), "task") {
			sawPrompt = true
		}
	}
	if !sawPrompt {
		t.Error("child prompt missing")
	}
}

func TestSpawnDepthBound(t *testing.T) {
	// An agent that always spawns itself must be cut off by the depth bound.
	tp := &fakeTransport{}
	tp.scripts = nil // every turn defaults to plain text

	env := newTestEnv(t, tp, nil, &template.Template{
		ID:              "base",
		Model:           "test-model",
		ToolNames:       []string{"spawn_agents"},
		SpawnableAgents: []string{"base"},
	})

	state := NewState("a-root", "base")

	// Drive the spawn path directly at the depth limit.
	tmpl, _ := env.rt.templates.Resolve(context.Background(), "base")
	r := &run{
		rt:    env.rt,
		state: state,
		tmpl:  tmpl,
		sink:  env.sink,
		depth: MaxAgentDepth - 1,
	}

	_, err := r.validateSpawnInput(context.Background(), []byte(`{"agents":[{"agent_type":"base"}]}`))
	if err == nil {
		t.Fatal("spawn at depth bound accepted")
	}
	if !strings.Contains(err.Error(), "depth") {
		t.Errorf("error = %v", err)
	}
}
