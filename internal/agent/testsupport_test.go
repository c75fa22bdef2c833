package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/haasonsaas/relay/internal/runstore"
	"github.com/haasonsaas/relay/internal/template"
	"github.com/haasonsaas/relay/pkg/models"
)

// fakeTransport replays scripted streams, one per PromptStream call. Calls
// beyond the script end default to a single text chunk.
type fakeTransport struct {
	mu      sync.Mutex
	scripts [][]StreamChunk
	calls   int

	promptFunc   func(req *PromptRequest) (string, error)
	countErr     error
	tokenCount   int
	costPerCall  float64
	requests     []*PromptRequest
	promptCalled int
}

func (f *fakeTransport) PromptStream(ctx context.Context, req *PromptRequest) (<-chan StreamChunk, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	var script []StreamChunk
	if idx < len(f.scripts) {
		script = f.scripts[idx]
	} else {
		script = []StreamChunk{{Kind: ChunkTextDelta, Text: "ok"}}
	}

	if f.costPerCall > 0 && req.OnCost != nil {
		req.OnCost(Cost{Credits: f.costPerCall})
	}

	ch := make(chan StreamChunk, len(script)+1)
	hasFinish := false
	for _, c := range script {
		if c.Kind == ChunkFinish {
			hasFinish = true
		}
		ch <- c
	}
	if !hasFinish {
		ch <- StreamChunk{Kind: ChunkFinish, MessageID: fmt.Sprintf("msg-%d", idx)}
	}
	close(ch)
	return ch, nil
}

func (f *fakeTransport) Prompt(ctx context.Context, req *PromptRequest) (string, error) {
	f.mu.Lock()
	f.promptCalled++
	f.mu.Unlock()
	if f.promptFunc != nil {
		return f.promptFunc(req)
	}
	return "ok", nil
}

func (f *fakeTransport) CountTokens(ctx context.Context, msgs []*models.Message, system string) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	if f.tokenCount > 0 {
		return f.tokenCount, nil
	}
	return 100, nil
}

func (f *fakeTransport) streamCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func textChunk(s string) StreamChunk {
	return StreamChunk{Kind: ChunkTextDelta, Text: s}
}

func toolCallChunks(id, name, input string) []StreamChunk {
	return []StreamChunk{
		{Kind: ChunkToolCallStart, ToolCallID: id, ToolName: name},
		{Kind: ChunkToolCallDelta, InputDelta: input},
		{Kind: ChunkToolCallEnd},
	}
}

func script(chunks ...any) []StreamChunk {
	var out []StreamChunk
	for _, c := range chunks {
		switch v := c.(type) {
		case StreamChunk:
			out = append(out, v)
		case []StreamChunk:
			out = append(out, v...)
		case string:
			out = append(out, textChunk(v))
		default:
			panic(fmt.Sprintf("bad script entry %T", c))
		}
	}
	return out
}

// collectSink records every chunk in order.
type collectSink struct {
	mu     sync.Mutex
	chunks []*models.ResponseChunk
}

func (s *collectSink) Emit(ctx context.Context, chunk *models.ResponseChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
}

func (s *collectSink) events(kind models.EventKind) []*models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Event
	for _, c := range s.chunks {
		if c.Event != nil && c.Event.Kind == kind {
			out = append(out, c.Event)
		}
	}
	return out
}

func (s *collectSink) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out string
	for _, c := range s.chunks {
		out += c.Text
	}
	return out
}

func (s *collectSink) eventOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.chunks {
		if c.Event != nil {
			out = append(out, string(c.Event.Kind))
		}
	}
	return out
}

type testEnv struct {
	rt    *Runtime
	tp    *fakeTransport
	store *runstore.MemoryStore
	sink  *collectSink
}

func newTestEnv(t *testing.T, tp *fakeTransport, rtc RequestToolCall, tmpls ...*template.Template) *testEnv {
	t.Helper()
	local := make(map[string]*template.Template, len(tmpls))
	for _, tmpl := range tmpls {
		local[tmpl.ID] = tmpl
	}
	store := runstore.NewMemoryStore()
	rt, err := New(Config{
		Transport:       tp,
		Templates:       template.NewRegistry(local, nil),
		Runs:            store,
		RequestToolCall: rtc,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{rt: rt, tp: tp, store: store, sink: &collectSink{}}
}

func (e *testEnv) run(t *testing.T, ctx context.Context, agentType string, opts *RunOptions) (*State, *Output) {
	t.Helper()
	if opts == nil {
		opts = &RunOptions{Prompt: "go"}
	}
	if opts.Sink == nil {
		opts.Sink = e.sink
	}
	state, output, err := e.rt.Run(ctx, agentType, opts)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return state, output
}

func echoToolHost(t *testing.T) RequestToolCall {
	return func(ctx context.Context, req *ToolCallRequest) (*ToolCallResponse, error) {
		return &ToolCallResponse{Output: models.TextOutput("ran " + req.ToolName)}, nil
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	out, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return out
}
