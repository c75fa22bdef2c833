package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"

	"github.com/haasonsaas/relay/internal/template"
)

// The programmatic step handler runs as a goroutine-backed coroutine: the
// handler function executes on its own goroutine and suspends inside
// template.Controls calls, exchanging one yield record for one resume
// record with the agent loop. The registry keeps live sessions keyed by run
// id between loop iterations and destroys them when the run reaches any
// terminal status.

type yieldKind int

const (
	yieldStep yieldKind = iota
	yieldStepAll
	yieldStepText
	yieldGenerateN
	yieldTool
)

type handlerYield struct {
	kind yieldKind

	// STEP_TEXT payload.
	text string

	// GENERATE_N payload.
	n int

	// Tool payload.
	toolName        string
	input           json.RawMessage
	includeToolCall bool
}

// handlerSession is one live coroutine.
type handlerSession struct {
	yields chan handlerYield
	resume chan template.Resume
	done   chan error
	quit   chan struct{}

	// awaitingResume is owned by the loop goroutine: true when the handler
	// is blocked waiting for a resume record.
	awaitingResume bool
}

func newHandlerSession(ctx context.Context, h template.StepHandler, prompt string, params json.RawMessage) *handlerSession {
	s := &handlerSession{
		yields: make(chan handlerYield),
		resume: make(chan template.Resume),
		done:   make(chan error, 1),
		quit:   make(chan struct{}),
	}
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("step handler panic: %v", r)
			}
			select {
			case s.done <- err:
			case <-s.quit:
			}
		}()
		err = h(ctx, &handlerControls{s: s}, prompt, params)
	}()
	return s
}

// next resumes the coroutine with v and returns its next yield, or
// (finished, err) when the handler returned.
func (s *handlerSession) next(v template.Resume) (handlerYield, bool, error) {
	if s.awaitingResume {
		s.awaitingResume = false
		s.resume <- v
	}
	select {
	case y := <-s.yields:
		s.awaitingResume = true
		return y, false, nil
	case err := <-s.done:
		return handlerYield{}, true, err
	}
}

// abandon unblocks and terminates a suspended handler goroutine.
func (s *handlerSession) abandon() {
	close(s.quit)
}

// handlerControls implements template.Controls on top of a session.
type handlerControls struct {
	s *handlerSession
}

func (c *handlerControls) yield(y handlerYield) template.Resume {
	select {
	case c.s.yields <- y:
	case <-c.s.quit:
		runtime.Goexit()
	}
	select {
	case r := <-c.s.resume:
		return r
	case <-c.s.quit:
		runtime.Goexit()
	}
	return template.Resume{}
}

func (c *handlerControls) Step() template.Resume {
	return c.yield(handlerYield{kind: yieldStep})
}

func (c *handlerControls) StepAll() template.Resume {
	return c.yield(handlerYield{kind: yieldStepAll})
}

func (c *handlerControls) StepText(text string) template.Resume {
	return c.yield(handlerYield{kind: yieldStepText, text: text})
}

func (c *handlerControls) GenerateN(n int) template.Resume {
	return c.yield(handlerYield{kind: yieldGenerateN, n: n})
}

func (c *handlerControls) Tool(name string, input any) template.Resume {
	return c.yield(handlerYield{kind: yieldTool, toolName: name, input: marshalInput(input), includeToolCall: true})
}

func (c *handlerControls) HiddenTool(name string, input any) template.Resume {
	return c.yield(handlerYield{kind: yieldTool, toolName: name, input: marshalInput(input), includeToolCall: false})
}

func marshalInput(input any) json.RawMessage {
	if input == nil {
		return json.RawMessage(`{}`)
	}
	if raw, ok := input.(json.RawMessage); ok {
		return raw
	}
	out, err := json.Marshal(input)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return out
}

// handlerRegistry is the process-wide generator registry: run id to live
// session, plus the step-all set. Runs only touch their own entries, so
// map-level locking is all that is required.
type handlerRegistry struct {
	mu       sync.Mutex
	sessions map[string]*handlerSession
	stepAll  map[string]bool
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		sessions: make(map[string]*handlerSession),
		stepAll:  make(map[string]bool),
	}
}

// session returns the live session for a run, creating it on first use.
func (r *handlerRegistry) session(ctx context.Context, runID string, h template.StepHandler, prompt string, params json.RawMessage) *handlerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[runID]; ok {
		return s
	}
	s := newHandlerSession(ctx, h, prompt, params)
	r.sessions[runID] = s
	return s
}

func (r *handlerRegistry) setStepAll(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepAll[runID] = true
}

func (r *handlerRegistry) inStepAll(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stepAll[runID]
}

func (r *handlerRegistry) clearStepAll(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stepAll, runID)
}

// destroy removes a run's session and step-all flag at any terminal status,
// terminating a still-suspended handler goroutine.
func (r *handlerRegistry) destroy(runID string) {
	r.mu.Lock()
	s := r.sessions[runID]
	delete(r.sessions, runID)
	delete(r.stepAll, runID)
	r.mu.Unlock()
	if s != nil {
		s.abandon()
	}
}
