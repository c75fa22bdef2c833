package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/project"
	"github.com/haasonsaas/relay/internal/runstore"
	"github.com/haasonsaas/relay/internal/template"
	"github.com/haasonsaas/relay/internal/tokens"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// Config assembles a Runtime from its injected contracts.
type Config struct {
	Transport       Transport
	Templates       *template.Registry
	Runs            runstore.Store
	Tools           *tools.Registry
	MCP             *tools.MCPRouter
	RequestToolCall RequestToolCall
	Logger          *observability.Logger
	Metrics         *observability.Metrics
	Tracker         observability.Tracker
	FileContext     *project.FileContext

	// DefaultMaxSteps is the step budget for new agents. Default: 20.
	DefaultMaxSteps int

	// MaxContextTokens triggers history trimming when the next turn would
	// exceed it. Default: 180000.
	MaxContextTokens int
}

// Runtime drives agent runs. It is safe for concurrent use; separate runs
// share only the handler registry, which is keyed by run id.
type Runtime struct {
	transport       Transport
	templates       *template.Registry
	runs            runstore.Store
	tools           *tools.Registry
	mcp             *tools.MCPRouter
	requestToolCall RequestToolCall
	logger          *observability.Logger
	metrics         *observability.Metrics
	tracker         observability.Tracker
	fileCtx         *project.FileContext
	handlers        *handlerRegistry
	tracer          trace.Tracer

	defaultMaxSteps  int
	maxContextTokens int
}

// New creates a Runtime. Transport is required; everything else defaults to
// in-memory or no-op implementations.
func New(cfg Config) (*Runtime, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.Templates == nil {
		cfg.Templates = template.NewRegistry(nil, nil)
	}
	if cfg.Runs == nil {
		cfg.Runs = runstore.NewMemoryStore()
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NopMetrics()
	}
	if cfg.Tracker == nil {
		cfg.Tracker = observability.NopTracker{}
	}
	if cfg.DefaultMaxSteps <= 0 {
		cfg.DefaultMaxSteps = 20
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 180000
	}

	return &Runtime{
		transport:        cfg.Transport,
		templates:        cfg.Templates,
		runs:             cfg.Runs,
		tools:            cfg.Tools,
		mcp:              cfg.MCP,
		requestToolCall:  cfg.RequestToolCall,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		tracker:          cfg.Tracker,
		fileCtx:          cfg.FileContext,
		handlers:         newHandlerRegistry(),
		tracer:           otel.Tracer("relay/agent"),
		defaultMaxSteps:  cfg.DefaultMaxSteps,
		maxContextTokens: cfg.MaxContextTokens,
	}, nil
}

// RunOptions parameterizes one agent invocation.
type RunOptions struct {
	// Prompt and Params apply to the first turn only.
	Prompt string
	Params json.RawMessage

	// Content adds extra parts to the initial user message.
	Content []models.ContentPart

	Sink        ResponseSink
	UserInputID string

	// State continues an existing conversation; nil starts fresh.
	State *State

	// KeepUserPromptMessages leaves prompt-scoped messages in history after
	// the run instead of expiring them.
	KeepUserPromptMessages bool

	parentSystem string
	parentTools  []tools.Definition
	depth        int
}

// run is the per-invocation context threaded through the dispatcher, stream
// processor and step executor.
type run struct {
	rt    *Runtime
	state *State
	tmpl  *template.Template
	sink  ResponseSink

	system      string
	toolDefs    []tools.Definition
	userInputID string
	depth       int

	prompt string
	params json.RawMessage

	clearUserPromptMessages bool

	// Per-iteration loop state.
	shouldEndTurn       bool
	hadToolCallError    bool
	generateN           int
	nResponses          []string
	lastToolResult      []models.ToolOutputPart
	handlerErr          error
	retriedOutputSchema bool
	stepNumber          int
	streamSource        callSource

	mcpToolsOnce func() []tools.Definition
	counter      *tokens.Counter
}

// Run invokes the agent loop for the named template.
//
// The returned error is non-nil only when the run could not start or when a
// payment-required transport failure must reach the caller; every other
// failure is reported through an error-typed Output.
func (rt *Runtime) Run(ctx context.Context, agentType string, opts *RunOptions) (*State, *Output, error) {
	if opts == nil {
		opts = &RunOptions{}
	}
	tmpl, err := rt.templates.Resolve(ctx, agentType)
	if err != nil {
		return nil, nil, err
	}

	state := opts.State
	if state == nil {
		state = NewState(uuid.NewString(), tmpl.ID)
	}
	if state.StepsRemaining <= 0 {
		state.StepsRemaining = rt.defaultMaxSteps
	}
	return rt.run(ctx, tmpl, state, opts)
}

func (rt *Runtime) run(ctx context.Context, tmpl *template.Template, state *State, opts *RunOptions) (*State, *Output, error) {
	if ctx.Err() != nil {
		// Cancelled before start: never touch storage.
		return state, ErrorOutput(CancelMessage, 0), nil
	}

	sink := opts.Sink
	if sink == nil {
		sink = NopSink{}
	}

	runID, err := rt.runs.StartAgentRun(ctx, &models.AgentRun{
		AgentID:        state.AgentID,
		AgentType:      tmpl.ID,
		AncestorRunIDs: state.AncestorRunIDs,
	})
	if err != nil {
		return nil, nil, err
	}
	state.RunID = runID

	ctx = observability.WithRunID(ctx, runID)
	ctx = observability.WithAgentID(ctx, state.AgentID)
	ctx, span := rt.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("agent.type", tmpl.ID),
			attribute.String("agent.run_id", runID),
		))
	defer span.End()

	r := &run{
		rt:          rt,
		state:       state,
		tmpl:        tmpl,
		sink:        sink,
		userInputID: opts.UserInputID,
		depth:       opts.depth,
		prompt:      opts.Prompt,
		params:      opts.Params,

		clearUserPromptMessages: !opts.KeepUserPromptMessages,
		streamSource:            sourceModel,
	}
	r.system = rt.systemPrompt(tmpl, opts)
	r.toolDefs = rt.toolBundle(ctx, r, tmpl, opts)
	r.counter, _ = tokens.NewCounter(tmpl.Model)

	state.History.Append(userPromptMessage(opts.Prompt, opts.Params, opts.Content))
	if tmpl.InstructionsPrompt != "" {
		state.History.Append(&models.Message{
			Role:                 models.RoleUser,
			Content:              systemTagged(tmpl.InstructionsPrompt),
			Tags:                 []string{models.TagInstructionsPrompt},
			KeepDuringTruncation: true,
		})
	}

	rt.tracker.TrackEvent(ctx, "agent_run_started", map[string]any{
		"agent_type": tmpl.ID,
		"depth":      opts.depth,
	})
	rt.logger.Info(ctx, "agent run started", "agent_type", tmpl.ID)

	for {
		if ctx.Err() != nil {
			break
		}

		rt.updateContextTokens(ctx, r)

		if tmpl.HandleSteps != nil {
			r.runHandlerTurn(ctx)
			if r.handlerErr != nil {
				return rt.handlerFailed(ctx, r)
			}
		}

		if len(tmpl.OutputSchema) > 0 && r.shouldEndTurn && state.Output == nil && !r.retriedOutputSchema {
			// One-shot retry; a second schema miss ends the run with no
			// output.
			state.History.Append(&models.Message{
				Role:                 models.RoleUser,
				Content:              systemTagged(outputSchemaRetryMessage),
				Tags:                 []string{models.TagSystemInstruction},
				KeepDuringTruncation: true,
			})
			r.retriedOutputSchema = true
			r.shouldEndTurn = false
		}

		if r.shouldEndTurn {
			break
		}

		stepStart := time.Now()
		creditsBefore := state.CreditsUsed
		childrenBefore := len(state.ChildRunIDs)

		res, err := r.runStep(ctx, r.prompt)
		if err != nil {
			return rt.failRun(ctx, r, err)
		}

		if err := rt.runs.AddAgentStep(ctx, &models.AgentStep{
			RunID:       runID,
			StepNumber:  r.stepNumber,
			Credits:     state.CreditsUsed - creditsBefore,
			ChildRunIDs: append([]string(nil), state.ChildRunIDs[childrenBefore:]...),
			MessageID:   res.MessageID,
			Status:      models.StepCompleted,
			StartedAt:   stepStart,
		}); err != nil {
			return rt.failRun(ctx, r, err)
		}

		rt.metrics.StepsTotal.Inc()
		rt.metrics.StepDuration.Observe(time.Since(stepStart).Seconds())

		r.shouldEndTurn = res.EndTurn
		r.nResponses = res.NResponses
		r.generateN = 0
		r.prompt = ""
		r.params = nil
		r.stepNumber++
	}

	return rt.finishRun(ctx, r)
}

// finishRun finalizes a run that ended without a fatal error.
func (rt *Runtime) finishRun(ctx context.Context, r *run) (*State, *Output, error) {
	state := r.state
	if r.clearUserPromptMessages {
		state.History.Expire(models.TTLUserPrompt)
	}

	status := models.RunCompleted
	if ctx.Err() != nil {
		status = models.RunCancelled
	}
	rt.finalize(ctx, r, status, "")

	if status == models.RunCancelled {
		return state, ErrorOutput(CancelMessage, 0), nil
	}
	if state.Output != nil {
		return state, &Output{Value: state.Output}, nil
	}
	return state, nil, nil
}

// handlerFailed implements the programmatic-handler error path: an
// assistant message with the error text, an error output, and a skipped
// step record.
func (rt *Runtime) handlerFailed(ctx context.Context, r *run) (*State, *Output, error) {
	message := r.handlerErr.Error()
	r.state.History.Append(&models.Message{
		Role:    models.RoleAssistant,
		Content: message,
	})
	if err := rt.runs.AddAgentStep(ctx, &models.AgentStep{
		RunID:        r.state.RunID,
		StepNumber:   r.stepNumber,
		Status:       models.StepSkipped,
		StartedAt:    time.Now(),
		ErrorMessage: message,
	}); err != nil {
		rt.logger.Error(ctx, "record skipped step failed", "error", err.Error())
	}

	if r.clearUserPromptMessages {
		r.state.History.Expire(models.TTLUserPrompt)
	}
	status := models.RunCompleted
	if ctx.Err() != nil {
		status = models.RunCancelled
	}
	rt.finalize(ctx, r, status, message)
	return r.state, ErrorOutput(message, 0), nil
}

// failRun implements the fatal error path. Payment-required failures are
// rethrown so the host can handle billing; everything else becomes an
// error-typed output.
func (rt *Runtime) failRun(ctx context.Context, r *run, err error) (*State, *Output, error) {
	rt.logger.Error(ctx, "agent run failed",
		"agent_type", r.tmpl.ID,
		"step", r.stepNumber,
		"error", err.Error(),
	)

	status := models.RunFailed
	if ctx.Err() != nil {
		status = models.RunCancelled
	}
	rt.finalize(ctx, r, status, err.Error())

	if IsPaymentRequired(err) {
		return r.state, nil, err
	}
	return r.state, ErrorOutput(err.Error(), StatusCodeOf(err)), nil
}

// finalize records the terminal run state and destroys the handler session.
func (rt *Runtime) finalize(ctx context.Context, r *run, status models.RunStatus, errorMessage string) {
	state := r.state
	if err := rt.runs.FinishAgentRun(context.WithoutCancel(ctx), &models.AgentRun{
		ID:            state.RunID,
		Status:        status,
		TotalSteps:    r.stepNumber,
		DirectCredits: state.DirectCreditsUsed,
		TotalCredits:  state.CreditsUsed,
		ErrorMessage:  errorMessage,
	}); err != nil {
		rt.logger.Error(ctx, "finish run failed", "error", err.Error())
	}
	rt.handlers.destroy(state.RunID)
	rt.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	rt.tracker.TrackEvent(ctx, "agent_run_finished", map[string]any{
		"agent_type": r.tmpl.ID,
		"status":     string(status),
		"steps":      r.stepNumber,
		"credits":    state.CreditsUsed,
	})
	rt.logger.Info(ctx, "agent run finished",
		"status", string(status),
		"steps", r.stepNumber,
	)
}

// systemPrompt assembles or inherits the system prompt.
func (rt *Runtime) systemPrompt(tmpl *template.Template, opts *RunOptions) string {
	if tmpl.InheritParentSystemPrompt && opts.parentSystem != "" {
		return opts.parentSystem
	}
	return strings.Join(tmpl.SystemPrompt, "\n\n")
}

// toolBundle assembles or inherits the serialized tool definitions for the
// run: native definitions, host custom tools, and MCP-discovered tools.
func (rt *Runtime) toolBundle(ctx context.Context, r *run, tmpl *template.Template, opts *RunOptions) []tools.Definition {
	if tmpl.InheritParentSystemPrompt && opts.parentTools != nil {
		return opts.parentTools
	}

	defs := rt.tools.Subset(tmpl.ToolNames)
	if rt.fileCtx != nil {
		for _, custom := range rt.fileCtx.CustomTools {
			if tmpl.HasTool(custom.Name) {
				defs = append(defs, custom)
			}
		}
	}

	// MCP discovery is cached per invocation behind a lazy-once holder; the
	// servers are only contacted when a namespaced tool is declared.
	r.mcpToolsOnce = sync.OnceValue(func() []tools.Definition {
		if rt.mcp == nil {
			return nil
		}
		servers := make(map[string]bool)
		for _, name := range tmpl.ToolNames {
			if server, _, ok := rt.mcp.Route(name); ok {
				servers[server] = true
			}
		}
		var discovered []tools.Definition
		for server := range servers {
			remote, err := rt.mcp.Tools(ctx, server)
			if err != nil {
				rt.logger.Warn(ctx, "mcp discovery failed", "server", server, "error", err.Error())
				continue
			}
			discovered = append(discovered, remote...)
		}
		return discovered
	})
	return append(defs, r.mcpToolsOnce()...)
}

// mcpDefinitions exposes the cached MCP discovery to the dispatcher.
func (r *run) mcpDefinitions(ctx context.Context, server string) []tools.Definition {
	if r.mcpToolsOnce == nil {
		return nil
	}
	var out []tools.Definition
	for _, d := range r.mcpToolsOnce() {
		if strings.HasPrefix(d.Name, server+"/") {
			out = append(out, d)
		}
	}
	return out
}

// updateContextTokens refreshes the cached prompt-size estimate for the
// next turn and trims history when it would exceed the context limit.
func (rt *Runtime) updateContextTokens(ctx context.Context, r *run) {
	msgs := r.state.History.Messages()
	withStep := make([]*models.Message, 0, len(msgs)+1)
	withStep = append(withStep, msgs...)
	withStep = append(withStep, stepPromptMessage(buildStepPrompt(r.tmpl, r.state, rt.fileCtx)))

	count, err := rt.transport.CountTokens(ctx, withStep, r.system)
	if err != nil || count <= 0 {
		count = tokens.EstimateJSON(withStep, r.system)
	}
	r.state.ContextTokenCount = count

	if count > rt.maxContextTokens {
		systemTokens := r.counter.Text(r.system)
		r.state.History.TrimToTokenBudget(systemTokens, rt.maxContextTokens, r.counter)
	}
}

// runHandlerTurn runs one programmatic turn: resume the coroutine and act
// on its yields until it either requests an LLM turn or finishes.
func (r *run) runHandlerTurn(ctx context.Context) {
	reg := r.rt.handlers
	runID := r.state.RunID

	if reg.inStepAll(runID) {
		if !r.shouldEndTurn {
			// Step-all mode: keep taking LLM turns without the handler.
			return
		}
		reg.clearStepAll(runID)
	}

	session := reg.session(ctx, runID, r.tmpl.HandleSteps, r.prompt, r.params)

	resume := template.Resume{
		State:         r.state.Public(),
		ToolResult:    r.lastToolResult,
		StepsComplete: r.shouldEndTurn,
		NResponses:    r.nResponses,
	}
	r.nResponses = nil

	for {
		y, finished, err := session.next(resume)
		if finished {
			r.handlerErr = err
			r.shouldEndTurn = true
			return
		}

		switch y.kind {
		case yieldStep:
			r.shouldEndTurn = false
			return

		case yieldStepAll:
			reg.setStepAll(runID)
			r.shouldEndTurn = false
			return

		case yieldGenerateN:
			r.generateN = y.n
			r.shouldEndTurn = false
			return

		case yieldStepText:
			r.injectText(ctx, y.text)

		case yieldTool:
			r.runHandlerTool(ctx, y)
		}

		resume = template.Resume{
			State:         r.state.Public(),
			ToolResult:    r.lastToolResult,
			StepsComplete: r.shouldEndTurn,
		}
	}
}

// injectText treats handler-supplied text as model output: inline tool
// calls are parsed and executed, and the text joins the history.
func (r *run) injectText(ctx context.Context, text string) {
	stream := make(chan StreamChunk, 1)
	stream <- StreamChunk{Kind: ChunkTextDelta, Text: text}
	close(stream)

	r.streamSource = sourceHandler
	r.processStream(ctx, stream, true)
	r.streamSource = sourceModel
}

// runHandlerTool executes one handler-yielded tool call. Hidden calls keep
// the call/result pair out of message history.
func (r *run) runHandlerTool(ctx context.Context, y handlerYield) {
	call := models.ToolCall{
		ID:    uuid.NewString(),
		Name:  y.toolName,
		Input: y.input,
	}

	if y.includeToolCall {
		r.state.History.Append(&models.Message{
			Role:  models.RoleAssistant,
			Parts: []models.ContentPart{{Kind: models.PartToolCall, ToolCall: &call}},
		})
	}

	result := r.dispatch(ctx, call, sourceHandler)
	if result == nil {
		r.lastToolResult = nil
		return
	}
	if y.includeToolCall {
		r.state.History.Append(&models.Message{
			Role:       models.RoleTool,
			ToolCallID: result.ToolCallID,
			ToolName:   result.ToolName,
			Output:     result.Output,
		})
	}
	r.lastToolResult = result.Output
}
