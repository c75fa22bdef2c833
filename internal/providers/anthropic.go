// Package providers adapts LLM SDKs to the runtime's transport contract.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// AnthropicConfig configures the Anthropic transport.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint.
	BaseURL string

	// DefaultModel is used when a request has no model.
	// Default: "claude-sonnet-4-20250514".
	DefaultModel string

	// MaxTokens caps each response. Default: 8192.
	MaxTokens int

	// InputCreditsPerMTok / OutputCreditsPerMTok convert token usage into
	// the opaque credits reported to cost callbacks. Defaults: 3 / 15.
	InputCreditsPerMTok  float64
	OutputCreditsPerMTok float64
}

// AnthropicTransport implements agent.Transport on the Anthropic SDK.
// It is safe for concurrent use.
type AnthropicTransport struct {
	client anthropic.Client
	cfg    AnthropicConfig
}

// NewAnthropicTransport creates the transport.
func NewAnthropicTransport(cfg AnthropicConfig) (*AnthropicTransport, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.InputCreditsPerMTok <= 0 {
		cfg.InputCreditsPerMTok = 3
	}
	if cfg.OutputCreditsPerMTok <= 0 {
		cfg.OutputCreditsPerMTok = 15
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicTransport{client: anthropic.NewClient(options...), cfg: cfg}, nil
}

// PromptStream sends a streaming request and maps SSE events onto runtime
// stream chunks.
func (t *AnthropicTransport) PromptStream(ctx context.Context, req *agent.PromptRequest) (<-chan agent.StreamChunk, error) {
	params, err := t.params(req)
	if err != nil {
		return nil, err
	}

	out := make(chan agent.StreamChunk, 16)
	go func() {
		defer close(out)

		stream := t.client.Messages.NewStreaming(ctx, params)

		var messageID string
		var inputTokens, outputTokens int
		var toolOpen bool

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				messageID = start.Message.ID
				inputTokens = int(start.Message.Usage.InputTokens)

			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					toolOpen = true
					out <- agent.StreamChunk{
						Kind:       agent.ChunkToolCallStart,
						ToolCallID: toolUse.ID,
						ToolName:   toolUse.Name,
					}
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						out <- agent.StreamChunk{Kind: agent.ChunkTextDelta, Text: delta.Text}
					}
				case "thinking_delta":
					if delta.Thinking != "" {
						out <- agent.StreamChunk{Kind: agent.ChunkReasoningDelta, Text: delta.Thinking}
					}
				case "input_json_delta":
					if delta.PartialJSON != "" {
						out <- agent.StreamChunk{Kind: agent.ChunkToolCallDelta, InputDelta: delta.PartialJSON}
					}
				}

			case "content_block_stop":
				if toolOpen {
					out <- agent.StreamChunk{Kind: agent.ChunkToolCallEnd}
					toolOpen = false
				}

			case "message_delta":
				messageDelta := event.AsMessageDelta()
				if messageDelta.Usage.OutputTokens > 0 {
					outputTokens = int(messageDelta.Usage.OutputTokens)
				}

			case "error":
				out <- agent.StreamChunk{Kind: agent.ChunkError, Err: errors.New("anthropic stream error")}
			}
		}

		if err := stream.Err(); err != nil {
			out <- agent.StreamChunk{Kind: agent.ChunkError, Err: t.wrapError(err)}
			return
		}

		t.reportCost(req.OnCost, inputTokens, outputTokens)
		out <- agent.StreamChunk{Kind: agent.ChunkFinish, MessageID: messageID}
	}()

	return out, nil
}

// Prompt sends a non-streaming request. For req.N > 1 the model is
// instructed to return a JSON array of N alternative completions.
func (t *AnthropicTransport) Prompt(ctx context.Context, req *agent.PromptRequest) (string, error) {
	params, err := t.params(req)
	if err != nil {
		return "", err
	}
	if req.N > 1 {
		instruction := fmt.Sprintf(
			"Produce %d alternative completions for the request. Respond with ONLY a JSON array of %d strings, no other text.",
			req.N, req.N)
		params.System = append(params.System, anthropic.TextBlockParam{Text: instruction})
		params.Tools = nil
	}

	message, err := t.client.Messages.New(ctx, params)
	if err != nil {
		return "", t.wrapError(err)
	}

	t.reportCost(req.OnCost, int(message.Usage.InputTokens), int(message.Usage.OutputTokens))

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

// CountTokens uses the SDK's count-tokens endpoint. The system prompt is
// counted as a leading user block, which matches its token cost closely
// enough for budgeting.
func (t *AnthropicTransport) CountTokens(ctx context.Context, msgs []*models.Message, system string) (int, error) {
	converted, err := convertAnthropicMessages(msgs)
	if err != nil {
		return 0, err
	}
	if system != "" {
		withSystem := make([]anthropic.MessageParam, 0, len(converted)+1)
		withSystem = append(withSystem, anthropic.NewUserMessage(anthropic.NewTextBlock(system)))
		converted = append(withSystem, converted...)
	}
	params := anthropic.MessageCountTokensParams{
		Model:    anthropic.Model(t.cfg.DefaultModel),
		Messages: converted,
	}
	count, err := t.client.Messages.CountTokens(ctx, params)
	if err != nil {
		return 0, t.wrapError(err)
	}
	return int(count.InputTokens), nil
}

func (t *AnthropicTransport) params(req *agent.PromptRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = t.cfg.DefaultModel
	}

	converted, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(t.cfg.MaxTokens),
		Messages:  converted,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		toolParams, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = toolParams
	}
	return params, nil
}

// convertAnthropicMessages maps history messages onto Anthropic content
// blocks. System messages are excluded (handled via params.System); tool
// messages become tool_result blocks on a user message.
func convertAnthropicMessages(msgs []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, toolOutputText(msg.Output), false))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, part := range msg.Parts {
			switch part.Kind {
			case models.PartText:
				content = append(content, anthropic.NewTextBlock(part.Text))
			case models.PartToolCall:
				if part.ToolCall == nil {
					continue
				}
				var input map[string]any
				if len(part.ToolCall.Input) > 0 {
					if err := json.Unmarshal(part.ToolCall.Input, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call input: %w", err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(part.ToolCall.ID, input, part.ToolCall.Name))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(defs []tools.Definition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if len(def.InputSchema) > 0 {
			if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", def.Name)
		}
		if def.Description != "" {
			toolParam.OfTool.Description = anthropic.String(def.Description)
		}
		result = append(result, toolParam)
	}
	return result, nil
}

func toolOutputText(parts []models.ToolOutputPart) string {
	var b strings.Builder
	for _, p := range parts {
		switch p.Type {
		case "text":
			b.WriteString(p.Text)
		case "json":
			b.Write(p.Value)
		}
	}
	return b.String()
}

func (t *AnthropicTransport) reportCost(onCost agent.CostFunc, inputTokens, outputTokens int) {
	if onCost == nil {
		return
	}
	credits := float64(inputTokens)*t.cfg.InputCreditsPerMTok/1e6 +
		float64(outputTokens)*t.cfg.OutputCreditsPerMTok/1e6
	onCost(agent.Cost{
		Credits:      credits,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
}

// wrapError attaches the HTTP status so the loop can distinguish
// payment-required failures.
func (t *AnthropicTransport) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &agent.RunError{
			Message:    err.Error(),
			StatusCode: apiErr.StatusCode,
			Cause:      err,
		}
	}
	return err
}
