package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/tokens"
	"github.com/haasonsaas/relay/pkg/models"
)

// OpenAIConfig configures the OpenAI transport.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint (for compatible gateways).
	BaseURL string

	// DefaultModel is used when a request has no model. Default: "gpt-4o".
	DefaultModel string

	// InputCreditsPerMTok / OutputCreditsPerMTok convert token usage into
	// credits. Defaults: 2.5 / 10.
	InputCreditsPerMTok  float64
	OutputCreditsPerMTok float64
}

// OpenAITransport implements agent.Transport on the OpenAI chat API.
type OpenAITransport struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAITransport creates the transport.
func NewOpenAITransport(cfg OpenAIConfig) (*OpenAITransport, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if cfg.InputCreditsPerMTok <= 0 {
		cfg.InputCreditsPerMTok = 2.5
	}
	if cfg.OutputCreditsPerMTok <= 0 {
		cfg.OutputCreditsPerMTok = 10
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAITransport{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}, nil
}

// PromptStream streams one chat completion, mapping deltas onto runtime
// chunks. A tool call opens once its id and name have arrived and closes
// when text or another call begins; argument deltas are forwarded to the
// call that is open when they arrive.
func (t *OpenAITransport) PromptStream(ctx context.Context, req *agent.PromptRequest) (<-chan agent.StreamChunk, error) {
	request := t.request(req)
	request.Stream = true
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := t.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, t.wrapError(err)
	}

	out := make(chan agent.StreamChunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		type pendingCall struct {
			id      string
			name    string
			started bool
		}
		calls := make(map[int]*pendingCall)
		var messageID string
		var inputTokens, outputTokens int
		var openIndex = -1

		closeOpenCall := func() {
			if openIndex >= 0 {
				out <- agent.StreamChunk{Kind: agent.ChunkToolCallEnd}
				openIndex = -1
			}
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				out <- agent.StreamChunk{Kind: agent.ChunkError, Err: t.wrapError(err)}
				return
			}

			if resp.ID != "" {
				messageID = resp.ID
			}
			if resp.Usage != nil {
				inputTokens = resp.Usage.PromptTokens
				outputTokens = resp.Usage.CompletionTokens
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta

			if delta.Content != "" {
				closeOpenCall()
				out <- agent.StreamChunk{Kind: agent.ChunkTextDelta, Text: delta.Content}
			}

			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				call := calls[idx]
				if call == nil {
					call = &pendingCall{}
					calls[idx] = call
				}
				if tc.ID != "" {
					call.id = tc.ID
				}
				if tc.Function.Name != "" {
					call.name = tc.Function.Name
				}
				if !call.started && call.id != "" && call.name != "" {
					if openIndex != idx {
						closeOpenCall()
						out <- agent.StreamChunk{
							Kind:       agent.ChunkToolCallStart,
							ToolCallID: call.id,
							ToolName:   call.name,
						}
						openIndex = idx
						call.started = true
					}
				}
				if tc.Function.Arguments != "" {
					out <- agent.StreamChunk{Kind: agent.ChunkToolCallDelta, InputDelta: tc.Function.Arguments}
				}
			}
		}

		closeOpenCall()
		t.reportCost(req.OnCost, inputTokens, outputTokens)
		out <- agent.StreamChunk{Kind: agent.ChunkFinish, MessageID: messageID}
	}()

	return out, nil
}

// Prompt sends one non-streaming request. For req.N > 1 the native n
// parameter produces the alternatives, returned as a JSON array string.
func (t *OpenAITransport) Prompt(ctx context.Context, req *agent.PromptRequest) (string, error) {
	request := t.request(req)
	if req.N > 1 {
		request.N = req.N
		request.Tools = nil
	}

	resp, err := t.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return "", t.wrapError(err)
	}
	t.reportCost(req.OnCost, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if req.N > 1 {
		responses := make([]string, 0, len(resp.Choices))
		for _, choice := range resp.Choices {
			responses = append(responses, choice.Message.Content)
		}
		encoded, err := json.Marshal(responses)
		if err != nil {
			return "", fmt.Errorf("encode responses: %w", err)
		}
		return string(encoded), nil
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// CountTokens estimates locally; the chat API has no count endpoint.
func (t *OpenAITransport) CountTokens(ctx context.Context, msgs []*models.Message, system string) (int, error) {
	counter, err := tokens.NewCounter(t.cfg.DefaultModel)
	if err != nil {
		return 0, err
	}
	return counter.Messages(msgs) + counter.Text(system), nil
}

func (t *OpenAITransport) request(req *agent.PromptRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = t.cfg.DefaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, convertOpenAIMessage(msg))
	}

	request := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	for _, def := range req.Tools {
		request.Tools = append(request.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(def.InputSchema),
			},
		})
	}
	return request
}

func convertOpenAIMessage(msg *models.Message) openai.ChatCompletionMessage {
	switch msg.Role {
	case models.RoleTool:
		return openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			ToolCallID: msg.ToolCallID,
			Content:    toolOutputText(msg.Output),
		}
	case models.RoleAssistant:
		out := openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: msg.Text(),
		}
		for _, call := range msg.ToolCalls() {
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.Input),
				},
			})
		}
		return out
	case models.RoleSystem:
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: msg.Text(),
		}
	default:
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: msg.Text(),
		}
	}
}

func (t *OpenAITransport) reportCost(onCost agent.CostFunc, inputTokens, outputTokens int) {
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

func (t *OpenAITransport) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &agent.RunError{
			Message:    err.Error(),
			StatusCode: apiErr.HTTPStatusCode,
			Cause:      err,
		}
	}
	return err
}
