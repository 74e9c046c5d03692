package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/agencykit/agentd/internal/events"
	"github.com/agencykit/agentd/internal/messages"
)

// ChatCompletions implements Provider against OpenAI-compatible APIs
// (OpenAI, Groq, OpenRouter, DeepSeek, vLLM, etc.)
type ChatCompletions struct {
	name         string
	apiKey       string
	apiBase      string
	chatPath     string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
	limiter      *rate.Limiter
}

// Option customizes a ChatCompletions provider.
type Option func(*ChatCompletions)

// WithRetryConfig replaces the default retry policy.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(p *ChatCompletions) { p.retryConfig = cfg }
}

// WithRateLimit caps outgoing requests per second with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(p *ChatCompletions) { p.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *ChatCompletions) { p.client = c }
}

// WithChatPath overrides the completions path for backends that mount
// it somewhere nonstandard.
func WithChatPath(path string) Option {
	return func(p *ChatCompletions) { p.chatPath = path }
}

// NewChatCompletions builds a provider for an OpenAI-compatible base URL.
func NewChatCompletions(name, apiKey, apiBase, defaultModel string, opts ...Option) *ChatCompletions {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	p := &ChatCompletions{
		name:         name,
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		chatPath:     "/chat/completions",
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  RetryConfigFromEnv(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ChatCompletions) Name() string         { return p.name }
func (p *ChatCompletions) DefaultModel() string { return p.defaultModel }

func (p *ChatCompletions) Invoke(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body, err := p.buildRequestBody(model, req)
	if err != nil {
		return nil, err
	}

	return RetryDo(ctx, p.retryConfig, p.name, func(ctx context.Context) (*Response, error) {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		raw, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		return p.parseResponse(model, raw)
	})
}

func (p *ChatCompletions) buildRequestBody(model string, req Request) (map[string]any, error) {
	msgs := make([]map[string]any, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": req.SystemPrompt})
	}

	for _, m := range req.Messages {
		flat, err := messages.FromParts(m)
		if err != nil {
			return nil, fmt.Errorf("%s: flatten message: %w", p.name, err)
		}

		msg := map[string]any{"role": flat.Role}

		// Assistant messages carrying tool calls may omit empty content;
		// some backends reject "" there.
		if flat.Content != "" || len(flat.ToolCalls) == 0 {
			msg["content"] = flat.Content
		}

		if len(flat.ToolCalls) > 0 {
			toolCalls := make([]map[string]any, len(flat.ToolCalls))
			for i, tc := range flat.ToolCalls {
				argsJSON, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("%s: marshal tool args: %w", p.name, err)
				}
				toolCalls[i] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(argsJSON),
					},
				}
			}
			msg["tool_calls"] = toolCalls
		}
		if flat.ToolCallID != "" {
			msg["tool_call_id"] = flat.ToolCallID
		}

		msgs = append(msgs, msg)
	}

	body := map[string]any{
		"model":    model,
		"messages": msgs,
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			params := t.Parameters
			if params == nil {
				// Open object schema for tools declaring no parameters.
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools[i] = map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  params,
				},
			}
		}
		body["tools"] = tools

		switch req.ToolChoice {
		case "", "auto":
			body["tool_choice"] = "auto"
		case "none", "required":
			body["tool_choice"] = req.ToolChoice
		default:
			body["tool_choice"] = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": req.ToolChoice},
			}
		}
	}

	if req.ResponseFormat == "json_object" {
		body["response_format"] = map[string]any{"type": "json_object"}
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		body["stop"] = req.Stop
	}

	return body, nil
}

func (p *ChatCompletions) doRequest(ctx context.Context, body any) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+p.chatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return respBody, nil
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *ChatCompletions) parseResponse(model string, raw json.RawMessage) (*Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("%s: response has no choices", p.name)
	}

	choice := wire.Choices[0]
	out := &Response{
		FinishReason: choice.FinishReason,
		Model:        wire.Model,
		Raw:          raw,
	}
	if out.Model == "" {
		out.Model = model
	}
	if out.FinishReason == "" {
		out.FinishReason = "stop"
	}

	msg := messages.Message{Role: messages.RoleAssistant, FinishReason: out.FinishReason}
	if choice.Message.ReasoningContent != "" {
		msg.Parts = append(msg.Parts, messages.ReasoningPart(choice.Message.ReasoningContent))
	}
	if choice.Message.Content != "" {
		msg.Parts = append(msg.Parts, messages.TextPart(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		args := make(map[string]any)
		// Some backends emit empty or malformed arguments; an empty map
		// keeps the call executable.
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		msg.Parts = append(msg.Parts, messages.ToolCallPart(messages.ToolCall{
			ID:        tc.ID,
			Name:      strings.TrimSpace(tc.Function.Name),
			Arguments: args,
		}))
	}
	if len(choice.Message.ToolCalls) > 0 {
		out.FinishReason = "tool_calls"
		msg.FinishReason = "tool_calls"
	}
	out.Message = msg

	if wire.Usage != nil {
		out.Usage = events.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		}
	}
	return out, nil
}

var _ Provider = (*ChatCompletions)(nil)
