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

	"github.com/agencykit/agentd/internal/events"
	"github.com/agencykit/agentd/internal/messages"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"

	// Anthropic requires max_tokens on every request.
	anthropicDefaultMaxTokens = 4096
)

// Anthropic implements Provider against the Anthropic Messages API.
type Anthropic struct {
	apiKey       string
	apiBase      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

// AnthropicOption customizes an Anthropic provider.
type AnthropicOption func(*Anthropic)

// WithAnthropicRetryConfig replaces the default retry policy.
func WithAnthropicRetryConfig(cfg RetryConfig) AnthropicOption {
	return func(p *Anthropic) { p.retryConfig = cfg }
}

// WithAnthropicHTTPClient replaces the default HTTP client.
func WithAnthropicHTTPClient(c *http.Client) AnthropicOption {
	return func(p *Anthropic) { p.client = c }
}

// NewAnthropic builds an Anthropic Messages API provider. An empty
// apiBase uses the public endpoint.
func NewAnthropic(apiKey, apiBase, defaultModel string, opts ...AnthropicOption) *Anthropic {
	if apiBase == "" {
		apiBase = anthropicAPIBase
	}
	p := &Anthropic{
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  RetryConfigFromEnv(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Anthropic) Name() string         { return "anthropic" }
func (p *Anthropic) DefaultModel() string { return p.defaultModel }

func (p *Anthropic) Invoke(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body, err := p.buildRequestBody(model, req)
	if err != nil {
		return nil, err
	}

	return RetryDo(ctx, p.retryConfig, p.Name(), func(ctx context.Context) (*Response, error) {
		raw, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		return p.parseResponse(model, raw)
	})
}

// Stream completes non-streaming and replays the answer as deltas.
func (p *Anthropic) Stream(ctx context.Context, req Request, onDelta func(Delta)) (*Response, error) {
	resp, err := p.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	SynthesizeDeltas(resp, onDelta)
	return resp, nil
}

// buildRequestBody flattens canonical messages into Anthropic's content
// block form. Tool results become tool_result blocks on a user turn;
// consecutive same-role turns are merged because the API rejects them.
func (p *Anthropic) buildRequestBody(model string, req Request) (map[string]any, error) {
	var msgs []map[string]any

	appendTurn := func(role string, blocks []any) {
		if len(blocks) == 0 {
			return
		}
		if n := len(msgs); n > 0 && msgs[n-1]["role"] == role {
			msgs[n-1]["content"] = append(msgs[n-1]["content"].([]any), blocks...)
			return
		}
		msgs = append(msgs, map[string]any{"role": role, "content": blocks})
	}

	for _, m := range req.Messages {
		flat, err := messages.FromParts(m)
		if err != nil {
			return nil, fmt.Errorf("anthropic: flatten message: %w", err)
		}

		switch flat.Role {
		case messages.RoleSystem:
			// Folded into the top-level system field below.
		case messages.RoleTool:
			appendTurn("user", []any{map[string]any{
				"type":        "tool_result",
				"tool_use_id": flat.ToolCallID,
				"content":     flat.Content,
			}})
		case messages.RoleAssistant:
			var blocks []any
			if flat.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": flat.Content})
			}
			for _, tc := range flat.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			appendTurn("assistant", blocks)
		default:
			appendTurn("user", []any{map[string]any{"type": "text", "text": flat.Content}})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   msgs,
	}

	system := req.SystemPrompt
	for _, m := range req.Messages {
		if m.Role == messages.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Text()
		}
	}
	if system != "" {
		body["system"] = system
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			schema := t.Parameters
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools[i] = map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			}
		}
		body["tools"] = tools

		switch req.ToolChoice {
		case "", "auto":
			body["tool_choice"] = map[string]any{"type": "auto"}
		case "none":
			delete(body, "tools")
		case "required":
			body["tool_choice"] = map[string]any{"type": "any"}
		default:
			body["tool_choice"] = map[string]any{"type": "tool", "name": req.ToolChoice}
		}
	}

	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if len(req.Stop) > 0 {
		body["stop_sequences"] = req.Stop
	}

	return body, nil
}

func (p *Anthropic) doRequest(ctx context.Context, body any) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("anthropic: %s", string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return respBody, nil
}

type anthropicWireResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type     string          `json:"type"`
		Text     string          `json:"text"`
		Thinking string          `json:"thinking"`
		ID       string          `json:"id"`
		Name     string          `json:"name"`
		Input    json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Anthropic) parseResponse(model string, raw json.RawMessage) (*Response, error) {
	var wire anthropicWireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	out := &Response{
		FinishReason: mapAnthropicStopReason(wire.StopReason),
		Model:        wire.Model,
		Raw:          raw,
	}
	if out.Model == "" {
		out.Model = model
	}

	msg := messages.Message{Role: messages.RoleAssistant, FinishReason: out.FinishReason}
	for _, block := range wire.Content {
		switch block.Type {
		case "thinking":
			msg.Parts = append(msg.Parts, messages.ReasoningPart(block.Thinking))
		case "text":
			msg.Parts = append(msg.Parts, messages.TextPart(block.Text))
		case "tool_use":
			args := make(map[string]any)
			_ = json.Unmarshal(block.Input, &args)
			msg.Parts = append(msg.Parts, messages.ToolCallPart(messages.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			}))
		}
	}
	out.Message = msg

	if wire.Usage != nil {
		out.Usage = events.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
		}
	}
	return out, nil
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		if reason == "" {
			return "stop"
		}
		return reason
	}
}

var _ Provider = (*Anthropic)(nil)
