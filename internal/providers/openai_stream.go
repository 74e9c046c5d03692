package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/agencykit/agentd/internal/events"
	"github.com/agencykit/agentd/internal/messages"
)

type openaiStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// streamAccumulator rebuilds one tool call from its argument fragments.
type streamAccumulator struct {
	id      string
	name    string
	rawArgs string
}

// Stream runs the completion with SSE enabled. Only the connection
// phase is retried; once chunks flow, a failure surfaces directly.
func (p *ChatCompletions) Stream(ctx context.Context, req Request, onDelta func(Delta)) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body, err := p.buildRequestBody(model, req)
	if err != nil {
		return nil, err
	}
	body["stream"] = true
	body["stream_options"] = map[string]any{"include_usage": true}

	respBody, err := RetryDo(ctx, p.retryConfig, p.name, func(ctx context.Context) (io.ReadCloser, error) {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		return p.openStream(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	return p.consumeStream(model, respBody, onDelta)
}

func (p *ChatCompletions) openStream(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+p.chatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (p *ChatCompletions) consumeStream(model string, r io.Reader, onDelta func(Delta)) (*Response, error) {
	out := &Response{Model: model, FinishReason: "stop"}
	var content, reasoning strings.Builder
	accumulators := make(map[int]*streamAccumulator)
	maxIndex := -1

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.Usage = events.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.ReasoningContent != "" {
			reasoning.WriteString(choice.Delta.ReasoningContent)
			if onDelta != nil {
				onDelta(Delta{Reasoning: choice.Delta.ReasoningContent})
			}
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(Delta{Text: choice.Delta.Content})
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := accumulators[tc.Index]
			if !ok {
				acc = &streamAccumulator{}
				accumulators[tc.Index] = acc
				if tc.Index > maxIndex {
					maxIndex = tc.Index
				}
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = strings.TrimSpace(tc.Function.Name)
			}
			acc.rawArgs += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			out.FinishReason = choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: read stream: %w", p.name, err)
	}

	msg := messages.Message{Role: messages.RoleAssistant}
	if reasoning.Len() > 0 {
		msg.Parts = append(msg.Parts, messages.ReasoningPart(reasoning.String()))
	}
	if content.Len() > 0 {
		msg.Parts = append(msg.Parts, messages.TextPart(content.String()))
	}
	for i := 0; i <= maxIndex; i++ {
		acc, ok := accumulators[i]
		if !ok {
			continue
		}
		args := make(map[string]any)
		_ = json.Unmarshal([]byte(acc.rawArgs), &args)
		msg.Parts = append(msg.Parts, messages.ToolCallPart(messages.ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: args,
		}))
	}
	if len(accumulators) > 0 {
		out.FinishReason = "tool_calls"
	}
	msg.FinishReason = out.FinishReason
	out.Message = msg

	if onDelta != nil {
		onDelta(Delta{Done: true})
	}
	return out, nil
}
