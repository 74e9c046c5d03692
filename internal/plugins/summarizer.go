package plugins

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agencykit/agentd/internal/events"
	"github.com/agencykit/agentd/internal/messages"
	"github.com/agencykit/agentd/internal/providers"
)

// SummarizeAfterVar overrides the message-count threshold that triggers
// summarization.
const SummarizeAfterVar = "SUMMARIZE_AFTER"

const (
	defaultSummarizeAfter = 80
	summarizeTimeout      = 60 * time.Second
)

// SummarizerPlugin compacts long conversations. When the projected
// history crosses the threshold it asks the model for a summary and
// records it as a context.summarized event; the projection keeps the
// full history, readers of the event can window on it.
func SummarizerPlugin() *Plugin {
	var lastSummarizedCount int

	return &Plugin{
		Name: "summarizer",
		OnTick: func(ctx context.Context, rt Runtime, step int) error {
			threshold := defaultSummarizeAfter
			if raw, ok := rt.Var(SummarizeAfterVar); ok {
				if n, ok := asInt(raw); ok && n > 0 {
					threshold = n
				}
			}

			p := rt.Projection()
			if len(p.Messages) < threshold || len(p.Messages) <= lastSummarizedCount {
				return nil
			}

			summary, err := summarize(ctx, rt.Provider(), p.Messages)
			if err != nil {
				return fmt.Errorf("summarize: %w", err)
			}
			lastSummarizedCount = len(p.Messages)

			return rt.Emit(ctx, events.TypeContextSummarized, events.ContextSummarizedPayload{
				Summary: summary,
			})
		},
	}
}

func summarize(ctx context.Context, p providers.Provider, history []messages.Message) (string, error) {
	if p == nil {
		return "", fmt.Errorf("no provider")
	}
	ctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	var b strings.Builder
	for _, m := range history {
		if text := m.Text(); text != "" {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
		}
	}

	resp, err := p.Invoke(ctx, providers.Request{
		SystemPrompt: "Summarize the conversation below into a compact brief that preserves goals, decisions, and open items. Reply with the summary only.",
		Messages: []messages.Message{
			{Role: messages.RoleUser, Parts: []messages.Part{messages.TextPart(b.String())}},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Text(), nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}
