package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// HTTPError is a non-2xx provider response. RetryAfter carries the
// server's Retry-After hint when present.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("provider returned %d: %s", e.Status, body)
}

// RetryConfig controls the shared retry policy for provider calls.
type RetryConfig struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	JitterRatio float64
	Statuses    map[int]bool
}

// DefaultRetryConfig retries transient statuses with capped exponential
// backoff and symmetric jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		JitterRatio: 0.2,
		Statuses:    map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true},
	}
}

// RetryConfigFromEnv overlays the defaults with LLM_RETRY_* knobs.
func RetryConfigFromEnv() RetryConfig {
	cfg := DefaultRetryConfig()
	if v, err := strconv.Atoi(os.Getenv("LLM_RETRY_MAX")); err == nil && v >= 0 {
		cfg.MaxRetries = v
	}
	if v, err := strconv.Atoi(os.Getenv("LLM_RETRY_BACKOFF_MS")); err == nil && v > 0 {
		cfg.BaseBackoff = time.Duration(v) * time.Millisecond
	}
	if v, err := strconv.Atoi(os.Getenv("LLM_RETRY_MAX_BACKOFF_MS")); err == nil && v > 0 {
		cfg.MaxBackoff = time.Duration(v) * time.Millisecond
	}
	if v, err := strconv.ParseFloat(os.Getenv("LLM_RETRY_JITTER_RATIO"), 64); err == nil && v >= 0 {
		cfg.JitterRatio = v
	}
	if raw := os.Getenv("LLM_RETRY_STATUS_CODES"); raw != "" {
		statuses := make(map[int]bool)
		for _, part := range strings.Split(raw, ",") {
			if code, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
				statuses[code] = true
			}
		}
		if len(statuses) > 0 {
			cfg.Statuses = statuses
		}
	}
	return cfg
}

// Retryable reports whether err is a transient HTTP failure under cfg.
func (cfg RetryConfig) Retryable(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && cfg.Statuses[httpErr.Status]
}

// Backoff returns the delay before retry attempt (0-based). A server
// Retry-After hint on err overrides the computed backoff.
func (cfg RetryConfig) Backoff(attempt int, err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}

	delay := cfg.BaseBackoff << uint(attempt)
	if delay > cfg.MaxBackoff || delay <= 0 {
		delay = cfg.MaxBackoff
	}
	if cfg.JitterRatio > 0 {
		// Symmetric jitter in [-ratio, +ratio].
		jitter := (rand.Float64()*2 - 1) * cfg.JitterRatio
		delay = time.Duration(float64(delay) * (1 + jitter))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// RetryDo runs fn under the retry policy. Context cancellation always
// wins over a pending backoff.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; ; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt >= cfg.MaxRetries || !cfg.Retryable(err) {
			return zero, lastErr
		}

		delay := cfg.Backoff(attempt, err)
		slog.Warn("provider.retry",
			"provider", name,
			"attempt", attempt+1,
			"max", cfg.MaxRetries,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// ParseRetryAfter accepts both delta-seconds and HTTP-date forms.
func ParseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
