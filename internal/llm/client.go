// Package llm talks to the completion providers behind one small
// interface and makes the calls survivable: every request runs inside
// a circuit breaker and a bounded exponential-backoff retry loop.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Client is one completion provider.
type Client interface {
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Name() string
}

// Config selects and tunes a provider.
type Config struct {
	Provider    string  `yaml:"provider"` // "anthropic" or "gemini"
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"` // empty picks the provider default
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// NewClient builds the provider named by cfg.Provider and wraps it in
// the breaker and retry layer.
func NewClient(cfg Config, logger *zap.Logger) (Client, error) {
	var (
		inner Client
		err   error
	)
	switch cfg.Provider {
	case "anthropic", "":
		inner, err = NewAnthropicClient(cfg)
	case "gemini":
		inner, err = NewGeminiClient(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return Resilient(inner, logger), nil
}

const (
	maxAttempts = 3
	baseDelay   = 500 * time.Millisecond

	breakerFailures = 5
	breakerTimeout  = 60 * time.Second
)

type resilientClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker
	delay   time.Duration
	logger  *zap.Logger
}

// Resilient wraps a provider so that transient failures are retried
// with exponential backoff and sustained failure opens a circuit
// breaker. The breaker counts individual attempts, opens after five
// consecutive failures and half-opens after sixty seconds; an open
// breaker fails calls immediately.
func Resilient(inner Client, logger *zap.Logger) Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    inner.Name(),
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("llm circuit breaker state change",
				zap.String("client", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &resilientClient{inner: inner, breaker: cb, delay: baseDelay, logger: logger}
}

func (r *resilientClient) Name() string { return r.inner.Name() }

// RequestObserver is notified after each completion call with the
// provider name and "ok" or "error". Metrics hook in here without the
// llm package depending on a metrics library.
type RequestObserver func(provider, outcome string)

type observedClient struct {
	inner Client
	obs   RequestObserver
}

// WithObserver wraps a client so every completion call reports its
// outcome to obs.
func WithObserver(inner Client, obs RequestObserver) Client {
	if obs == nil {
		return inner
	}
	return &observedClient{inner: inner, obs: obs}
}

func (o *observedClient) Name() string { return o.inner.Name() }

func (o *observedClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	out, err := o.inner.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.obs(o.inner.Name(), outcome)
	return out, err
}

func (r *resilientClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			r.logger.Debug("llm retry",
				zap.String("client", r.inner.Name()),
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts))

			delay := r.delay << uint(attempt)
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("cancelled during retry backoff: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		out, err := r.breaker.Execute(func() (interface{}, error) {
			return r.inner.CompleteWithSystem(ctx, systemPrompt, userPrompt)
		})
		if err == nil {
			return out.(string), nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return "", fmt.Errorf("llm %s: %w", r.inner.Name(), err)
		}
	}
	return "", fmt.Errorf("llm %s failed after %d attempts: %w", r.inner.Name(), maxAttempts, lastErr)
}

// isRetryableError decides whether another attempt can help. Provider
// SDKs surface transport and HTTP failures as opaque errors, so this
// is string matching by necessity.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	// An open breaker will stay open for the rest of this call's
	// retry window.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"timeout",
		"connection",
		"network",
		"temporary",
		"rate limit",
		"503",
		"502",
		"500",
		"429",
		"context deadline exceeded",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	nonRetryablePatterns := []string{
		"unauthorized",
		"forbidden",
		"invalid api key",
		"401",
		"403",
	}
	for _, pattern := range nonRetryablePatterns {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}

	return true
}
