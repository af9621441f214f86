// Package router implements the generation capability client.
//
// The router tries configured providers in fallback order. Every attempt has
// its own timeout; failed attempts are retried with exponential backoff
// before moving on to the next provider. Callers always get either a
// candidate or an error they are expected to fall back from.
package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/agentoven/marketing-pipeline/internal/config"
	"github.com/agentoven/marketing-pipeline/pkg/contracts"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// ProviderDriver talks to one model provider.
type ProviderDriver interface {
	// Kind identifies the driver ("anthropic", "openai", "ollama", ...).
	Kind() string
	// Complete sends a single-turn prompt and returns the text reply.
	Complete(ctx context.Context, prompt string) (string, error)
}

// StatusError carries an HTTP status from a provider so the router can tell
// retryable failures from permanent ones.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether a later attempt might succeed.
func (e *StatusError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// Options configure call timeouts, retries and rate limiting.
type Options struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	// RatePerSecond limits calls per provider; zero disables limiting.
	RatePerSecond float64
}

type provider struct {
	driver  ProviderDriver
	limiter *rate.Limiter
}

// ModelRouter is safe for concurrent use.
type ModelRouter struct {
	opts Options

	mu        sync.RWMutex
	providers []*provider
	latencies map[string]int64 // rolling average, ms
}

// NewModelRouter creates a router over drivers, tried in the given order.
func NewModelRouter(opts Options, drivers ...ProviderDriver) *ModelRouter {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	mr := &ModelRouter{opts: opts, latencies: make(map[string]int64)}
	for _, d := range drivers {
		mr.RegisterDriver(d)
	}
	return mr
}

// NewFromConfig registers every provider that has credentials configured, in
// the order Anthropic, OpenAI-compatible, Ollama.
func NewFromConfig(cfg config.InferenceConfig) *ModelRouter {
	var drivers []ProviderDriver
	if cfg.AnthropicAPIKey != "" {
		drivers = append(drivers, NewAnthropicDriver(cfg.AnthropicAPIKey, cfg.AnthropicModel))
	}
	if cfg.OpenAIAPIKey != "" {
		drivers = append(drivers, NewOpenAIDriver(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel))
	}
	if cfg.OllamaURL != "" {
		drivers = append(drivers, NewOllamaDriver(cfg.OllamaURL, cfg.OllamaModel))
	}
	mr := NewModelRouter(Options{
		Timeout:        cfg.Timeout,
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		RatePerSecond:  cfg.RatePerSecond,
	}, drivers...)

	if len(drivers) == 0 {
		log.Warn().Msg("⚠️ No generation providers configured, agents will use deterministic fallbacks")
	} else {
		log.Info().Strs("providers", mr.ListDrivers()).Msg("🧠 Generation providers registered")
	}
	return mr
}

// RegisterDriver appends a driver, replacing any existing driver of the same
// kind in place.
func (mr *ModelRouter) RegisterDriver(d ProviderDriver) {
	p := &provider{driver: d}
	if mr.opts.RatePerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(mr.opts.RatePerSecond), 1)
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	for i, existing := range mr.providers {
		if existing.driver.Kind() == d.Kind() {
			mr.providers[i] = p
			return
		}
	}
	mr.providers = append(mr.providers, p)
}

// GetDriver returns the registered driver of kind, or nil.
func (mr *ModelRouter) GetDriver(kind string) ProviderDriver {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	for _, p := range mr.providers {
		if p.driver.Kind() == kind {
			return p.driver
		}
	}
	return nil
}

// ListDrivers returns the registered driver kinds in fallback order.
func (mr *ModelRouter) ListDrivers() []string {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make([]string, 0, len(mr.providers))
	for _, p := range mr.providers {
		out = append(out, p.driver.Kind())
	}
	return out
}

var _ contracts.Generator = (*ModelRouter)(nil)

// Generate sends prompt to the first provider that answers. Timeouts surface
// as models.ErrInferenceTimeout; no providers at all as
// models.ErrInferenceUnavailable.
func (mr *ModelRouter) Generate(ctx context.Context, prompt string) (contracts.Candidate, error) {
	mr.mu.RLock()
	providers := append([]*provider(nil), mr.providers...)
	mr.mu.RUnlock()

	if len(providers) == 0 {
		return contracts.Candidate{}, models.ErrInferenceUnavailable
	}

	var lastErr error
	for _, p := range providers {
		text, err := mr.callWithRetry(ctx, p, prompt)
		if err != nil {
			log.Warn().
				Str("provider", p.driver.Kind()).
				Err(err).
				Msg("Provider call failed, trying next")
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		score, scored := ParseScore(text)
		return contracts.Candidate{
			Text:     text,
			Score:    score,
			Scored:   scored,
			Provider: p.driver.Kind(),
		}, nil
	}
	return contracts.Candidate{}, fmt.Errorf("all providers failed: %w", lastErr)
}

func (mr *ModelRouter) callWithRetry(ctx context.Context, p *provider, prompt string) (string, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = mr.opts.InitialBackoff
	eb.Multiplier = 2
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(mr.opts.MaxRetries)), ctx)

	var text string
	op := func() error {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, mr.opts.Timeout)
		defer cancel()

		start := time.Now()
		out, err := p.driver.Complete(callCtx, prompt)
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("%s: %w", p.driver.Kind(), models.ErrInferenceTimeout)
			}
			var se *StatusError
			if errors.As(err, &se) && !se.Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		mr.trackLatency(p.driver.Kind(), time.Since(start).Milliseconds())
		text = out
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return "", err
	}
	return text, nil
}

func (mr *ModelRouter) trackLatency(kind string, ms int64) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	prev := mr.latencies[kind]
	if prev == 0 {
		mr.latencies[kind] = ms
		return
	}
	mr.latencies[kind] = (prev*7 + ms*3) / 10
}

// Latencies returns the rolling average latency per provider kind.
func (mr *ModelRouter) Latencies() map[string]int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]int64, len(mr.latencies))
	for k, v := range mr.latencies {
		out[k] = v
	}
	return out
}

var scoreLine = regexp.MustCompile(`(?im)^\s*SCORE\s*:\s*(\d{1,3}(?:\.\d+)?)`)

// ParseScore extracts a "SCORE: n" line from generated text, clamped to
// 0–100. ok is false when the text has no score line.
func ParseScore(text string) (score float64, ok bool) {
	m := scoreLine.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(m[1]), 64)
	if err != nil {
		return 0, false
	}
	return models.ClampConfidence(v), true
}
