package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy bounds retries of a single provider call.
type RetryPolicy struct {
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// DefaultRetryPolicy returns three retries starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
	}
}

// Router sends completions to a default provider, retrying with backoff and
// then walking a fallback chain.
type Router struct {
	providers map[string]Provider
	fallbacks []string
	defaults  string
	retry     RetryPolicy
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(retry RetryPolicy, logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		retry:     retry,
		logger:    logger,
	}
}

// Register adds a provider to the router. The first one becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[providerID]; !ok {
		return fmt.Errorf("unknown provider %s", providerID)
	}
	r.defaults = providerID
	return nil
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// SetFallbacks configures the providers tried, in order, after the default fails.
func (r *Router) SetFallbacks(providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append([]string(nil), providerIDs...)
}

// Complete routes a request to the default provider, then the fallbacks.
func (r *Router) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	r.mu.RLock()
	chain := make([]Provider, 0, 1+len(r.fallbacks))
	if p, ok := r.providers[r.defaults]; ok {
		chain = append(chain, p)
	}
	for _, id := range r.fallbacks {
		if p, ok := r.providers[id]; ok && id != r.defaults {
			chain = append(chain, p)
		}
	}
	r.mu.RUnlock()

	if len(chain) == 0 {
		return nil, ErrNoProvider
	}

	var lastErr error
	for i, p := range chain {
		resp, err := r.withRetry(ctx, p, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i+1 < len(chain) {
			r.logger.Warn("provider failed, trying fallback",
				zap.String("provider", p.ID()),
				zap.String("next", chain[i+1].ID()),
				zap.Error(err))
		}
	}
	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

func (r *Router) withRetry(ctx context.Context, p Provider, req *CompletionRequest) (*CompletionResponse, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.retry.InitialBackoff
	if r.retry.MaxBackoff > 0 {
		eb.MaxInterval = r.retry.MaxBackoff
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(r.retry.MaxRetries, 0))), ctx)

	var resp *CompletionResponse
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		var err error
		resp, err = p.Complete(ctx, req)
		return err
	}, b, func(err error, wait time.Duration) {
		r.logger.Warn("completion failed, retrying",
			zap.String("provider", p.ID()),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// HealthCheck checks the default provider.
func (r *Router) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	p, ok := r.providers[r.defaults]
	r.mu.RUnlock()
	if !ok {
		return ErrNoProvider
	}
	return p.HealthCheck(ctx)
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}

// New builds a provider from its config.
func New(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case TypeOpenAI, TypeOpenAICompatible, TypeOllama:
		return NewOpenAIProvider(cfg, logger)
	case TypeAnthropic:
		return NewAnthropicProvider(cfg, logger)
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", cfg.ID, cfg.Type)
	}
}
