package engine

import (
	"sync"
	"time"

	"github.com/rendis/outreach/pkg/schema"
)

// BreakerState is how the walker currently treats a provider.
type BreakerState string

const (
	BreakerClosed  BreakerState = "closed"
	BreakerOpen    BreakerState = "open"
	BreakerProbing BreakerState = "probing"
)

// BreakerConfig controls when a provider is taken out of rotation.
type BreakerConfig struct {
	// Threshold is the number of consecutive transient failures that opens the breaker.
	Threshold int
	// Cooldown is how long an open breaker rejects calls before letting one probe through.
	Cooldown time.Duration
}

// DefaultBreakerConfig opens after 5 consecutive failures for 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second}
}

// ProviderHealth is a point-in-time view of one provider breaker.
type ProviderHealth struct {
	Provider string       `json:"provider"`
	State    BreakerState `json:"state"`
	Failures int          `json:"failures"`
	RetryAt  *time.Time   `json:"retryAt,omitempty"`
}

type providerBreaker struct {
	state    BreakerState
	failures int
	openedAt time.Time
}

// Breakers tracks one breaker per provider node type (email, gemini, webhook,
// social-post). Only transient failures count. While a breaker is probing a
// single call is in flight; its outcome closes or reopens the breaker.
type Breakers struct {
	mu         sync.Mutex
	cfg        BreakerConfig
	byProvider map[string]*providerBreaker
	now        func() time.Time
}

// NewBreakers creates the registry. Missing settings fall back to the defaults.
func NewBreakers(cfg BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breakers{
		cfg:        cfg,
		byProvider: make(map[string]*providerBreaker),
		now:        time.Now,
	}
}

// Allow returns nil when a call to provider may proceed, or a CIRCUIT_OPEN
// error while the provider is cooling down or a probe is already running.
func (b *Breakers) Allow(provider string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pb := b.get(provider)
	switch pb.state {
	case BreakerOpen:
		retryAt := pb.openedAt.Add(b.cfg.Cooldown)
		if b.now().Before(retryAt) {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"%s provider unavailable after %d consecutive failures", provider, pb.failures).
				WithDetails(map[string]any{
					"provider": provider,
					"failures": pb.failures,
					"retry_at": retryAt.UTC().Format(time.RFC3339),
				})
		}
		pb.state = BreakerProbing
		return nil
	case BreakerProbing:
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"%s provider is recovering, try again later", provider)
	}
	return nil
}

// Succeeded closes the provider's breaker.
func (b *Breakers) Succeeded(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pb := b.get(provider)
	pb.state = BreakerClosed
	pb.failures = 0
}

// Failed counts one transient failure and returns the resulting state. A
// failed probe reopens the breaker for a full cooldown.
func (b *Breakers) Failed(provider string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	pb := b.get(provider)
	pb.failures++
	if pb.state == BreakerProbing || pb.failures >= b.cfg.Threshold {
		pb.state = BreakerOpen
		pb.openedAt = b.now()
	}
	return pb.state
}

// Health reports the provider's breaker without changing it.
func (b *Breakers) Health(provider string) ProviderHealth {
	b.mu.Lock()
	defer b.mu.Unlock()

	pb := b.get(provider)
	h := ProviderHealth{Provider: provider, State: pb.state, Failures: pb.failures}
	if pb.state == BreakerOpen {
		at := pb.openedAt.Add(b.cfg.Cooldown)
		h.RetryAt = &at
	}
	return h
}

func (b *Breakers) get(provider string) *providerBreaker {
	pb, ok := b.byProvider[provider]
	if !ok {
		pb = &providerBreaker{state: BreakerClosed}
		b.byProvider[provider] = pb
	}
	return pb
}
