package cmdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed passes every lookup through.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails lookups without calling the CMDB.
	BreakerOpen
	// BreakerHalfOpen lets one probe through to test recovery.
	BreakerHalfOpen
)

// String returns the string representation of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int
	// Cooldown is how long the circuit stays open before a probe.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the breaker settings used in production.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, Cooldown: 30 * time.Second}
}

// OpenError is returned while the circuit is open.
type OpenError struct {
	Failures int
	RetryAt  time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("cmdb circuit open after %d failures, retry at %s", e.Failures, e.RetryAt.Format(time.RFC3339))
}

// Breaker wraps a Lookup so that an unavailable CMDB stops costing every
// classification a full request timeout. An unknown application (nil
// signal, nil error) counts as a success.
type Breaker struct {
	next Lookup
	cfg  BreakerConfig
	log  *logger.Logger
	now  func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker guards next with a circuit breaker.
func NewBreaker(next Lookup, cfg BreakerConfig, log *logger.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breaker{
		next: next,
		cfg:  cfg,
		log:  log.WithComponent("cmdb-breaker"),
		now:  time.Now,
	}
}

// Lookup implements Lookup.
func (b *Breaker) Lookup(ctx context.Context, appName string) (*Signal, error) {
	if err := b.before(); err != nil {
		return nil, err
	}
	signal, err := b.next.Lookup(ctx, appName)
	b.after(ctx, err)
	return signal, err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		retryAt := b.openedAt.Add(b.cfg.Cooldown)
		if b.now().Before(retryAt) {
			return &OpenError{Failures: b.failures, RetryAt: retryAt}
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return &OpenError{Failures: b.failures, RetryAt: b.now().Add(time.Second)}
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) after(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	from := b.state
	b.probing = false
	if err == nil {
		b.failures = 0
		b.state = BreakerClosed
	} else {
		b.failures++
		if b.state == BreakerHalfOpen || b.failures >= b.cfg.MaxFailures {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	}

	if from != b.state {
		b.log.WarnContext(ctx, "cmdb circuit state changed",
			"from", from.String(), "to", b.state.String(), "failures", b.failures)
	}
}
