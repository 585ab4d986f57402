// Package governor bounds in-flight generator calls per provider and
// short-circuits calls to unhealthy providers.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/c360studio/storybench/model"
)

// Outcome classifies how a permitted call ended.
type Outcome int

const (
	// OutcomeSuccess is a completed generation.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable is a transient provider failure.
	OutcomeRetryable
	// OutcomeTerminal is a definitive provider failure. It does not
	// count against provider health: a provider that answers "bad
	// request" is reachable.
	OutcomeTerminal
	// OutcomeTimeout is a deadline expiry; counts as a health failure.
	OutcomeTimeout
)

// ErrCapacityUnavailable is returned by TryAcquire when all permits for
// the provider are in use.
var ErrCapacityUnavailable = errors.New("rate capacity unavailable")

// CircuitOpenError is returned when the provider's circuit is open.
type CircuitOpenError struct {
	Provider model.ProviderTag
	ReopenAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for provider %s until %s", e.Provider, e.ReopenAt.Format(time.RFC3339))
}

// IsCircuitOpen returns true if the error indicates an open circuit.
func IsCircuitOpen(err error) bool {
	var open *CircuitOpenError
	return errors.As(err, &open)
}

// Governor gates all generator calls: a weighted semaphore bounds
// concurrency per provider tag and a circuit breaker per tag trips after
// consecutive failures, admitting a single probe after the cooldown.
type Governor struct {
	mu     sync.Mutex
	gates  map[model.ProviderTag]*gate
	limits map[model.ProviderTag]model.ProviderLimits
	logger *slog.Logger
}

// Option configures a Governor.
type Option func(*Governor)

// WithLimits overrides the default limits for specific provider tags.
func WithLimits(limits map[model.ProviderTag]model.ProviderLimits) Option {
	return func(g *Governor) {
		for tag, l := range limits {
			g.limits[tag] = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Governor) {
		g.logger = logger
	}
}

// New creates a Governor. Providers not covered by WithLimits use the
// defaults declared alongside their tag in the model package.
func New(opts ...Option) *Governor {
	g := &Governor{
		gates:  make(map[model.ProviderTag]*gate),
		limits: make(map[model.ProviderTag]model.ProviderLimits),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type gate struct {
	tag      model.ProviderTag
	sem      *semaphore.Weighted
	breaker  *gobreaker.TwoStepCircuitBreaker
	cooldown time.Duration

	mu       sync.Mutex
	openedAt time.Time
	inFlight int64
}

// Permit is a unit of concurrency for one provider call. Release must be
// called exactly once with the call's outcome.
type Permit struct {
	g    *gate
	done func(bool)
	once sync.Once
}

// Release returns the permit's capacity and records the call outcome
// against the provider's circuit.
func (p *Permit) Release(outcome Outcome) {
	p.once.Do(func() {
		p.done(outcome == OutcomeSuccess || outcome == OutcomeTerminal)
		p.g.mu.Lock()
		p.g.inFlight--
		p.g.mu.Unlock()
		p.g.sem.Release(1)
	})
}

// Acquire blocks until a permit for the provider is available or ctx is
// cancelled. Fails immediately with CircuitOpenError while the circuit
// is open, except for the single half-open probe.
func (g *Governor) Acquire(ctx context.Context, tag model.ProviderTag) (*Permit, error) {
	gt := g.gate(tag)

	if err := gt.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	return g.admit(gt)
}

// TryAcquire is the non-blocking variant of Acquire. It returns
// ErrCapacityUnavailable when all permits are in use.
func (g *Governor) TryAcquire(tag model.ProviderTag) (*Permit, error) {
	gt := g.gate(tag)

	if !gt.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: provider %s", ErrCapacityUnavailable, tag)
	}

	return g.admit(gt)
}

func (g *Governor) admit(gt *gate) (*Permit, error) {
	done, err := gt.breaker.Allow()
	if err != nil {
		gt.sem.Release(1)
		gt.mu.Lock()
		reopenAt := gt.openedAt.Add(gt.cooldown)
		gt.mu.Unlock()
		return nil, &CircuitOpenError{Provider: gt.tag, ReopenAt: reopenAt}
	}

	gt.mu.Lock()
	gt.inFlight++
	gt.mu.Unlock()

	return &Permit{g: gt, done: done}, nil
}

// InFlight reports the number of admitted, unreleased permits for a
// provider. Intended for progress reporting and tests.
func (g *Governor) InFlight(tag model.ProviderTag) int64 {
	gt := g.gate(tag)
	gt.mu.Lock()
	defer gt.mu.Unlock()
	return gt.inFlight
}

// Limits returns the effective limits for a provider tag.
func (g *Governor) Limits(tag model.ProviderTag) model.ProviderLimits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limitsLocked(tag)
}

func (g *Governor) limitsLocked(tag model.ProviderTag) model.ProviderLimits {
	if limits, ok := g.limits[tag]; ok {
		return limits
	}
	return model.DefaultLimits(tag)
}

func (g *Governor) gate(tag model.ProviderTag) *gate {
	g.mu.Lock()
	defer g.mu.Unlock()

	if gt, ok := g.gates[tag]; ok {
		return gt
	}

	limits := g.limitsLocked(tag)
	gt := &gate{
		tag:      tag,
		sem:      semaphore.NewWeighted(int64(limits.MaxConcurrent)),
		cooldown: limits.OpenCooldown,
	}

	threshold := uint32(limits.FailureThreshold)
	gt.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        string(tag),
		MaxRequests: 1, // single probe while half-open
		Interval:    limits.FailureWindow,
		Timeout:     limits.OpenCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				gt.mu.Lock()
				gt.openedAt = time.Now()
				gt.mu.Unlock()
			}
			g.logger.Warn("Provider circuit state changed",
				"provider", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	g.gates[tag] = gt
	return gt
}
