// Package resilience wraps calls to unreliable dependencies: a circuit breaker
// for the completion backend and a bounded retry for idempotent store reads.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen indicates the circuit breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds configuration for a circuit breaker.
type BreakerConfig struct {
	Name          string
	MaxFailures   int
	HalfOpenLimit int
	ResetInterval time.Duration
	Logger        *slog.Logger
}

// Breaker implements the circuit breaker pattern using gobreaker.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker that opens after MaxFailures consecutive
// failures and probes again after ResetInterval.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenLimit <= 0 {
		cfg.HalfOpenLimit = 1
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.HalfOpenLimit),
		Interval:    cfg.ResetInterval,
		Timeout:     cfg.ResetInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		// A caller that gave up is not a backend failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs operation through the breaker. Rejected calls return ErrCircuitOpen.
func (b *Breaker) Execute(ctx context.Context, operation func(context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, operation(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", b.cb.Name(), ErrCircuitOpen)
	}
	return err
}

// State returns the breaker state name ("closed", "half-open" or "open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// RetryPolicy bounds retries of an idempotent operation.
type RetryPolicy struct {
	// Attempts is the number of retries after the first call.
	Attempts int
	Delay    time.Duration
	// Retryable selects the errors worth another attempt.
	Retryable func(error) bool
	// Logger records each retry; nil disables logging.
	Logger *slog.Logger
}

// Retry calls operation until it succeeds, returns a non-retryable error, the
// retries are spent, or ctx is done.
func Retry[T any](ctx context.Context, policy RetryPolicy, operation func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := operation(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= policy.Attempts || policy.Retryable == nil || !policy.Retryable(err) {
			return zero, err
		}

		if policy.Logger != nil {
			policy.Logger.DebugContext(ctx, "Operation failed, retrying",
				"attempt", attempt+1,
				"max_attempts", policy.Attempts+1,
				"delay", policy.Delay,
				"error", err,
			)
		}

		timer := time.NewTimer(policy.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry abandoned: %w", errors.Join(ctx.Err(), err))
		case <-timer.C:
		}
	}
}
