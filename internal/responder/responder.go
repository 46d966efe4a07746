// Package responder turns a human message into the assistant's reply. It bounds
// every call to the completion backend with a timeout, a rate limit and a
// circuit breaker, and reports every failure as an upstream error.
package responder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/edgard/haven/internal/config"
	errs "github.com/edgard/haven/internal/errors"
	"github.com/edgard/haven/internal/resilience"
	"github.com/edgard/haven/internal/text"
)

// Completer is the opaque text-to-text backend.
type Completer interface {
	Complete(ctx context.Context, text string) (string, error)
}

// Responder produces the assistant's reply to a message.
type Responder interface {
	Respond(ctx context.Context, text string) (string, error)
}

// Adapter implements Responder on top of a Completer.
type Adapter struct {
	completer Completer
	timeout   time.Duration
	limiter   *rate.Limiter
	breaker   *resilience.Breaker
	logger    *slog.Logger
}

// NewAdapter creates an Adapter with the limits from cfg.
func NewAdapter(completer Completer, cfg config.ResponderConfig, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "responder")

	return &Adapter{
		completer: completer,
		timeout:   cfg.Timeout,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Name:          "responder",
			MaxFailures:   cfg.MaxFailures,
			ResetInterval: cfg.BreakerResetTime,
			Logger:        logger,
		}),
		logger: logger,
	}
}

// Respond returns the sanitized reply to input. Timeouts map to
// errs.ErrResponderTimeout, every other backend failure to errs.ErrResponderUnavailable.
// Cancellation of ctx by the caller is returned as is.
func (a *Adapter) Respond(ctx context.Context, input string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()

	if err := a.limiter.Wait(callCtx); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		a.logger.WarnContext(ctx, "Responder rate limit wait exceeded the call budget", "error", err)
		return "", fmt.Errorf("%w: %w", errs.ErrResponderTimeout, err)
	}

	var reply string
	err := a.breaker.Execute(callCtx, func(ctx context.Context) error {
		r, err := a.completer.Complete(ctx, input)
		reply = r
		return err
	})

	switch {
	case err == nil:
	case ctx.Err() != nil:
		return "", ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		a.logger.WarnContext(ctx, "Responder timed out", "timeout", a.timeout, "error", err)
		return "", fmt.Errorf("%w after %s", errs.ErrResponderTimeout, a.timeout)
	case errors.Is(err, resilience.ErrCircuitOpen):
		a.logger.WarnContext(ctx, "Responder circuit open, call rejected")
		return "", fmt.Errorf("%w: %w", errs.ErrResponderUnavailable, err)
	default:
		a.logger.ErrorContext(ctx, "Responder backend failed", "error", err)
		return "", fmt.Errorf("%w: %w", errs.ErrResponderUnavailable, err)
	}

	clean, err := text.Sanitize(reply)
	if err != nil {
		a.logger.WarnContext(ctx, "Responder returned an empty reply")
		return "", fmt.Errorf("%w: empty reply", errs.ErrResponderUnavailable)
	}

	a.logger.DebugContext(ctx, "Responder replied", "duration", time.Since(start), "reply_length", len(clean))
	return clean, nil
}
