// Package chat is the conversation engine: it resolves conversations between two
// participants, runs the message pipeline (including the assistant's turn),
// deletes messages and serves each participant's conversation list.
//
// All persistent state lives in the database store; a Service holds no
// per-conversation state and is safe for concurrent use.
package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/edgard/haven/internal/config"
	"github.com/edgard/haven/internal/database"
	errs "github.com/edgard/haven/internal/errors"
	"github.com/edgard/haven/internal/resilience"
	"github.com/edgard/haven/internal/responder"
)

// BotID is the reserved identity of the AI assistant participant.
const BotID = "ai_assistant"

// Directory resolves user profiles.
type Directory interface {
	GetProfile(ctx context.Context, userID string) (*database.Profile, error)
}

// Service implements conversation resolution, the message pipeline, deletion
// and the summary read path.
type Service struct {
	store     database.Store
	directory Directory
	responder responder.Responder
	notifier  Notifier
	cfg       config.ChatConfig
	retry     resilience.RetryPolicy
	logger    *slog.Logger

	turns    sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	stopping context.Context
	stop     context.CancelFunc
}

// turnUnwindTimeout bounds how long Shutdown waits for cancelled turns to return.
const turnUnwindTimeout = 5 * time.Second

// NewService wires a Service. A nil notifier discards events.
func NewService(
	store database.Store,
	directory Directory,
	resp responder.Responder,
	notifier Notifier,
	cfg config.ChatConfig,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	log := logger.With("component", "chat")
	stopping, stop := context.WithCancel(context.Background())
	return &Service{
		store:     store,
		directory: directory,
		responder: resp,
		notifier:  notifier,
		cfg:       cfg,
		retry: resilience.RetryPolicy{
			Attempts:  cfg.ReadRetries,
			Delay:     cfg.ReadRetryDelay,
			Retryable: errs.IsRetryable,
			Logger:    log,
		},
		logger:   log,
		stopping: stopping,
		stop:     stop,
	}
}

// Wait blocks until every in-flight assistant turn has finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops new assistant turns and waits for in-flight ones until ctx is
// done. Turns still running then are cancelled without writing a reply, and
// Shutdown waits for them to return before reporting ctx's error.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.Wait(ctx)
	if err == nil {
		return nil
	}

	s.logger.Warn("Cancelling unfinished assistant turns", "error", err)
	s.stop()
	unwindCtx, cancel := context.WithTimeout(context.Background(), turnUnwindTimeout)
	defer cancel()
	if waitErr := s.Wait(unwindCtx); waitErr != nil {
		return fmt.Errorf("assistant turns did not stop: %w", waitErr)
	}
	return err
}

// read runs an idempotent store read with the configured retry policy.
func read[T any](ctx context.Context, s *Service, op func(context.Context) (T, error)) (T, error) {
	return resilience.Retry(ctx, s.retry, op)
}

func (s *Service) getConversation(ctx context.Context, key string) (*database.Conversation, error) {
	return read(ctx, s, func(ctx context.Context) (*database.Conversation, error) {
		return s.store.GetConversation(ctx, key)
	})
}
