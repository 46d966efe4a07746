// Package app orchestrates the Haven components: it runs the HTTP server and
// the background scheduler and coordinates their graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// HTTPServer is the front end run by the App.
type HTTPServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// SessionCloser ends live client sessions.
type SessionCloser interface {
	Close()
}

// TurnStopper drains background assistant turns, cancelling those still
// running when ctx is done.
type TurnStopper interface {
	Shutdown(ctx context.Context) error
}

// App owns the lifecycle of the long-running components.
type App struct {
	logger          *slog.Logger
	server          HTTPServer
	sessions        SessionCloser
	turns           TurnStopper
	scheduler       *Scheduler
	shutdownTimeout time.Duration
}

// NewApp creates the orchestrator.
func NewApp(
	logger *slog.Logger,
	server HTTPServer,
	sessions SessionCloser,
	turns TurnStopper,
	scheduler *Scheduler,
	shutdownTimeout time.Duration,
) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		logger:          logger.With("component", "app"),
		server:          server,
		sessions:        sessions,
		turns:           turns,
		scheduler:       scheduler,
		shutdownTimeout: shutdownTimeout,
	}
}

// Run starts every component and blocks until ctx is cancelled or one of them
// fails. On the way out it closes live sessions, drains the HTTP server and
// drains in-flight assistant turns, all bounded by the shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting application")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		if gCtx.Err() == nil {
			return errors.New("http server stopped unexpectedly")
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("Shutdown signal received, stopping HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), a.shutdownTimeout)
		defer cancel()

		a.sessions.Close()
		err := a.server.Shutdown(shutdownCtx)
		if err != nil {
			a.logger.Error("Error shutting down HTTP server", "error", err)
		}
		if turnErr := a.turns.Shutdown(shutdownCtx); turnErr != nil {
			a.logger.Warn("Assistant turns cancelled at shutdown", "error", turnErr)
		}
		return err
	})

	g.Go(func() error {
		if err := a.scheduler.Start(gCtx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		<-gCtx.Done()
		if err := a.scheduler.Stop(); err != nil {
			a.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Application stopped due to error", "error", err)
		return err
	}

	a.logger.Info("Application stopped gracefully")
	return nil
}
