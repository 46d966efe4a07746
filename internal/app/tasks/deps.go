// Package tasks implements the scheduled background tasks of Haven.
package tasks

import (
	"context"
	"log/slog"
)

// Store is the part of the database store used by the tasks.
type Store interface {
	RunSQLMaintenance(ctx context.Context) error
	RefreshParticipantSnapshots(ctx context.Context) (int64, error)
}

// TaskDeps contains the dependencies of the scheduled tasks.
type TaskDeps struct {
	Logger *slog.Logger
	Store  Store
}
