package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	errs "github.com/edgard/haven/internal/errors"
)

// Store defines the interface for database operations.
// Every multi-row write runs in a single transaction.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error

	// GetConversation returns the conversation stored under key.
	GetConversation(ctx context.Context, key string) (*Conversation, error)

	// CreateConversation inserts the conversation, its participant snapshots and the
	// summary rows of its human participants unless a record with the same key exists.
	// It returns the stored record and whether this call created it.
	CreateConversation(ctx context.Context, nc NewConversation) (*Conversation, bool, error)

	// AppendMessage stores a message and updates the conversation pointer and every
	// summary row of the conversation in one transaction.
	AppendMessage(ctx context.Context, nm NewMessage) (*Message, error)

	// GetMessages returns up to limit messages older than beforeID (newest when
	// beforeID is empty), oldest first.
	GetMessages(ctx context.Context, key, beforeID string, limit int) ([]Message, error)

	// DeleteMessages removes messages owned by requesterID and returns the new latest pointer.
	// The whole batch is rejected if any id is unknown or owned by someone else.
	DeleteMessages(ctx context.Context, key, requesterID string, ids []string) (LatestMessage, error)

	// ListSummaries returns participantID's summary rows, most recent activity first.
	ListSummaries(ctx context.Context, participantID string) ([]SummaryEntry, error)

	// GetSummary returns participantID's summary row for key.
	GetSummary(ctx context.Context, participantID, key string) (*SummaryEntry, error)

	// MarkRead zeroes participantID's unread counter for key.
	MarkRead(ctx context.Context, key, participantID string) error

	// GetProfile retrieves a profile by user ID.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// SearchProfiles returns up to limit profiles, other than excludeID's, whose
	// username or display name contains query, ignoring case.
	SearchProfiles(ctx context.Context, query, excludeID string, limit int) ([]Profile, error)

	// UpdateProfile claims the requested username, releases the previous one and
	// writes the profile in one transaction.
	UpdateProfile(ctx context.Context, upd ProfileUpdate) (*Profile, error)

	// ReserveUsername claims username for userID if nobody else holds it.
	ReserveUsername(ctx context.Context, username, userID string) error

	// ReleaseUsername frees username.
	ReleaseUsername(ctx context.Context, username string) error

	// IsUsernameAvailable reports whether username is unclaimed.
	IsUsernameAvailable(ctx context.Context, username string) (bool, error)

	// RefreshParticipantSnapshots copies current profile display data into
	// conversation participants and summary counterparts. It returns the rows changed.
	RefreshParticipantSnapshots(ctx context.Context) (int64, error)
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errs.NewDatabaseError("database ping failed", err)
	}
	return nil
}

// withTx runs fn inside a transaction. Errors returned by fn are passed through
// unchanged; failures to begin or commit are reported as database errors.
// The context is checked once more right before commit.
func (s *sqlxStore) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction", "op", op, "error", err)
		return errs.NewDatabaseError(fmt.Sprintf("failed to begin transaction for %s", op), err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.logger.WarnContext(ctx, "Error rolling back transaction", "op", op, "error", rollbackErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		s.logger.WarnContext(ctx, "Context done before commit, rolling back", "op", op, "error", err)
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "op", op, "error", err)
		return errs.NewDatabaseError(fmt.Sprintf("failed to commit transaction for %s", op), err)
	}
	return nil
}

// dbError wraps a driver failure as a database error, keeping context errors as they are.
func dbError(msg string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errs.NewDatabaseError(msg, err)
}

// RunSQLMaintenance refreshes planner statistics and executes VACUUM on the SQLite database.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
		s.logger.WarnContext(ctx, "PRAGMA optimize failed", "error", err)
	}

	// VACUUM must run outside a transaction.
	_, err := s.db.ExecContext(ctx, "VACUUM;")

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)

	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return errs.NewDatabaseError("failed to execute VACUUM", err)

	default:
		s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	}

	return nil
}
