package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	errs "github.com/edgard/haven/internal/errors"
)

const summaryColumns = `participant_id, conversation_key, counterpart_id, counterpart_name, counterpart_photo_url,
	counterpart_username, last_state, last_message_id, last_message_text, last_sender_id, last_sent_at,
	unread, ordering_key, is_bot, updated_at`

// ListSummaries returns participantID's summary rows ordered by ordering key, newest first.
func (s *sqlxStore) ListSummaries(ctx context.Context, participantID string) ([]SummaryEntry, error) {
	var rows []summaryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+summaryColumns+` FROM summaries
		WHERE participant_id = ?
		ORDER BY ordering_key DESC, conversation_key ASC`, participantID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error listing summaries", "participant_id", participantID, "error", err)
		return nil, dbError(fmt.Sprintf("failed to list summaries for %q", participantID), err)
	}

	entries := make([]SummaryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toModel())
	}
	return entries, nil
}

// GetSummary returns participantID's summary row for key.
func (s *sqlxStore) GetSummary(ctx context.Context, participantID, key string) (*SummaryEntry, error) {
	var row summaryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+summaryColumns+` FROM summaries
		WHERE participant_id = ? AND conversation_key = ?`, participantID, key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("summary of %q for %q: %w", key, participantID, errs.ErrConversationNotFound)
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting summary",
			"participant_id", participantID, "conversation_key", key, "error", err)
		return nil, dbError("failed to get summary", err)
	}

	entry := row.toModel()
	return &entry, nil
}

// MarkRead zeroes participantID's unread counter for key.
func (s *sqlxStore) MarkRead(ctx context.Context, key, participantID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE summaries SET unread = 0 WHERE conversation_key = ? AND participant_id = ?`, key, participantID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking conversation read",
			"participant_id", participantID, "conversation_key", key, "error", err)
		return dbError("failed to mark conversation read", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return dbError("failed to read update result", err)
	}
	if affected == 0 {
		return fmt.Errorf("participant %q in %q: %w", participantID, key, errs.ErrNotAParticipant)
	}
	return nil
}
