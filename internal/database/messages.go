package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	errs "github.com/edgard/haven/internal/errors"
)

const messageColumns = `id, conversation_key, sender_id, body, sent_at, sender_display_name, sender_photo_url`

// AppendMessage stores a message and, in the same transaction, moves the
// conversation pointer and every summary row of the conversation to it.
// The sender's unread counter is zeroed and the others are incremented, except in
// bot conversations where the human counter always stays at zero.
func (s *sqlxStore) AppendMessage(ctx context.Context, nm NewMessage) (*Message, error) {
	if nm.ConversationKey == "" || nm.SenderID == "" {
		return nil, errs.NewValidationError("message must have a conversation key and a sender", nil)
	}

	now := nm.Now
	if now.IsZero() {
		now = s.now()
	}

	var msg Message
	err := s.withTx(ctx, "append_message", func(tx *sqlx.Tx) error {
		var exists int
		err := tx.GetContext(ctx, &exists,
			`SELECT COUNT(*) FROM conversations WHERE conversation_key = ?`, nm.ConversationKey)
		if err != nil {
			return dbError("failed to look up conversation", err)
		}
		if exists == 0 {
			return fmt.Errorf("conversation %q: %w", nm.ConversationKey, errs.ErrConversationNotFound)
		}

		// Timestamps never go backwards within a conversation.
		var latest int64
		err = tx.GetContext(ctx, &latest,
			`SELECT COALESCE(MAX(sent_at), 0) FROM messages WHERE conversation_key = ?`, nm.ConversationKey)
		if err != nil {
			return dbError("failed to read latest timestamp", err)
		}
		sentAt := max(toMillis(now), latest)

		id, err := uuid.NewV7()
		if err != nil {
			return errs.NewDatabaseError("failed to generate message id", err)
		}

		row := messageRow{
			ID:                id.String(),
			ConversationKey:   nm.ConversationKey,
			SenderID:          nm.SenderID,
			Body:              nm.Body,
			SentAt:            sentAt,
			SenderDisplayName: nm.SenderDisplayName,
			SenderPhotoURL:    nm.SenderPhotoURL,
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (:id, :conversation_key, :sender_id, :body, :sent_at, :sender_display_name, :sender_photo_url)`, row)
		if err != nil {
			return dbError("failed to insert message", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE conversations
			SET last_state = ?, last_message_id = ?, last_message_text = ?, last_sender_id = ?,
				last_sent_at = ?, updated_at = ?
			WHERE conversation_key = ?`,
			string(LatestPresent), row.ID, row.Body, row.SenderID, sentAt, toMillis(now), nm.ConversationKey)
		if err != nil {
			return dbError("failed to update conversation pointer", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE summaries
			SET last_state = ?, last_message_id = ?, last_message_text = ?, last_sender_id = ?,
				last_sent_at = ?,
				ordering_key = MAX(ordering_key, ?),
				unread = CASE WHEN participant_id = ? OR is_bot = 1 THEN 0 ELSE unread + 1 END,
				updated_at = ?
			WHERE conversation_key = ?`,
			string(LatestPresent), row.ID, row.Body, row.SenderID, sentAt,
			sentAt,
			row.SenderID,
			toMillis(now), nm.ConversationKey)
		if err != nil {
			return dbError("failed to update summaries", err)
		}

		msg = row.toModel()
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error appending message",
			"conversation_key", nm.ConversationKey, "sender_id", nm.SenderID, "error", err)
		return nil, err
	}

	s.logger.DebugContext(ctx, "Message appended",
		"conversation_key", msg.ConversationKey, "message_id", msg.ID, "sender_id", msg.SenderID)
	return &msg, nil
}

// GetMessages returns a page of messages oldest first. With beforeID set the page
// ends right before that message in (sent_at, id) order.
func (s *sqlxStore) GetMessages(ctx context.Context, key, beforeID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, errs.NewValidationError("limit must be positive", nil)
	}

	var rows []messageRow
	var err error
	if beforeID == "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_key = ?
			ORDER BY sent_at DESC, id DESC
			LIMIT ?`, key, limit)
	} else {
		var cursor int64
		err = s.db.GetContext(ctx, &cursor,
			`SELECT sent_at FROM messages WHERE conversation_key = ? AND id = ?`, key, beforeID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %q: %w", beforeID, errs.ErrMessageNotFound)
		}
		if err == nil {
			err = s.db.SelectContext(ctx, &rows, `
				SELECT `+messageColumns+` FROM messages
				WHERE conversation_key = ? AND (sent_at < ? OR (sent_at = ? AND id < ?))
				ORDER BY sent_at DESC, id DESC
				LIMIT ?`, key, cursor, cursor, beforeID, limit)
		}
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting messages", "conversation_key", key, "error", err)
		return nil, dbError(fmt.Sprintf("failed to get messages for conversation %q", key), err)
	}

	messages := make([]Message, 0, len(rows))
	for _, row := range slices.Backward(rows) {
		messages = append(messages, row.toModel())
	}
	return messages, nil
}

// DeleteMessages removes the given messages if every one of them belongs to the
// conversation and was sent by requesterID. The latest pointer of the conversation
// and its summaries is recomputed from the remaining log; ordering keys and unread
// counters are left untouched.
func (s *sqlxStore) DeleteMessages(ctx context.Context, key, requesterID string, ids []string) (LatestMessage, error) {
	unique := slices.Compact(slices.Sorted(slices.Values(ids)))
	if len(unique) == 0 {
		return LatestMessage{}, errs.NewValidationError("no message ids given", nil)
	}

	var latest LatestMessage
	err := s.withTx(ctx, "delete_messages", func(tx *sqlx.Tx) error {
		var exists int
		err := tx.GetContext(ctx, &exists,
			`SELECT COUNT(*) FROM conversations WHERE conversation_key = ?`, key)
		if err != nil {
			return dbError("failed to look up conversation", err)
		}
		if exists == 0 {
			return fmt.Errorf("conversation %q: %w", key, errs.ErrConversationNotFound)
		}

		query, args, err := sqlx.In(
			`SELECT id, sender_id FROM messages WHERE conversation_key = ? AND id IN (?)`, key, unique)
		if err != nil {
			return dbError("failed to build ownership query", err)
		}
		var owners []struct {
			ID       string `db:"id"`
			SenderID string `db:"sender_id"`
		}
		if err := tx.SelectContext(ctx, &owners, tx.Rebind(query), args...); err != nil {
			return dbError("failed to check message ownership", err)
		}
		if len(owners) != len(unique) {
			return fmt.Errorf("%d of %d messages: %w", len(unique)-len(owners), len(unique), errs.ErrMessageNotFound)
		}
		for _, o := range owners {
			if o.SenderID != requesterID {
				return fmt.Errorf("message %q: %w", o.ID, errs.ErrUnauthorized)
			}
		}

		query, args, err = sqlx.In(`DELETE FROM messages WHERE conversation_key = ? AND id IN (?)`, key, unique)
		if err != nil {
			return dbError("failed to build delete query", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return dbError("failed to delete messages", err)
		}

		var row messageRow
		err = tx.GetContext(ctx, &row, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_key = ?
			ORDER BY sent_at DESC, id DESC
			LIMIT 1`, key)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			latest = LatestMessage{State: LatestEmpty}
		case err != nil:
			return dbError("failed to recompute latest message", err)
		default:
			latest = LatestMessage{
				State:     LatestPresent,
				MessageID: row.ID,
				Text:      row.Body,
				SenderID:  row.SenderID,
				SentAt:    fromMillis(row.SentAt),
			}
		}

		now := toMillis(s.now())
		_, err = tx.ExecContext(ctx, `
			UPDATE conversations
			SET last_state = ?, last_message_id = ?, last_message_text = ?, last_sender_id = ?,
				last_sent_at = ?, updated_at = ?
			WHERE conversation_key = ?`,
			string(latest.State), latest.MessageID, latest.Text, latest.SenderID, toMillis(latest.SentAt), now, key)
		if err != nil {
			return dbError("failed to update conversation pointer", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE summaries
			SET last_state = ?, last_message_id = ?, last_message_text = ?, last_sender_id = ?,
				last_sent_at = ?, updated_at = ?
			WHERE conversation_key = ?`,
			string(latest.State), latest.MessageID, latest.Text, latest.SenderID, toMillis(latest.SentAt), now, key)
		if err != nil {
			return dbError("failed to update summaries", err)
		}
		return nil
	})
	if err != nil {
		s.logger.WarnContext(ctx, "Message deletion rejected or failed",
			"conversation_key", key, "requester_id", requesterID, "count", len(unique), "error", err)
		return LatestMessage{}, err
	}

	s.logger.InfoContext(ctx, "Messages deleted",
		"conversation_key", key, "requester_id", requesterID, "count", len(unique), "latest_state", latest.State)
	return latest, nil
}
