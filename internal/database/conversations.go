package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	errs "github.com/edgard/haven/internal/errors"
)

const conversationColumns = `conversation_key, participant_a, participant_b, is_bot, last_state,
	last_message_id, last_message_text, last_sender_id, last_sent_at, created_at, updated_at`

// GetConversation returns the conversation stored under key.
func (s *sqlxStore) GetConversation(ctx context.Context, key string) (*Conversation, error) {
	conv, err := getConversation(ctx, s.db, key)
	if err != nil && !errors.Is(err, errs.ErrConversationNotFound) {
		s.logger.ErrorContext(ctx, "Error getting conversation", "conversation_key", key, "error", err)
	}
	return conv, err
}

func getConversation(ctx context.Context, q sqlx.QueryerContext, key string) (*Conversation, error) {
	var row conversationRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+conversationColumns+` FROM conversations WHERE conversation_key = ?`, key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("conversation %q: %w", key, errs.ErrConversationNotFound)
	case err != nil:
		return nil, dbError(fmt.Sprintf("failed to get conversation %q", key), err)
	}

	var participants []participantRow
	err = sqlx.SelectContext(ctx, q, &participants, `
		SELECT conversation_key, participant_id, position, display_name, photo_url, username
		FROM conversation_participants
		WHERE conversation_key = ?
		ORDER BY position`, key)
	if err != nil {
		return nil, dbError(fmt.Sprintf("failed to get participants of conversation %q", key), err)
	}

	return row.toModel(participants), nil
}

// CreateConversation inserts the conversation unless it exists. Concurrent callers
// with the same key converge on the single stored record.
func (s *sqlxStore) CreateConversation(ctx context.Context, nc NewConversation) (*Conversation, bool, error) {
	if nc.Key == "" {
		return nil, false, errs.NewValidationError("conversation key is empty", nil)
	}

	created := false
	err := s.withTx(ctx, "create_conversation", func(tx *sqlx.Tx) error {
		now := toMillis(s.now())

		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (conversation_key, participant_a, participant_b, is_bot, last_state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (conversation_key) DO NOTHING`,
			nc.Key, nc.Participants[0].ID, nc.Participants[1].ID, nc.IsBot, string(LatestEmpty), now, now)
		if err != nil {
			return dbError("failed to insert conversation", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return dbError("failed to read insert result", err)
		}
		if affected == 0 {
			return nil
		}
		created = true

		for position, p := range nc.Participants {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_participants (conversation_key, participant_id, position, display_name, photo_url, username)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (conversation_key, participant_id) DO NOTHING`,
				nc.Key, p.ID, position, p.DisplayName, p.PhotoURL, p.Username)
			if err != nil {
				return dbError("failed to insert conversation participant", err)
			}
		}

		for i, p := range nc.Participants {
			if nc.BotID != "" && p.ID == nc.BotID {
				continue
			}
			counterpart := nc.Participants[1-i]
			_, err := tx.ExecContext(ctx, `
				INSERT INTO summaries (participant_id, conversation_key, counterpart_id, counterpart_name,
					counterpart_photo_url, counterpart_username, last_state, unread, ordering_key, is_bot, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
				ON CONFLICT (participant_id, conversation_key) DO NOTHING`,
				p.ID, nc.Key, counterpart.ID, counterpart.DisplayName, counterpart.PhotoURL, counterpart.Username,
				string(LatestEmpty), now, nc.IsBot, now)
			if err != nil {
				return dbError("failed to insert summary", err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating conversation", "conversation_key", nc.Key, "error", err)
		return nil, false, err
	}

	conv, err := getConversation(ctx, s.db, nc.Key)
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.InfoContext(ctx, "Conversation created", "conversation_key", nc.Key, "is_bot", nc.IsBot)
	}
	return conv, created, nil
}

// RefreshParticipantSnapshots copies current profile display data into the
// snapshots held by conversations and summaries. Message snapshots are left as written.
func (s *sqlxStore) RefreshParticipantSnapshots(ctx context.Context) (int64, error) {
	var total int64
	err := s.withTx(ctx, "refresh_snapshots", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversation_participants
			SET display_name = p.display_name, photo_url = p.photo_url, username = p.username
			FROM profiles AS p
			WHERE p.user_id = conversation_participants.participant_id
			  AND (conversation_participants.display_name != p.display_name
			    OR conversation_participants.photo_url != p.photo_url
			    OR conversation_participants.username != p.username)`)
		if err != nil {
			return dbError("failed to refresh participant snapshots", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return dbError("failed to read refresh result", err)
		}
		total += n

		res, err = tx.ExecContext(ctx, `
			UPDATE summaries
			SET counterpart_name = p.display_name, counterpart_photo_url = p.photo_url, counterpart_username = p.username
			FROM profiles AS p
			WHERE p.user_id = summaries.counterpart_id
			  AND (summaries.counterpart_name != p.display_name
			    OR summaries.counterpart_photo_url != p.photo_url
			    OR summaries.counterpart_username != p.username)`)
		if err != nil {
			return dbError("failed to refresh summary snapshots", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return dbError("failed to read refresh result", err)
		}
		total += n
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error refreshing participant snapshots", "error", err)
		return 0, err
	}

	s.logger.InfoContext(ctx, "Participant snapshots refreshed", "rows", total)
	return total, nil
}
