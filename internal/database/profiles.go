package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	errs "github.com/edgard/haven/internal/errors"
)

const profileColumns = `user_id, display_name, photo_url, username, created_at, updated_at`

// GetProfile retrieves a profile by user ID.
func (s *sqlxStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("empty user id: %w", errs.ErrInvalidIdentifier)
	}

	var row profileRow
	err := s.db.GetContext(ctx, &row, `SELECT `+profileColumns+` FROM profiles WHERE user_id = ?`, userID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.DebugContext(ctx, "No profile found", "user_id", userID)
		return nil, fmt.Errorf("user %q: %w", userID, errs.ErrProfileNotFound)
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting profile", "user_id", userID, "error", err)
		return nil, dbError(fmt.Sprintf("failed to get profile for user %q", userID), err)
	}

	return row.toModel(), nil
}

// likeEscaper escapes the LIKE wildcards, which are legal in usernames.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchProfiles matches query as a substring of the username or display name.
// SQLite LIKE folds ASCII case only.
func (s *sqlxStore) SearchProfiles(ctx context.Context, query, excludeID string, limit int) ([]Profile, error) {
	if query == "" || limit <= 0 {
		return []Profile{}, nil
	}

	pattern := "%" + likeEscaper.Replace(query) + "%"
	var rows []profileRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+profileColumns+` FROM profiles
		WHERE user_id <> ?
		  AND (username LIKE ? ESCAPE '\' OR display_name LIKE ? ESCAPE '\')
		ORDER BY username COLLATE NOCASE, user_id
		LIMIT ?`, excludeID, pattern, pattern, limit)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error searching profiles", "error", err)
		return nil, dbError("failed to search profiles", err)
	}

	profiles := make([]Profile, 0, len(rows))
	for _, row := range rows {
		profiles = append(profiles, *row.toModel())
	}
	return profiles, nil
}

// claimUsername inserts the claim if absent and then checks who holds it.
func claimUsername(ctx context.Context, tx *sqlx.Tx, username, userID string, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO usernames (username, user_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (username) DO NOTHING`, username, userID, now)
	if err != nil {
		return dbError("failed to claim username", err)
	}

	var owner string
	if err := tx.GetContext(ctx, &owner, `SELECT user_id FROM usernames WHERE username = ?`, username); err != nil {
		return dbError("failed to read username owner", err)
	}
	if owner != userID {
		return fmt.Errorf("username %q: %w", username, errs.ErrUsernameTaken)
	}
	return nil
}

// ReserveUsername claims username for userID if nobody else holds it.
// Reserving a username already held by userID succeeds.
func (s *sqlxStore) ReserveUsername(ctx context.Context, username, userID string) error {
	err := s.withTx(ctx, "reserve_username", func(tx *sqlx.Tx) error {
		return claimUsername(ctx, tx, username, userID, toMillis(s.now()))
	})
	if err != nil {
		s.logger.WarnContext(ctx, "Username reservation failed", "username", username, "user_id", userID, "error", err)
	}
	return err
}

// ReleaseUsername frees username and clears it from the profile that carried it.
func (s *sqlxStore) ReleaseUsername(ctx context.Context, username string) error {
	return s.withTx(ctx, "release_username", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM usernames WHERE username = ?`, username); err != nil {
			return dbError("failed to release username", err)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE profiles SET username = '', updated_at = ? WHERE username = ?`, toMillis(s.now()), username)
		if err != nil {
			return dbError("failed to clear released username", err)
		}
		return nil
	})
}

// IsUsernameAvailable reports whether username is unclaimed.
func (s *sqlxStore) IsUsernameAvailable(ctx context.Context, username string) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM usernames WHERE username = ?`, username); err != nil {
		return false, dbError("failed to check username", err)
	}
	return count == 0, nil
}

// UpdateProfile writes the profile and moves its username claim in one transaction.
// An empty Username keeps the current one. A taken username aborts the whole write.
func (s *sqlxStore) UpdateProfile(ctx context.Context, upd ProfileUpdate) (*Profile, error) {
	if upd.UserID == "" {
		return nil, fmt.Errorf("empty user id: %w", errs.ErrInvalidIdentifier)
	}

	var result profileRow
	err := s.withTx(ctx, "update_profile", func(tx *sqlx.Tx) error {
		now := toMillis(s.now())

		var current profileRow
		err := tx.GetContext(ctx, &current, `SELECT `+profileColumns+` FROM profiles WHERE user_id = ?`, upd.UserID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			current = profileRow{UserID: upd.UserID, CreatedAt: now}
		case err != nil:
			return dbError("failed to load current profile", err)
		}

		username := current.Username
		if upd.Username != "" && upd.Username != current.Username {
			if err := claimUsername(ctx, tx, upd.Username, upd.UserID, now); err != nil {
				return err
			}
			if current.Username != "" {
				_, err := tx.ExecContext(ctx,
					`DELETE FROM usernames WHERE username = ? AND user_id = ?`, current.Username, upd.UserID)
				if err != nil {
					return dbError("failed to release previous username", err)
				}
			}
			username = upd.Username
		}

		result = profileRow{
			UserID:      upd.UserID,
			DisplayName: upd.DisplayName,
			PhotoURL:    upd.PhotoURL,
			Username:    username,
			CreatedAt:   current.CreatedAt,
			UpdatedAt:   now,
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO profiles (`+profileColumns+`)
			VALUES (:user_id, :display_name, :photo_url, :username, :created_at, :updated_at)
			ON CONFLICT (user_id) DO UPDATE SET
				display_name = excluded.display_name,
				photo_url = excluded.photo_url,
				username = excluded.username,
				updated_at = excluded.updated_at`, result)
		if err != nil {
			return dbError("failed to save profile", err)
		}
		return nil
	})
	if err != nil {
		s.logger.WarnContext(ctx, "Profile update failed", "user_id", upd.UserID, "error", err)
		return nil, err
	}

	s.logger.InfoContext(ctx, "Profile updated", "user_id", upd.UserID, "username", result.Username)
	return result.toModel(), nil
}
