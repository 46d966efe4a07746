// Package profile implements the identity boundary of Haven: profile lookups,
// the username registry and profile updates that move a username claim.
package profile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/edgard/haven/internal/database"
	errs "github.com/edgard/haven/internal/errors"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)

// Search result bounds.
const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 50
)

// placeholderPhotoURL renders an avatar from the first letter of the display name.
const placeholderPhotoURL = "https://placehold.co/100x100.png?text=%s"

// Store is the subset of the database store used by the profile service.
type Store interface {
	GetProfile(ctx context.Context, userID string) (*database.Profile, error)
	SearchProfiles(ctx context.Context, query, excludeID string, limit int) ([]database.Profile, error)
	UpdateProfile(ctx context.Context, upd database.ProfileUpdate) (*database.Profile, error)
	ReserveUsername(ctx context.Context, username, userID string) error
	ReleaseUsername(ctx context.Context, username string) error
	IsUsernameAvailable(ctx context.Context, username string) (bool, error)
}

// Update carries the fields a user may change on their own profile.
type Update struct {
	Username    string
	DisplayName string
	PhotoURL    string
}

// Service serves profile reads and writes.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a profile service over store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{store: store, logger: logger.With("component", "profile")}
}

// ValidateUsername checks the 3-20 character [A-Za-z0-9_] rule.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("username %q: %w", username, errs.ErrInvalidUsername)
	}
	return nil
}

// GetProfile returns the profile of userID or errs.ErrProfileNotFound.
func (s *Service) GetProfile(ctx context.Context, userID string) (*database.Profile, error) {
	return s.store.GetProfile(ctx, userID)
}

// Reserve claims username for userID. It fails with errs.ErrUsernameTaken when
// another user holds it.
func (s *Service) Reserve(ctx context.Context, username, userID string) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	return s.store.ReserveUsername(ctx, username, userID)
}

// Release frees username.
func (s *Service) Release(ctx context.Context, username string) error {
	return s.store.ReleaseUsername(ctx, username)
}

// IsAvailable reports whether username is valid and unclaimed.
func (s *Service) IsAvailable(ctx context.Context, username string) (bool, error) {
	if ValidateUsername(username) != nil {
		return false, nil
	}
	return s.store.IsUsernameAvailable(ctx, username)
}

// Search finds other users by a case-insensitive substring of their username
// or display name. A blank query finds nobody. The requester is never listed.
func (s *Service) Search(ctx context.Context, query, requesterID string, limit int) ([]database.Profile, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []database.Profile{}, nil
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	limit = min(limit, MaxSearchLimit)

	return s.store.SearchProfiles(ctx, query, requesterID, limit)
}

// UpdateProfile writes userID's profile and claims the requested username in one
// store transaction. A blank display name falls back to "@username" and a blank
// photo URL to the current photo or a generated placeholder.
func (s *Service) UpdateProfile(ctx context.Context, userID string, in Update) (*database.Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("empty user id: %w", errs.ErrInvalidIdentifier)
	}

	username := strings.TrimSpace(in.Username)
	if username != "" {
		if err := ValidateUsername(username); err != nil {
			return nil, err
		}
	}

	current, err := s.store.GetProfile(ctx, userID)
	if err != nil && errs.Code(err) != errs.CodeNotFound {
		return nil, err
	}
	if current == nil {
		current = &database.Profile{UserID: userID}
		if username == "" {
			return nil, errs.NewValidationError("a username is required to create a profile", errs.ErrInvalidUsername)
		}
	}

	displayName := strings.TrimSpace(in.DisplayName)
	if displayName == "" {
		fallback := current.Username
		if fallback == "" {
			fallback = username
		}
		displayName = "@" + fallback
	}

	photoURL := strings.TrimSpace(in.PhotoURL)
	if photoURL == "" {
		photoURL = current.PhotoURL
	}
	if photoURL == "" {
		photoURL = fmt.Sprintf(placeholderPhotoURL, url.QueryEscape(initial(displayName)))
	}

	profile, err := s.store.UpdateProfile(ctx, database.ProfileUpdate{
		UserID:      userID,
		Username:    username,
		DisplayName: displayName,
		PhotoURL:    photoURL,
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Profile saved", "user_id", userID, "username", profile.Username)
	return profile, nil
}

func initial(name string) string {
	name = strings.TrimPrefix(name, "@")
	r, _ := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || !unicode.IsPrint(r) {
		return "X"
	}
	return string(unicode.ToUpper(r))
}
