package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/edgard/haven/internal/database"
	errs "github.com/edgard/haven/internal/errors"
)

const (
	keySeparator        = "_"
	maxIdentifierLength = 128
)

// ValidateIdentifier checks that id can identify a human participant. The key
// separator is reserved, so it may not appear in an identifier.
func ValidateIdentifier(id string) error {
	if id == "" || len(id) > maxIdentifierLength {
		return fmt.Errorf("identifier %q: %w", id, errs.ErrInvalidIdentifier)
	}
	if strings.Contains(id, keySeparator) {
		return fmt.Errorf("identifier %q contains %q: %w", id, keySeparator, errs.ErrInvalidIdentifier)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) || r == '/' {
			return fmt.Errorf("identifier %q: %w", id, errs.ErrInvalidIdentifier)
		}
	}
	return nil
}

// Resolve returns the conversation key of the pair (a, b). The result does not
// depend on argument order. A pair of humans yields their sorted identifiers
// joined by "_"; a human with the assistant yields "<human>_ai_assistant".
func Resolve(a, b string) (string, error) {
	switch {
	case a == BotID && b == BotID:
		return "", fmt.Errorf("assistant cannot talk to itself: %w", errs.ErrInvalidIdentifier)
	case a == BotID:
		return botKey(b)
	case b == BotID:
		return botKey(a)
	}

	if err := ValidateIdentifier(a); err != nil {
		return "", err
	}
	if err := ValidateIdentifier(b); err != nil {
		return "", err
	}
	if a == b {
		return "", fmt.Errorf("conversation with oneself: %w", errs.ErrInvalidIdentifier)
	}

	if b < a {
		a, b = b, a
	}
	return a + keySeparator + b, nil
}

func botKey(human string) (string, error) {
	if err := ValidateIdentifier(human); err != nil {
		return "", err
	}
	return human + keySeparator + BotID, nil
}

// orderedPair returns the pair in the order used by the key: sorted for two
// humans, human first for an assistant conversation.
func orderedPair(a, b string) [2]string {
	if a == BotID || (b != BotID && b < a) {
		return [2]string{b, a}
	}
	return [2]string{a, b}
}

// EnsureConversation returns the conversation of (a, b), creating it with its
// participant snapshots and summary rows when absent. Concurrent calls for the
// same pair return the same record.
func (s *Service) EnsureConversation(ctx context.Context, a, b string) (*database.Conversation, error) {
	key, err := Resolve(a, b)
	if err != nil {
		return nil, err
	}

	conv, err := s.getConversation(ctx, key)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, errs.ErrConversationNotFound) {
		return nil, err
	}

	pair := orderedPair(a, b)
	var participants [2]database.Participant
	for i, id := range pair {
		p, err := s.participantSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		participants[i] = p
	}

	conv, created, err := s.store.CreateConversation(ctx, database.NewConversation{
		Key:          key,
		Participants: participants,
		IsBot:        pair[1] == BotID,
		BotID:        BotID,
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.logger.InfoContext(ctx, "Conversation started", "conversation_key", key, "is_bot", conv.IsBot)
		s.publishSummaries(ctx, conv)
	}
	return conv, nil
}

func (s *Service) participantSnapshot(ctx context.Context, id string) (database.Participant, error) {
	if id == BotID {
		return database.Participant{
			ID:          BotID,
			DisplayName: s.cfg.BotDisplayName,
			PhotoURL:    s.cfg.BotPhotoURL,
		}, nil
	}

	profile, err := read(ctx, s, func(ctx context.Context) (*database.Profile, error) {
		return s.directory.GetProfile(ctx, id)
	})
	if err != nil {
		if errs.Code(err) == errs.CodeNotFound {
			return database.Participant{}, fmt.Errorf("participant %q: %w", id, errs.ErrProfileUnavailable)
		}
		return database.Participant{}, err
	}

	return database.Participant{
		ID:          profile.UserID,
		DisplayName: profile.DisplayName,
		PhotoURL:    profile.PhotoURL,
		Username:    profile.Username,
	}, nil
}
