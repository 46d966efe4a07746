package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/edgard/haven/internal/database"
	errs "github.com/edgard/haven/internal/errors"
)

// ConversationView is what a participant sees when opening a conversation.
type ConversationView struct {
	Conversation *database.Conversation `json:"conversation"`
	Messages     []database.Message     `json:"messages"`
}

// ListForParticipant yields participantID's summary entries, most recent
// activity first. Each range over the sequence reads the store afresh; a read
// failure is yielded once as the error of a zero entry.
func (s *Service) ListForParticipant(ctx context.Context, participantID string) iter.Seq2[database.SummaryEntry, error] {
	return func(yield func(database.SummaryEntry, error) bool) {
		entries, err := read(ctx, s, func(ctx context.Context) ([]database.SummaryEntry, error) {
			return s.store.ListSummaries(ctx, participantID)
		})
		if err != nil {
			yield(database.SummaryEntry{}, err)
			return
		}
		for _, entry := range entries {
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// Summaries collects ListForParticipant into a slice.
func (s *Service) Summaries(ctx context.Context, participantID string) ([]database.SummaryEntry, error) {
	entries := []database.SummaryEntry{}
	for entry, err := range s.ListForParticipant(ctx, participantID) {
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// MarkRead zeroes participantID's unread counter for the conversation.
func (s *Service) MarkRead(ctx context.Context, key, participantID string) error {
	conv, err := s.participantConversation(ctx, key, participantID)
	if err != nil {
		return err
	}
	if participantID == BotID {
		return nil
	}

	if err := s.store.MarkRead(ctx, conv.Key, participantID); err != nil {
		return err
	}

	entry, err := s.store.GetSummary(ctx, participantID, conv.Key)
	if err != nil {
		s.logger.WarnContext(ctx, "Could not load summary after mark read",
			"conversation_key", conv.Key, "participant_id", participantID, "error", err)
		return nil
	}
	s.notifier.SummaryUpdated(ctx, entry)
	return nil
}

// View opens a conversation for viewerID: it returns the conversation with its
// most recent page of messages and marks it read. A human opening their
// assistant conversation creates it on first use.
func (s *Service) View(ctx context.Context, key, viewerID string) (*ConversationView, error) {
	conv, err := s.getConversation(ctx, key)
	if errors.Is(err, errs.ErrConversationNotFound) && viewerID != BotID {
		if botConv, keyErr := botKey(viewerID); keyErr == nil && botConv == key {
			conv, err = s.EnsureConversation(ctx, viewerID, BotID)
		}
	}
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(viewerID) {
		return nil, fmt.Errorf("viewer %q in %q: %w", viewerID, key, errs.ErrNotAParticipant)
	}

	messages, err := s.History(ctx, key, viewerID, "", s.cfg.HistoryPageSize)
	if err != nil {
		return nil, err
	}

	if err := s.MarkRead(ctx, key, viewerID); err != nil {
		return nil, err
	}

	return &ConversationView{Conversation: conv, Messages: messages}, nil
}

// History returns up to limit messages before beforeID (the newest page when
// beforeID is empty), oldest first.
func (s *Service) History(ctx context.Context, key, viewerID, beforeID string, limit int) ([]database.Message, error) {
	if _, err := s.participantConversation(ctx, key, viewerID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.cfg.HistoryPageSize {
		limit = s.cfg.HistoryPageSize
	}

	return read(ctx, s, func(ctx context.Context) ([]database.Message, error) {
		return s.store.GetMessages(ctx, key, beforeID, limit)
	})
}

func (s *Service) participantConversation(ctx context.Context, key, participantID string) (*database.Conversation, error) {
	conv, err := s.getConversation(ctx, key)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(participantID) {
		return nil, fmt.Errorf("participant %q in %q: %w", participantID, key, errs.ErrNotAParticipant)
	}
	return conv, nil
}
