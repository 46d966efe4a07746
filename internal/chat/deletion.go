package chat

import (
	"context"
	"fmt"

	errs "github.com/edgard/haven/internal/errors"
)

// DeleteMessages hard-deletes ids from the conversation on behalf of requesterID.
// Every id must exist in the conversation and have been sent by requesterID;
// otherwise nothing is deleted. The latest-message pointer of the conversation and
// its summaries is recomputed in the same transaction.
func (s *Service) DeleteMessages(ctx context.Context, key, requesterID string, ids []string) error {
	if len(ids) == 0 {
		return errs.NewValidationError("no message ids given", nil)
	}

	conv, err := s.getConversation(ctx, key)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(requesterID) {
		return fmt.Errorf("requester %q in %q: %w", requesterID, key, errs.ErrNotAParticipant)
	}

	latest, err := s.store.DeleteMessages(ctx, key, requesterID, ids)
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Messages deleted",
		"conversation_key", key, "requester_id", requesterID, "count", len(ids), "latest_state", latest.State)

	conv.Latest = latest
	s.notifier.MessagesDeleted(ctx, conv, ids, latest)
	s.publishSummaries(ctx, conv)
	return nil
}
