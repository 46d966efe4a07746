package chat

import (
	"context"
	"time"

	"github.com/edgard/haven/internal/database"
)

// SystemNotice is a message shown to one participant that is never persisted.
type SystemNotice struct {
	ConversationKey string    `json:"conversation_key"`
	RecipientID     string    `json:"recipient_id"`
	Text            string    `json:"text"`
	CreatedAt       time.Time `json:"created_at"`
}

// Notifier receives events after the writes that caused them are committed.
// Implementations must not block for long; the caller's request waits on them.
type Notifier interface {
	MessageCreated(ctx context.Context, conv *database.Conversation, msg *database.Message)
	MessagesDeleted(ctx context.Context, conv *database.Conversation, ids []string, latest database.LatestMessage)
	SummaryUpdated(ctx context.Context, entry *database.SummaryEntry)
	ResponderFailed(ctx context.Context, notice SystemNotice)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) MessageCreated(context.Context, *database.Conversation, *database.Message) {}

func (NopNotifier) MessagesDeleted(context.Context, *database.Conversation, []string, database.LatestMessage) {
}

func (NopNotifier) SummaryUpdated(context.Context, *database.SummaryEntry) {}

func (NopNotifier) ResponderFailed(context.Context, SystemNotice) {}

// publishSummaries re-reads and publishes the summary rows of every human participant.
func (s *Service) publishSummaries(ctx context.Context, conv *database.Conversation) {
	for _, p := range conv.Participants {
		if p.ID == BotID {
			continue
		}
		entry, err := s.store.GetSummary(ctx, p.ID, conv.Key)
		if err != nil {
			s.logger.WarnContext(ctx, "Could not load summary for notification",
				"conversation_key", conv.Key, "participant_id", p.ID, "error", err)
			continue
		}
		s.notifier.SummaryUpdated(ctx, entry)
	}
}
