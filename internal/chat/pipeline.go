package chat

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/edgard/haven/internal/database"
	errs "github.com/edgard/haven/internal/errors"
	"github.com/edgard/haven/internal/text"
)

// Send appends body to the conversation as a message from senderID.
//
// The message, the conversation's latest pointer and every summary row are
// written in one transaction. A conversation is never created implicitly, except
// that a human may open their assistant conversation by sending to its key.
// In an assistant conversation a human message also starts the assistant's
// turn, which runs after Send returns.
func (s *Service) Send(ctx context.Context, key, senderID, body string) (*database.Message, error) {
	body = text.Normalize(body)
	if text.IsBlank(body) {
		return nil, errs.ErrEmptyMessage
	}
	if utf8.RuneCountInString(body) > s.cfg.MaxMessageLength {
		return nil, fmt.Errorf("%d characters, limit %d: %w",
			utf8.RuneCountInString(body), s.cfg.MaxMessageLength, errs.ErrMessageTooLong)
	}

	conv, err := s.getConversation(ctx, key)
	if errors.Is(err, errs.ErrConversationNotFound) && senderID != BotID {
		if botConv, keyErr := botKey(senderID); keyErr == nil && botConv == key {
			conv, err = s.EnsureConversation(ctx, senderID, BotID)
		}
	}
	if err != nil {
		return nil, err
	}

	sender, ok := conv.Participant(senderID)
	if !ok {
		return nil, fmt.Errorf("sender %q in %q: %w", senderID, key, errs.ErrNotAParticipant)
	}

	msg, err := s.store.AppendMessage(ctx, database.NewMessage{
		ConversationKey:   conv.Key,
		SenderID:          senderID,
		Body:              body,
		SenderDisplayName: sender.DisplayName,
		SenderPhotoURL:    sender.PhotoURL,
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Message sent",
		"conversation_key", conv.Key, "message_id", msg.ID, "sender_id", senderID,
		"preview", text.Preview(body, 40))

	conv.Latest = database.LatestMessage{
		State:     database.LatestPresent,
		MessageID: msg.ID,
		Text:      msg.Body,
		SenderID:  msg.SenderID,
		SentAt:    msg.SentAt,
	}
	s.notifier.MessageCreated(ctx, conv, msg)
	s.publishSummaries(ctx, conv)

	if conv.IsBot && senderID != BotID {
		s.startAssistantTurn(ctx, conv, msg)
	}
	return msg, nil
}

// startAssistantTurn asks the responder for a reply to msg in the background.
// The turn outlives the request that triggered it but not the service: Wait
// tracks it and Shutdown cancels it.
func (s *Service) startAssistantTurn(ctx context.Context, conv *database.Conversation, msg *database.Message) {
	human := msg.SenderID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "Assistant turn skipped, service is stopping", "conversation_key", conv.Key)
		return
	}
	s.turns.Add(1)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopCancel := context.AfterFunc(s.stopping, cancel)

	go func() {
		defer s.turns.Done()
		defer cancel()
		defer stopCancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger.ErrorContext(ctx, "Assistant turn panicked",
					"conversation_key", conv.Key, "panic", r, "stack", string(debug.Stack()))
				s.turnFailed(ctx, conv.Key, human, fmt.Errorf("panic: %v", r))
			}
		}()

		reply, err := s.responder.Respond(ctx, msg.Body)
		if err != nil {
			s.turnFailed(ctx, conv.Key, human, err)
			return
		}

		if utf8.RuneCountInString(reply) > s.cfg.MaxMessageLength {
			reply = text.Preview(reply, s.cfg.MaxMessageLength)
		}

		if _, err := s.Send(ctx, conv.Key, BotID, reply); err != nil {
			s.turnFailed(ctx, conv.Key, human, err)
		}
	}()
}

// turnFailed reports a failed turn to the human, unless the failure is the
// service shutting down.
func (s *Service) turnFailed(ctx context.Context, key, human string, cause error) {
	if s.stopping.Err() != nil {
		s.logger.WarnContext(ctx, "Assistant turn abandoned at shutdown",
			"conversation_key", key, "recipient_id", human, "error", cause)
		return
	}
	s.publishResponderFailure(ctx, key, human, cause)
}

func (s *Service) publishResponderFailure(ctx context.Context, key, recipient string, cause error) {
	s.logger.WarnContext(ctx, "Assistant could not respond",
		"conversation_key", key, "recipient_id", recipient, "error", cause)

	s.notifier.ResponderFailed(ctx, SystemNotice{
		ConversationKey: key,
		RecipientID:     recipient,
		Text:            s.cfg.ResponderFailure,
		CreatedAt:       time.Now().UTC(),
	})
}
