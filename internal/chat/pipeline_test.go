package chat_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/haven/internal/chat"
	"github.com/edgard/haven/internal/database"
	errs "github.com/edgard/haven/internal/errors"
)

func TestSendBetweenHumans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)

	conv, err := f.svc.EnsureConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	hi, err := f.svc.Send(ctx, conv.Key, "u1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "Alice", hi.SenderDisplayName)

	bob := f.summary(t, "u2", "u1_u2")
	assert.Equal(t, 1, bob.Unread)
	assert.Equal(t, "hi", bob.Latest.Text)
	assert.Equal(t, "u1", bob.Latest.SenderID)
	assert.Equal(t, 0, f.summary(t, "u1", "u1_u2").Unread)

	view, err := f.svc.View(ctx, "u1_u2", "u2")
	require.NoError(t, err)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, hi.ID, view.Messages[0].ID)
	assert.Equal(t, 0, f.summary(t, "u2", "u1_u2").Unread)

	hello, err := f.svc.Send(ctx, conv.Key, "u2", "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, f.summary(t, "u1", "u1_u2").Unread)
	assert.Equal(t, 0, f.summary(t, "u2", "u1_u2").Unread)

	entries, err := f.svc.Summaries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, hello.ID, entries[0].Latest.MessageID)

	history, err := f.svc.History(ctx, "u1_u2", "u1", "", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, []string{"hi", "hello"}, []string{history[0].Body, history[1].Body})

	created, _ := f.notifier.snapshot()
	assert.Len(t, created, 2)
}

func TestSendValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.EnsureConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	tests := []struct {
		name   string
		key    string
		sender string
		body   string
		want   error
	}{
		{name: "empty body", key: "u1_u2", sender: "u1", body: "", want: errs.ErrEmptyMessage},
		{name: "whitespace body", key: "u1_u2", sender: "u1", body: " \n\t ", want: errs.ErrEmptyMessage},
		{name: "control chars only", key: "u1_u2", sender: "u1", body: "\x01\x02\x7f", want: errs.ErrEmptyMessage},
		{name: "invisible and control chars", key: "u1_u2", sender: "u1", body: "\u200b\x00\t\x1b", want: errs.ErrEmptyMessage},
		{name: "too long", key: "u1_u2", sender: "u1", body: strings.Repeat("a", 21), want: errs.ErrMessageTooLong},
		{name: "not a participant", key: "u1_u2", sender: "u3", body: "hi", want: errs.ErrNotAParticipant},
		{name: "unknown conversation", key: "u1_u3", sender: "u1", body: "hi", want: errs.ErrConversationNotFound},
		{name: "someone else's assistant", key: "u1_ai_assistant", sender: "u3", body: "hi", want: errs.ErrConversationNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Send(ctx, tt.key, tt.sender, tt.body)
			require.ErrorIs(t, err, tt.want)
		})
	}

	messages, err := f.store.GetMessages(ctx, "u1_u2", "", 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.Equal(t, 0, f.summary(t, "u2", "u1_u2").Unread)
}

func TestSendNormalizesBody(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.EnsureConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	msg, err := f.svc.Send(ctx, "u1_u2", "u1", "  line one\r\nline two  ")
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", msg.Body)
}

func TestSendCancelledContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.svc.EnsureConversation(context.Background(), "u1", "u2")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.svc.Send(ctx, "u1_u2", "u1", "hi")
	require.ErrorIs(t, err, context.Canceled)

	messages, err := f.store.GetMessages(context.Background(), "u1_u2", "", 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestSendBootstrapsAssistantConversation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var prompts []string
	f := newFixture(t, responderFunc(func(_ context.Context, text string) (string, error) {
		prompts = append(prompts, text)
		return "Hi Carol", nil
	}))

	_, err := f.store.GetConversation(ctx, "u3_ai_assistant")
	require.ErrorIs(t, err, errs.ErrConversationNotFound)

	msg, err := f.svc.Send(ctx, "u3_ai_assistant", "u3", "hello bot")
	require.NoError(t, err)
	assert.Equal(t, "u3", msg.SenderID)

	f.wait(t)
	assert.Equal(t, []string{"hello bot"}, prompts)

	messages, err := f.store.GetMessages(ctx, "u3_ai_assistant", "", 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "hello bot", messages[0].Body)
	assert.Equal(t, chat.BotID, messages[1].SenderID)
	assert.Equal(t, "Hi Carol", messages[1].Body)
	assert.Equal(t, "AI Assistant", messages[1].SenderDisplayName)

	entry := f.summary(t, "u3", "u3_ai_assistant")
	assert.Equal(t, 0, entry.Unread)
	assert.Equal(t, chat.BotID, entry.Latest.SenderID)
	assert.Equal(t, "Hi Carol", entry.Latest.Text)

	conv, err := f.store.GetConversation(ctx, "u3_ai_assistant")
	require.NoError(t, err)
	assert.Equal(t, messages[1].ID, conv.Latest.MessageID)

	created, failures := f.notifier.snapshot()
	assert.Len(t, created, 2)
	assert.Empty(t, failures)
}

func TestAssistantFailurePublishesNotice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, responderFunc(func(context.Context, string) (string, error) {
		return "", errs.ErrResponderTimeout
	}))

	msg, err := f.svc.Send(ctx, "u3_ai_assistant", "u3", "hello bot")
	require.NoError(t, err, "a responder failure is not a send failure")
	f.wait(t)

	messages, err := f.store.GetMessages(ctx, "u3_ai_assistant", "", 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, msg.ID, messages[0].ID)

	_, failures := f.notifier.snapshot()
	require.Len(t, failures, 1)
	assert.Equal(t, "u3_ai_assistant", failures[0].ConversationKey)
	assert.Equal(t, "u3", failures[0].RecipientID)
	assert.Equal(t, failureText, failures[0].Text)

	entry := f.summary(t, "u3", "u3_ai_assistant")
	assert.Equal(t, "u3", entry.Latest.SenderID)
	assert.Equal(t, 0, entry.Unread)
}

func TestAssistantLongReplyIsTruncated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, responderFunc(func(context.Context, string) (string, error) {
		return strings.Repeat("b", 100), nil
	}))

	_, err := f.svc.Send(ctx, "u3_ai_assistant", "u3", "tell me a story")
	require.NoError(t, err)
	f.wait(t)

	conv, err := f.store.GetConversation(ctx, "u3_ai_assistant")
	require.NoError(t, err)
	assert.Equal(t, chat.BotID, conv.Latest.SenderID)
	assert.Len(t, []rune(conv.Latest.Text), 20)
}

func TestAssistantDoesNotReplyToHumans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	called := false
	f := newFixture(t, responderFunc(func(context.Context, string) (string, error) {
		called = true
		return "nope", nil
	}))

	_, err := f.svc.EnsureConversation(ctx, "u1", "u2")
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, "u1_u2", "u1", "hi")
	require.NoError(t, err)
	f.wait(t)

	assert.False(t, called)
	latest, err := f.store.GetConversation(ctx, "u1_u2")
	require.NoError(t, err)
	assert.Equal(t, database.LatestPresent, latest.Latest.State)
	assert.Equal(t, "u1", latest.Latest.SenderID)
}

func TestShutdownWaitsForAssistantTurns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	release := make(chan struct{})
	f := newFixture(t, responderFunc(func(context.Context, string) (string, error) {
		<-release
		return "done", nil
	}))

	_, err := f.svc.Send(ctx, "u3_ai_assistant", "u3", "hi")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(shutdownCtx))

	messages, err := f.store.GetMessages(ctx, "u3_ai_assistant", "", 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, chat.BotID, messages[1].SenderID)
}

func TestShutdownCancelsStuckAssistantTurns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var calls atomic.Int32
	f := newFixture(t, responderFunc(func(ctx context.Context, _ string) (string, error) {
		calls.Add(1)
		<-ctx.Done()
		return "", ctx.Err()
	}))

	_, err := f.svc.Send(ctx, "u3_ai_assistant", "u3", "hi")
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.svc.Shutdown(shutdownCtx), context.DeadlineExceeded)

	// The cancelled turn has returned: nothing is written and no failure is published.
	messages, err := f.store.GetMessages(ctx, "u3_ai_assistant", "", 10)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
	_, failures := f.notifier.snapshot()
	assert.Empty(t, failures)

	// No new turn starts once the service is shut down.
	_, err = f.svc.Send(ctx, "u3_ai_assistant", "u3", "again")
	require.NoError(t, err)
	f.wait(t)
	assert.Equal(t, int32(1), calls.Load())
}
