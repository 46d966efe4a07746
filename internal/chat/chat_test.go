package chat_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgard/haven/internal/chat"
	"github.com/edgard/haven/internal/config"
	"github.com/edgard/haven/internal/database"
	"github.com/edgard/haven/internal/profile"
	"github.com/edgard/haven/internal/responder"
)

const failureText = "The assistant could not respond. Please try again."

type responderFunc func(ctx context.Context, text string) (string, error)

func (f responderFunc) Respond(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

type recordingNotifier struct {
	mu        sync.Mutex
	created   []*database.Message
	deleted   [][]string
	summaries []database.SummaryEntry
	failures  []chat.SystemNotice
}

func (n *recordingNotifier) MessageCreated(_ context.Context, _ *database.Conversation, msg *database.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, msg)
}

func (n *recordingNotifier) MessagesDeleted(_ context.Context, _ *database.Conversation, ids []string, _ database.LatestMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = append(n.deleted, ids)
}

func (n *recordingNotifier) SummaryUpdated(_ context.Context, entry *database.SummaryEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, *entry)
}

func (n *recordingNotifier) ResponderFailed(_ context.Context, notice chat.SystemNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, notice)
}

func (n *recordingNotifier) snapshot() (created []*database.Message, failures []chat.SystemNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*database.Message(nil), n.created...), append([]chat.SystemNotice(nil), n.failures...)
}

type fixture struct {
	svc      *chat.Service
	store    database.Store
	notifier *recordingNotifier
}

func newFixture(t *testing.T, resp responder.Responder) *fixture {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "haven.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })

	store := database.NewStore(db, nil)
	profiles := profile.NewService(store, nil)
	for _, p := range []struct{ id, username, name string }{
		{"u1", "alice", "Alice"},
		{"u2", "bob", "Bob"},
		{"u3", "carol", "Carol"},
	} {
		_, err := profiles.UpdateProfile(context.Background(), p.id, profile.Update{Username: p.username, DisplayName: p.name})
		require.NoError(t, err)
	}

	if resp == nil {
		resp = responderFunc(func(context.Context, string) (string, error) { return "ok", nil })
	}

	notifier := &recordingNotifier{}
	svc := chat.NewService(store, profiles, resp, notifier, config.ChatConfig{
		BotDisplayName:   "AI Assistant",
		BotPhotoURL:      "https://example.com/bot.png",
		MaxMessageLength: 20,
		HistoryPageSize:  50,
		ReadRetries:      1,
		ReadRetryDelay:   time.Millisecond,
		ResponderFailure: failureText,
	}, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Wait(ctx)
	})

	return &fixture{svc: svc, store: store, notifier: notifier}
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Wait(ctx))
}

func (f *fixture) summary(t *testing.T, participant, key string) *database.SummaryEntry {
	t.Helper()
	entry, err := f.store.GetSummary(context.Background(), participant, key)
	require.NoError(t, err)
	return entry
}
