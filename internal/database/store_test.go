package database_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/haven/internal/database"
	errs "github.com/edgard/haven/internal/errors"
)

func newTestStore(t *testing.T) database.Store {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "haven.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })
	return database.NewStore(db, nil)
}

func humanPair() database.NewConversation {
	return database.NewConversation{
		Key: "u1_u2",
		Participants: [2]database.Participant{
			{ID: "u1", DisplayName: "Alice"},
			{ID: "u2", DisplayName: "Bob"},
		},
		BotID: "ai_assistant",
	}
}

func botPair() database.NewConversation {
	return database.NewConversation{
		Key: "u3_ai_assistant",
		Participants: [2]database.Participant{
			{ID: "u3", DisplayName: "Carol"},
			{ID: "ai_assistant", DisplayName: "AI Assistant"},
		},
		IsBot: true,
		BotID: "ai_assistant",
	}
}

func send(t *testing.T, store database.Store, key, sender, body string) *database.Message {
	t.Helper()
	msg, err := store.AppendMessage(context.Background(), database.NewMessage{
		ConversationKey: key,
		SenderID:        sender,
		Body:            body,
	})
	require.NoError(t, err)
	return msg
}

func unread(t *testing.T, store database.Store, participant, key string) int {
	t.Helper()
	entry, err := store.GetSummary(context.Background(), participant, key)
	require.NoError(t, err)
	return entry.Unread
}

func TestCreateConversation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	conv, created, err := store.CreateConversation(ctx, humanPair())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "u1_u2", conv.Key)
	assert.True(t, conv.Latest.IsEmpty())
	assert.Equal(t, "Alice", conv.Participants[0].DisplayName)
	assert.Equal(t, "Bob", conv.Participants[1].DisplayName)

	again, created, err := store.CreateConversation(ctx, humanPair())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.CreatedAt, again.CreatedAt)

	for _, p := range []string{"u1", "u2"} {
		entries, err := store.ListSummaries(ctx, p)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, database.LatestEmpty, entries[0].Latest.State)
		assert.Equal(t, 0, entries[0].Unread)
	}
	u1, err := store.GetSummary(ctx, "u1", "u1_u2")
	require.NoError(t, err)
	assert.Equal(t, "Bob", u1.Counterpart.DisplayName)
}

func TestCreateConversationBotHasNoSummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	conv, _, err := store.CreateConversation(ctx, botPair())
	require.NoError(t, err)
	assert.True(t, conv.IsBot)

	entries, err := store.ListSummaries(ctx, "ai_assistant")
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = store.ListSummaries(ctx, "u3")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsBot)
}

func TestCreateConversationConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := store.CreateConversation(ctx, humanPair())
			assert.NoError(t, err)
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	entries, err := store.ListSummaries(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAppendMessageUpdatesProjection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	_, _, err := store.CreateConversation(ctx, humanPair())
	require.NoError(t, err)

	first := send(t, store, "u1_u2", "u1", "hi")
	assert.Equal(t, 1, unread(t, store, "u2", "u1_u2"))
	assert.Equal(t, 0, unread(t, store, "u1", "u1_u2"))

	second := send(t, store, "u1_u2", "u2", "hello")
	assert.Equal(t, 0, unread(t, store, "u2", "u1_u2"))
	assert.Equal(t, 1, unread(t, store, "u1", "u1_u2"))

	conv, err := store.GetConversation(ctx, "u1_u2")
	require.NoError(t, err)
	assert.Equal(t, database.LatestPresent, conv.Latest.State)
	assert.Equal(t, second.ID, conv.Latest.MessageID)
	assert.Equal(t, "hello", conv.Latest.Text)
	assert.Equal(t, "u2", conv.Latest.SenderID)

	assert.False(t, second.SentAt.Before(first.SentAt))
	assert.Greater(t, second.ID, first.ID)

	entry, err := store.GetSummary(ctx, "u1", "u1_u2")
	require.NoError(t, err)
	assert.Equal(t, "hello", entry.Latest.Text)
	assert.Equal(t, second.SentAt, entry.OrderingKey)
}

func TestAppendMessageTimestampsNeverRegress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	_, _, err := store.CreateConversation(ctx, humanPair())
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	first, err := store.AppendMessage(ctx, database.NewMessage{
		ConversationKey: "u1_u2", SenderID: "u1", Body: "from the future", Now: later,
	})
	require.NoError(t, err)

	second, err := store.AppendMessage(ctx, database.NewMessage{
		ConversationKey: "u1_u2", SenderID: "u2", Body: "skewed clock", Now: later.Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, first.SentAt, second.SentAt)

	messages, err := store.GetMessages(ctx, "u1_u2", "", 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, first.ID, messages[0].ID)
	assert.Equal(t, second.ID, messages[1].ID)
}

func TestAppendMessageBotConversationKeepsUnreadZero(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	_, _, err := store.CreateConversation(ctx, botPair())
	require.NoError(t, err)

	send(t, store, "u3_ai_assistant", "u3", "hello bot")
	send(t, store, "u3_ai_assistant", "ai_assistant", "hello human")

	entry, err := store.GetSummary(ctx, "u3", "u3_ai_assistant")
	require.NoError(t, err)
	assert.Equal(t, 0, entry.Unread)
	assert.Equal(t, "ai_assistant", entry.Latest.SenderID)
}

func TestAppendMessageConcurrentUnread(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	_, _, err := store.CreateConversation(ctx, humanPair())
	require.NoError(t, err)

	const sends = 20
	var wg sync.WaitGroup
	for i := range sends {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendMessage(ctx, database.NewMessage{
				ConversationKey: "u1_u2", SenderID: "u1", Body: "msg " + string(rune('a'+i)),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, sends, unread(t, store, "u2", "u1_u2"))
	assert.Equal(t, 0, unread(t, store, "u1", "u1_u2"))

	messages, err := store.GetMessages(ctx, "u1_u2", "", 100)
	require.NoError(t, err)
	require.Len(t, messages, sends)
	for i := 1; i < len(messages); i++ {
		prev, cur := messages[i-1], messages[i]
		assert.True(t, prev.SentAt.Before(cur.SentAt) || (prev.SentAt.Equal(cur.SentAt) && prev.ID < cur.ID))
	}
}

func TestAppendMessageUnknownConversation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.AppendMessage(context.Background(), database.NewMessage{
		ConversationKey: "nope", SenderID: "u1", Body: "hi",
	})
	require.ErrorIs(t, err, errs.ErrConversationNotFound)
	assert.Equal(t, errs.CodeNotFound, errs.Code(err))
}

func TestAppendMessageCancelledContext(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	_, _, err := store.CreateConversation(context.Background(), humanPair())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.AppendMessage(ctx, database.NewMessage{ConversationKey: "u1_u2", SenderID: "u1", Body: "hi"})
	require.ErrorIs(t, err, context.Canceled)

	messages, err := store.GetMessages(context.Background(), "u1_u2", "", 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestGetMessagesPaging(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	_, _, err := store.CreateConversation(ctx, humanPair())
	require.NoError(t, err)

	var ids []string
	for _, body := range []string{"one", "two", "three", "four", "five"} {
		ids = append(ids, send(t, store, "u1_u2", "u1", body).ID)
	}

	page, err := store.GetMessages(ctx, "u1_u2", "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, []string{"four", "five"}, []string{page[0].Body, page[1].Body})

	page, err = store.GetMessages(ctx, "u1_u2", page[0].ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)

	page, err = store.GetMessages(ctx, "u1_u2", ids[0], 2)
	require.NoError(t, err)
	assert.Empty(t, page)

	_, err = store.GetMessages(ctx, "u1_u2", "missing", 2)
	assert.ErrorIs(t, err, errs.ErrMessageNotFound)
}

func TestDeleteMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	_, _, err := store.CreateConversation(ctx, humanPair())
	require.NoError(t, err)

	hi := send(t, store, "u1_u2", "u1", "hi")
	hello := send(t, store, "u1_u2", "u2", "hello")
	before, err := store.GetSummary(ctx, "u1", "u1_u2")
	require.NoError(t, err)

	t.Run("batch with foreign message is rejected", func(t *testing.T) {
		_, err := store.DeleteMessages(ctx, "u1_u2", "u1", []string{hi.ID, hello.ID})
		require.ErrorIs(t, err, errs.ErrUnauthorized)

		messages, err := store.GetMessages(ctx, "u1_u2", "", 10)
		require.NoError(t, err)
		assert.Len(t, messages, 2)
	})

	t.Run("unknown id is not found", func(t *testing.T) {
		_, err := store.DeleteMessages(ctx, "u1_u2", "u1", []string{hi.ID, "missing"})
		require.ErrorIs(t, err, errs.ErrMessageNotFound)
	})

	t.Run("deleting the latest recomputes the pointer", func(t *testing.T) {
		latest, err := store.DeleteMessages(ctx, "u1_u2", "u2", []string{hello.ID})
		require.NoError(t, err)
		assert.Equal(t, database.LatestPresent, latest.State)
		assert.Equal(t, hi.ID, latest.MessageID)

		entry, err := store.GetSummary(ctx, "u1", "u1_u2")
		require.NoError(t, err)
		assert.Equal(t, "hi", entry.Latest.Text)
		assert.Equal(t, before.OrderingKey, entry.OrderingKey)
		assert.Equal(t, before.Unread, entry.Unread)
	})

	t.Run("deleting everything leaves the empty sentinel", func(t *testing.T) {
		latest, err := store.DeleteMessages(ctx, "u1_u2", "u1", []string{hi.ID, hi.ID})
		require.NoError(t, err)
		assert.True(t, latest.IsEmpty())

		conv, err := store.GetConversation(ctx, "u1_u2")
		require.NoError(t, err)
		assert.True(t, conv.Latest.IsEmpty())

		for _, p := range []string{"u1", "u2"} {
			entry, err := store.GetSummary(ctx, p, "u1_u2")
			require.NoError(t, err)
			assert.Equal(t, database.LatestEmpty, entry.Latest.State)
			assert.Empty(t, entry.Latest.Text)
		}
	})
}

func TestListSummariesOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	first := humanPair()
	second := database.NewConversation{
		Key: "u1_u3",
		Participants: [2]database.Participant{
			{ID: "u1", DisplayName: "Alice"},
			{ID: "u3", DisplayName: "Carol"},
		},
	}
	_, _, err := store.CreateConversation(ctx, first)
	require.NoError(t, err)
	_, _, err = store.CreateConversation(ctx, second)
	require.NoError(t, err)

	now := time.Now()
	_, err = store.AppendMessage(ctx, database.NewMessage{ConversationKey: "u1_u3", SenderID: "u3", Body: "a", Now: now})
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, database.NewMessage{ConversationKey: "u1_u2", SenderID: "u2", Body: "b", Now: now.Add(time.Second)})
	require.NoError(t, err)

	entries, err := store.ListSummaries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "u1_u2", entries[0].ConversationKey)
	assert.Equal(t, "u1_u3", entries[1].ConversationKey)
}

func TestMarkRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	_, _, err := store.CreateConversation(ctx, humanPair())
	require.NoError(t, err)

	send(t, store, "u1_u2", "u1", "one")
	send(t, store, "u1_u2", "u1", "two")
	require.Equal(t, 2, unread(t, store, "u2", "u1_u2"))

	require.NoError(t, store.MarkRead(ctx, "u1_u2", "u2"))
	assert.Equal(t, 0, unread(t, store, "u2", "u1_u2"))

	err = store.MarkRead(ctx, "u1_u2", "u9")
	assert.ErrorIs(t, err, errs.ErrNotAParticipant)
}

func TestUpdateProfileUsernames(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	alice, err := store.UpdateProfile(ctx, database.ProfileUpdate{UserID: "u1", Username: "alice", DisplayName: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice", alice.Username)

	available, err := store.IsUsernameAvailable(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, available)

	_, err = store.UpdateProfile(ctx, database.ProfileUpdate{UserID: "u2", Username: "alice", DisplayName: "Mallory"})
	require.ErrorIs(t, err, errs.ErrUsernameTaken)
	_, err = store.GetProfile(ctx, "u2")
	require.ErrorIs(t, err, errs.ErrProfileNotFound)

	renamed, err := store.UpdateProfile(ctx, database.ProfileUpdate{UserID: "u1", Username: "alice2", DisplayName: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice2", renamed.Username)
	assert.Equal(t, alice.CreatedAt, renamed.CreatedAt)

	available, err = store.IsUsernameAvailable(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, available)

	kept, err := store.UpdateProfile(ctx, database.ProfileUpdate{UserID: "u1", DisplayName: "Alice B"})
	require.NoError(t, err)
	assert.Equal(t, "alice2", kept.Username)
	assert.Equal(t, "Alice B", kept.DisplayName)

	require.NoError(t, store.ReserveUsername(ctx, "bob", "u2"))
	require.NoError(t, store.ReserveUsername(ctx, "bob", "u2"))
	assert.ErrorIs(t, store.ReserveUsername(ctx, "bob", "u1"), errs.ErrUsernameTaken)

	require.NoError(t, store.ReleaseUsername(ctx, "alice2"))
	profile, err := store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, profile.Username)
}

func TestSearchProfiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	for _, p := range []database.ProfileUpdate{
		{UserID: "u1", Username: "alice", DisplayName: "Alice Liddell"},
		{UserID: "u2", Username: "bob_smith", DisplayName: "Bob"},
		{UserID: "u3", Username: "bobby", DisplayName: "Robert"},
		{UserID: "u4", Username: "carol", DisplayName: "Carol Alison"},
	} {
		_, err := store.UpdateProfile(ctx, p)
		require.NoError(t, err)
	}

	ids := func(profiles []database.Profile) []string {
		out := make([]string, 0, len(profiles))
		for _, p := range profiles {
			out = append(out, p.UserID)
		}
		return out
	}

	tests := []struct {
		name    string
		query   string
		exclude string
		limit   int
		want    []string
	}{
		{name: "username ignores case", query: "BOB", exclude: "u1", limit: 10, want: []string{"u2", "u3"}},
		{name: "display name substring", query: "ali", exclude: "u2", limit: 10, want: []string{"u1", "u4"}},
		{name: "excludes requester", query: "ali", exclude: "u1", limit: 10, want: []string{"u4"}},
		{name: "underscore is literal", query: "b_s", exclude: "u1", limit: 10, want: []string{"u2"}},
		{name: "percent is literal", query: "%", exclude: "u1", limit: 10, want: []string{}},
		{name: "limit", query: "o", exclude: "u1", limit: 1, want: []string{"u2"}},
		{name: "empty query", query: "", exclude: "u1", limit: 10, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.SearchProfiles(ctx, tt.query, tt.exclude, tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestRefreshParticipantSnapshots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.UpdateProfile(ctx, database.ProfileUpdate{UserID: "u1", Username: "alice", DisplayName: "Alice"})
	require.NoError(t, err)
	_, err = store.UpdateProfile(ctx, database.ProfileUpdate{UserID: "u2", Username: "bob", DisplayName: "Bob"})
	require.NoError(t, err)
	_, _, err = store.CreateConversation(ctx, humanPair())
	require.NoError(t, err)

	_, err = store.UpdateProfile(ctx, database.ProfileUpdate{UserID: "u2", DisplayName: "Robert", PhotoURL: "https://example.com/b.png"})
	require.NoError(t, err)

	changed, err := store.RefreshParticipantSnapshots(ctx)
	require.NoError(t, err)
	assert.Positive(t, changed)

	conv, err := store.GetConversation(ctx, "u1_u2")
	require.NoError(t, err)
	assert.Equal(t, "Robert", conv.Participants[1].DisplayName)
	assert.Equal(t, "bob", conv.Participants[1].Username)

	entry, err := store.GetSummary(ctx, "u1", "u1_u2")
	require.NoError(t, err)
	assert.Equal(t, "Robert", entry.Counterpart.DisplayName)
	assert.Equal(t, "https://example.com/b.png", entry.Counterpart.PhotoURL)

	changed, err = store.RefreshParticipantSnapshots(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestRunSQLMaintenance(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	require.NoError(t, store.RunSQLMaintenance(context.Background()))
	require.NoError(t, store.Ping(context.Background()))
}

func TestBuildDSN(t *testing.T) {
	t.Parallel()

	dsn := database.BuildDSN("/tmp/haven.db")
	assert.Contains(t, dsn, "file:/tmp/haven.db?")
	assert.Contains(t, dsn, "foreign_keys%281%29")

	dsn = database.BuildDSN("file:/tmp/haven.db?_pragma=busy_timeout(100)")
	assert.Contains(t, dsn, "busy_timeout%28100%29")
	assert.NotContains(t, dsn, "busy_timeout%285000%29")

	assert.Equal(t, "/tmp/haven.db", database.ExtractDBNameFromPath("file:/tmp/haven.db?_pragma=x"))
}
