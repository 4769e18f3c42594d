package archive

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatdigest/pkg/config"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), config.ArchiveConfig{
		Type:      "sqlite3",
		Directory: t.TempDir(),
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testMessage(externalID int64, offset time.Duration) Message {
	return Message{
		ExternalID: externalID,
		Timestamp:  baseTime.Add(offset),
		Sender:     "alice",
		Text:       "message",
	}
}

func TestInsertDeduplicates(t *testing.T) {
	ctx := context.Background()
	arch, err := openTestStore(t).Conversation(ctx, 42)
	require.NoError(t, err)

	added, err := arch.Insert(ctx, testMessage(7, 0))
	require.NoError(t, err)
	assert.True(t, added)

	dup := testMessage(7, time.Hour)
	dup.Text = "edited"
	added, err = arch.Insert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, added)

	count, err := arch.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	msgs, err := arch.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "message", msgs[0].Text)
	assert.Equal(t, baseTime.UnixMilli(), msgs[0].Timestamp.UnixMilli())
}

func TestInsertRejectsEmptyTextAndDefaultsSender(t *testing.T) {
	ctx := context.Background()
	arch, err := openTestStore(t).Conversation(ctx, 1)
	require.NoError(t, err)

	_, err = arch.Insert(ctx, Message{ExternalID: 1, Timestamp: baseTime})
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = arch.Insert(ctx, Message{ExternalID: 2, Timestamp: baseTime, Text: "hi"})
	require.NoError(t, err)
	msgs, err := arch.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, UnknownSender, msgs[0].Sender)
}

func TestInsertBatchSkipsEmptyText(t *testing.T) {
	ctx := context.Background()
	arch, err := openTestStore(t).Conversation(ctx, 1)
	require.NoError(t, err)

	inserted, err := arch.InsertBatch(ctx, []Message{
		testMessage(1, 0),
		{ExternalID: 2, Timestamp: baseTime},
		testMessage(3, time.Minute),
		testMessage(1, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	has, err := arch.Has(ctx, 2)
	require.NoError(t, err)
	assert.False(t, has)
	has, err = arch.Has(ctx, 3)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestCursorIsMonotonic(t *testing.T) {
	ctx := context.Background()
	arch, err := openTestStore(t).Conversation(ctx, 5)
	require.NoError(t, err)

	cursor, err := arch.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cursor.LastExternalID)
	assert.True(t, cursor.LastSyncTime.IsZero())

	steps := []struct {
		to       int64
		want     int64
		advanced bool
	}{
		{to: 9, want: 9, advanced: true},
		{to: 4, want: 9, advanced: false},
		{to: 9, want: 9, advanced: false},
		{to: 12, want: 12, advanced: true},
	}
	for _, step := range steps {
		cursor, advanced, err := arch.AdvanceCursor(ctx, step.to)
		require.NoError(t, err)
		assert.Equal(t, step.want, cursor.LastExternalID, "advance to %d", step.to)
		assert.Equal(t, step.advanced, advanced, "advance to %d", step.to)
	}
}

func TestEvictKeepsNewest(t *testing.T) {
	ctx := context.Background()
	arch, err := openTestStore(t).Conversation(ctx, 3)
	require.NoError(t, err)

	for i := int64(1); i <= 5; i++ {
		_, err = arch.Insert(ctx, testMessage(i, time.Duration(i)*time.Minute))
		require.NoError(t, err)
		_, err = arch.Evict(ctx, 2)
		require.NoError(t, err)
		count, err := arch.Count(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, count, 2)
	}

	msgs, err := arch.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(4), msgs[0].ExternalID)
	assert.Equal(t, int64(5), msgs[1].ExternalID)
}

func TestEvictOrdersByTimestampThenInsertion(t *testing.T) {
	ctx := context.Background()
	arch, err := openTestStore(t).Conversation(ctx, 3)
	require.NoError(t, err)

	// Inserted out of timestamp order, with a tie between 20 and 30.
	_, err = arch.InsertBatch(ctx, []Message{
		testMessage(10, 5*time.Minute),
		testMessage(20, time.Minute),
		testMessage(30, time.Minute),
		testMessage(40, 3*time.Minute),
	})
	require.NoError(t, err)

	evicted, err := arch.Evict(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), evicted)
	for id, want := range map[int64]bool{10: true, 20: false, 30: false, 40: true} {
		has, err := arch.Has(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, has, "message %d", id)
	}

	evicted, err = arch.Evict(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, evicted)

	evicted, err = arch.Evict(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), evicted)
	has, err := arch.Has(ctx, 10)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestEvictTieKeepsLaterInsertion(t *testing.T) {
	ctx := context.Background()
	arch, err := openTestStore(t).Conversation(ctx, 3)
	require.NoError(t, err)

	_, err = arch.InsertBatch(ctx, []Message{testMessage(2, 0), testMessage(1, 0)})
	require.NoError(t, err)
	_, err = arch.Evict(ctx, 1)
	require.NoError(t, err)

	msgs, err := arch.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].ExternalID)
}

func TestEvictIsConversationLocal(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	first, err := store.Conversation(ctx, 1)
	require.NoError(t, err)
	second, err := store.Conversation(ctx, 2)
	require.NoError(t, err)

	for i := int64(1); i <= 3; i++ {
		_, err = first.Insert(ctx, testMessage(i, time.Duration(i)*time.Minute))
		require.NoError(t, err)
		_, err = second.Insert(ctx, testMessage(i, time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	_, err = first.Evict(ctx, 1)
	require.NoError(t, err)

	count, err := second.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestStoreReadPathsDoNotCreate(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	msgs, err := store.Recent(ctx, 99, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	cursor, err := store.Cursor(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, int64(99), cursor.ConversationID)
	assert.Zero(t, cursor.LastExternalID)

	exists, err := store.Exists(ctx, 99)
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = os.Stat(store.Path(99))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = store.Conversation(ctx, 99)
	require.NoError(t, err)
	exists, err = store.Exists(ctx, 99)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.FileExists(t, store.Path(99))
}

func TestStoreReopensPersistedState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.ArchiveConfig{Type: "sqlite3", Directory: dir}

	store, err := Open(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	arch, err := store.Conversation(ctx, 8)
	require.NoError(t, err)
	_, err = arch.Insert(ctx, testMessage(3, 0))
	require.NoError(t, err)
	_, _, err = arch.AdvanceCursor(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	cursor, err := store.Cursor(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cursor.LastExternalID)
	assert.False(t, cursor.LastSyncTime.IsZero())
	msgs, err := store.Recent(ctx, 8, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestLockSerializesConversation(t *testing.T) {
	store := openTestStore(t)
	unlock := store.Lock(1)

	acquired := make(chan struct{})
	go func() {
		release := store.Lock(1)
		close(acquired)
		release()
	}()

	otherUnlock := store.Lock(2)
	otherUnlock()

	select {
	case <-acquired:
		t.Fatal("second writer entered the same conversation")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second writer never entered the conversation")
	}
}
