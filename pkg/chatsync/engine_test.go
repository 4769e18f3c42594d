package chatsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/jsontime"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/chatdigest/pkg/archive"
	"github.com/lrhodin/chatdigest/pkg/config"
	"github.com/lrhodin/chatdigest/pkg/source"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fetchCall struct {
	ConversationID int64
	Params         source.FetchParams
}

type fakeSource struct {
	lock     sync.Mutex
	convs    []*source.Conversation
	batches  map[int64][][]*source.Message
	fetchErr map[int64]error
	listErr  error
	// listFailures are returned by the next ListConversations calls, one
	// per call, before falling back to listErr.
	listFailures []error
	lists        int
	// stalled conversations block their fetch until ctx is done.
	stalled map[int64]bool
	fetches []fetchCall
	marked  []int64
}

func newFakeSource(convs ...*source.Conversation) *fakeSource {
	return &fakeSource{
		convs:    convs,
		batches:  make(map[int64][][]*source.Message),
		fetchErr: make(map[int64]error),
	}
}

func (f *fakeSource) listCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.lists
}

func (f *fakeSource) queue(conversationID int64, msgs ...*source.Message) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.batches[conversationID] = append(f.batches[conversationID], msgs)
}

func (f *fakeSource) ListConversations(ctx context.Context) ([]*source.Conversation, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.lists++
	if len(f.listFailures) > 0 {
		err := f.listFailures[0]
		f.listFailures = f.listFailures[1:]
		return nil, err
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.convs, nil
}

func (f *fakeSource) FetchMessages(ctx context.Context, conversationID int64, params source.FetchParams) ([]*source.Message, error) {
	if f.stalled[conversationID] {
		<-ctx.Done()
		return nil, &source.UnavailableError{Op: "fetch messages", ConversationID: conversationID, Err: ctx.Err()}
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.fetches = append(f.fetches, fetchCall{ConversationID: conversationID, Params: params})
	if err := f.fetchErr[conversationID]; err != nil {
		return nil, &source.UnavailableError{Op: "fetch messages", ConversationID: conversationID, Err: err}
	}
	queued := f.batches[conversationID]
	if len(queued) == 0 {
		return nil, nil
	}
	f.batches[conversationID] = queued[1:]
	return queued[0], nil
}

func (f *fakeSource) MarkRead(ctx context.Context, conversationID int64) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.marked = append(f.marked, conversationID)
	return nil
}

func msg(id int64, offset time.Duration, text string) *source.Message {
	return &source.Message{
		ID:       id,
		Date:     jsontime.UM(baseTime.Add(offset)),
		SenderID: ptr.Ptr("alice"),
		Text:     text,
	}
}

func titled(id int64, title string, unread int) *source.Conversation {
	return &source.Conversation{ID: id, Title: ptr.Ptr(title), UnreadCount: unread}
}

func newTestEngine(t *testing.T, src source.Source, retention int, cfg config.SyncConfig) (*Engine, *archive.Store) {
	t.Helper()
	store, err := archive.Open(context.Background(), config.ArchiveConfig{
		Type:      "sqlite3",
		Directory: t.TempDir(),
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(src, store, cfg, retention, zerolog.Nop()), store
}

func archivedIDs(t *testing.T, store *archive.Store, conversationID int64) []int64 {
	t.Helper()
	msgs, err := store.Recent(context.Background(), conversationID, 1000)
	require.NoError(t, err)
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ExternalID
	}
	return ids
}

// archivedCount is safe to call from outside the test goroutine.
func archivedCount(store *archive.Store, conversationID int64) int {
	msgs, err := store.Recent(context.Background(), conversationID, 1000)
	if err != nil {
		return -1
	}
	return len(msgs)
}

func TestSyncConversationResendsAreDeduplicated(t *testing.T) {
	ctx := context.Background()
	conv := titled(1, "Team", 0)
	src := newFakeSource(conv)
	engine, store := newTestEngine(t, src, 120, config.SyncConfig{})

	src.queue(1, msg(9, 3*time.Minute, "c"), msg(7, 2*time.Minute, "b"), msg(5, time.Minute, "a"))
	res, err := engine.SyncConversation(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Stored)
	assert.True(t, res.Advanced)
	assert.Equal(t, int64(9), res.Cursor.LastExternalID)
	assert.Equal(t, []int64{5, 7, 9}, archivedIDs(t, store, 1))

	src.queue(1, msg(7, 2*time.Minute, "b"), msg(9, 3*time.Minute, "c"), msg(12, 4*time.Minute, "d"))
	res, err = engine.SyncConversation(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)
	assert.Equal(t, int64(12), res.Cursor.LastExternalID)
	assert.Equal(t, []int64{5, 7, 9, 12}, archivedIDs(t, store, 1))

	require.Len(t, src.fetches, 2)
	assert.Equal(t, source.FetchParams{MinID: 0, Limit: 120}, src.fetches[0].Params)
	assert.Equal(t, source.FetchParams{MinID: 9, Limit: 120}, src.fetches[1].Params)
}

func TestSyncConversationCursorOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	conv := titled(1, "Team", 0)
	src := newFakeSource(conv)
	engine, store := newTestEngine(t, src, 120, config.SyncConfig{})

	src.queue(1, msg(10, time.Minute, "x"))
	_, err := engine.SyncConversation(ctx, conv)
	require.NoError(t, err)

	// A misbehaving source returning older ids must not move the cursor back.
	src.queue(1, msg(3, 0, "old"))
	res, err := engine.SyncConversation(ctx, conv)
	require.NoError(t, err)
	assert.False(t, res.Advanced)
	assert.Equal(t, int64(10), res.Cursor.LastExternalID)

	res, err = engine.SyncConversation(ctx, conv)
	require.NoError(t, err)
	assert.False(t, res.Advanced)
	cursor, err := store.Cursor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cursor.LastExternalID)
}

func TestSyncConversationSkipsEmptyText(t *testing.T) {
	ctx := context.Background()
	conv := titled(1, "Team", 0)
	src := newFakeSource(conv)
	engine, store := newTestEngine(t, src, 120, config.SyncConfig{})

	noSender := msg(4, time.Minute, "who am I")
	noSender.SenderID = nil
	src.queue(1, msg(10, 2*time.Minute, ""), noSender, msg(3, 0, ""))

	res, err := engine.SyncConversation(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, int64(4), res.Cursor.LastExternalID)

	msgs, err := store.Recent(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, archive.UnknownSender, msgs[0].Sender)
}

func TestSyncConversationFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	conv := titled(1, "Team", 0)
	src := newFakeSource(conv)
	engine, store := newTestEngine(t, src, 120, config.SyncConfig{})

	src.fetchErr[1] = errors.New("connection reset")
	_, err := engine.SyncConversation(ctx, conv)
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrUnavailable)
	exists, err := store.Exists(ctx, 1)
	require.NoError(t, err)
	assert.False(t, exists)

	delete(src.fetchErr, 1)
	src.queue(1, msg(5, 0, "a"))
	_, err = engine.SyncConversation(ctx, conv)
	require.NoError(t, err)

	src.fetchErr[1] = errors.New("timeout")
	_, err = engine.SyncConversation(ctx, conv)
	require.Error(t, err)
	cursor, err := store.Cursor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cursor.LastExternalID)
	assert.Equal(t, []int64{5}, archivedIDs(t, store, 1))
}

func TestSyncConversationRetention(t *testing.T) {
	ctx := context.Background()
	conv := titled(1, "Team", 0)
	src := newFakeSource(conv)
	engine, store := newTestEngine(t, src, 2, config.SyncConfig{})

	for i := int64(1); i <= 5; i++ {
		src.queue(1, msg(i, time.Duration(i)*time.Minute, fmt.Sprintf("m%d", i)))
		_, err := engine.SyncConversation(ctx, conv)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(archivedIDs(t, store, 1)), 2)
	}
	assert.Equal(t, []int64{4, 5}, archivedIDs(t, store, 1))
}

func TestSyncConversationEvictsWithoutNewMessages(t *testing.T) {
	ctx := context.Background()
	conv := titled(1, "Team", 0)
	src := newFakeSource(conv)
	wide, store := newTestEngine(t, src, 10, config.SyncConfig{})

	src.queue(1,
		msg(1, time.Minute, "a"), msg(2, 2*time.Minute, "b"), msg(3, 3*time.Minute, "c"),
		msg(4, 4*time.Minute, "d"), msg(5, 5*time.Minute, "e"),
	)
	_, err := wide.SyncConversation(ctx, conv)
	require.NoError(t, err)

	narrow := NewEngine(src, store, config.SyncConfig{}, 2, zerolog.Nop())
	res, err := narrow.SyncConversation(ctx, conv)
	require.NoError(t, err)
	assert.Zero(t, res.Stored)
	assert.Equal(t, int64(3), res.Evicted)
	assert.Equal(t, []int64{4, 5}, archivedIDs(t, store, 1))
}

func TestSyncUnreadConversation(t *testing.T) {
	ctx := context.Background()
	conv := titled(1, "Team", 2)
	src := newFakeSource(conv)
	engine, store := newTestEngine(t, src, 120, config.SyncConfig{})

	src.queue(1, msg(5, time.Minute, "a"), msg(7, 2*time.Minute, "b"))
	_, err := engine.SyncConversation(ctx, conv)
	require.NoError(t, err)

	// Re-seen ids are a no-op for the archive but still acknowledged.
	src.queue(1, msg(7, 2*time.Minute, "b"), msg(5, time.Minute, "a"))
	res, err := engine.SyncUnreadConversation(ctx, conv)
	require.NoError(t, err)
	assert.Zero(t, res.Stored)
	assert.Equal(t, int64(7), res.Cursor.LastExternalID)
	assert.Equal(t, []int64{1}, src.marked)

	src.queue(1, msg(9, 4*time.Minute, "d"), msg(8, 3*time.Minute, "c"))
	res, err = engine.SyncUnreadConversation(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored)
	assert.True(t, res.Advanced)
	assert.Equal(t, int64(9), res.Cursor.LastExternalID)
	assert.Equal(t, []int64{5, 7, 8, 9}, archivedIDs(t, store, 1))

	require.Len(t, src.fetches, 3)
	assert.Equal(t, source.FetchParams{Limit: 2}, src.fetches[1].Params)
	assert.Equal(t, []int64{1, 1}, src.marked)
}

func TestSyncUnreadConversationNothingUnread(t *testing.T) {
	src := newFakeSource()
	engine, store := newTestEngine(t, src, 120, config.SyncConfig{})

	res, err := engine.SyncUnreadConversation(context.Background(), titled(3, "Quiet", 0))
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)
	assert.Empty(t, src.fetches)
	assert.Empty(t, src.marked)
	exists, err := store.Exists(context.Background(), 3)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCollectUnreadIsReadOnly(t *testing.T) {
	ctx := context.Background()
	conv := titled(1, "Team", 4)
	src := newFakeSource(conv, titled(2, "Other", 0))
	engine, store := newTestEngine(t, src, 2, config.SyncConfig{})

	src.queue(1,
		msg(14, 4*time.Minute, "newest"),
		msg(13, 3*time.Minute, ""),
		msg(12, 2*time.Minute, "middle"),
		msg(11, time.Minute, "oldest"),
	)
	msgs, found, err := engine.CollectUnread(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "Team", found.DisplayTitle())
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(11), msgs[0].ID)
	assert.Equal(t, int64(12), msgs[1].ID)
	assert.Equal(t, source.FetchParams{Limit: 4}, src.fetches[0].Params)

	assert.Empty(t, src.marked)
	exists, err := store.Exists(ctx, 1)
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = os.Stat(store.Path(1))
	assert.ErrorIs(t, err, os.ErrNotExist)

	msgs, found, err = engine.CollectUnread(ctx, 2)
	require.NoError(t, err)
	assert.NotNil(t, found)
	assert.Empty(t, msgs)

	msgs, found, err = engine.CollectUnread(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.Empty(t, msgs)
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(titled(1, "Broken", 0), titled(2, "Fine", 0), &source.Conversation{ID: 3})
	engine, store := newTestEngine(t, src, 120, config.SyncConfig{SkipUntitled: true})

	src.fetchErr[1] = errors.New("flood wait")
	src.queue(2, msg(1, 0, "hello"))
	src.queue(3, msg(1, 0, "untitled"))

	counts, err := engine.SyncAll(ctx)
	require.Error(t, err)
	var convErr *ConversationError
	require.True(t, errors.As(err, &convErr))
	assert.Equal(t, int64(1), convErr.ConversationID)
	assert.Contains(t, err.Error(), "Broken")
	assert.ErrorIs(t, err, source.ErrUnavailable)

	assert.Equal(t, 1, counts.Conversations)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 1, counts.Stored)
	assert.Equal(t, []int64{1}, archivedIDs(t, store, 2))
	assert.Empty(t, archivedIDs(t, store, 3))
}

func TestSyncAllAbortOnError(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(titled(1, "Broken", 0), titled(2, "Fine", 0))
	engine, store := newTestEngine(t, src, 120, config.SyncConfig{AbortOnError: true})

	src.fetchErr[1] = errors.New("flood wait")
	src.queue(2, msg(1, 0, "hello"))

	counts, err := engine.SyncAll(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, counts.Failed)
	assert.Zero(t, counts.Conversations)
	assert.Empty(t, archivedIDs(t, store, 2))
	for _, call := range src.fetches {
		assert.NotEqual(t, int64(2), call.ConversationID)
	}
}

func TestSyncAllAbortDoesNotCountCancelledSiblings(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(titled(1, "Broken", 0), titled(2, "Slow", 0), titled(3, "Slower", 0))
	src.fetchErr[1] = errors.New("boom")
	src.stalled = map[int64]bool{2: true, 3: true}
	engine, _ := newTestEngine(t, src, 120, config.SyncConfig{AbortOnError: true, Workers: 3})

	counts, err := engine.SyncAll(ctx)
	require.Error(t, err)
	var convErr *ConversationError
	require.True(t, errors.As(err, &convErr))
	assert.Equal(t, int64(1), convErr.ConversationID)
	assert.Equal(t, 1, counts.Failed)
	assert.Zero(t, counts.Conversations)
}

func TestSyncAllListFailure(t *testing.T) {
	src := newFakeSource()
	src.listErr = &source.UnavailableError{Op: "list conversations", Err: errors.New("offline")}
	engine, _ := newTestEngine(t, src, 120, config.SyncConfig{})

	_, err := engine.SyncAll(context.Background())
	assert.ErrorIs(t, err, source.ErrUnavailable)
}

func TestSyncUnreadAllParallel(t *testing.T) {
	ctx := context.Background()
	var convs []*source.Conversation
	for i := int64(1); i <= 8; i++ {
		convs = append(convs, titled(i, fmt.Sprintf("Chat %d", i), int(i%2)))
	}
	src := newFakeSource(convs...)
	for i := int64(1); i <= 8; i++ {
		src.queue(i, msg(100+i, time.Duration(i)*time.Minute, "unread"))
	}
	engine, store := newTestEngine(t, src, 120, config.SyncConfig{Workers: 4})

	counts, err := engine.SyncUnreadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, counts.Conversations)
	assert.Equal(t, 4, counts.Stored)
	assert.ElementsMatch(t, []int64{1, 3, 5, 7}, src.marked)
	for i := int64(1); i <= 8; i++ {
		if i%2 == 1 {
			assert.Equal(t, []int64{100 + i}, archivedIDs(t, store, i))
		} else {
			assert.Empty(t, archivedIDs(t, store, i))
		}
	}
}

func TestRunSyncsImmediately(t *testing.T) {
	src := newFakeSource(titled(1, "Team", 0))
	src.queue(1, msg(1, 0, "hello"))
	engine, store := newTestEngine(t, src, 120, config.SyncConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(ctx, time.Hour, false)
	}()
	require.Eventually(t, func() bool { return archivedCount(store, 1) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run didn't return after cancel")
	}
	assert.Equal(t, 1, src.listCalls())
	assert.Equal(t, []int64{1}, archivedIDs(t, store, 1))
}

func TestRunRetriesOnNextTick(t *testing.T) {
	src := newFakeSource(titled(1, "Team", 0))
	src.listFailures = []error{&source.UnavailableError{Op: "list conversations", Err: errors.New("offline")}}
	src.queue(1, msg(1, 0, "hello"))
	engine, store := newTestEngine(t, src, 120, config.SyncConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(ctx, 20*time.Millisecond, false)
	}()
	require.Eventually(t, func() bool {
		return src.listCalls() >= 3 && archivedCount(store, 1) == 1
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run didn't return after cancel")
	}

	calls := src.listCalls()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, src.listCalls())
	assert.Equal(t, []int64{1}, archivedIDs(t, store, 1))
}
