package catalogstore_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/filesync-core/internal/catalogstore"
	"github.com/tonimelisma/filesync-core/internal/filesync"
)

func openTestStore(t *testing.T) *catalogstore.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "catalog.db")

	store, err := catalogstore.Open(context.Background(), path, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })

	return store
}

func TestStore_CommitCreateThenGetRecord(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CommitFileEvent(ctx, filesync.CreateFileEvent{
		FileID: "f1", Path: "store/files/abc", ContentHash: "abc", CreatedAt: time.Now(),
	}))

	rec, ok, err := store.GetRecord(ctx, "f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "store/files/abc", rec.Path)
	assert.Equal(t, "abc", rec.ContentHash)
	assert.Nil(t, rec.DeletedAt)
}

func TestStore_CommitUpdateChangesPathAndRemoteKey(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CommitFileEvent(ctx, filesync.CreateFileEvent{
		FileID: "f1", Path: "store/files/abc", ContentHash: "abc", CreatedAt: time.Now(),
	}))
	require.NoError(t, store.CommitFileEvent(ctx, filesync.UpdateFileEvent{
		FileID: "f1", Path: "store/files/def", ContentHash: "def", RemoteKey: "def", UpdatedAt: time.Now(),
	}))

	rec, ok, err := store.GetRecord(ctx, "f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "store/files/def", rec.Path)
	assert.Equal(t, "def", rec.RemoteKey)
}

func TestStore_CommitDeleteTombstonesAndExcludesFromListLive(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CommitFileEvent(ctx, filesync.CreateFileEvent{
		FileID: "f1", Path: "store/files/abc", ContentHash: "abc", CreatedAt: time.Now(),
	}))
	require.NoError(t, store.CommitFileEvent(ctx, filesync.DeleteFileEvent{FileID: "f1", DeletedAt: time.Now()}))

	rec, ok, err := store.GetRecord(ctx, "f1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, rec.DeletedAt)

	live, err := store.ListLive(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestStore_ListAllForPathReturnsEverySharer(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CommitFileEvent(ctx, filesync.CreateFileEvent{
		FileID: "f1", Path: "store/files/abc", ContentHash: "abc", CreatedAt: time.Now(),
	}))
	require.NoError(t, store.CommitFileEvent(ctx, filesync.CreateFileEvent{
		FileID: "f2", Path: "store/files/abc", ContentHash: "abc", CreatedAt: time.Now(),
	}))

	recs, err := store.ListAllForPath(ctx, "store/files/abc")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestStore_HeadTracksHighestSequence(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	head, err := store.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head)

	require.NoError(t, store.CommitFileEvent(ctx, filesync.CreateFileEvent{
		FileID: "f1", Path: "store/files/abc", ContentHash: "abc", CreatedAt: time.Now(),
	}))

	head, err = store.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)
}

func TestStore_CursorRoundTrips(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	cursor, err := store.GetCursor(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor)

	require.NoError(t, store.SetCursor(ctx, "client-a", 42))

	cursor, err = store.GetCursor(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cursor)

	require.NoError(t, store.SetCursor(ctx, "client-a", 99))

	cursor, err = store.GetCursor(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(99), cursor)
}

func TestStore_StateDiffUpsertAndRemove(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CommitStateDiff(ctx, "client-a", map[string]filesync.StateEntry{
		"f1": {FileID: "f1", Path: "p", UploadStatus: filesync.StatusQueued},
	}, nil))

	entries, err := store.GetStateEntries(ctx, "client-a")
	require.NoError(t, err)
	require.Contains(t, entries, "f1")
	assert.Equal(t, filesync.StatusQueued, entries["f1"].UploadStatus)

	require.NoError(t, store.CommitStateDiff(ctx, "client-a", nil, []string{"f1"}))

	entries, err = store.GetStateEntries(ctx, "client-a")
	require.NoError(t, err)
	assert.NotContains(t, entries, "f1")
}

func TestStore_SubscribeReplaysBacklogThenDeliversLive(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, store.CommitFileEvent(ctx, filesync.CreateFileEvent{
		FileID: "f1", Path: "store/files/abc", ContentHash: "abc", CreatedAt: time.Now(),
	}))

	events, stop, err := store.Subscribe(ctx, 0)
	require.NoError(t, err)
	defer stop()

	select {
	case ev := <-events:
		assert.Equal(t, filesync.EventFileCreated, ev.Kind)
		assert.Equal(t, "f1", ev.Record.FileID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for backlog replay")
	}

	require.NoError(t, store.CommitFileEvent(ctx, filesync.CreateFileEvent{
		FileID: "f2", Path: "store/files/def", ContentHash: "def", CreatedAt: time.Now(),
	}))

	select {
	case ev := <-events:
		assert.Equal(t, "f2", ev.Record.FileID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestStore_SubscribeSinceSkipsAlreadySeenEvents(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CommitFileEvent(ctx, filesync.CreateFileEvent{
		FileID: "f1", Path: "store/files/abc", ContentHash: "abc", CreatedAt: time.Now(),
	}))

	head, err := store.Head(ctx)
	require.NoError(t, err)

	events, stop, err := store.Subscribe(ctx, head)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, store.CommitFileEvent(ctx, filesync.CreateFileEvent{
		FileID: "f2", Path: "store/files/def", ContentHash: "def", CreatedAt: time.Now(),
	}))

	select {
	case ev := <-events:
		assert.Equal(t, "f2", ev.Record.FileID, "backlog at or before since must not replay")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestStore_ObserveLeadershipGrantsFirstCallerImmediately(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transitions, err := store.ObserveLeadership(ctx, "client-a")
	require.NoError(t, err)

	select {
	case state := <-transitions:
		assert.Equal(t, filesync.LeaderHasLock, state)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial leadership grant")
	}
}

func TestStore_ObserveLeadershipQueuesSecondCallerThenPromotesOnRelease(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)

	ctxA, cancelA := context.WithCancel(context.Background())
	transitionsA, err := store.ObserveLeadership(ctxA, "client-a")
	require.NoError(t, err)

	select {
	case state := <-transitionsA:
		require.Equal(t, filesync.LeaderHasLock, state)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client-a's grant")
	}

	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()

	transitionsB, err := store.ObserveLeadership(ctxB, "client-b")
	require.NoError(t, err)

	select {
	case state := <-transitionsB:
		assert.Equal(t, filesync.LeaderNoLock, state)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client-b's queued state")
	}

	cancelA()

	select {
	case state := <-transitionsB:
		assert.Equal(t, filesync.LeaderHasLock, state, "client-b must be promoted once client-a releases")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client-b's promotion")
	}
}
