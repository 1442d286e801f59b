package filesync

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tufilesync "github.com/tonimelisma/filesync-core/testutil/filesync"
)

func newTestConnectivityLoop(t *testing.T, remote RemoteStore) (*ConnectivityLoop, *StateStore, *Executor) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	catalog := tufilesync.NewCatalog()
	state := NewStateStore(catalog, "client-a", logger)
	bus := newObservationBus(logger)
	exec := NewExecutor(DefaultExecutorConfig(), noopHandler{}, logger)

	return NewConnectivityLoop(0, remote, state, exec, bus, logger), state, exec
}

func TestConnectivityLoop_GoOfflineDemotesInProgressNotError(t *testing.T) {
	t.Parallel()

	remote := tufilesync.NewRemote()
	loop, state, exec := newTestConnectivityLoop(t, remote)

	ctx := context.Background()
	require.NoError(t, state.SetEntry(ctx, "in-progress-file", StateEntry{UploadStatus: StatusInProgress}))
	require.NoError(t, state.SetEntry(ctx, "errored-file", StateEntry{UploadStatus: StatusError, LastSyncError: "oversize"}))

	loop.goOnline(ctx) // seed online=true so GoOffline is a real transition
	exec.Resume()

	loop.GoOffline(ctx)

	entries, err := state.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, entries["in-progress-file"].UploadStatus)
	assert.Equal(t, StatusError, entries["errored-file"].UploadStatus, "connectivity loss must not clear an unrelated error status")
	assert.Equal(t, "oversize", entries["errored-file"].LastSyncError)
	assert.True(t, exec.IsPaused())
	assert.False(t, loop.IsOnline())
}

func TestConnectivityLoop_GoOnlineReenqueuesQueuedEntries(t *testing.T) {
	t.Parallel()

	remote := tufilesync.NewRemote()
	loop, state, exec := newTestConnectivityLoop(t, remote)

	ctx := context.Background()
	require.NoError(t, state.SetEntry(ctx, "f1", StateEntry{UploadStatus: StatusQueued}))
	require.NoError(t, state.SetEntry(ctx, "f2", StateEntry{DownloadStatus: StatusQueued}))

	loop.goOnline(ctx)

	assert.True(t, loop.IsOnline())
	assert.False(t, exec.IsPaused())
	assert.Equal(t, 2, exec.QueuedCount())
}

func TestConnectivityLoop_ProbeTransitionsOfflineOnUnhealthy(t *testing.T) {
	t.Parallel()

	remote := tufilesync.NewRemote()
	loop, _, _ := newTestConnectivityLoop(t, remote)

	ctx := context.Background()
	loop.goOnline(ctx)

	remote.Healthy = false
	loop.Probe(ctx)

	assert.False(t, loop.IsOnline())
}

func TestConnectivityLoop_ProbeNoopWhenHealthy(t *testing.T) {
	t.Parallel()

	remote := tufilesync.NewRemote()
	loop, _, _ := newTestConnectivityLoop(t, remote)

	ctx := context.Background()
	loop.goOnline(ctx)

	loop.Probe(ctx)

	assert.True(t, loop.IsOnline())
}
