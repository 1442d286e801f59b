package filesync

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tufilesync "github.com/tonimelisma/filesync-core/testutil/filesync"
)

func newTestStreamConsumer(t *testing.T, catalog CatalogStore, local LocalStore) (*StreamConsumer, *StateStore) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	state := NewStateStore(catalog, "client-a", logger)
	bus := newObservationBus(logger)
	exec := NewExecutor(DefaultExecutorConfig(), noopHandler{}, logger)
	recon := newReconciler(catalog, local, tufilesync.Hasher{}, state, exec)

	cfg := DefaultStreamConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond

	return NewStreamConsumer(catalog, recon, "client-a", cfg, bus, logger), state
}

func TestStreamConsumer_BootstrapReconcilesLiveRecordsAndSetsCursor(t *testing.T) {
	t.Parallel()

	catalog := tufilesync.NewCatalog()
	local := tufilesync.NewLocal()
	require.NoError(t, local.WriteFile(context.Background(), "store/files/abc", []byte("x")))

	require.NoError(t, catalog.CommitFileEvent(context.Background(), CreateFileEvent{
		FileID: "f1", Path: "store/files/abc", ContentHash: "abc", CreatedAt: time.Now(),
	}))

	consumer, state := newTestStreamConsumer(t, catalog, local)

	require.NoError(t, consumer.Bootstrap(context.Background()))

	entries, err := state.GetState(context.Background())
	require.NoError(t, err)
	assert.Contains(t, entries, "f1")

	head, err := catalog.Head(context.Background())
	require.NoError(t, err)

	cursor, err := catalog.GetCursor(context.Background(), "client-a")
	require.NoError(t, err)
	assert.Equal(t, head, cursor)
}

func TestStreamConsumer_BootstrapIsIdempotent(t *testing.T) {
	t.Parallel()

	catalog := tufilesync.NewCatalog()
	local := tufilesync.NewLocal()
	require.NoError(t, local.WriteFile(context.Background(), "store/files/abc", []byte("x")))
	require.NoError(t, catalog.CommitFileEvent(context.Background(), CreateFileEvent{
		FileID: "f1", Path: "store/files/abc", ContentHash: "abc", CreatedAt: time.Now(),
	}))

	consumer, state := newTestStreamConsumer(t, catalog, local)

	require.NoError(t, consumer.Bootstrap(context.Background()))
	first, err := state.GetState(context.Background())
	require.NoError(t, err)

	require.NoError(t, consumer.Bootstrap(context.Background()))
	second, err := state.GetState(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestStreamConsumer_StartProcessesLiveEventsAndStop(t *testing.T) {
	t.Parallel()

	catalog := tufilesync.NewCatalog()
	local := tufilesync.NewLocal()
	require.NoError(t, local.WriteFile(context.Background(), "store/files/abc", []byte("x")))

	consumer, state := newTestStreamConsumer(t, catalog, local)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer.Start(ctx)
	assert.True(t, consumer.IsAlive())

	require.NoError(t, catalog.CommitFileEvent(context.Background(), CreateFileEvent{
		FileID: "f1", Path: "store/files/abc", ContentHash: "abc", CreatedAt: time.Now(),
	}))

	require.Eventually(t, func() bool {
		entries, err := state.GetState(context.Background())
		return err == nil && len(entries) > 0
	}, time.Second, time.Millisecond)

	consumer.Stop()
	assert.False(t, consumer.IsAlive())
}

func TestStreamConsumer_RestartStopsThenStarts(t *testing.T) {
	t.Parallel()

	catalog := tufilesync.NewCatalog()
	local := tufilesync.NewLocal()
	consumer, _ := newTestStreamConsumer(t, catalog, local)

	ctx := context.Background()
	consumer.Start(ctx)
	require.True(t, consumer.IsAlive())

	consumer.Restart(ctx)
	assert.True(t, consumer.IsAlive())

	consumer.Stop()
}
