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

func newTestLeadershipGate(t *testing.T, catalog *tufilesync.Catalog, local LocalStore, online func() bool) (*LeadershipGate, *Executor, *StreamConsumer) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	state := NewStateStore(catalog, "client-a", logger)
	bus := newObservationBus(logger)
	exec := NewExecutor(DefaultExecutorConfig(), noopHandler{}, logger)
	recon := newReconciler(catalog, local, tufilesync.Hasher{}, state, exec)
	stream := NewStreamConsumer(catalog, recon, "client-a", DefaultStreamConfig(), bus, logger)
	sv := NewSupervisor(0, 0, exec, stream, state, catalog, func() bool { return true }, online, func(context.Context) {}, bus, logger)

	return NewLeadershipGate(catalog, "client-a", exec, stream, sv, online, bus, logger), exec, stream
}

func TestLeadershipGate_BecomeLeaderStartsWorkersAndStream(t *testing.T) {
	t.Parallel()

	catalog := tufilesync.NewCatalog()
	local := tufilesync.NewLocal()
	gate, exec, stream := newTestLeadershipGate(t, catalog, local, func() bool { return true })

	require.NoError(t, gate.Start(context.Background()))
	defer gate.Stop()

	require.NoError(t, catalog.GrantLeadership("client-a"))

	require.Eventually(t, func() bool { return gate.IsLeader() }, time.Second, time.Millisecond)
	assert.False(t, exec.IsPaused())
	assert.True(t, stream.IsAlive())
}

func TestLeadershipGate_BecomeLeaderPausesExecutorWhenOffline(t *testing.T) {
	t.Parallel()

	catalog := tufilesync.NewCatalog()
	local := tufilesync.NewLocal()
	gate, exec, _ := newTestLeadershipGate(t, catalog, local, func() bool { return false })

	require.NoError(t, gate.Start(context.Background()))
	defer gate.Stop()

	require.NoError(t, catalog.GrantLeadership("client-a"))

	require.Eventually(t, func() bool { return gate.IsLeader() }, time.Second, time.Millisecond)
	assert.True(t, exec.IsPaused())
}

func TestLeadershipGate_LoseLeadershipPausesAndStopsStream(t *testing.T) {
	t.Parallel()

	catalog := tufilesync.NewCatalog()
	local := tufilesync.NewLocal()
	gate, exec, stream := newTestLeadershipGate(t, catalog, local, func() bool { return true })

	require.NoError(t, gate.Start(context.Background()))
	defer gate.Stop()

	require.NoError(t, catalog.GrantLeadership("client-a"))
	require.Eventually(t, func() bool { return gate.IsLeader() }, time.Second, time.Millisecond)

	require.NoError(t, catalog.RevokeLeadership("client-a"))

	require.Eventually(t, func() bool { return !gate.IsLeader() }, time.Second, time.Millisecond)
	assert.True(t, exec.IsPaused())
	assert.False(t, stream.IsAlive())
}
