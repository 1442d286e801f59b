package filesync

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// LeadershipGate observes the session's leadership signal and gates all
// background work on it. CRUD operations remain permitted
// on non-leaders — they mutate the catalog, which synchronizes across
// sessions — but no worker, reconciler, or stream fiber runs there.
//
// This generalizes a single-instance OS-level pidfile lock into an
// observable, externally-arbitrated lease: the CatalogStore (not this
// gate) decides who holds it.
type LeadershipGate struct {
	catalog  CatalogStore
	clientID string

	executor   *Executor
	stream     *StreamConsumer
	supervisor *Supervisor
	online     func() bool

	bus    *observationBus
	logger *slog.Logger

	isLeader atomic.Bool
	cancel   context.CancelFunc
}

// NewLeadershipGate wires a gate over the given background components.
func NewLeadershipGate(
	catalog CatalogStore, clientID string,
	executor *Executor, stream *StreamConsumer, supervisor *Supervisor, online func() bool,
	bus *observationBus, logger *slog.Logger,
) *LeadershipGate {
	return &LeadershipGate{
		catalog: catalog, clientID: clientID,
		executor: executor, stream: stream, supervisor: supervisor, online: online,
		bus: bus, logger: logger,
	}
}

// IsLeader reports whether this client currently holds the lock.
func (g *LeadershipGate) IsLeader() bool { return g.isLeader.Load() }

// Start subscribes to the leadership signal and reacts to transitions
// until ctx is done.
func (g *LeadershipGate) Start(ctx context.Context) error {
	transitions, err := g.catalog.ObserveLeadership(ctx, g.clientID)
	if err != nil {
		return err
	}

	ctx, g.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case state, ok := <-transitions:
				if !ok {
					return
				}

				g.handleTransition(ctx, state)
			}
		}
	}()

	return nil
}

// Stop cancels the leadership watcher.
func (g *LeadershipGate) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
}

func (g *LeadershipGate) handleTransition(ctx context.Context, state LeadershipState) {
	switch state {
	case LeaderHasLock:
		g.becomeLeader(ctx)
	case LeaderNoLock:
		g.loseLeadership()
	}
}

func (g *LeadershipGate) becomeLeader(ctx context.Context) {
	g.isLeader.Store(true)

	if err := g.supervisor.RunStaleTransferRecovery(ctx); err != nil {
		g.logger.Error("leadership: stale-transfer recovery failed", slog.String("error", err.Error()))
	}

	g.executor.EnsureWorkers(ctx)

	if g.online() {
		g.executor.Resume()
	} else {
		g.executor.Pause()
	}

	g.stream.Start(ctx)
}

func (g *LeadershipGate) loseLeadership() {
	g.isLeader.Store(false)
	g.executor.Pause()
	g.stream.Stop()
}
