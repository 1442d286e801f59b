package filesync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ConnectivityLoop is the Connectivity Loop: a periodic
// health check that drives online<->offline transitions and, on an
// unhealthy transition, rewrites in-flight transfers back to `queued` so
// they are retried automatically once the remote store is reachable
// again.
//
// go_offline resets only `in_progress` entries, never `error` entries — an
// error set by a non-connectivity cause (e.g. oversize) must survive an
// offline transition untouched. The healthy-again recovery branch likewise
// never touches `error` entries; RetryErrors on the CRUD facade is the
// only manual escape hatch for those.
type ConnectivityLoop struct {
	interval time.Duration
	remote   RemoteStore
	state    *StateStore
	executor *Executor
	bus      *observationBus
	logger   *slog.Logger

	mu     sync.Mutex
	online bool

	cancel context.CancelFunc
}

// NewConnectivityLoop creates a loop starting in the offline state; the
// first successful health check transitions it online.
func NewConnectivityLoop(
	interval time.Duration, remote RemoteStore, state *StateStore, executor *Executor,
	bus *observationBus, logger *slog.Logger,
) *ConnectivityLoop {
	return &ConnectivityLoop{
		interval: interval, remote: remote, state: state, executor: executor,
		bus: bus, logger: logger,
	}
}

// IsOnline reports the loop's current view of remote reachability.
func (c *ConnectivityLoop) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.online
}

// Start runs the health-check loop in the background until ctx is done.
func (c *ConnectivityLoop) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tick(ctx)
			}
		}
	}()
}

// Stop cancels the health-check loop.
func (c *ConnectivityLoop) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *ConnectivityLoop) tick(ctx context.Context) {
	healthy := c.remote.CheckHealth(ctx)

	c.mu.Lock()
	wasOnline := c.online
	c.mu.Unlock()

	switch {
	case healthy && !wasOnline:
		c.goOnline(ctx)
	case !healthy && wasOnline:
		c.GoOffline(ctx)
	}
}

// Probe is called by a Transfer Worker on every transfer failure so the system can transition offline eagerly rather than
// waiting for the next tick.
func (c *ConnectivityLoop) Probe(ctx context.Context) {
	if c.remote.CheckHealth(ctx) {
		return
	}

	c.mu.Lock()
	wasOnline := c.online
	c.mu.Unlock()

	if wasOnline {
		c.GoOffline(ctx)
	}
}

// goOnline marks the loop online, resumes the executor, and re-enqueues
// every entry currently `queued` in either direction (idempotent — the
// executor's own dedup makes a repeat enqueue a no-op).
func (c *ConnectivityLoop) goOnline(ctx context.Context) {
	c.mu.Lock()
	c.online = true
	c.mu.Unlock()

	c.executor.Resume()

	entries, err := c.state.GetState(ctx)
	if err != nil {
		c.logger.Warn("connectivity: failed reading state for re-enqueue", slog.String("error", err.Error()))
	} else {
		for id, entry := range entries {
			if entry.UploadStatus == StatusQueued {
				c.executor.EnqueueUpload(id)
			}

			if entry.DownloadStatus == StatusQueued {
				c.executor.EnqueueDownload(id)
			}
		}
	}

	c.bus.Emit(Observation{Kind: ObsOnline})
}

// GoOffline marks the loop offline, pauses the executor, and demotes every
// `in_progress` entry back to `queued` with its error message cleared.
// `error` entries are left untouched (see type doc).
func (c *ConnectivityLoop) GoOffline(ctx context.Context) {
	c.mu.Lock()
	c.online = false
	c.mu.Unlock()

	c.executor.Pause()

	err := c.state.AtomicUpdate(ctx, func(m map[string]StateEntry) map[string]StateEntry {
		for id, entry := range m {
			changed := false

			if entry.UploadStatus == StatusInProgress {
				entry.UploadStatus = StatusQueued
				changed = true
			}

			if entry.DownloadStatus == StatusInProgress {
				entry.DownloadStatus = StatusQueued
				changed = true
			}

			if changed {
				entry.LastSyncError = ""
				m[id] = entry
			}
		}

		return m
	})
	if err != nil {
		c.logger.Warn("connectivity: failed demoting in-flight entries", slog.String("error", err.Error()))
	}

	c.bus.Emit(Observation{Kind: ObsOffline})
}
