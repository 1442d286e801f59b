package filesync

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// stuckQueueTicksThreshold is how many consecutive ticks of "queued work
// but nothing in flight" must be observed before the heartbeat forces a
// recovery.
const stuckQueueTicksThreshold = 2

// Supervisor is the Liveness Supervisor: a heartbeat that,
// while the session is leader and online, detects a dead/stalled stream
// and a stuck queue, plus a one-time stale-transfer recovery pass run at
// startup.
type Supervisor struct {
	interval time.Duration // 0 disables the heartbeat entirely

	executor *Executor
	stream   *StreamConsumer
	state    *StateStore
	catalog  CatalogStore
	bus      *observationBus
	logger   *slog.Logger

	isLeader func() bool
	isOnline func() bool
	restartStream func(ctx context.Context)

	stallThreshold time.Duration

	stuckTicks        int
	staleRecoveryDone atomic.Bool

	cancel context.CancelFunc
}

// NewSupervisor wires a Supervisor. restartStream is injected (rather than
// calling stream.Restart directly) so tests can observe restart calls
// without spinning up a real stream goroutine.
func NewSupervisor(
	interval time.Duration, stallThreshold time.Duration,
	executor *Executor, stream *StreamConsumer, state *StateStore, catalog CatalogStore,
	isLeader, isOnline func() bool, restartStream func(ctx context.Context),
	bus *observationBus, logger *slog.Logger,
) *Supervisor {
	return &Supervisor{
		interval: interval, stallThreshold: stallThreshold,
		executor: executor, stream: stream, state: state, catalog: catalog,
		isLeader: isLeader, isOnline: isOnline, restartStream: restartStream,
		bus: bus, logger: logger,
	}
}

// Start runs the heartbeat loop in the background until ctx is done.
// No-op (no observations ever emitted) if interval is 0.
func (sv *Supervisor) Start(ctx context.Context) {
	if sv.interval <= 0 {
		return
	}

	ctx, sv.cancel = context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(sv.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sv.tick(ctx)
			}
		}
	}()
}

// Stop cancels the heartbeat loop.
func (sv *Supervisor) Stop() {
	if sv.cancel != nil {
		sv.cancel()
	}
}

func (sv *Supervisor) tick(ctx context.Context) {
	if !sv.isLeader() || !sv.isOnline() {
		return
	}

	sv.checkStreamLiveness(ctx)
	sv.checkStuckQueue(ctx)
	sv.checkStreamStall(ctx)
}

func (sv *Supervisor) checkStreamLiveness(ctx context.Context) {
	if sv.stream.IsAlive() {
		return
	}

	sv.restartStream(ctx)
	sv.bus.Emit(Observation{Kind: ObsHeartbeatRecovery, Reason: "stream-dead"})
}

func (sv *Supervisor) checkStuckQueue(ctx context.Context) {
	queued := sv.executor.QueuedCount()
	inflight := sv.executor.InflightCount()

	if queued > 0 && inflight == 0 {
		sv.stuckTicks++

		if sv.stuckTicks >= stuckQueueTicksThreshold {
			sv.executor.EnsureWorkers(ctx)
			sv.executor.Resume()
			sv.bus.Emit(Observation{Kind: ObsHeartbeatRecovery, Reason: "stuck-queue"})
			sv.stuckTicks = 0
		}

		return
	}

	sv.stuckTicks = 0
}

func (sv *Supervisor) checkStreamStall(ctx context.Context) {
	if sv.stallThreshold <= 0 {
		return
	}

	lastAt, processed := sv.stream.LastBatchAt()
	if !processed {
		return
	}

	if time.Since(lastAt) <= sv.stallThreshold {
		return
	}

	head, err := sv.catalog.Head(ctx)
	if err != nil {
		return
	}

	if head == sv.stream.LastBatchCursor() {
		return // stream is caught up with the catalog head; not actually stalled
	}

	sv.restartStream(ctx)
	sv.bus.Emit(Observation{Kind: ObsHeartbeatRecovery, Reason: "stream-stalled"})
}

// RunStaleTransferRecovery demotes every in_progress entry to queued (no
// worker can own it on a fresh process) and every error entry to queued
// with a cleared error message, re-enqueuing all of them. Runs exactly
// once per start() lifecycle, gated by staleRecoveryDone.
func (sv *Supervisor) RunStaleTransferRecovery(ctx context.Context) error {
	if !sv.staleRecoveryDone.CompareAndSwap(false, true) {
		return nil
	}

	var affected []string

	err := sv.state.AtomicUpdate(ctx, func(m map[string]StateEntry) map[string]StateEntry {
		for id, entry := range m {
			changed := false

			if entry.UploadStatus == StatusInProgress || entry.UploadStatus == StatusError {
				entry.UploadStatus = StatusQueued
				changed = true
			}

			if entry.DownloadStatus == StatusInProgress || entry.DownloadStatus == StatusError {
				entry.DownloadStatus = StatusQueued
				changed = true
			}

			if changed {
				entry.LastSyncError = ""
				m[id] = entry
				affected = append(affected, id)
			}
		}

		return m
	})
	if err != nil {
		return err
	}

	for _, id := range affected {
		sv.reenqueueFromState(ctx, id)
	}

	if len(affected) > 0 {
		sv.bus.Emit(Observation{Kind: ObsErrorRetryStart, FileIDs: affected})
	}

	return nil
}

func (sv *Supervisor) reenqueueFromState(ctx context.Context, fileID string) {
	entries, err := sv.state.GetState(ctx)
	if err != nil {
		return
	}

	entry, ok := entries[fileID]
	if !ok {
		return
	}

	if entry.UploadStatus == StatusQueued {
		sv.executor.EnqueueUpload(fileID)
	}

	if entry.DownloadStatus == StatusQueued {
		sv.executor.EnqueueDownload(fileID)
	}
}
