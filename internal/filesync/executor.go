package filesync

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ExecutorConfig tunes the Transfer Executor's concurrency and retry
// behavior.
type ExecutorConfig struct {
	MaxConcurrentUploads   int
	MaxConcurrentDownloads int
	BaseDelay              time.Duration
	MaxDelay               time.Duration
	Jitter                 time.Duration
	MaxRetries             int
}

// DefaultExecutorConfig returns reasonable defaults, following the same
// default-struct pattern as the rest of this package's Config types.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrentUploads:   8,
		MaxConcurrentDownloads: 8,
		BaseDelay:              500 * time.Millisecond,
		MaxDelay:               30 * time.Second,
		Jitter:                 250 * time.Millisecond,
		MaxRetries:             5,
	}
}

// TransferHandler performs the actual byte-level work for one queued
// transfer. The Transfer Executor is indifferent to *why* an attempt
// failed — classification belongs to the handler. OnExhausted is invoked exactly once, after the final retry
// attempt fails, so the handler can transition state to StatusError.
type TransferHandler interface {
	Attempt(ctx context.Context, fileID string, dir Direction) error
	OnExhausted(ctx context.Context, fileID string, dir Direction, err error)
}

// pollInterval is how often an idle worker re-polls its queue. Small
// enough that enqueue-to-pickup latency is unnoticeable, large enough to
// avoid burning CPU on an empty system.
const pollInterval = 50 * time.Millisecond

// Executor is the Transfer Executor: two bounded-concurrency
// dispatchers, one per direction, each draining its own priority deque
// and fanning attempts out under a semaphore cap, with retry/backoff on
// failure.
type Executor struct {
	cfg     ExecutorConfig
	handler TransferHandler
	logger  *slog.Logger

	uploadQ   *transferQueue
	downloadQ *transferQueue

	uploadSem   *semaphore.Weighted
	downloadSem *semaphore.Weighted

	paused atomic.Bool
	cancel context.CancelFunc
	group  *errgroup.Group

	runMu   sync.Mutex
	running bool
}

// NewExecutor creates an Executor. Workers are not started until
// EnsureWorkers is called.
func NewExecutor(cfg ExecutorConfig, handler TransferHandler, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:         cfg,
		handler:     handler,
		logger:      logger,
		uploadQ:     newTransferQueue(),
		downloadQ:   newTransferQueue(),
		uploadSem:   semaphore.NewWeighted(int64(max(1, cfg.MaxConcurrentUploads))),
		downloadSem: semaphore.NewWeighted(int64(max(1, cfg.MaxConcurrentDownloads))),
	}
}

// Start is an alias for EnsureWorkers(ctx) kept for symmetry with the rest
// of the lifecycle methods on Engine's components.
func (e *Executor) Start(ctx context.Context) { e.EnsureWorkers(ctx) }

// EnsureWorkers spawns the worker pools into ctx's lifetime if they are not
// already running. Idempotent — safe to call from the heartbeat's
// stuck-queue recovery as well as from normal startup, and safe to call
// again after a prior Stop to restart the pools.
func (e *Executor) EnsureWorkers(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.running {
		return
	}

	workCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	group, groupCtx := errgroup.WithContext(workCtx)
	e.group = group

	e.spawnDispatcher(groupCtx, group, DirectionUpload, e.uploadQ, e.uploadSem)
	e.spawnDispatcher(groupCtx, group, DirectionDownload, e.downloadQ, e.downloadSem)

	e.logger.Info("executor workers started",
		slog.Int("upload_workers", e.cfg.MaxConcurrentUploads),
		slog.Int("download_workers", e.cfg.MaxConcurrentDownloads),
	)
}

// spawnDispatcher runs a single poll loop for dir that fans each dequeued
// transfer out into its own errgroup goroutine, bounded by sem so at most
// sem's weight run concurrently. This is the teacher's fixed-goroutine pool
// generalized to a semaphore-capped fan-out, so the cap can be sized
// independently of how many dispatch loops exist.
func (e *Executor) spawnDispatcher(ctx context.Context, group *errgroup.Group, dir Direction, q *transferQueue, sem *semaphore.Weighted) {
	group.Go(func() error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if e.paused.Load() {
					continue
				}

				fileID, ok := q.pop()
				if !ok {
					continue
				}

				if err := sem.Acquire(ctx, 1); err != nil {
					q.requeueTail(fileID)
					return nil
				}

				group.Go(func() error {
					defer sem.Release(1)
					e.runWithRetry(ctx, fileID, dir, q)
					return nil
				})
			}
		}
	})
}

// runWithRetry executes one dequeued transfer, retrying with exponential
// backoff + jitter up to MaxRetries, then surfaces the failure to the
// handler for terminal error-state transition.
func (e *Executor) runWithRetry(ctx context.Context, fileID string, dir Direction, q *transferQueue) {
	attempt := 0

	for {
		err := e.handler.Attempt(ctx, fileID, dir)
		if err == nil {
			q.complete(fileID)
			return
		}

		if ctx.Err() != nil {
			q.complete(fileID)
			return
		}

		if attempt >= e.cfg.MaxRetries {
			q.complete(fileID)
			e.handler.OnExhausted(ctx, fileID, dir, err)

			return
		}

		delay := e.backoff(attempt)
		attempt++

		select {
		case <-ctx.Done():
			q.complete(fileID)
			return
		case <-time.After(delay):
		}

		q.requeueTail(fileID)

		return
	}
}

// backoff computes min(MaxDelay, BaseDelay*2^attempt) + uniform(0, Jitter).
func (e *Executor) backoff(attempt int) time.Duration {
	exp := float64(e.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	d := time.Duration(exp)

	if e.cfg.MaxDelay > 0 && d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}

	if e.cfg.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(e.cfg.Jitter) + 1))
	}

	return d
}

// Pause stops workers from popping new work. In-flight transfers are not
// interrupted.
func (e *Executor) Pause() { e.paused.Store(true) }

// Resume allows workers to resume popping.
func (e *Executor) Resume() { e.paused.Store(false) }

// IsPaused reports the current pause state.
func (e *Executor) IsPaused() bool { return e.paused.Load() }

// EnqueueUpload enqueues fileID on the upload deque. Idempotent.
func (e *Executor) EnqueueUpload(fileID string) bool { return e.uploadQ.enqueue(fileID) }

// EnqueueDownload enqueues fileID on the download deque. Idempotent.
func (e *Executor) EnqueueDownload(fileID string) bool { return e.downloadQ.enqueue(fileID) }

// CancelDownload removes fileID from the download deque, or flags it so an
// imminent pop is skipped. A running download is not interrupted.
func (e *Executor) CancelDownload(fileID string) { e.downloadQ.cancel(fileID) }

// PrioritizeDownload moves fileID to the head of the download deque.
func (e *Executor) PrioritizeDownload(fileID string) { e.downloadQ.prioritize(fileID) }

// QueuedCount returns the combined queued length across both directions.
func (e *Executor) QueuedCount() int {
	return e.uploadQ.queuedCount() + e.downloadQ.queuedCount()
}

// InflightCount returns the combined in-flight count across both directions.
func (e *Executor) InflightCount() int {
	return e.uploadQ.inflightCount() + e.downloadQ.inflightCount()
}

// Stop cancels all worker goroutines and waits for them to exit. A later
// EnsureWorkers call spawns a fresh pool.
func (e *Executor) Stop() {
	e.runMu.Lock()
	cancel := e.cancel
	group := e.group
	e.running = false
	e.runMu.Unlock()

	if cancel != nil {
		cancel()
	}

	if group != nil {
		group.Wait()
	}
}
