package filesync

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// StreamConfig tunes the Event Stream Consumer's reconnect behavior.
type StreamConfig struct {
	MaxRecoveryAttempts int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	RecoveryDeadline    time.Duration // total wall-clock budget across all attempts
	StallThreshold      time.Duration // 0 disables stall detection
}

// DefaultStreamConfig returns reasonable production defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxRecoveryAttempts: 5,
		BaseDelay:           1 * time.Second,
		MaxDelay:            60 * time.Second,
		RecoveryDeadline:    5 * time.Minute,
		StallThreshold:      30 * time.Second,
	}
}

// StreamConsumer subscribes to the catalog's filtered ordered event stream
// from the persisted cursor, dispatching every event to the reconciler in
// order and persisting the cursor after each batch.
//
// The running goroutine is tracked by doneCh: IsAlive reports whether it
// has exited, and the Liveness Supervisor calls Restart when it finds
// doneCh closed.
type StreamConsumer struct {
	catalog    CatalogStore
	reconciler *reconciler
	clientID   string
	cfg        StreamConfig
	bus        *observationBus
	logger     *slog.Logger

	mu              sync.Mutex
	cancel          context.CancelFunc
	doneCh          chan struct{}
	lastBatchAt     time.Time
	lastBatchCursor uint64
	processedBatch  bool
}

// NewStreamConsumer creates a consumer bound to one client/session id.
func NewStreamConsumer(
	catalog CatalogStore, reconciler *reconciler, clientID string,
	cfg StreamConfig, bus *observationBus, logger *slog.Logger,
) *StreamConsumer {
	return &StreamConsumer{
		catalog: catalog, reconciler: reconciler, clientID: clientID,
		cfg: cfg, bus: bus, logger: logger,
	}
}

// IsAlive reports whether the stream's background goroutine is currently
// running. False before the first Start and after the goroutine exits.
func (s *StreamConsumer) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doneCh == nil {
		return false
	}

	select {
	case <-s.doneCh:
		return false
	default:
		return true
	}
}

// Start launches the bootstrap pass followed by the streaming phase in a
// background goroutine. No-op if already running.
func (s *StreamConsumer) Start(ctx context.Context) {
	if s.IsAlive() {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.doneCh = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.run(runCtx)
	}()
}

// Restart stops the current stream goroutine (if any) and starts a fresh
// one. Used by the Liveness Supervisor on stream-dead and stream-stalled
// detection.
func (s *StreamConsumer) Restart(ctx context.Context) {
	s.Stop()
	s.Start(ctx)
}

// Stop cancels the background goroutine and waits for it to exit.
func (s *StreamConsumer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.doneCh
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if done != nil {
		<-done
	}
}

// LastBatchAt / LastBatchCursor report the stall detector's tracked state.
func (s *StreamConsumer) LastBatchAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastBatchAt, s.processedBatch
}

func (s *StreamConsumer) LastBatchCursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastBatchCursor
}

// run performs the bootstrap pass, then enters the reconnect-and-stream
// loop until ctx is canceled or recovery is exhausted.
func (s *StreamConsumer) run(ctx context.Context) {
	if err := s.Bootstrap(ctx); err != nil {
		s.bus.Emit(Observation{Kind: ObsSyncError, Context: "bootstrap", Error: err.Error()})
	}

	s.streamLoop(ctx)
}

// Bootstrap reads the current catalog snapshot and drives each live record
// through the reconciler as a synthesized file_updated event, then sets the
// cursor to the upstream head. Bootstrap is idempotent: running it twice
// without intervening events produces identical state.
func (s *StreamConsumer) Bootstrap(ctx context.Context) error {
	records, err := s.catalog.ListLive(ctx)
	if err != nil {
		return fmt.Errorf("filesync: bootstrap list live records: %w", err)
	}

	for _, record := range records {
		event := CatalogEvent{Kind: EventFileUpdated, Record: record}
		if recErr := s.reconciler.Reconcile(ctx, event); recErr != nil {
			s.bus.Emit(Observation{Kind: ObsSyncError, Context: "event-batch", Error: recErr.Error(), FileID: record.FileID})
		}
	}

	head, err := s.catalog.Head(ctx)
	if err != nil {
		return fmt.Errorf("filesync: bootstrap read head: %w", err)
	}

	if err := s.catalog.SetCursor(ctx, s.clientID, head); err != nil {
		return fmt.Errorf("filesync: bootstrap set cursor: %w", err)
	}

	return nil
}

// streamLoop subscribes from the persisted cursor and processes events
// until the subscription ends, then reconnects with exponential backoff
// bounded by MaxRecoveryAttempts and RecoveryDeadline.
func (s *StreamConsumer) streamLoop(ctx context.Context) {
	deadline := time.Now().Add(s.cfg.RecoveryDeadline)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		cursor, err := s.catalog.GetCursor(ctx, s.clientID)
		if err != nil {
			s.handleStreamError(ctx, err, &attempt, deadline)
			if attempt > s.cfg.MaxRecoveryAttempts {
				return
			}

			continue
		}

		err = s.consumeUntilClosed(ctx, cursor)
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			// Subscription ended cleanly (e.g. server closed it); treat as
			// a recoverable disconnect like any other stream error.
			err = errStreamEnded
		}

		attempt++
		s.bus.Emit(Observation{Kind: ObsStreamError, Error: err.Error(), Attempt: attempt})

		if attempt > s.cfg.MaxRecoveryAttempts || time.Now().After(deadline) {
			s.bus.Emit(Observation{Kind: ObsStreamExhausted, Error: err.Error(), Attempt: attempt})
			return
		}

		s.sleepBackoff(ctx, attempt)
		s.bus.Emit(Observation{Kind: ObsRecovery, From: "stream-error"})
	}
}

var errStreamEnded = fmt.Errorf("filesync: event subscription ended")

func (s *StreamConsumer) handleStreamError(ctx context.Context, err error, attempt *int, deadline time.Time) {
	*attempt++
	s.bus.Emit(Observation{Kind: ObsStreamError, Error: err.Error(), Attempt: *attempt})

	if *attempt > s.cfg.MaxRecoveryAttempts || time.Now().After(deadline) {
		s.bus.Emit(Observation{Kind: ObsStreamExhausted, Error: err.Error(), Attempt: *attempt})
		return
	}

	s.sleepBackoff(ctx, *attempt)
}

func (s *StreamConsumer) sleepBackoff(ctx context.Context, attempt int) {
	exp := float64(s.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	d := time.Duration(exp)

	if s.cfg.MaxDelay > 0 && d > s.cfg.MaxDelay {
		d = s.cfg.MaxDelay
	}

	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// consumeUntilClosed subscribes from `since` and processes events as they
// arrive, accumulating a pseudo-batch of whatever is immediately available
// each time the channel wakes, persisting the cursor once per batch.
func (s *StreamConsumer) consumeUntilClosed(ctx context.Context, since uint64) error {
	events, stop, err := s.catalog.Subscribe(ctx, since)
	if err != nil {
		return fmt.Errorf("filesync: subscribe: %w", err)
	}
	defer stop()

	for {
		first, ok := <-events
		if !ok {
			return nil
		}

		batch := []CatalogEvent{first}
		batch = s.drainAvailable(events, batch)

		if err := s.processBatch(ctx, batch); err != nil {
			return err
		}
	}
}

// drainAvailable opportunistically collects any further events that are
// already buffered in the channel without blocking, forming one batch.
func (s *StreamConsumer) drainAvailable(events <-chan CatalogEvent, batch []CatalogEvent) []CatalogEvent {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return batch
			}

			batch = append(batch, ev)
		default:
			return batch
		}
	}
}

// processBatch reconciles every event in order (per-event isolated), then
// atomically persists the cursor as the last event's sequence number.
func (s *StreamConsumer) processBatch(ctx context.Context, batch []CatalogEvent) error {
	for _, event := range batch {
		s.reconcileOneIsolated(ctx, event)
	}

	last := batch[len(batch)-1]

	if err := s.catalog.SetCursor(ctx, s.clientID, last.Sequence); err != nil {
		return fmt.Errorf("filesync: persist cursor: %w", err)
	}

	s.mu.Lock()
	s.lastBatchAt = time.Now()
	s.lastBatchCursor = last.Sequence
	s.processedBatch = true
	s.mu.Unlock()

	return nil
}

// reconcileOneIsolated wraps a single event's reconciliation so a failure
// never aborts the rest of the batch nor the cursor advance.
func (s *StreamConsumer) reconcileOneIsolated(ctx context.Context, event CatalogEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.Emit(Observation{
				Kind: ObsSyncError, Context: "event-batch",
				Error: fmt.Sprintf("panic: %v", r), FileID: event.Record.FileID,
			})
		}
	}()

	if err := s.reconciler.Reconcile(ctx, event); err != nil {
		s.bus.Emit(Observation{
			Kind: ObsSyncError, Context: "event-batch",
			Error: err.Error(), FileID: event.Record.FileID,
		})
	}
}
