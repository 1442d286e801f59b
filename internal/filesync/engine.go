package filesync

import (
	"context"
	"log/slog"
	"sync"
)

// Engine is the top-level FileSync core: it wires the
// Local File State Store, Transfer Executor, Transfer Workers, Event
// Stream Consumer, Per-Event Reconcilers, Liveness Supervisor,
// Connectivity Loop, File CRUD Facade, and Leadership Gate together and
// drives their start/stop lifecycle.
type Engine struct {
	CRUD *CRUDFacade

	state      *StateStore
	executor   *Executor
	stream     *StreamConsumer
	reconciler *reconciler
	supervisor *Supervisor
	conn       *ConnectivityLoop
	leadership *LeadershipGate
	bus        *observationBus
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewEngine constructs an Engine for one client/session against the given
// external collaborators. No background work starts until Start is called.
func NewEngine(
	catalog CatalogStore, local LocalStore, remote RemoteStore, hasher Hasher,
	clientID string, cfg Config, logger *slog.Logger,
) *Engine {
	bus := newObservationBus(logger)
	state := NewStateStore(catalog, clientID, logger)

	conn := NewConnectivityLoop(cfg.HealthCheckInterval, remote, state, nil, bus, logger)

	worker := newTransferWorker(state, catalog, local, remote, hasher, bus, conn.Probe, logger)
	executor := NewExecutor(cfg.Executor, worker, logger)
	conn.executor = executor

	recon := newReconciler(catalog, local, hasher, state, executor)
	stream := NewStreamConsumer(catalog, recon, clientID, cfg.Stream, bus, logger)

	supervisor := NewSupervisor(
		cfg.HeartbeatInterval, cfg.Stream.StallThreshold,
		executor, stream, state, catalog,
		func() bool { return false }, conn.IsOnline, stream.Restart,
		bus, logger,
	)

	leadership := NewLeadershipGate(catalog, clientID, executor, stream, supervisor, conn.IsOnline, bus, logger)
	supervisor.isLeader = leadership.IsLeader

	preprocessors := NewPreprocessorRegistry(cfg.Preprocessors)
	crud := NewCRUDFacade(catalog, local, remote, hasher, state, executor, preprocessors, bus, cfg.StoreRoot, cfg.AutoPrioritizeOnResolve)

	return &Engine{
		CRUD: crud,

		state: state, executor: executor, stream: stream, reconciler: recon,
		supervisor: supervisor, conn: conn, leadership: leadership,
		bus: bus, logger: logger,
	}
}

// Subscribe registers a callback on the outbound observation stream.
func (e *Engine) Subscribe(fn ObservationFunc) (unsubscribe func()) {
	return e.bus.Subscribe(fn)
}

// IsLeader reports whether this client currently drives background sync.
func (e *Engine) IsLeader() bool { return e.leadership.IsLeader() }

// IsOnline reports the Connectivity Loop's current view of reachability.
func (e *Engine) IsOnline() bool { return e.conn.IsOnline() }

// Start idempotently starts the executor, the Connectivity Loop, and the
// Leadership Gate watcher; the gate itself starts the stream and resumes
// the executor once (and only once) this client becomes leader.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	e.executor.EnsureWorkers(ctx)
	e.conn.Start(ctx)
	e.supervisor.Start(ctx)

	if err := e.leadership.Start(ctx); err != nil {
		return err
	}

	e.running = true

	return nil
}

// Stop idempotently interrupts every background fiber this Engine owns.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}

	e.leadership.Stop()
	e.supervisor.Stop()
	e.conn.Stop()
	e.stream.Stop()
	e.executor.Stop()

	e.running = false
}
