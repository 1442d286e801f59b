package filesync

import (
	"log/slog"
	"sync"
)

// ObservationKind tags an Observation for subscribers that only care about
// one class of event.
type ObservationKind string

// Observation kinds, the full outbound observation surface.
const (
	ObsOnline              ObservationKind = "online"
	ObsOffline             ObservationKind = "offline"
	ObsSyncStart           ObservationKind = "sync:start"
	ObsSyncComplete        ObservationKind = "sync:complete"
	ObsSyncError           ObservationKind = "sync:error"
	ObsStreamError         ObservationKind = "sync:stream-error"
	ObsRecovery            ObservationKind = "sync:recovery"
	ObsStreamExhausted     ObservationKind = "sync:stream-exhausted"
	ObsHeartbeatRecovery   ObservationKind = "sync:heartbeat-recovery"
	ObsErrorRetryStart     ObservationKind = "sync:error-retry-start"
	ObsUploadStart         ObservationKind = "upload:start"
	ObsUploadProgress      ObservationKind = "upload:progress"
	ObsUploadComplete      ObservationKind = "upload:complete"
	ObsUploadError         ObservationKind = "upload:error"
	ObsDownloadStart       ObservationKind = "download:start"
	ObsDownloadProgress    ObservationKind = "download:progress"
	ObsDownloadComplete    ObservationKind = "download:complete"
	ObsDownloadError       ObservationKind = "download:error"
)

// Observation is a single tagged event delivered to subscribers of the
// outbound observation stream.
type Observation struct {
	Kind    ObservationKind
	FileID  string
	Error   string
	Context string // e.g. "bootstrap", "event-batch" for ObsSyncError
	Attempt int
	From    string // e.g. "error-retry" for ObsRecovery
	Reason  string // e.g. "stream-dead", "stuck-queue", "stream-stalled"
	Loaded  int64
	Total   int64
	FileIDs []string
}

// ObservationFunc is a subscriber callback. It must not block for long; it
// runs synchronously on the emitter's goroutine.
type ObservationFunc func(Observation)

// observationBus is a simple fan-out pub/sub. Subscribers are independent:
// a panicking callback is caught and logged, never allowed to prevent
// delivery to the remaining subscribers.
type observationBus struct {
	mu     sync.RWMutex
	subs   map[int]ObservationFunc
	nextID int
	logger *slog.Logger
}

func newObservationBus(logger *slog.Logger) *observationBus {
	return &observationBus{subs: make(map[int]ObservationFunc), logger: logger}
}

// Subscribe registers fn and returns an unsubscribe function.
func (b *observationBus) Subscribe(fn ObservationFunc) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Emit delivers obs to every current subscriber, catching panics per
// subscriber so one throwing callback never blocks the others.
func (b *observationBus) Emit(obs Observation) {
	b.mu.RLock()
	fns := make([]ObservationFunc, 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.safeCall(fn, obs)
	}
}

func (b *observationBus) safeCall(fn ObservationFunc, obs Observation) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("observation subscriber panicked",
				slog.Any("panic", r),
				slog.String("kind", string(obs.Kind)),
			)
		}
	}()

	fn(obs)
}
