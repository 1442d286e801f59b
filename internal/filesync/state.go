package filesync

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
)

// StateStore is the Local File State Store. It is the sole
// owner of every StateEntry; all mutations funnel through AtomicUpdate so
// the reconciler can inspect the current record and decide what to write
// without racing a worker's own status update. The store does not cache a
// copy across calls — GetState always reads through to the CatalogStore,
// which is the durable source of truth and is what makes entries visible
// to other tabs in the session.
type StateStore struct {
	catalog  CatalogStore
	clientID string
	logger   *slog.Logger

	// mu serializes AtomicUpdate callers. The CatalogStore itself may be
	// safe for concurrent use, but the read-decide-write cycle must be
	// atomic with respect to other StateStore callers in this process, not
	// just with respect to the storage backend.
	mu sync.Mutex
}

// NewStateStore creates a StateStore bound to one client/session id.
func NewStateStore(catalog CatalogStore, clientID string, logger *slog.Logger) *StateStore {
	return &StateStore{catalog: catalog, clientID: clientID, logger: logger}
}

// GetState returns the current map of file_id to entry.
func (s *StateStore) GetState(ctx context.Context) (map[string]StateEntry, error) {
	entries, err := s.catalog.GetStateEntries(ctx, s.clientID)
	if err != nil {
		return nil, fmt.Errorf("filesync: get state entries: %w", err)
	}

	return entries, nil
}

// AtomicUpdate takes a pure function from the current map to the next map
// and commits the resulting diff as a single batch of upsert/remove events.
// Concurrent callers are serialized by mu so the function always observes a
// consistent snapshot and no caller's diff can be clobbered mid-computation.
func (s *StateStore) AtomicUpdate(ctx context.Context, f func(map[string]StateEntry) map[string]StateEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.catalog.GetStateEntries(ctx, s.clientID)
	if err != nil {
		return fmt.Errorf("filesync: atomic update read: %w", err)
	}

	next := f(maps.Clone(current))

	upserts, removes := diffStateMaps(current, next)
	if len(upserts) == 0 && len(removes) == 0 {
		return nil
	}

	if err := s.catalog.CommitStateDiff(ctx, s.clientID, upserts, removes); err != nil {
		return fmt.Errorf("filesync: atomic update commit: %w", err)
	}

	return nil
}

// diffStateMaps computes the minimal upsert/remove batch turning `before`
// into `after`. Per-file upsert/remove events (rather than one whole-map
// replace event) avoid the lost-update hazard of a single giant state
// event racing a concurrent writer (see DESIGN.md).
func diffStateMaps(before, after map[string]StateEntry) (upserts map[string]StateEntry, removes []string) {
	upserts = make(map[string]StateEntry)

	for id, entry := range after {
		if old, ok := before[id]; !ok || old != entry {
			upserts[id] = entry
		}
	}

	for id := range before {
		if _, ok := after[id]; !ok {
			removes = append(removes, id)
		}
	}

	return upserts, removes
}

// SetEntry replaces (or creates) a single entry wholesale.
func (s *StateStore) SetEntry(ctx context.Context, fileID string, entry StateEntry) error {
	return s.AtomicUpdate(ctx, func(m map[string]StateEntry) map[string]StateEntry {
		entry.FileID = fileID
		m[fileID] = entry
		return m
	})
}

// SetTransferStatus sets the status for one direction, leaving everything
// else (including the other direction's status) untouched.
func (s *StateStore) SetTransferStatus(ctx context.Context, fileID string, dir Direction, status TransferStatus) error {
	return s.AtomicUpdate(ctx, func(m map[string]StateEntry) map[string]StateEntry {
		entry, ok := m[fileID]
		if !ok {
			return m
		}

		setDirectionStatus(&entry, dir, status)

		if status != StatusError {
			entry.LastSyncError = ""
		}

		m[fileID] = entry

		return m
	})
}

// SetTransferError sets a direction's status to an error state along with a
// diagnostic message.
func (s *StateStore) SetTransferError(ctx context.Context, fileID string, dir Direction, status TransferStatus, message string) error {
	return s.AtomicUpdate(ctx, func(m map[string]StateEntry) map[string]StateEntry {
		entry, ok := m[fileID]
		if !ok {
			return m
		}

		setDirectionStatus(&entry, dir, status)
		entry.LastSyncError = message
		m[fileID] = entry

		return m
	})
}

// Remove deletes an entry entirely (used on file_deleted reconciliation).
func (s *StateStore) Remove(ctx context.Context, fileID string) error {
	return s.AtomicUpdate(ctx, func(m map[string]StateEntry) map[string]StateEntry {
		delete(m, fileID)
		return m
	})
}

func setDirectionStatus(entry *StateEntry, dir Direction, status TransferStatus) {
	switch dir {
	case DirectionUpload:
		entry.UploadStatus = status
	case DirectionDownload:
		entry.DownloadStatus = status
	}
}
