package filesync

import (
	"context"
	"fmt"
)

// reconcileDecision is what a reconciler computes from disk I/O, before it
// is written through StateStore.AtomicUpdate.
type reconcileDecision struct {
	// hasEntry is false when no StateEntry should exist (e.g. no local
	// bytes and no remote key yet).
	hasEntry      bool
	entry         StateEntry
	enqueue       Direction
	shouldEnqueue bool
}

// reconciler implements the three per-event handlers. Each
// handler is pure given its inputs; enqueue.go is used by the engine to
// wrap these with per-event panic/error isolation.
type reconciler struct {
	catalog  CatalogStore
	local    LocalStore
	hasher   Hasher
	state    *StateStore
	executor *Executor
}

func newReconciler(catalog CatalogStore, local LocalStore, hasher Hasher, state *StateStore, executor *Executor) *reconciler {
	return &reconciler{catalog: catalog, local: local, hasher: hasher, state: state, executor: executor}
}

// Reconcile dispatches a single catalog event (or a bootstrap-synthesized
// "updated" event) to the matching handler and applies its decision.
func (r *reconciler) Reconcile(ctx context.Context, event CatalogEvent) error {
	switch event.Kind {
	case EventFileCreated:
		return r.reconcileCreated(ctx, event.Record)
	case EventFileUpdated:
		return r.reconcileUpdated(ctx, event.Record)
	case EventFileDeleted:
		return r.reconcileDeleted(ctx, event.Record)
	default:
		return fmt.Errorf("filesync: unknown event kind %q", event.Kind)
	}
}

func (r *reconciler) reconcileCreated(ctx context.Context, record FileRecord) error {
	exists, err := r.local.FileExists(ctx, record.Path)
	if err != nil {
		return fmt.Errorf("filesync: check local existence: %w", err)
	}

	if !exists {
		return nil
	}

	decision := reconcileDecision{
		hasEntry: true,
		entry: StateEntry{
			FileID: record.FileID, Path: record.Path,
			LocalHash: record.ContentHash, UploadStatus: StatusQueued, DownloadStatus: StatusDone,
		},
		shouldEnqueue: true, enqueue: DirectionUpload,
	}

	return r.apply(ctx, record.FileID, decision)
}

// reconcileUpdated implements the full update decision table across local
// existence, hash match, and remote-key presence. The lh==ch && rk==""
// case attempts an upload rather than treating the record as synced,
// matching a file whose bytes made it to disk but whose remote stamp
// never landed.
func (r *reconciler) reconcileUpdated(ctx context.Context, record FileRecord) error {
	exists, err := r.local.FileExists(ctx, record.Path)
	if err != nil {
		return fmt.Errorf("filesync: check local existence: %w", err)
	}

	if !exists {
		if record.RemoteKey == "" {
			return nil
		}

		return r.apply(ctx, record.FileID, reconcileDecision{
			hasEntry: true,
			entry: StateEntry{
				FileID: record.FileID, Path: record.Path,
				UploadStatus: StatusDone, DownloadStatus: StatusQueued,
			},
			shouldEnqueue: true, enqueue: DirectionDownload,
		})
	}

	data, err := r.local.ReadFile(ctx, record.Path)
	if err != nil {
		return fmt.Errorf("filesync: read local bytes for hash check: %w", err)
	}

	localHash := r.hasher.Hash(data)
	matches := localHash == record.ContentHash

	var decision reconcileDecision

	switch {
	case !matches && record.RemoteKey != "":
		decision = reconcileDecision{
			hasEntry: true,
			entry: StateEntry{
				FileID: record.FileID, Path: record.Path, LocalHash: localHash,
				UploadStatus: StatusDone, DownloadStatus: StatusQueued,
			},
			shouldEnqueue: true, enqueue: DirectionDownload,
		}
	case !matches && record.RemoteKey == "":
		decision = reconcileDecision{
			hasEntry: true,
			entry: StateEntry{
				FileID: record.FileID, Path: record.Path, LocalHash: localHash,
				UploadStatus: StatusQueued, DownloadStatus: StatusDone,
			},
			shouldEnqueue: true, enqueue: DirectionUpload,
		}
	case matches && record.RemoteKey == "":
		// Bytes landed but the catalog never got the remote key stamped.
		// Treat it as not-yet-synced rather than assume the upload happened.
		decision = reconcileDecision{
			hasEntry: true,
			entry: StateEntry{
				FileID: record.FileID, Path: record.Path, LocalHash: localHash,
				UploadStatus: StatusQueued, DownloadStatus: StatusDone,
			},
			shouldEnqueue: true, enqueue: DirectionUpload,
		}
	default: // matches && rk != ""
		decision = reconcileDecision{
			hasEntry: true,
			entry: StateEntry{
				FileID: record.FileID, Path: record.Path, LocalHash: localHash,
				UploadStatus: StatusDone, DownloadStatus: StatusDone,
			},
		}
	}

	return r.apply(ctx, record.FileID, decision)
}

// reconcileDeleted cancels any queued download, drops the state entry, and
// deletes local bytes at the record's content-addressed path — but only if
// no other live record still references that same path, since two records
// with identical content share a path.
func (r *reconciler) reconcileDeleted(ctx context.Context, record FileRecord) error {
	r.executor.CancelDownload(record.FileID)

	if err := r.state.Remove(ctx, record.FileID); err != nil {
		return fmt.Errorf("filesync: remove state entry on delete: %w", err)
	}

	others, err := r.catalog.ListAllForPath(ctx, record.Path)
	if err != nil {
		return fmt.Errorf("filesync: check remaining references to path: %w", err)
	}

	if len(others) > 0 {
		return nil
	}

	exists, err := r.local.FileExists(ctx, record.Path)
	if err != nil {
		return fmt.Errorf("filesync: check local existence before delete: %w", err)
	}

	if !exists {
		return nil
	}

	if err := r.local.DeleteFile(ctx, record.Path); err != nil {
		return fmt.Errorf("filesync: delete local bytes for deleted file: %w", err)
	}

	return nil
}

// apply writes decision through AtomicUpdate, preserving any concurrent
// queued/in_progress status a worker has already set rather than
// regressing it back toward the decision's computed status.
func (r *reconciler) apply(ctx context.Context, fileID string, decision reconcileDecision) error {
	if !decision.hasEntry {
		return nil
	}

	err := r.state.AtomicUpdate(ctx, func(m map[string]StateEntry) map[string]StateEntry {
		existing, hasExisting := m[fileID]

		merged := decision.entry
		if hasExisting {
			if isActive(existing.UploadStatus) {
				merged.UploadStatus = existing.UploadStatus
			}

			if isActive(existing.DownloadStatus) {
				merged.DownloadStatus = existing.DownloadStatus
			}
		}

		m[fileID] = merged

		return m
	})
	if err != nil {
		return fmt.Errorf("filesync: apply reconcile decision: %w", err)
	}

	if decision.shouldEnqueue {
		r.enqueueIfStillQueued(ctx, fileID, decision.enqueue)
	}

	return nil
}

// enqueueIfStillQueued only enqueues a transfer if the merged status is
// still `queued` — if a worker's in_progress/done status won the merge in
// apply, enqueuing again would be redundant (the queue's own dedup would
// also catch this, but checking here avoids even attempting it).
func (r *reconciler) enqueueIfStillQueued(ctx context.Context, fileID string, dir Direction) {
	entries, err := r.state.GetState(ctx)
	if err != nil {
		return
	}

	entry, ok := entries[fileID]
	if !ok {
		return
	}

	status := entry.UploadStatus
	if dir == DirectionDownload {
		status = entry.DownloadStatus
	}

	if status != StatusQueued {
		return
	}

	switch dir {
	case DirectionUpload:
		r.executor.EnqueueUpload(fileID)
	case DirectionDownload:
		r.executor.EnqueueDownload(fileID)
	}
}

func isActive(status TransferStatus) bool {
	return status == StatusQueued || status == StatusInProgress
}
