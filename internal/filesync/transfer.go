package filesync

import (
	"context"
	"fmt"
	"log/slog"
)

// connectivityProbe is consulted by the worker on every transfer failure so
// the system can transition offline eagerly rather than waiting for the
// next Connectivity Loop tick.
type connectivityProbe func(ctx context.Context)

// transferWorker implements TransferHandler. It is the only
// component that touches LocalStore, RemoteStore, and Hasher directly
// during a transfer; the Executor only knows about Attempt/OnExhausted.
type transferWorker struct {
	state   *StateStore
	catalog CatalogStore
	local   LocalStore
	remote  RemoteStore
	hasher  Hasher
	bus     *observationBus
	probe   connectivityProbe
	logger  *slog.Logger
}

func newTransferWorker(
	state *StateStore, catalog CatalogStore, local LocalStore, remote RemoteStore,
	hasher Hasher, bus *observationBus, probe connectivityProbe, logger *slog.Logger,
) *transferWorker {
	return &transferWorker{
		state: state, catalog: catalog, local: local, remote: remote,
		hasher: hasher, bus: bus, probe: probe, logger: logger,
	}
}

// Attempt implements TransferHandler. It sets in_progress, emits `start`,
// and dispatches to the upload or download path. A failure only probes
// connectivity and returns the error — it must not touch the error state or
// emit an error observation, since the Executor may still retry; OnExhausted
// alone performs that terminal transition.
func (w *transferWorker) Attempt(ctx context.Context, fileID string, dir Direction) error {
	if err := w.state.SetTransferStatus(ctx, fileID, dir, StatusInProgress); err != nil {
		return fmt.Errorf("filesync: mark in_progress: %w", err)
	}

	w.bus.Emit(startObservation(dir, fileID))

	record, found, err := w.catalog.GetRecord(ctx, fileID)
	if err != nil {
		return fmt.Errorf("filesync: load record for transfer: %w", err)
	}

	if !found || record.Tombstoned() {
		return w.handleGoneDuringTransfer(ctx, fileID, dir, record, found)
	}

	var transferErr error

	switch dir {
	case DirectionUpload:
		transferErr = w.attemptUpload(ctx, fileID, record)
	case DirectionDownload:
		transferErr = w.attemptDownload(ctx, fileID, record)
	}

	if transferErr != nil {
		w.probe(ctx)
		return transferErr
	}

	return nil
}

// handleGoneDuringTransfer implements the "deleted during transfer" cleanup:
// remove local state, and for an upload-in-flight delete any just-uploaded
// remote key. Returns nil (success) — the executor must not retry a file
// that no longer exists.
func (w *transferWorker) handleGoneDuringTransfer(
	ctx context.Context, fileID string, dir Direction, record FileRecord, found bool,
) error {
	if found && dir == DirectionUpload && record.RemoteKey != "" {
		if delErr := w.remote.Delete(ctx, record.RemoteKey); delErr != nil {
			w.logger.Warn("cleanup: failed deleting orphaned remote key",
				slog.String("file_id", fileID), slog.String("error", delErr.Error()))
		}
	}

	if rmErr := w.state.Remove(ctx, fileID); rmErr != nil {
		w.logger.Warn("cleanup: failed removing state entry",
			slog.String("file_id", fileID), slog.String("error", rmErr.Error()))
	}

	return nil
}

// attemptUpload reads local bytes, uploads them, then stamps the remote key
// and marks upload done.
func (w *transferWorker) attemptUpload(ctx context.Context, fileID string, record FileRecord) error {
	data, err := w.local.ReadFile(ctx, record.Path)
	if err != nil {
		return fmt.Errorf("filesync: read local bytes for upload: %w", err)
	}

	progress := func(loaded, total int64) {
		w.bus.Emit(progressObservation(DirectionUpload, fileID, loaded, total))
	}

	remoteKey, err := w.remote.Upload(ctx, data, record.ContentHash, progress)
	if err != nil {
		return fmt.Errorf("filesync: upload: %w", err)
	}

	if err := w.catalog.CommitFileEvent(ctx, UpdateFileEvent{
		FileID: fileID, Path: record.Path, ContentHash: record.ContentHash, RemoteKey: remoteKey,
	}); err != nil {
		return fmt.Errorf("filesync: stamp remote key: %w", err)
	}

	if err := w.state.SetTransferStatus(ctx, fileID, DirectionUpload, StatusDone); err != nil {
		return fmt.Errorf("filesync: mark upload done: %w", err)
	}

	w.bus.Emit(Observation{Kind: ObsUploadComplete, FileID: fileID})

	return nil
}

// attemptDownload downloads bytes, writes them to the local store at the
// record's path, hashes them, and records both statuses done.
func (w *transferWorker) attemptDownload(ctx context.Context, fileID string, record FileRecord) error {
	progress := func(loaded, total int64) {
		w.bus.Emit(progressObservation(DirectionDownload, fileID, loaded, total))
	}

	data, err := w.remote.Download(ctx, record.RemoteKey, progress)
	if err != nil {
		return fmt.Errorf("filesync: download: %w", err)
	}

	if err := w.local.WriteFile(ctx, record.Path, data); err != nil {
		return fmt.Errorf("filesync: write downloaded bytes: %w", err)
	}

	localHash := w.hasher.Hash(data)

	if err := w.state.AtomicUpdate(ctx, func(m map[string]StateEntry) map[string]StateEntry {
		entry, ok := m[fileID]
		if !ok {
			entry = StateEntry{FileID: fileID, Path: record.Path}
		}

		entry.LocalHash = localHash
		entry.UploadStatus = StatusDone
		entry.DownloadStatus = StatusDone
		entry.LastSyncError = ""
		m[fileID] = entry

		return m
	}); err != nil {
		return fmt.Errorf("filesync: mark download done: %w", err)
	}

	w.bus.Emit(Observation{Kind: ObsDownloadComplete, FileID: fileID})

	return nil
}

// OnExhausted implements TransferHandler: the executor has exhausted
// retries, so this is the sole place that transitions the direction-status
// to error and emits the error observation — a mid-retry failure that later
// succeeds must never be visible outside the Executor.
func (w *transferWorker) OnExhausted(ctx context.Context, fileID string, dir Direction, err error) {
	_ = w.state.SetTransferError(ctx, fileID, dir, StatusError, err.Error())
	w.bus.Emit(errorObservation(dir, fileID, err))
}

func startObservation(dir Direction, fileID string) Observation {
	if dir == DirectionUpload {
		return Observation{Kind: ObsUploadStart, FileID: fileID}
	}

	return Observation{Kind: ObsDownloadStart, FileID: fileID}
}

func progressObservation(dir Direction, fileID string, loaded, total int64) Observation {
	kind := ObsUploadProgress
	if dir == DirectionDownload {
		kind = ObsDownloadProgress
	}

	return Observation{Kind: kind, FileID: fileID, Loaded: loaded, Total: total}
}

func errorObservation(dir Direction, fileID string, err error) Observation {
	kind := ObsUploadError
	if dir == DirectionDownload {
		kind = ObsDownloadError
	}

	return Observation{Kind: kind, FileID: fileID, Error: err.Error()}
}
