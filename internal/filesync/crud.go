package filesync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// SavedFile is returned by SaveFile and carries the identifiers the caller
// needs to track the new catalog entry.
type SavedFile struct {
	FileID      string
	Path        string
	ContentHash string
}

// CRUDFacade is the File CRUD Facade: the inbound path that
// mutates the catalog directly, in parallel with the Event Stream
// Consumer's own reconciliation of the resulting events. It is permitted
// to run on non-leader clients since it only submits
// catalog events; only the background reconciler/executor/stream are
// leader-gated.
type CRUDFacade struct {
	catalog       CatalogStore
	local         LocalStore
	remote        RemoteStore
	hasher        Hasher
	state         *StateStore
	executor      *Executor
	preprocessors *PreprocessorRegistry
	bus           *observationBus

	autoPrioritizeOnResolve bool
	storeRoot               string
}

// NewCRUDFacade creates a Facade. storeRoot is prefixed onto content-hash
// derived paths.
func NewCRUDFacade(
	catalog CatalogStore, local LocalStore, remote RemoteStore, hasher Hasher,
	state *StateStore, executor *Executor, preprocessors *PreprocessorRegistry,
	bus *observationBus, storeRoot string, autoPrioritizeOnResolve bool,
) *CRUDFacade {
	return &CRUDFacade{
		catalog: catalog, local: local, remote: remote, hasher: hasher,
		state: state, executor: executor, preprocessors: preprocessors, bus: bus,
		storeRoot: storeRoot, autoPrioritizeOnResolve: autoPrioritizeOnResolve,
	}
}

func contentPath(storeRoot, hash string) string {
	return fmt.Sprintf("%s/files/%s", storeRoot, hash)
}

// SaveFile preprocesses, hashes, and writes bytes locally, commits a
// file_created event, and marks the new file queued for upload.
func (f *CRUDFacade) SaveFile(ctx context.Context, data []byte) (SavedFile, error) {
	processed, err := f.preprocess(ctx, data)
	if err != nil {
		return SavedFile{}, fmt.Errorf("filesync: preprocessor failed: %w", err)
	}

	hash := f.hasher.Hash(processed)
	path := contentPath(f.storeRoot, hash)

	if err := f.local.WriteFile(ctx, path, processed); err != nil {
		return SavedFile{}, fmt.Errorf("filesync: write local bytes: %w", err)
	}

	fileID := uuid.NewString()
	now := time.Now()

	if err := f.catalog.CommitFileEvent(ctx, CreateFileEvent{
		FileID: fileID, Path: path, ContentHash: hash, CreatedAt: now,
	}); err != nil {
		return SavedFile{}, fmt.Errorf("filesync: commit file_created: %w", err)
	}

	if err := f.state.SetEntry(ctx, fileID, StateEntry{
		FileID: fileID, Path: path, LocalHash: hash,
		UploadStatus: StatusQueued, DownloadStatus: StatusDone,
	}); err != nil {
		return SavedFile{}, fmt.Errorf("filesync: set state entry: %w", err)
	}

	f.executor.EnqueueUpload(fileID)

	return SavedFile{FileID: fileID, Path: path, ContentHash: hash}, nil
}

// UpdateFile preprocesses and hashes new bytes for an existing file. If the
// hash is unchanged, it is a no-op. Otherwise the catalog record is
// updated with a new path/hash and cleared remote key, old bytes/blob are
// cleaned up, and the file is re-queued for upload.
func (f *CRUDFacade) UpdateFile(ctx context.Context, fileID string, data []byte) (SavedFile, error) {
	record, found, err := f.catalog.GetRecord(ctx, fileID)
	if err != nil {
		return SavedFile{}, fmt.Errorf("filesync: load record for update: %w", err)
	}

	if !found {
		return SavedFile{}, fmt.Errorf("filesync: update_file: unknown file id %q", fileID)
	}

	processed, err := f.preprocess(ctx, data)
	if err != nil {
		return SavedFile{}, fmt.Errorf("filesync: preprocessor failed: %w", err)
	}

	hash := f.hasher.Hash(processed)

	if hash == record.ContentHash {
		return SavedFile{FileID: fileID, Path: record.Path, ContentHash: record.ContentHash}, nil
	}

	newPath := contentPath(f.storeRoot, hash)

	if err := f.local.WriteFile(ctx, newPath, processed); err != nil {
		return SavedFile{}, fmt.Errorf("filesync: write new local bytes: %w", err)
	}

	if err := f.catalog.CommitFileEvent(ctx, UpdateFileEvent{
		FileID: fileID, Path: newPath, ContentHash: hash, RemoteKey: "", UpdatedAt: time.Now(),
	}); err != nil {
		return SavedFile{}, fmt.Errorf("filesync: commit file_updated: %w", err)
	}

	if newPath != record.Path {
		if delErr := f.local.DeleteFile(ctx, record.Path); delErr != nil {
			return SavedFile{}, fmt.Errorf("filesync: delete old local bytes: %w", delErr)
		}
	}

	if record.RemoteKey != "" {
		if delErr := f.remote.Delete(ctx, record.RemoteKey); delErr != nil {
			return SavedFile{}, fmt.Errorf("filesync: delete old remote blob: %w", delErr)
		}
	}

	if err := f.state.SetEntry(ctx, fileID, StateEntry{
		FileID: fileID, Path: newPath, LocalHash: hash,
		UploadStatus: StatusQueued, DownloadStatus: StatusDone,
	}); err != nil {
		return SavedFile{}, fmt.Errorf("filesync: set state entry: %w", err)
	}

	f.executor.EnqueueUpload(fileID)

	return SavedFile{FileID: fileID, Path: newPath, ContentHash: hash}, nil
}

// DeleteFile tombstones the catalog record and deletes local/remote bytes.
func (f *CRUDFacade) DeleteFile(ctx context.Context, fileID string) error {
	record, found, err := f.catalog.GetRecord(ctx, fileID)
	if err != nil {
		return fmt.Errorf("filesync: load record for delete: %w", err)
	}

	if !found {
		return fmt.Errorf("filesync: delete_file: unknown file id %q", fileID)
	}

	if err := f.catalog.CommitFileEvent(ctx, DeleteFileEvent{FileID: fileID, DeletedAt: time.Now()}); err != nil {
		return fmt.Errorf("filesync: commit file_deleted: %w", err)
	}

	if delErr := f.local.DeleteFile(ctx, record.Path); delErr != nil {
		return fmt.Errorf("filesync: delete local bytes: %w", delErr)
	}

	if record.RemoteKey != "" {
		if delErr := f.remote.Delete(ctx, record.RemoteKey); delErr != nil {
			return fmt.Errorf("filesync: delete remote blob: %w", delErr)
		}
	}

	return nil
}

// ResolveFileURL prefers a local URL when local bytes exist, then
// optionally prioritizes a pending download, then falls back to a remote
// URL, finally returning ("", false) if neither is available.
func (f *CRUDFacade) ResolveFileURL(ctx context.Context, fileID string) (string, bool, error) {
	record, found, err := f.catalog.GetRecord(ctx, fileID)
	if err != nil {
		return "", false, fmt.Errorf("filesync: load record for resolve: %w", err)
	}

	if !found {
		return "", false, nil
	}

	exists, err := f.local.FileExists(ctx, record.Path)
	if err != nil {
		return "", false, fmt.Errorf("filesync: check local existence: %w", err)
	}

	if exists {
		return f.local.GetFileURL(record.Path), true, nil
	}

	if f.autoPrioritizeOnResolve {
		f.prioritizeIfPendingDownload(ctx, fileID)
	}

	if record.RemoteKey != "" {
		return f.remote.GetDownloadURL(record.RemoteKey), true, nil
	}

	return "", false, nil
}

func (f *CRUDFacade) prioritizeIfPendingDownload(ctx context.Context, fileID string) {
	entries, err := f.state.GetState(ctx)
	if err != nil {
		return
	}

	entry, ok := entries[fileID]
	if !ok {
		return
	}

	if entry.DownloadStatus == StatusQueued || entry.DownloadStatus == StatusPending {
		f.executor.PrioritizeDownload(fileID)
	}
}

// MarkLocalFileChanged records that local bytes for fileID now match hash
// at path, queuing an upload.
func (f *CRUDFacade) MarkLocalFileChanged(ctx context.Context, fileID, path, hash string) error {
	if err := f.state.SetEntry(ctx, fileID, StateEntry{
		FileID: fileID, Path: path, LocalHash: hash,
		UploadStatus: StatusQueued, DownloadStatus: StatusDone,
	}); err != nil {
		return fmt.Errorf("filesync: mark_local_file_changed: %w", err)
	}

	f.executor.EnqueueUpload(fileID)

	return nil
}

// RetryErrors requeues every entry with an `error` status in either
// direction, enqueues the corresponding transfer, and emits a recovery
// observation. Idempotent when there are no errors: returns an empty
// slice and emits nothing.
func (f *CRUDFacade) RetryErrors(ctx context.Context) ([]string, error) {
	var affected []string

	err := f.state.AtomicUpdate(ctx, func(m map[string]StateEntry) map[string]StateEntry {
		for id, entry := range m {
			changed := false

			if entry.UploadStatus == StatusError {
				entry.UploadStatus = StatusQueued
				changed = true
			}

			if entry.DownloadStatus == StatusError {
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
		return nil, fmt.Errorf("filesync: retry_errors: %w", err)
	}

	if len(affected) == 0 {
		return affected, nil
	}

	for _, id := range affected {
		f.requeueFromCurrentState(ctx, id)
	}

	f.bus.Emit(Observation{Kind: ObsRecovery, From: "error-retry", FileIDs: affected})

	return affected, nil
}

func (f *CRUDFacade) requeueFromCurrentState(ctx context.Context, fileID string) {
	entries, err := f.state.GetState(ctx)
	if err != nil {
		return
	}

	entry, ok := entries[fileID]
	if !ok {
		return
	}

	if entry.UploadStatus == StatusQueued {
		f.executor.EnqueueUpload(fileID)
	}

	if entry.DownloadStatus == StatusQueued {
		f.executor.EnqueueDownload(fileID)
	}
}

// preprocess detects the MIME type via stdlib sniffing and resolves/applies
// the configured preprocessor, if any.
func (f *CRUDFacade) preprocess(ctx context.Context, data []byte) ([]byte, error) {
	if f.preprocessors == nil {
		return data, nil
	}

	mimeType := http.DetectContentType(data)

	fn := f.preprocessors.Resolve(mimeType)
	if fn == nil {
		return data, nil
	}

	return fn(ctx, mimeType, data)
}
