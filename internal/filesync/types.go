// Package filesync implements the per-client sync core: it reconciles a
// declarative content-addressed file catalog maintained by an external
// event-sourced store with a local blob cache and a shared remote object
// repository, driving uploads and downloads to converge toward the
// catalog. See data-model.md and component-design.md in this module's
// design notes for the full picture; this file holds the shared types and
// the interfaces the core depends on for its external collaborators.
package filesync

import (
	"context"
	"time"
)

// TransferStatus is the per-direction status of a Local File State Entry.
type TransferStatus string

// Transfer statuses. Every direction-status field is drawn from this set.
const (
	StatusPending    TransferStatus = "pending"
	StatusQueued     TransferStatus = "queued"
	StatusInProgress TransferStatus = "in_progress"
	StatusDone       TransferStatus = "done"
	StatusError      TransferStatus = "error"
)

// Direction distinguishes upload from download transfers.
type Direction string

// The two transfer directions.
const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// FileRecord is the catalog entity. It is read-only from the core's
// perspective: the catalog store is the sole writer, the core only submits
// well-typed events (FileCreated, FileUpdated, FileDeleted) that the
// catalog store applies and materializes back into records.
type FileRecord struct {
	FileID      string
	Path        string // store_root/files/<content_hash>
	ContentHash string
	RemoteKey   string // empty means "not yet uploaded"
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time // nil unless tombstoned
}

// Tombstoned reports whether the record has been soft-deleted.
func (f *FileRecord) Tombstoned() bool {
	return f.DeletedAt != nil
}

// StateEntry is the core-owned, per-client, per-file sync-status record.
// It is kept in the Local File State Store and persisted by committing
// upsert/remove events through the CatalogStore so peer tabs observe it.
type StateEntry struct {
	FileID         string
	Path           string
	LocalHash      string // hash of bytes present in the local store, empty if none
	UploadStatus   TransferStatus
	DownloadStatus TransferStatus
	LastSyncError  string // empty unless the relevant status is StatusError
}

// FileEvent is the sealed set of events the core is allowed to submit to
// the catalog. CatalogStore.CommitFileEvent accepts one of
// CreateFileEvent, UpdateFileEvent, or DeleteFileEvent.
type FileEvent interface {
	isFileEvent()
}

// CreateFileEvent is submitted to the catalog when the CRUD facade saves a
// brand-new file.
type CreateFileEvent struct {
	FileID      string
	Path        string
	ContentHash string
	CreatedAt   time.Time
}

func (CreateFileEvent) isFileEvent() {}

// UpdateFileEvent is submitted when content changes, the remote key is
// stamped after upload, or both.
type UpdateFileEvent struct {
	FileID      string
	Path        string
	ContentHash string
	RemoteKey   string // pass through the existing value to leave it unchanged
	UpdatedAt   time.Time
}

func (UpdateFileEvent) isFileEvent() {}

// DeleteFileEvent tombstones a catalog record.
type DeleteFileEvent struct {
	FileID    string
	DeletedAt time.Time
}

func (DeleteFileEvent) isFileEvent() {}

// CatalogEventKind distinguishes the three event kinds the Event Stream
// Consumer dispatches to reconcilers.
type CatalogEventKind string

// Catalog event kinds dispatched to reconcilers.
const (
	EventFileCreated CatalogEventKind = "file_created"
	EventFileUpdated CatalogEventKind = "file_updated"
	EventFileDeleted CatalogEventKind = "file_deleted"
)

// CatalogEvent is a single entry from the catalog's filtered ordered event
// stream. Sequence is monotonically increasing and is what the consumer
// persists as its cursor.
type CatalogEvent struct {
	Sequence uint64
	Kind     CatalogEventKind
	Record   FileRecord // the record as of this event; for file_deleted, DeletedAt is set
}

// LeadershipState is the session's leadership signal, as observed through
// CatalogStore.ObserveLeadership.
type LeadershipState string

// Leadership states.
const (
	LeaderHasLock LeadershipState = "has-lock"
	LeaderNoLock  LeadershipState = "no-lock"
)

// CatalogStore is the external, event-sourced catalog collaborator. The
// core only reads records and submits well-typed events to mutate them; it
// never owns the event log itself.
type CatalogStore interface {
	// CommitFileEvent appends a file_created/file_updated/file_deleted event
	// and applies it to the materialized FileRecord table.
	CommitFileEvent(ctx context.Context, event FileEvent) error

	// GetRecord returns the current materialized record for a file id, or
	// (FileRecord{}, false) if no such id has ever been created.
	GetRecord(ctx context.Context, fileID string) (FileRecord, bool, error)

	// ListLive streams every non-tombstoned record for the bootstrap pass.
	ListLive(ctx context.Context) ([]FileRecord, error)

	// ListAllForPath returns every live record (tombstoned excluded) that
	// shares the given content-addressed path, used by the deleted-event
	// reconciler to decide whether local bytes are still referenced.
	ListAllForPath(ctx context.Context, path string) ([]FileRecord, error)

	// Subscribe opens the filtered {file_created, file_updated, file_deleted}
	// stream starting strictly after `since`. The returned channel is closed
	// when ctx is done or the stream ends; stopFn releases stream resources
	// and must be safe to call multiple times.
	Subscribe(ctx context.Context, since uint64) (events <-chan CatalogEvent, stopFn func(), err error)

	// Head returns the current highest committed event sequence number.
	Head(ctx context.Context) (uint64, error)

	// GetCursor / SetCursor persist the per-client last-consumed sequence.
	GetCursor(ctx context.Context, clientID string) (uint64, error)
	SetCursor(ctx context.Context, clientID string, seq uint64) error

	// GetStateEntries / CommitStateDiff implement the Local File State
	// Store's persistence: the full current map, and a batch of
	// upsert/remove mutations committed as one set of events.
	GetStateEntries(ctx context.Context, clientID string) (map[string]StateEntry, error)
	CommitStateDiff(ctx context.Context, clientID string, upserts map[string]StateEntry, removes []string) error

	// ObserveLeadership returns a channel of leadership transitions for this
	// client's session. Exactly one client at a time observes LeaderHasLock.
	ObserveLeadership(ctx context.Context, clientID string) (<-chan LeadershipState, error)
}

// LocalStore is the client-resident blob cache, addressed by
// content-addressed path. Its implementation lives outside this package;
// the core only ever calls through this interface.
type LocalStore interface {
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	FileExists(ctx context.Context, path string) (bool, error)
	DeleteFile(ctx context.Context, path string) error
	ListFiles(ctx context.Context, root string) ([]string, error)
	GetFileURL(path string) string
}

// ProgressFunc reports incremental transfer progress. Implementations must
// never block or panic-propagate; the Transfer Worker fire-and-forgets
// these calls.
type ProgressFunc func(loaded, total int64)

// RemoteStore is the shared object repository, addressed by opaque key.
// Its implementation lives outside this package; the core only ever calls
// through this interface.
type RemoteStore interface {
	Upload(ctx context.Context, data []byte, key string, onProgress ProgressFunc) (remoteKey string, err error)
	Download(ctx context.Context, key string, onProgress ProgressFunc) ([]byte, error)
	Delete(ctx context.Context, key string) error
	CheckHealth(ctx context.Context) bool
	GetDownloadURL(key string) string
}

// Hasher computes the content hash used for content-addressed paths and for
// detecting local/catalog divergence.
type Hasher interface {
	Hash(data []byte) string
}

// Preprocessor transforms raw bytes before they are hashed and stored, e.g.
// image re-encoding or text normalization.
type Preprocessor func(ctx context.Context, mimeType string, data []byte) ([]byte, error)
