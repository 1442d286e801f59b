// Package catalogstore implements filesync.CatalogStore on top of an
// embedded SQLite database: an append-only events table is the source of
// truth, file_records/state_entries are materialized projections kept in
// sync with it inside the same transaction, and leadership is arbitrated
// in-process as a FIFO lease queue.
package catalogstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/filesync-core/internal/filesync"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const walJournalSizeLimit = 67108864 // 64 MiB, matching the teacher's SQLiteStore pragma

// Store is a SQLite-backed filesync.CatalogStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	subMu       sync.Mutex
	subscribers map[int]*subscription
	nextSubID   int

	leaderMu sync.Mutex
	leader   string
	waiters  []leadershipWaiter
}

type subscription struct {
	ch chan filesync.CatalogEvent
}

type leadershipWaiter struct {
	clientID string
	ch       chan filesync.LeadershipState
}

// Open creates/opens the SQLite database at dbPath ("" or ":memory:" for
// an in-memory store, used by tests), applies migrations via goose, and
// sets WAL pragmas matching the teacher's SQLiteStore.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("catalogstore: open: %w", err)
	}

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:          db,
		logger:      logger,
		subscribers: make(map[int]*subscription),
	}, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("catalogstore: set pragma %q: %w", p, err)
		}
	}

	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("catalogstore: migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("catalogstore: migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("catalogstore: run migrations: %w", err)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CommitFileEvent appends the event and applies it to file_records in one
// transaction, then broadcasts it to live subscribers.
func (s *Store) CommitFileEvent(ctx context.Context, event filesync.FileEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalogstore: begin commit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after a successful Commit

	var emitted filesync.CatalogEvent

	switch e := event.(type) {
	case filesync.CreateFileEvent:
		emitted, err = applyCreate(ctx, tx, e)
	case filesync.UpdateFileEvent:
		emitted, err = applyUpdate(ctx, tx, e)
	case filesync.DeleteFileEvent:
		emitted, err = applyDelete(ctx, tx, e)
	default:
		return fmt.Errorf("catalogstore: unknown event type %T", event)
	}

	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalogstore: commit: %w", err)
	}

	s.broadcast(emitted)

	return nil
}

func applyCreate(ctx context.Context, tx *sql.Tx, e filesync.CreateFileEvent) (filesync.CatalogEvent, error) {
	seq, err := insertEvent(ctx, tx, "file_created", e.FileID, e.Path, e.ContentHash, "", e.CreatedAt)
	if err != nil {
		return filesync.CatalogEvent{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO file_records (file_id, path, content_hash, remote_key, created_at, updated_at)
		VALUES (?, ?, ?, '', ?, ?)`,
		e.FileID, e.Path, e.ContentHash, fmtTime(e.CreatedAt), fmtTime(e.CreatedAt))
	if err != nil {
		return filesync.CatalogEvent{}, fmt.Errorf("catalogstore: insert file_record: %w", err)
	}

	return filesync.CatalogEvent{
		Sequence: seq, Kind: filesync.EventFileCreated,
		Record: filesync.FileRecord{FileID: e.FileID, Path: e.Path, ContentHash: e.ContentHash, CreatedAt: e.CreatedAt, UpdatedAt: e.CreatedAt},
	}, nil
}

func applyUpdate(ctx context.Context, tx *sql.Tx, e filesync.UpdateFileEvent) (filesync.CatalogEvent, error) {
	seq, err := insertEvent(ctx, tx, "file_updated", e.FileID, e.Path, e.ContentHash, e.RemoteKey, e.UpdatedAt)
	if err != nil {
		return filesync.CatalogEvent{}, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE file_records
		SET path = ?, content_hash = ?, remote_key = ?, updated_at = ?
		WHERE file_id = ?`,
		e.Path, e.ContentHash, e.RemoteKey, fmtTime(e.UpdatedAt), e.FileID)
	if err != nil {
		return filesync.CatalogEvent{}, fmt.Errorf("catalogstore: update file_record: %w", err)
	}

	return filesync.CatalogEvent{
		Sequence: seq, Kind: filesync.EventFileUpdated,
		Record: filesync.FileRecord{FileID: e.FileID, Path: e.Path, ContentHash: e.ContentHash, RemoteKey: e.RemoteKey, UpdatedAt: e.UpdatedAt},
	}, nil
}

func applyDelete(ctx context.Context, tx *sql.Tx, e filesync.DeleteFileEvent) (filesync.CatalogEvent, error) {
	var path, contentHash string

	err := tx.QueryRowContext(ctx, `SELECT path, content_hash FROM file_records WHERE file_id = ?`, e.FileID).
		Scan(&path, &contentHash)
	if err != nil {
		return filesync.CatalogEvent{}, fmt.Errorf("catalogstore: load record for delete: %w", err)
	}

	seq, err := insertEvent(ctx, tx, "file_deleted", e.FileID, path, contentHash, "", e.DeletedAt)
	if err != nil {
		return filesync.CatalogEvent{}, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE file_records SET deleted_at = ?, updated_at = ? WHERE file_id = ?`,
		fmtTime(e.DeletedAt), fmtTime(e.DeletedAt), e.FileID)
	if err != nil {
		return filesync.CatalogEvent{}, fmt.Errorf("catalogstore: tombstone file_record: %w", err)
	}

	deletedAt := e.DeletedAt

	return filesync.CatalogEvent{
		Sequence: seq, Kind: filesync.EventFileDeleted,
		Record: filesync.FileRecord{FileID: e.FileID, Path: path, ContentHash: contentHash, DeletedAt: &deletedAt, UpdatedAt: e.DeletedAt},
	}, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, kind, fileID, path, contentHash, remoteKey string, occurredAt time.Time) (uint64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (kind, file_id, path, content_hash, remote_key, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		kind, fileID, path, contentHash, remoteKey, fmtTime(occurredAt))
	if err != nil {
		return 0, fmt.Errorf("catalogstore: insert event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("catalogstore: last insert id: %w", err)
	}

	return uint64(id), nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// GetRecord returns the current materialized record for fileID.
func (s *Store) GetRecord(ctx context.Context, fileID string) (filesync.FileRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT file_id, path, content_hash, remote_key, created_at, updated_at, deleted_at
		FROM file_records WHERE file_id = ?`, fileID)

	rec, ok, err := scanRecord(row)
	if err != nil {
		return filesync.FileRecord{}, false, fmt.Errorf("catalogstore: get record: %w", err)
	}

	return rec, ok, nil
}

func scanRecord(row *sql.Row) (filesync.FileRecord, bool, error) {
	var (
		rec       filesync.FileRecord
		createdAt string
		updatedAt string
		deletedAt sql.NullString
	)

	err := row.Scan(&rec.FileID, &rec.Path, &rec.ContentHash, &rec.RemoteKey, &createdAt, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return filesync.FileRecord{}, false, nil
	}

	if err != nil {
		return filesync.FileRecord{}, false, err
	}

	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)

	if deletedAt.Valid {
		t := parseTime(deletedAt.String)
		rec.DeletedAt = &t
	}

	return rec, true, nil
}

// ListLive returns every non-tombstoned record.
func (s *Store) ListLive(ctx context.Context) ([]filesync.FileRecord, error) {
	return s.queryRecords(ctx, `
		SELECT file_id, path, content_hash, remote_key, created_at, updated_at, deleted_at
		FROM file_records WHERE deleted_at IS NULL`)
}

// ListAllForPath returns every live record sharing path.
func (s *Store) ListAllForPath(ctx context.Context, path string) ([]filesync.FileRecord, error) {
	return s.queryRecords(ctx, `
		SELECT file_id, path, content_hash, remote_key, created_at, updated_at, deleted_at
		FROM file_records WHERE path = ? AND deleted_at IS NULL`, path)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]filesync.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalogstore: query records: %w", err)
	}
	defer rows.Close()

	var out []filesync.FileRecord

	for rows.Next() {
		var (
			rec       filesync.FileRecord
			createdAt string
			updatedAt string
			deletedAt sql.NullString
		)

		if err := rows.Scan(&rec.FileID, &rec.Path, &rec.ContentHash, &rec.RemoteKey, &createdAt, &updatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("catalogstore: scan record: %w", err)
		}

		rec.CreatedAt = parseTime(createdAt)
		rec.UpdatedAt = parseTime(updatedAt)

		if deletedAt.Valid {
			t := parseTime(deletedAt.String)
			rec.DeletedAt = &t
		}

		out = append(out, rec)
	}

	return out, rows.Err()
}

// Head returns the current highest committed event sequence number.
func (s *Store) Head(ctx context.Context) (uint64, error) {
	var head sql.NullInt64

	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events`).Scan(&head); err != nil {
		return 0, fmt.Errorf("catalogstore: head: %w", err)
	}

	if !head.Valid {
		return 0, nil
	}

	return uint64(head.Int64), nil
}

// GetCursor returns the last-consumed sequence for clientID, 0 if never set.
func (s *Store) GetCursor(ctx context.Context, clientID string) (uint64, error) {
	var seq int64

	err := s.db.QueryRowContext(ctx, `SELECT sequence FROM cursors WHERE client_id = ?`, clientID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("catalogstore: get cursor: %w", err)
	}

	return uint64(seq), nil
}

// SetCursor persists the per-client last-consumed sequence.
func (s *Store) SetCursor(ctx context.Context, clientID string, seq uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (client_id, sequence) VALUES (?, ?)
		ON CONFLICT(client_id) DO UPDATE SET sequence = excluded.sequence`,
		clientID, seq)
	if err != nil {
		return fmt.Errorf("catalogstore: set cursor: %w", err)
	}

	return nil
}

// GetStateEntries returns the full current state map for clientID.
func (s *Store) GetStateEntries(ctx context.Context, clientID string) (map[string]filesync.StateEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, path, local_hash, upload_status, download_status, last_sync_error
		FROM state_entries WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, fmt.Errorf("catalogstore: get state entries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]filesync.StateEntry)

	for rows.Next() {
		var (
			e                         filesync.StateEntry
			uploadStatus, downloadStatus string
		)

		if err := rows.Scan(&e.FileID, &e.Path, &e.LocalHash, &uploadStatus, &downloadStatus, &e.LastSyncError); err != nil {
			return nil, fmt.Errorf("catalogstore: scan state entry: %w", err)
		}

		e.UploadStatus = filesync.TransferStatus(uploadStatus)
		e.DownloadStatus = filesync.TransferStatus(downloadStatus)
		out[e.FileID] = e
	}

	return out, rows.Err()
}

// CommitStateDiff applies a batch of upserts/removes in one transaction.
func (s *Store) CommitStateDiff(ctx context.Context, clientID string, upserts map[string]filesync.StateEntry, removes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalogstore: begin state diff: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after a successful Commit

	for fileID, e := range upserts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state_entries (client_id, file_id, path, local_hash, upload_status, download_status, last_sync_error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(client_id, file_id) DO UPDATE SET
				path = excluded.path, local_hash = excluded.local_hash,
				upload_status = excluded.upload_status, download_status = excluded.download_status,
				last_sync_error = excluded.last_sync_error`,
			clientID, fileID, e.Path, e.LocalHash, string(e.UploadStatus), string(e.DownloadStatus), e.LastSyncError)
		if err != nil {
			return fmt.Errorf("catalogstore: upsert state entry %s: %w", fileID, err)
		}
	}

	for _, fileID := range removes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM state_entries WHERE client_id = ? AND file_id = ?`, clientID, fileID); err != nil {
			return fmt.Errorf("catalogstore: remove state entry %s: %w", fileID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalogstore: commit state diff: %w", err)
	}

	return nil
}
