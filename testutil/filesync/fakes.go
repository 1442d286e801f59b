// Package filesync provides in-memory fakes of the FileSync core's external
// collaborator interfaces (CatalogStore, LocalStore, RemoteStore, Hasher)
// for unit tests that exercise internal/filesync without a real database,
// disk, or network.
package filesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/tonimelisma/filesync-core/internal/filesync"
)

// Catalog is an in-memory filesync.CatalogStore. Every method locks a
// single mutex; it favors test clarity over concurrency performance.
type Catalog struct {
	mu sync.Mutex

	seq     uint64
	events  []filesync.CatalogEvent
	records map[string]filesync.FileRecord
	cursors map[string]uint64
	states  map[string]map[string]filesync.StateEntry

	subs map[int]chan filesync.CatalogEvent
	next int

	leader     string
	leaderSubs map[string]chan filesync.LeadershipState

	// FailNextCommit, when non-nil, is returned once by CommitFileEvent and
	// then cleared.
	FailNextCommit error
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		records: make(map[string]filesync.FileRecord),
		cursors:    make(map[string]uint64),
		states:     make(map[string]map[string]filesync.StateEntry),
		subs:       make(map[int]chan filesync.CatalogEvent),
		leaderSubs: make(map[string]chan filesync.LeadershipState),
	}
}

func (c *Catalog) CommitFileEvent(_ context.Context, event filesync.FileEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FailNextCommit != nil {
		err := c.FailNextCommit
		c.FailNextCommit = nil

		return err
	}

	c.seq++

	var ev filesync.CatalogEvent

	switch e := event.(type) {
	case filesync.CreateFileEvent:
		rec := filesync.FileRecord{FileID: e.FileID, Path: e.Path, ContentHash: e.ContentHash, CreatedAt: e.CreatedAt, UpdatedAt: e.CreatedAt}
		c.records[e.FileID] = rec
		ev = filesync.CatalogEvent{Sequence: c.seq, Kind: filesync.EventFileCreated, Record: rec}
	case filesync.UpdateFileEvent:
		rec := c.records[e.FileID]
		rec.FileID, rec.Path, rec.ContentHash, rec.RemoteKey, rec.UpdatedAt = e.FileID, e.Path, e.ContentHash, e.RemoteKey, e.UpdatedAt
		c.records[e.FileID] = rec
		ev = filesync.CatalogEvent{Sequence: c.seq, Kind: filesync.EventFileUpdated, Record: rec}
	case filesync.DeleteFileEvent:
		rec := c.records[e.FileID]
		deletedAt := e.DeletedAt
		rec.DeletedAt = &deletedAt
		rec.UpdatedAt = e.DeletedAt
		c.records[e.FileID] = rec
		ev = filesync.CatalogEvent{Sequence: c.seq, Kind: filesync.EventFileDeleted, Record: rec}
	default:
		return fmt.Errorf("testutil/filesync: unknown event type %T", event)
	}

	c.events = append(c.events, ev)

	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}

	return nil
}

func (c *Catalog) GetRecord(_ context.Context, fileID string) (filesync.FileRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[fileID]

	return rec, ok, nil
}

func (c *Catalog) ListLive(_ context.Context) ([]filesync.FileRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []filesync.FileRecord

	for _, rec := range c.records {
		if rec.DeletedAt == nil {
			out = append(out, rec)
		}
	}

	return out, nil
}

func (c *Catalog) ListAllForPath(_ context.Context, path string) ([]filesync.FileRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []filesync.FileRecord

	for _, rec := range c.records {
		if rec.Path == path && rec.DeletedAt == nil {
			out = append(out, rec)
		}
	}

	return out, nil
}

func (c *Catalog) Subscribe(ctx context.Context, since uint64) (<-chan filesync.CatalogEvent, func(), error) {
	c.mu.Lock()

	id := c.next
	c.next++

	live := make(chan filesync.CatalogEvent, 64)
	c.subs[id] = live

	var backlog []filesync.CatalogEvent

	for _, ev := range c.events {
		if ev.Sequence > since {
			backlog = append(backlog, ev)
		}
	}

	c.mu.Unlock()

	out := make(chan filesync.CatalogEvent, 64)

	stopFn := func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}

	go func() {
		defer close(out)

		lastSent := since

		for _, ev := range backlog {
			select {
			case <-ctx.Done():
				return
			case out <- ev:
				lastSent = ev.Sequence
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok {
					return
				}

				if ev.Sequence <= lastSent {
					continue
				}

				select {
				case <-ctx.Done():
					return
				case out <- ev:
					lastSent = ev.Sequence
				}
			}
		}
	}()

	return out, stopFn, nil
}

func (c *Catalog) Head(_ context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.seq, nil
}

func (c *Catalog) GetCursor(_ context.Context, clientID string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cursors[clientID], nil
}

func (c *Catalog) SetCursor(_ context.Context, clientID string, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cursors[clientID] = seq

	return nil
}

func (c *Catalog) GetStateEntries(_ context.Context, clientID string) (map[string]filesync.StateEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]filesync.StateEntry, len(c.states[clientID]))
	for k, v := range c.states[clientID] {
		out[k] = v
	}

	return out, nil
}

func (c *Catalog) CommitStateDiff(_ context.Context, clientID string, upserts map[string]filesync.StateEntry, removes []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.states[clientID] == nil {
		c.states[clientID] = make(map[string]filesync.StateEntry)
	}

	for fileID, e := range upserts {
		c.states[clientID][fileID] = e
	}

	for _, fileID := range removes {
		delete(c.states[clientID], fileID)
	}

	return nil
}

func (c *Catalog) ObserveLeadership(_ context.Context, clientID string) (<-chan filesync.LeadershipState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan filesync.LeadershipState, 4)
	c.leaderSubs[clientID] = ch

	if c.leader == "" {
		c.leader = clientID
		ch <- filesync.LeaderHasLock
	} else {
		ch <- filesync.LeaderNoLock
	}

	return ch, nil
}

// GrantLeadership pushes a LeaderHasLock transition to clientID's observer,
// for tests that exercise dynamic leadership handoff beyond the automatic
// grant ObserveLeadership gives its first caller.
func (c *Catalog) GrantLeadership(clientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.leaderSubs[clientID]
	if !ok {
		return fmt.Errorf("testutil/filesync: %s never called ObserveLeadership", clientID)
	}

	c.leader = clientID
	ch <- filesync.LeaderHasLock

	return nil
}

// RevokeLeadership pushes a LeaderNoLock transition to clientID's observer.
func (c *Catalog) RevokeLeadership(clientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.leaderSubs[clientID]
	if !ok {
		return fmt.Errorf("testutil/filesync: %s never called ObserveLeadership", clientID)
	}

	if c.leader == clientID {
		c.leader = ""
	}

	ch <- filesync.LeaderNoLock

	return nil
}

// Local is an in-memory filesync.LocalStore.
type Local struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewLocal creates an empty Local.
func NewLocal() *Local {
	return &Local{files: make(map[string][]byte)}
}

func (l *Local) WriteFile(_ context.Context, path string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	l.files[path] = cp

	return nil
}

func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, ok := l.files[path]
	if !ok {
		return nil, fmt.Errorf("testutil/filesync: no such local file %q", path)
	}

	return data, nil
}

func (l *Local) FileExists(_ context.Context, path string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.files[path]

	return ok, nil
}

func (l *Local) DeleteFile(_ context.Context, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.files, path)

	return nil
}

func (l *Local) ListFiles(_ context.Context, _ string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.files))
	for p := range l.files {
		out = append(out, p)
	}

	return out, nil
}

func (l *Local) GetFileURL(path string) string { return "file://" + path }

// Remote is an in-memory filesync.RemoteStore.
type Remote struct {
	mu      sync.Mutex
	objects map[string][]byte

	// FailNextUpload/FailNextDownload, when non-nil, are returned once and
	// then cleared, for exercising the executor's retry path.
	FailNextUpload   error
	FailNextDownload error
	Healthy          bool
}

// NewRemote creates an empty, healthy Remote.
func NewRemote() *Remote {
	return &Remote{objects: make(map[string][]byte), Healthy: true}
}

func (r *Remote) Upload(_ context.Context, data []byte, key string, onProgress filesync.ProgressFunc) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailNextUpload != nil {
		err := r.FailNextUpload
		r.FailNextUpload = nil

		return "", err
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	r.objects[key] = cp

	if onProgress != nil {
		onProgress(int64(len(data)), int64(len(data)))
	}

	return key, nil
}

func (r *Remote) Download(_ context.Context, key string, onProgress filesync.ProgressFunc) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailNextDownload != nil {
		err := r.FailNextDownload
		r.FailNextDownload = nil

		return nil, err
	}

	data, ok := r.objects[key]
	if !ok {
		return nil, fmt.Errorf("testutil/filesync: no such remote object %q", key)
	}

	if onProgress != nil {
		onProgress(int64(len(data)), int64(len(data)))
	}

	return data, nil
}

func (r *Remote) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.objects, key)

	return nil
}

func (r *Remote) CheckHealth(_ context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.Healthy
}

func (r *Remote) GetDownloadURL(key string) string { return "https://remote.test/" + key }

// Hasher is a stateless SHA-256 filesync.Hasher, identical in behavior to
// internal/chash.SHA256 but kept separate so tests never import a
// production adapter package.
type Hasher struct{}

func (Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
