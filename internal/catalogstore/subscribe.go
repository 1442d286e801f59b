package catalogstore

import (
	"context"
	"fmt"
	"time"

	"github.com/tonimelisma/filesync-core/internal/filesync"
)

// subscriberBuffer bounds how far a slow subscriber can lag before its live
// feed starts blocking the broadcaster; Subscribe's backlog replay is what
// actually catches a subscriber up, this only smooths delivery timing.
const subscriberBuffer = 256

// Subscribe opens the filtered event stream starting strictly after since:
// it first replays everything already committed past that point from the
// events table, then forwards newly committed events as they arrive.
func (s *Store) Subscribe(ctx context.Context, since uint64) (<-chan filesync.CatalogEvent, func(), error) {
	live := make(chan filesync.CatalogEvent, subscriberBuffer)

	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = &subscription{ch: live}
	s.subMu.Unlock()

	stopFn := func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}

	backlog, err := s.queryEventsAfter(ctx, since)
	if err != nil {
		stopFn()
		return nil, nil, err
	}

	out := make(chan filesync.CatalogEvent, subscriberBuffer)

	go s.pump(ctx, backlog, live, out, stopFn)

	return out, stopFn, nil
}

func (s *Store) pump(ctx context.Context, backlog []filesync.CatalogEvent, live, out chan filesync.CatalogEvent, stopFn func()) {
	defer close(out)
	defer stopFn()

	lastSent := uint64(0)

	for _, ev := range backlog {
		if !deliverEvent(ctx, out, ev) {
			return
		}

		lastSent = ev.Sequence
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

			if !deliverEvent(ctx, out, ev) {
				return
			}

			lastSent = ev.Sequence
		}
	}
}

func deliverEvent(ctx context.Context, out chan<- filesync.CatalogEvent, ev filesync.CatalogEvent) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- ev:
		return true
	}
}

func (s *Store) queryEventsAfter(ctx context.Context, since uint64) ([]filesync.CatalogEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.sequence, e.kind, e.file_id, e.path, e.content_hash, e.remote_key, e.occurred_at
		FROM events e WHERE e.sequence > ? ORDER BY e.sequence ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("catalogstore: query backlog: %w", err)
	}
	defer rows.Close()

	var out []filesync.CatalogEvent

	for rows.Next() {
		var (
			seq                                          int64
			kind, fileID, path, contentHash, remoteKey string
			occurredAt                                   string
		)

		if err := rows.Scan(&seq, &kind, &fileID, &path, &contentHash, &remoteKey, &occurredAt); err != nil {
			return nil, fmt.Errorf("catalogstore: scan backlog event: %w", err)
		}

		out = append(out, toCatalogEvent(uint64(seq), kind, fileID, path, contentHash, remoteKey, parseTime(occurredAt)))
	}

	return out, rows.Err()
}

func toCatalogEvent(seq uint64, kind, fileID, path, contentHash, remoteKey string, occurredAt time.Time) filesync.CatalogEvent {
	rec := filesync.FileRecord{FileID: fileID, Path: path, ContentHash: contentHash, RemoteKey: remoteKey, UpdatedAt: occurredAt}

	var k filesync.CatalogEventKind

	switch kind {
	case "file_created":
		k = filesync.EventFileCreated
		rec.CreatedAt = occurredAt
	case "file_updated":
		k = filesync.EventFileUpdated
	case "file_deleted":
		k = filesync.EventFileDeleted
		rec.DeletedAt = &occurredAt
	}

	return filesync.CatalogEvent{Sequence: seq, Kind: k, Record: rec}
}

// broadcast fans an event out to every live subscriber's channel,
// non-blocking: a subscriber whose buffer is full is dropped from live
// delivery but will still catch up via backlog replay on its next
// Subscribe call, since nothing here advances its persisted cursor.
func (s *Store) broadcast(ev filesync.CatalogEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for id, sub := range s.subscribers {
		select {
		case sub.ch <- ev:
		default:
			s.logger.Warn("catalogstore: dropping slow subscriber", "subscriber_id", id, "sequence", ev.Sequence)
		}
	}
}
