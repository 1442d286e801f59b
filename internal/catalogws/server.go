// Package catalogws carries the filtered catalog event subscription over a
// websocket when the catalog store runs out-of-process from the client
// driving the Event Stream Consumer. It transports exactly one thing: the
// {file_created, file_updated, file_deleted} stream from a given cursor —
// every other CatalogStore method is expected to reach the store directly
// (e.g. a shared database), since those are simple request/response calls
// that don't need a long-lived connection.
package catalogws

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/filesync-core/internal/filesync"
)

// wireEvent is the JSON frame sent for each catalog event.
type wireEvent struct {
	Sequence    uint64 `json:"sequence"`
	Kind        string `json:"kind"`
	FileID      string `json:"file_id"`
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	RemoteKey   string `json:"remote_key"`
}

func toWire(ev filesync.CatalogEvent) wireEvent {
	return wireEvent{
		Sequence: ev.Sequence, Kind: string(ev.Kind),
		FileID: ev.Record.FileID, Path: ev.Record.Path,
		ContentHash: ev.Record.ContentHash, RemoteKey: ev.Record.RemoteKey,
	}
}

func fromWire(w wireEvent) filesync.CatalogEvent {
	rec := filesync.FileRecord{FileID: w.FileID, Path: w.Path, ContentHash: w.ContentHash, RemoteKey: w.RemoteKey}
	return filesync.CatalogEvent{Sequence: w.Sequence, Kind: filesync.CatalogEventKind(w.Kind), Record: rec}
}

// subscriber is the one CatalogStore capability the gateway needs.
type subscriber interface {
	Subscribe(ctx context.Context, since uint64) (<-chan filesync.CatalogEvent, func(), error)
}

// Server serves a websocket endpoint that streams a catalog's filtered
// event subscription starting from the `since` query parameter.
type Server struct {
	catalog subscriber
	logger  *slog.Logger
}

// NewServer creates a Server over catalog.
func NewServer(catalog subscriber, logger *slog.Logger) *Server {
	return &Server{catalog: catalog, logger: logger}
}

// ServeHTTP upgrades the request to a websocket and streams every event
// from the catalog's Subscribe starting after `since` until the client
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("catalogws: accept failed", "error", err)
		return
	}
	defer conn.CloseNow() //nolint:errcheck // best-effort on an already-failed or already-closed conn

	ctx := conn.CloseRead(r.Context())

	events, stop, err := s.catalog.Subscribe(ctx, since)
	if err != nil {
		s.logger.Warn("catalogws: subscribe failed", "error", err)
		conn.Close(websocket.StatusInternalError, "subscribe failed")

		return
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}

			if err := wsjson.Write(ctx, conn, toWire(ev)); err != nil {
				s.logger.Debug("catalogws: write failed, closing", "error", err)
				return
			}
		}
	}
}

func parseSince(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, nil
	}

	return strconv.ParseUint(raw, 10, 64)
}
