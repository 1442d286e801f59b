package catalogws_test

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/filesync-core/internal/catalogws"
	"github.com/tonimelisma/filesync-core/internal/filesync"
)

// fakeSubscriber is the one CatalogStore capability catalogws.Server needs.
type fakeSubscriber struct {
	backlog []filesync.CatalogEvent
	live    chan filesync.CatalogEvent
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, since uint64) (<-chan filesync.CatalogEvent, func(), error) {
	out := make(chan filesync.CatalogEvent, 16)

	go func() {
		defer close(out)

		for _, ev := range f.backlog {
			if ev.Sequence <= since {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.live:
				if !ok {
					return
				}

				select {
				case <-ctx.Done():
					return
				case out <- ev:
				}
			}
		}
	}()

	return out, func() {}, nil
}

func TestServerClient_BacklogThenLiveEventsRoundTrip(t *testing.T) {
	t.Parallel()

	sub := &fakeSubscriber{
		backlog: []filesync.CatalogEvent{
			{Sequence: 1, Kind: filesync.EventFileCreated, Record: filesync.FileRecord{FileID: "f1", Path: "p1", ContentHash: "h1"}},
		},
		live: make(chan filesync.CatalogEvent, 4),
	}

	server := catalogws.NewServer(sub, slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(server)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	client := catalogws.NewClient(wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, stop, err := client.Subscribe(ctx, 0)
	require.NoError(t, err)
	defer stop()

	select {
	case ev := <-events:
		assert.Equal(t, "f1", ev.Record.FileID)
		assert.Equal(t, filesync.EventFileCreated, ev.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for backlog event")
	}

	sub.live <- filesync.CatalogEvent{Sequence: 2, Kind: filesync.EventFileUpdated, Record: filesync.FileRecord{FileID: "f2", Path: "p2", ContentHash: "h2", RemoteKey: "h2"}}

	select {
	case ev := <-events:
		assert.Equal(t, "f2", ev.Record.FileID)
		assert.Equal(t, "h2", ev.Record.RemoteKey)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestServerClient_SinceQueryParamFiltersBacklog(t *testing.T) {
	t.Parallel()

	sub := &fakeSubscriber{
		backlog: []filesync.CatalogEvent{
			{Sequence: 1, Kind: filesync.EventFileCreated, Record: filesync.FileRecord{FileID: "f1"}},
			{Sequence: 2, Kind: filesync.EventFileCreated, Record: filesync.FileRecord{FileID: "f2"}},
		},
		live: make(chan filesync.CatalogEvent, 4),
	}

	server := catalogws.NewServer(sub, slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(server)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	client := catalogws.NewClient(wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, stop, err := client.Subscribe(ctx, 1)
	require.NoError(t, err)
	defer stop()

	select {
	case ev := <-events:
		assert.Equal(t, "f2", ev.Record.FileID, "since=1 must skip sequence 1")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for filtered backlog event")
	}
}
