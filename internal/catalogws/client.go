package catalogws

import (
	"context"
	"fmt"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/filesync-core/internal/filesync"
)

// Client subscribes to a remote Server's event stream over a websocket. It
// implements only the Subscribe leg of filesync.CatalogStore — a caller
// composes it with a direct-database implementation of the rest of the
// interface, since every other method is a simple request/response call
// that doesn't benefit from a persistent connection.
type Client struct {
	url string
}

// NewClient creates a Client dialing baseURL (e.g. "ws://catalog:8090/events").
func NewClient(baseURL string) *Client {
	return &Client{url: baseURL}
}

// Subscribe dials the server, requests every event after since, and decodes
// the resulting frames onto the returned channel until ctx is done or the
// connection drops.
func (c *Client) Subscribe(ctx context.Context, since uint64) (<-chan filesync.CatalogEvent, func(), error) {
	dialURL, err := withSince(c.url, since)
	if err != nil {
		return nil, nil, fmt.Errorf("catalogws: build dial url: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, dialURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("catalogws: dial %q: %w", dialURL, err)
	}

	out := make(chan filesync.CatalogEvent, subscriberChannelBuffer)

	stopCtx, cancel := context.WithCancel(ctx)

	stopFn := func() {
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
	}

	go c.pump(stopCtx, conn, out, stopFn)

	return out, stopFn, nil
}

// subscriberChannelBuffer smooths delivery timing; it has no bearing on
// correctness since the server itself owns backlog replay and ordering.
const subscriberChannelBuffer = 256

func (c *Client) pump(ctx context.Context, conn *websocket.Conn, out chan<- filesync.CatalogEvent, stopFn func()) {
	defer close(out)
	defer stopFn()

	for {
		var frame wireEvent
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case out <- fromWire(frame):
		}
	}
}

func withSince(base string, since uint64) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("since", fmt.Sprintf("%d", since))
	u.RawQuery = q.Encode()

	return u.String(), nil
}
