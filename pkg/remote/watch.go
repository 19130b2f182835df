package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"holocron/pkg/store"
)

const (
	// watchBuffer matches the local subscriber capacity so a remote
	// watch tolerates the same burst before backpressure.
	watchBuffer = 256
	// wsReadTimeout must comfortably exceed the peer's ping period.
	wsReadTimeout = 75 * time.Second
	wsControlWait = 10 * time.Second
	// longpollWait stays under common proxy idle timeouts; the grace
	// period covers response transfer after the peer responds.
	longpollWait  = 25 * time.Second
	longpollGrace = 10 * time.Second
	retryPause    = time.Second
)

// Watch streams the peer's feed from since, replayed entries first,
// then live ones, over a websocket. Peers that refuse the upgrade are
// followed by longpoll instead. The channel closes when ctx ends,
// cancel is called, the peer drops a lagging subscriber, or the
// connection breaks; the caller re-Watches from its own checkpoint.
func (c *Coll) Watch(ctx context.Context, since uint64) (<-chan store.Change, func(), error) {
	wsURL := c.node.wsURL(c.path("changes"), url.Values{
		"feed":  {"ws"},
		"since": {strconv.FormatUint(since, 10)},
	})
	hdr := http.Header{}
	if c.node.apiKey != "" {
		hdr.Set("X-API-Key", c.node.apiKey)
	}
	dialer := &websocket.Dialer{HandshakeTimeout: c.node.timeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, hdr)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if errors.Is(err, websocket.ErrBadHandshake) {
			return c.watchLongpoll(ctx, since)
		}
		return nil, nil, fmt.Errorf("remote: watch %s: %w", c.name, err)
	}

	// The peer pings every 30s; refresh the read deadline on each
	// ping so an idle feed stays open but a dead peer times out.
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPingHandler(func(payload string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(wsControlWait))
	})

	out := make(chan store.Change, watchBuffer)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }

	// Closing the conn is the only way to unblock the read loop.
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		conn.Close()
	}()

	go func() {
		defer close(out)
		defer cancel()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			var ch store.Change
			if err := conn.ReadJSON(&ch); err != nil {
				return
			}
			select {
			case out <- ch:
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}()
	return out, cancel, nil
}

// watchLongpoll emulates Watch with repeated longpoll requests. Pages
// arrive in order, so the cursor only moves forward; transient
// request failures pause briefly and retry rather than closing the
// feed.
func (c *Coll) watchLongpoll(ctx context.Context, since uint64) (<-chan store.Change, func(), error) {
	out := make(chan store.Change, watchBuffer)
	ctx, stop := context.WithCancel(ctx)
	go func() {
		defer close(out)
		cursor := since
		for ctx.Err() == nil {
			batch, err := c.pollOnce(ctx, cursor)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-time.After(retryPause):
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, ch := range batch.Changes {
				select {
				case out <- ch:
				case <-ctx.Done():
					return
				}
			}
			if batch.LastSeq > cursor {
				cursor = batch.LastSeq
			}
		}
	}()
	return out, stop, nil
}

// pollOnce issues one longpoll request bounded by its own deadline,
// on the feed client so the node's unary timeout does not cut the
// wait short.
func (c *Coll) pollOnce(ctx context.Context, since uint64) (store.ChangeBatch, error) {
	ctx, cancel := context.WithTimeout(ctx, longpollWait+longpollGrace)
	defer cancel()
	q := url.Values{
		"feed":       {"longpoll"},
		"since":      {strconv.FormatUint(since, 10)},
		"timeout_ms": {strconv.Itoa(int(longpollWait / time.Millisecond))},
	}
	resp, err := c.node.do(ctx, c.node.feed, http.MethodGet, c.path("changes"), q, nil, nil)
	if err != nil {
		return store.ChangeBatch{}, err
	}
	var batch store.ChangeBatch
	if err := decode(resp, &batch); err != nil {
		return store.ChangeBatch{}, err
	}
	return batch, nil
}

// wsURL rewrites the peer base URL for a websocket upgrade.
func (n *Node) wsURL(path string, q url.Values) string {
	u := *n.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}
