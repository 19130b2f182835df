// Package remote implements the store.Store contract over a peer
// node's HTTP surface. Replication sessions and tooling operate on a
// remote collection exactly as they would on a local one; document
// errors cross the wire as {"error","reason"} envelopes and come back
// out as the same store sentinels, so errors.Is holds on both sides.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"holocron/pkg/store"
)

// DefaultTimeout bounds unary calls. Feed requests (longpoll,
// websocket) run on their own context deadlines instead.
const DefaultTimeout = 15 * time.Second

// Options configures a Node.
type Options struct {
	// APIKey is sent as X-API-Key on every request when non-empty.
	APIKey string
	// Timeout bounds unary requests; DefaultTimeout when zero.
	Timeout time.Duration
	// Client overrides the unary HTTP client, for tests and custom
	// transports. Its Timeout is used as-is.
	Client *http.Client
}

// Node is a handle on a peer holocron node.
type Node struct {
	base    *url.URL
	apiKey  string
	timeout time.Duration
	client  *http.Client
	// feed has no client-level timeout: longpoll and replay requests
	// are bounded by their request contexts.
	feed *http.Client
}

// Open parses baseURL and returns a Node. No request is made; use
// Ping to verify reachability.
func Open(baseURL string, opts Options) (*Node, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse peer url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: peer url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("remote: peer url %q: missing host", baseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Node{
		base:    u,
		apiKey:  opts.APIKey,
		timeout: timeout,
		client:  client,
		feed:    &http.Client{Transport: client.Transport},
	}, nil
}

// Close releases idle connections held by the node's clients.
func (n *Node) Close() error {
	n.client.CloseIdleConnections()
	n.feed.CloseIdleConnections()
	return nil
}

// Ping checks the peer's readiness endpoint.
func (n *Node) Ping(ctx context.Context) error {
	resp, err := n.do(ctx, n.client, http.MethodGet, "/readyz", nil, nil, nil)
	if err != nil {
		return err
	}
	return discard(resp)
}

// Addr returns the peer's base URL.
func (n *Node) Addr() string { return n.base.String() }

// Collection returns a Store backed by the peer's collection.
func (n *Node) Collection(name string) (*Coll, error) {
	if err := store.ValidateCollection(name); err != nil {
		return nil, err
	}
	return &Coll{node: n, name: name}, nil
}

// do issues one request. Non-nil responses are always returned with
// their body still open; callers decode or discard it.
func (n *Node) do(ctx context.Context, client *http.Client, method, path string, q url.Values, hdr http.Header, body io.Reader) (*http.Response, error) {
	u := *n.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("remote: build %s %s: %w", method, path, err)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if n.apiKey != "" {
		req.Header.Set("X-API-Key", n.apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	return resp, nil
}

// doJSON issues a request with a JSON body.
func (n *Node) doJSON(ctx context.Context, method, path string, q url.Values, v any) (*http.Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("remote: encode %s body: %w", path, err)
	}
	hdr := http.Header{"Content-Type": {"application/json"}}
	return n.do(ctx, n.client, method, path, q, hdr, bytes.NewReader(b))
}

// decode reads a 2xx response body into out and closes it. Error
// responses are turned into store sentinels via the envelope reason.
func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return envelopeError(resp)
	}
	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode response: %w", err)
	}
	return nil
}

// discard drains and closes a response, reporting envelope errors.
func discard(resp *http.Response) error { return decode(resp, nil) }

// readAll reads a 2xx response body whole, for document and blob GETs.
func readAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, envelopeError(resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: read response: %w", err)
	}
	return b, nil
}

// envelopeError maps an error response onto the store sentinel the
// peer would have returned locally. Unknown reasons fall back to the
// status code so older peers still map 404 and 409 correctly.
func envelopeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var env struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(body, &env)
	msg := env.Error
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = resp.Status
	}
	if s := sentinelFor(env.Reason, resp.StatusCode); s != nil {
		return fmt.Errorf("%w: %s", s, msg)
	}
	return fmt.Errorf("remote: peer returned %s: %s", resp.Status, msg)
}

func sentinelFor(reason string, status int) error {
	switch reason {
	case "missing":
		return store.ErrNotFound
	case "stale_rev":
		return store.ErrConflict
	case "no_index":
		return store.ErrNoIndex
	case "bad_query":
		return store.ErrBadQuery
	case "bad_index":
		return store.ErrBadIndex
	case "index_exists":
		return store.ErrIndexExists
	case "doc_too_large":
		return store.ErrDocTooLarge
	case "attachment_too_large":
		return store.ErrAttachmentTooLarge
	case "bad_doc", "bad_collection", "id_mismatch", "missing_rev", "validation", "bad_body":
		return store.ErrBadDoc
	}
	switch status {
	case http.StatusNotFound:
		return store.ErrNotFound
	case http.StatusConflict:
		return store.ErrConflict
	}
	return nil
}
