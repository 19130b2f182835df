package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"holocron/pkg/logger"
	"holocron/pkg/store"
	"holocron/pkg/telemetry"
	"holocron/pkg/utils"
)

const (
	// defaultLongpollWait bounds a longpoll request with no timeout_ms.
	defaultLongpollWait = 30 * time.Second
	// wsWriteWait is the per-frame write deadline on the websocket feed.
	wsWriteWait = 10 * time.Second
	// wsPingPeriod keeps idle websocket feeds alive through proxies.
	wsPingPeriod = 30 * time.Second
)

// changes handles GET /v1/db/{coll}/changes. feed=normal returns the
// page at once; longpoll waits for the feed to move past since before
// answering; ws upgrades and streams until the client leaves or lags.
func (s *Server) changes(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "changes_feed")
	coll, ok := s.collOf(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var since uint64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			utils.JSONErrorReason(w, http.StatusBadRequest, "invalid since value", "bad_query")
			return
		}
		since = n
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			utils.JSONErrorReason(w, http.StatusBadRequest, "invalid limit value", "bad_query")
			return
		}
		limit = n
	}

	switch q.Get("feed") {
	case "", "normal":
		batch, err := coll.Changes(r.Context(), since, limit)
		if err != nil {
			storeError(w, err)
			return
		}
		respondBatch(w, batch)
	case "longpoll":
		s.longpoll(w, r, coll, since, limit)
	case "ws":
		s.watchWS(w, r, coll, since)
	default:
		utils.JSONErrorReason(w, http.StatusBadRequest, "invalid feed value", "bad_query")
	}
}

// longpoll answers immediately when the page is non-empty, otherwise
// holds the request until the feed moves or the wait expires. Watch
// replays persisted entries first, so nothing written between the
// empty page read and the subscription is missed.
func (s *Server) longpoll(w http.ResponseWriter, r *http.Request, coll *store.Collection, since uint64, limit int) {
	batch, err := coll.Changes(r.Context(), since, limit)
	if err != nil {
		storeError(w, err)
		return
	}
	if len(batch.Changes) > 0 {
		respondBatch(w, batch)
		return
	}

	wait := defaultLongpollWait
	if v := r.URL.Query().Get("timeout_ms"); v != "" {
		ms, perr := strconv.Atoi(v)
		if perr != nil || ms < 0 {
			utils.JSONErrorReason(w, http.StatusBadRequest, "invalid timeout_ms value", "bad_query")
			return
		}
		wait = time.Duration(ms) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	ch, stop, err := coll.Watch(ctx, since)
	if err != nil {
		storeError(w, err)
		return
	}
	defer stop()
	select {
	case <-ch:
		// The feed moved (or the subscription closed); either way the
		// page read below reflects whatever is now persisted.
	case <-ctx.Done():
	}
	batch, err = coll.Changes(r.Context(), since, limit)
	if err != nil {
		storeError(w, err)
		return
	}
	respondBatch(w, batch)
}

func respondBatch(w http.ResponseWriter, batch store.ChangeBatch) {
	if batch.Changes == nil {
		batch.Changes = []store.Change{}
	}
	_ = utils.JSONWrite(w, http.StatusOK, batch)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins were already vetted by the auth middleware's CORS pass.
	CheckOrigin: func(*http.Request) bool { return true },
}

// watchWS streams the feed from since as JSON frames. When the
// subscriber buffer overflows the server closes with 1013 and the
// client re-watches from its own checkpoint.
func (s *Server) watchWS(w http.ResponseWriter, r *http.Request, coll *store.Collection, since uint64) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an error status.
		logger.Debug("ws_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch, stop, err := coll.Watch(ctx, since)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "watch failed"),
			time.Now().Add(wsWriteWait))
		return
	}
	defer stop()

	// Reader goroutine: the client sends nothing meaningful, but close
	// frames and pongs arrive here.
	go func() {
		for {
			if _, _, rerr := conn.ReadMessage(); rerr != nil {
				cancel()
				return
			}
		}
	}()

	pings := time.NewTicker(wsPingPeriod)
	defer pings.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "feed lagged"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if werr := conn.WriteJSON(ev); werr != nil {
				return
			}
		case <-pings.C:
			if perr := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); perr != nil {
				return
			}
		}
	}
}
