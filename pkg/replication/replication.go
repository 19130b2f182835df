// Package replication keeps a local store and a peer node convergent.
// A Controller runs one Replicator per configured collection; each
// Replicator drives a push session and a pull session built on the
// same store.Store contract, so the transfer code never knows which
// end is remote. Sessions resume from persisted checkpoints, apply
// batches with revision-preserving bulk writes, mirror media blobs
// whose digests differ, and retry with capped exponential backoff
// while Live. Incoming batches are classified into targeted view
// refreshes and debounced before they reach the UI sink.
package replication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"holocron/pkg/logger"
	"holocron/pkg/models"
	"holocron/pkg/remote"
	"holocron/pkg/store"
)

// State is the controller lifecycle. Toggling between the two states
// is driven from outside (UI online toggle, admin); there is no
// automatic transition besides session retries while Live.
type State int32

const (
	Stopped State = iota
	Live
)

func (s State) String() string {
	if s == Live {
		return "live"
	}
	return "stopped"
}

// Config describes one peer relationship.
type Config struct {
	// Peer is the remote node's base URL.
	Peer string
	// APIKey authenticates against the peer.
	APIKey string
	// Collections to replicate bidirectionally.
	Collections []string
	// BatchSize caps documents per transfer batch; DefaultBatchSize
	// when zero.
	BatchSize int
	// Debounce is the refresh coalescing window; DefaultDebounce when
	// zero.
	Debounce time.Duration
	// Timeout bounds unary requests against the peer.
	Timeout time.Duration
}

// DefaultBatchSize bounds one transfer batch.
const DefaultBatchSize = 100

// Checkpoints persists session cursors in node-local space, keyed
// sync:ckpt:<coll>:<direction>:<peer-hash>. *store.DB satisfies it;
// checkpoints never replicate.
type Checkpoints interface {
	GetSys(parts ...string) ([]byte, error)
	SetSys(val []byte, parts ...string) error
}

// Controller owns the replicators for one peer.
type Controller struct {
	cfg  Config
	db   *store.DB
	sink RefreshSink

	mu          sync.Mutex
	state       State
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	node        *remote.Node
	notifier    *Notifier
	replicators []*Replicator
}

// NewController wires a controller; sink may be nil when no view is
// attached (a headless node).
func NewController(db *store.DB, cfg Config, sink RefreshSink) *Controller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Controller{cfg: cfg, db: db, sink: sink}
}

// Replicator pairs the push and pull sessions of one collection.
type Replicator struct {
	coll string
	push *session
	pull *session
}

// Start opens the peer connection and launches every session. Calling
// Start while Live is a no-op. The sessions run until Stop or until
// ctx ends.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Live {
		return nil
	}
	if c.cfg.Peer == "" {
		return fmt.Errorf("replication: no peer configured")
	}
	if len(c.cfg.Collections) == 0 {
		return fmt.Errorf("replication: no collections configured")
	}
	node, err := remote.Open(c.cfg.Peer, remote.Options{APIKey: c.cfg.APIKey, Timeout: c.cfg.Timeout})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	var notify func(RefreshSet)
	if c.sink != nil {
		c.notifier = NewNotifier(c.sink, c.cfg.Debounce)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.notifier.Run(runCtx)
		}()
		notify = c.notifier.Observe
	}

	// Comment parents resolve against the local messages collection;
	// when it is not part of this deployment the classifier degrades
	// those changes to full reloads.
	var lookup store.Store
	for _, name := range c.cfg.Collections {
		if name == models.CollMessages {
			coll, cerr := c.db.Collection(name)
			if cerr != nil {
				cancel()
				node.Close()
				return cerr
			}
			lookup = coll
		}
	}
	classifier := NewClassifier(lookup)

	peer := peerHash(c.cfg.Peer)
	var reps []*Replicator
	for _, name := range c.cfg.Collections {
		local, cerr := c.db.Collection(name)
		if cerr != nil {
			cancel()
			node.Close()
			return cerr
		}
		rem, cerr := node.Collection(name)
		if cerr != nil {
			cancel()
			node.Close()
			return cerr
		}
		r := &Replicator{
			coll: name,
			push: &session{
				coll:      name,
				direction: "push",
				src:       local,
				dst:       rem,
				ckpt:      c.db,
				peer:      peer,
				batchSize: c.cfg.BatchSize,
			},
			pull: &session{
				coll:      name,
				direction: "pull",
				src:       rem,
				dst:       local,
				ckpt:      c.db,
				peer:      peer,
				batchSize: c.cfg.BatchSize,
				classify:  classifier,
				notify:    notify,
			},
		}
		reps = append(reps, r)
	}

	for _, r := range reps {
		for _, s := range []*session{r.push, r.pull} {
			s := s
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				s.run(runCtx)
			}()
		}
	}

	c.state = Live
	c.cancel = cancel
	c.node = node
	c.replicators = reps
	logger.Info("sync_started", "peer", c.cfg.Peer, "collections", strings.Join(c.cfg.Collections, ","))
	return nil
}

// Stop cancels every session and waits for them to drain. Stopping a
// stopped controller is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state != Live {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	c.mu.Lock()
	c.state = Stopped
	c.cancel = nil
	if c.node != nil {
		c.node.Close()
		c.node = nil
	}
	c.notifier = nil
	c.replicators = nil
	c.mu.Unlock()
	logger.Info("sync_stopped", "peer", c.cfg.Peer)
}

// Status is the controller snapshot served by the admin API.
type Status struct {
	State       string       `json:"state"`
	Peer        string       `json:"peer"`
	Collections []CollStatus `json:"collections,omitempty"`
}

// CollStatus reports one collection's session pair.
type CollStatus struct {
	Collection string     `json:"collection"`
	Push       FlowStatus `json:"push"`
	Pull       FlowStatus `json:"pull"`
}

// FlowStatus reports one direction of a collection's replication.
type FlowStatus struct {
	Checkpoint  uint64 `json:"checkpoint"`
	Transferred uint64 `json:"docs_transferred"`
	LastSync    string `json:"last_sync,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// Status snapshots the controller and its sessions.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state.String(), Peer: c.cfg.Peer}
	for _, r := range c.replicators {
		st.Collections = append(st.Collections, CollStatus{
			Collection: r.coll,
			Push:       r.push.stats.snapshot(),
			Pull:       r.pull.stats.snapshot(),
		})
	}
	return st
}

// peerHash stamps checkpoint keys so cursors against different peers
// never collide.
func peerHash(peer string) string {
	sum := sha256.Sum256([]byte(peer))
	return hex.EncodeToString(sum[:8])
}
