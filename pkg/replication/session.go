package replication

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"holocron/pkg/logger"
	"holocron/pkg/media"
	"holocron/pkg/models"
	"holocron/pkg/store"
)

// errFeedClosed marks a watch channel that ended without the session's
// context ending: a lagging subscriber drop or a broken connection.
// The session re-watches from its checkpoint.
var errFeedClosed = errors.New("replication: feed closed")

// session transfers one collection in one direction. Push and pull
// differ only in which end is the remote; the code never checks.
type session struct {
	coll      string
	direction string
	src, dst  store.Store
	ckpt      Checkpoints
	peer      string
	batchSize int

	// pull side only
	classify *Classifier
	notify   func(RefreshSet)

	stats flowStats
}

// run streams until ctx ends, retrying failed sessions with capped
// exponential backoff. Progress resets the backoff so a flaky link
// does not ratchet toward the cap forever.
func (s *session) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	for {
		err := s.stream(ctx, bo)
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		s.stats.fail(err)
		logger.Warn("sync_session_retry",
			"collection", s.coll, "direction", s.direction,
			"wait", wait.String(), "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// stream watches the source feed from the checkpoint and applies
// batches until the feed closes or an operation fails.
func (s *session) stream(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	since, err := s.loadCheckpoint()
	if err != nil {
		return err
	}
	ch, cancel, err := s.src.Watch(ctx, since)
	if err != nil {
		return err
	}
	defer cancel()
	for {
		batch, ok := drainChanges(ctx, ch, s.batchSize)
		if len(batch) > 0 {
			if err := s.apply(ctx, batch); err != nil {
				return err
			}
			seq := batch[len(batch)-1].Seq
			if err := s.saveCheckpoint(seq); err != nil {
				return err
			}
			s.stats.progress(seq, len(batch))
			bo.Reset()
		}
		if !ok {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return errFeedClosed
		}
	}
}

// drainChanges blocks for one entry, then takes whatever else is
// immediately available up to max, so bursts transfer as one batch
// without adding latency to single writes. ok turns false once the
// feed channel closes or ctx ends; the partial batch is still valid.
func drainChanges(ctx context.Context, ch <-chan store.Change, max int) ([]store.Change, bool) {
	var out []store.Change
	select {
	case c, ok := <-ch:
		if !ok {
			return nil, false
		}
		out = append(out, c)
	case <-ctx.Done():
		return nil, false
	}
	for len(out) < max {
		select {
		case c, ok := <-ch:
			if !ok {
				return out, false
			}
			out = append(out, c)
		case <-ctx.Done():
			return out, false
		default:
			return out, true
		}
	}
	return out, true
}

// apply reads the batch's documents from the source, installs them on
// the destination with the origin revisions intact, and mirrors media
// for the documents that won. Rejected documents are logged and
// skipped; they do not fail the batch.
func (s *session) apply(ctx context.Context, changes []store.Change) error {
	docs := make([]json.RawMessage, 0, len(changes))
	for _, ch := range changes {
		raw, err := s.src.GetAny(ctx, ch.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Purged between the feed entry and the read.
				continue
			}
			return err
		}
		docs = append(docs, raw)
	}
	if len(docs) == 0 {
		if s.notify != nil {
			s.notify(RefreshSet{FullReload: true})
		}
		return nil
	}
	results, err := s.dst.BulkDocs(ctx, docs, false)
	if err != nil {
		return err
	}
	for _, res := range results {
		if res.Error != "" {
			logger.Warn("sync_doc_rejected",
				"collection", s.coll, "direction", s.direction,
				"doc", res.ID, "error", res.Error)
			continue
		}
		if !res.OK() {
			// The destination already holds a winning revision; its
			// blob state is authoritative too.
			continue
		}
		if err := s.mirrorMedia(ctx, res.ID); err != nil {
			return err
		}
	}
	if s.notify != nil {
		s.notify(s.classify.Classify(ctx, docs))
	}
	return nil
}

// mirrorMedia converges the destination's media slot with the source
// for one document: copy when digests differ, clear when the source
// slot is empty. It runs only for winning documents, so a losing
// revision can never drag its blob over a newer one.
func (s *session) mirrorMedia(ctx context.Context, id string) error {
	srcMeta, err := s.src.GetAttachmentMeta(ctx, id, media.SlotName)
	if errors.Is(err, store.ErrNotFound) {
		_, derr := s.dst.GetAttachmentMeta(ctx, id, media.SlotName)
		if errors.Is(derr, store.ErrNotFound) {
			return nil
		}
		if derr != nil {
			return derr
		}
		return s.dst.ApplyAttachment(ctx, id, media.SlotName, store.AttachmentMeta{}, nil)
	}
	if err != nil {
		return err
	}
	dstMeta, derr := s.dst.GetAttachmentMeta(ctx, id, media.SlotName)
	if derr == nil && dstMeta.Digest == srcMeta.Digest {
		return nil
	}
	if derr != nil && !errors.Is(derr, store.ErrNotFound) {
		return derr
	}
	data, meta, gerr := s.src.GetAttachment(ctx, id, media.SlotName)
	if gerr != nil {
		if errors.Is(gerr, store.ErrNotFound) {
			// Slot emptied while mirroring; the next change converges it.
			return nil
		}
		return gerr
	}
	return s.dst.ApplyAttachment(ctx, id, media.SlotName, *meta, data)
}

// checkpoint is the persisted cursor value.
type checkpoint struct {
	Seq       uint64 `json:"seq"`
	UpdatedAt string `json:"updated_at"`
}

func (s *session) ckptParts() []string {
	return []string{"sync", "ckpt", s.coll, s.direction, s.peer}
}

// loadCheckpoint returns the resume point; a missing or corrupt
// checkpoint restarts from zero, which only costs a re-scan because
// applies are idempotent.
func (s *session) loadCheckpoint() (uint64, error) {
	raw, err := s.ckpt.GetSys(s.ckptParts()...)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var cp checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		logger.Warn("sync_checkpoint_corrupt",
			"collection", s.coll, "direction", s.direction, "error", err)
		return 0, nil
	}
	return cp.Seq, nil
}

func (s *session) saveCheckpoint(seq uint64) error {
	raw, err := json.Marshal(checkpoint{Seq: seq, UpdatedAt: models.NowISO()})
	if err != nil {
		return err
	}
	return s.ckpt.SetSys(raw, s.ckptParts()...)
}

// flowStats tracks one session's counters for the admin status view.
type flowStats struct {
	mu          sync.Mutex
	checkpoint  uint64
	transferred uint64
	lastSync    time.Time
	lastError   string
}

func (f *flowStats) progress(seq uint64, n int) {
	f.mu.Lock()
	f.checkpoint = seq
	f.transferred += uint64(n)
	f.lastSync = time.Now().UTC()
	f.lastError = ""
	f.mu.Unlock()
}

func (f *flowStats) fail(err error) {
	f.mu.Lock()
	f.lastError = err.Error()
	f.mu.Unlock()
}

func (f *flowStats) snapshot() FlowStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := FlowStatus{
		Checkpoint:  f.checkpoint,
		Transferred: f.transferred,
		LastError:   f.lastError,
	}
	if !f.lastSync.IsZero() {
		st.LastSync = f.lastSync.Format(time.RFC3339)
	}
	return st
}
