package replication

import (
	"context"
	"sync"
	"time"
)

// DefaultDebounce is the quiet window that coalesces refresh bursts
// from one sync batch into one dispatch pass.
const DefaultDebounce = 100 * time.Millisecond

// RefreshSink receives coalesced refresh work after each debounce
// window. view.Refresher satisfies it.
type RefreshSink interface {
	// TopViewActive reports whether the global top-likes view is
	// showing; while it is, one bounded top-messages refresh replaces
	// all targeted work.
	TopViewActive() bool
	RefreshTopMessages(ctx context.Context)
	FullReload(ctx context.Context)
	RefreshCharacter(ctx context.Context, id string)
	RefreshMessageComments(ctx context.Context, id string)
}

// Notifier debounces refresh sets and dispatches them on one worker
// goroutine, so sink refreshes never run concurrently with each
// other. The timer resets on every observation: the window closes one
// quiet delay after the last event.
type Notifier struct {
	delay time.Duration
	sink  RefreshSink

	mu      sync.Mutex
	pending RefreshSet
	timer   *time.Timer

	work chan RefreshSet
	done chan struct{}
}

// NewNotifier builds a notifier dispatching to sink after delay of
// quiet; a non-positive delay uses DefaultDebounce.
func NewNotifier(sink RefreshSink, delay time.Duration) *Notifier {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Notifier{
		delay: delay,
		sink:  sink,
		work:  make(chan RefreshSet),
		done:  make(chan struct{}),
	}
}

// Run is the dispatch worker; it returns when ctx ends.
func (n *Notifier) Run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case set := <-n.work:
			n.dispatch(ctx, set)
		case <-ctx.Done():
			n.mu.Lock()
			if n.timer != nil {
				n.timer.Stop()
				n.timer = nil
			}
			n.mu.Unlock()
			return
		}
	}
}

// Observe merges set into the pending window and arms or resets the
// debounce timer. Empty sets are ignored.
func (n *Notifier) Observe(set RefreshSet) {
	if set.Empty() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending.merge(set)
	if n.timer == nil {
		n.timer = time.AfterFunc(n.delay, n.flush)
	} else {
		n.timer.Reset(n.delay)
	}
}

// flush hands the accumulated set to the worker. It runs on the timer
// goroutine and blocks until the worker takes it, which serializes
// dispatches; a stopped worker drains it via done instead.
func (n *Notifier) flush() {
	n.mu.Lock()
	set := n.pending
	n.pending = RefreshSet{}
	n.timer = nil
	n.mu.Unlock()
	if set.Empty() {
		return
	}
	select {
	case n.work <- set:
	case <-n.done:
	}
}

// dispatch applies the refresh precedence: an active top-likes view
// needs only its own page re-fetched; a full reload covers everything
// else; otherwise each dirty character and message refreshes
// individually.
func (n *Notifier) dispatch(ctx context.Context, set RefreshSet) {
	switch {
	case n.sink.TopViewActive():
		n.sink.RefreshTopMessages(ctx)
	case set.FullReload:
		n.sink.FullReload(ctx)
	default:
		for _, id := range set.CharacterIDs() {
			n.sink.RefreshCharacter(ctx, id)
		}
		for _, id := range set.MessageIDs() {
			n.sink.RefreshMessageComments(ctx, id)
		}
	}
}
