package replication

import (
	"context"
	"sync"
	"testing"
	"time"
)

// recordingSink captures dispatched refreshes and flags any
// overlapping calls, which the single-worker notifier must never
// produce.
type recordingSink struct {
	mu        sync.Mutex
	topActive bool
	calls     []string
	inFlight  int
	overlap   bool
}

func (s *recordingSink) enter(call string) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > 1 {
		s.overlap = true
	}
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *recordingSink) leave() {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
}

func (s *recordingSink) TopViewActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topActive
}

func (s *recordingSink) RefreshTopMessages(context.Context) {
	s.enter("top")
	defer s.leave()
	time.Sleep(time.Millisecond)
}

func (s *recordingSink) FullReload(context.Context) {
	s.enter("full")
	defer s.leave()
	time.Sleep(time.Millisecond)
}

func (s *recordingSink) RefreshCharacter(_ context.Context, id string) {
	s.enter("char:" + id)
	defer s.leave()
}

func (s *recordingSink) RefreshMessageComments(_ context.Context, id string) {
	s.enter("msg:" + id)
	defer s.leave()
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func waitCalls(t *testing.T, s *recordingSink, want int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.snapshot(); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sink stuck at %v, want %d calls", s.snapshot(), want)
	return nil
}

func startNotifier(t *testing.T, sink RefreshSink, delay time.Duration) *Notifier {
	t.Helper()
	n := NewNotifier(sink, delay)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return n
}

func charSet(ids ...string) RefreshSet {
	var set RefreshSet
	for _, id := range ids {
		set.markCharacter(id)
	}
	return set
}

// TestNotifierCoalescesBurst: several observations inside one quiet
// window produce a single dispatch pass over the merged set.
func TestNotifierCoalescesBurst(t *testing.T) {
	sink := &recordingSink{}
	n := startNotifier(t, sink, 30*time.Millisecond)

	n.Observe(RefreshSet{FullReload: true})
	n.Observe(RefreshSet{FullReload: true})
	n.Observe(charSet("character:rey"))

	got := waitCalls(t, sink, 1)
	if got[0] != "full" {
		t.Fatalf("first dispatch = %q, want full", got[0])
	}
	time.Sleep(120 * time.Millisecond)
	if got := sink.snapshot(); len(got) != 1 {
		t.Fatalf("burst dispatched %d times: %v", len(got), got)
	}
}

// TestNotifierTargetedOrder dispatches dirty characters then dirty
// messages, each set in sorted order.
func TestNotifierTargetedOrder(t *testing.T) {
	sink := &recordingSink{}
	n := startNotifier(t, sink, 20*time.Millisecond)

	var set RefreshSet
	set.markCharacter("character:b")
	set.markCharacter("character:a")
	set.markMessage("message:2")
	set.markMessage("message:1")
	n.Observe(set)

	got := waitCalls(t, sink, 4)
	want := []string{"char:character:a", "char:character:b", "msg:message:1", "msg:message:2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

// TestNotifierFullReloadWins: a full reload in the window subsumes all
// targeted refreshes merged alongside it.
func TestNotifierFullReloadWins(t *testing.T) {
	sink := &recordingSink{}
	n := startNotifier(t, sink, 20*time.Millisecond)

	n.Observe(charSet("character:rey"))
	n.Observe(RefreshSet{FullReload: true})

	got := waitCalls(t, sink, 1)
	if got[0] != "full" {
		t.Fatalf("dispatch = %v, want single full reload", got)
	}
	time.Sleep(80 * time.Millisecond)
	if got := sink.snapshot(); len(got) != 1 {
		t.Fatalf("extra dispatches after full reload: %v", got)
	}
}

// TestNotifierTopViewShortCircuit: while the top-likes view is active
// a single bounded refresh replaces everything, full reloads included.
func TestNotifierTopViewShortCircuit(t *testing.T) {
	sink := &recordingSink{topActive: true}
	n := startNotifier(t, sink, 20*time.Millisecond)

	var set RefreshSet
	set.FullReload = true
	set.markCharacter("character:rey")
	set.markMessage("message:1")
	n.Observe(set)

	got := waitCalls(t, sink, 1)
	if got[0] != "top" {
		t.Fatalf("dispatch = %v, want top-messages refresh", got)
	}
	time.Sleep(80 * time.Millisecond)
	if got := sink.snapshot(); len(got) != 1 {
		t.Fatalf("top view dispatched extra work: %v", got)
	}
}

// TestNotifierSeparateWindows: observations farther apart than the
// quiet delay dispatch separately.
func TestNotifierSeparateWindows(t *testing.T) {
	sink := &recordingSink{}
	n := startNotifier(t, sink, 20*time.Millisecond)

	n.Observe(RefreshSet{FullReload: true})
	waitCalls(t, sink, 1)
	n.Observe(RefreshSet{FullReload: true})
	got := waitCalls(t, sink, 2)
	if got[0] != "full" || got[1] != "full" {
		t.Fatalf("dispatches = %v, want two full reloads", got)
	}
	if sink.overlap {
		t.Fatalf("sink calls overlapped")
	}
}

// TestNotifierIgnoresEmptySets: observing nothing never arms the
// timer or reaches the sink.
func TestNotifierIgnoresEmptySets(t *testing.T) {
	sink := &recordingSink{}
	n := startNotifier(t, sink, 10*time.Millisecond)

	n.Observe(RefreshSet{})
	time.Sleep(60 * time.Millisecond)
	if got := sink.snapshot(); len(got) != 0 {
		t.Fatalf("empty set dispatched: %v", got)
	}
}

// TestNotifierStoppedWorkerDropsFlush: after the worker exits, a
// pending flush must not block the timer goroutine forever.
func TestNotifierStoppedWorkerDropsFlush(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier(sink, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		n.Run(ctx)
	}()
	cancel()
	<-stopped

	n.Observe(RefreshSet{FullReload: true})
	done := make(chan struct{})
	go func() {
		n.flush()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("flush blocked after worker stop")
	}
	if got := sink.snapshot(); len(got) != 0 {
		t.Fatalf("stopped notifier dispatched: %v", got)
	}
}
