package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidhogg/nuka-library/internal/library"
	"go.uber.org/zap"
)

type fakeRebuilder struct {
	mu      sync.Mutex
	seen    []library.RebuildRequest
	active  atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
	failFor string
}

func (f *fakeRebuilder) Rebuild(ctx context.Context, req library.RebuildRequest) (*library.RebuildResult, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.seen = append(f.seen, req)
	f.mu.Unlock()

	if req.AgentID == f.failFor {
		return nil, library.ErrBuildFailed
	}
	return &library.RebuildResult{Changed: req.SourceEvent != string(library.EventUIRebuild)}, nil
}

func TestDispatcherRunsAllTriggers(t *testing.T) {
	rb := &fakeRebuilder{delay: 10 * time.Millisecond, failFor: "broken"}
	d := NewDispatcher(rb, 2, zap.NewNop())

	triggers := make(chan Trigger)
	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), triggers)
		close(done)
	}()

	for i := 0; i < 6; i++ {
		triggers <- Trigger{AgentID: "agent", RunID: "r", SourceEvent: string(library.EventRunDone)}
	}
	triggers <- Trigger{AgentID: "agent", SourceEvent: string(library.EventUIRebuild)}
	triggers <- Trigger{AgentID: "broken", SourceEvent: string(library.EventRunFailed)}
	close(triggers)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not drain")
	}

	stats := d.Stats()
	want := Stats{Rebuilt: 6, Unchanged: 1, Failed: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
	if peak := rb.peak.Load(); peak > 2 {
		t.Fatalf("peak concurrency = %d, pool is 2", peak)
	}
	if len(rb.seen) != 8 {
		t.Fatalf("rebuilds = %d", len(rb.seen))
	}
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	d := NewDispatcher(&fakeRebuilder{}, 1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, make(chan Trigger))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher ignored cancellation")
	}
}

func TestTriggerRequest(t *testing.T) {
	req := Trigger{AgentID: "a", BaseID: "b", RunID: "r", SourceEvent: "run.done"}.Request()
	if req.Key != (library.Key{AgentID: "a", BaseID: "b", RunID: "r"}) || req.SourceEvent != "run.done" {
		t.Fatalf("request = %+v", req)
	}
}

func TestDispatchSwallowsErrors(t *testing.T) {
	d := NewDispatcher(&fakeRebuilder{failFor: "x"}, 1, zap.NewNop())
	d.Dispatch(context.Background(), Trigger{AgentID: "x"})
	if d.Stats().Failed != 1 {
		t.Fatalf("stats = %+v", d.Stats())
	}
}
