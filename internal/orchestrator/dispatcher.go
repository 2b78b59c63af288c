package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nidhogg/nuka-library/internal/library"
	"go.uber.org/zap"
)

// Rebuilder is the library service as seen by the dispatcher.
type Rebuilder interface {
	Rebuild(ctx context.Context, req library.RebuildRequest) (*library.RebuildResult, error)
}

// Dispatcher runs rebuild triggers on a bounded goroutine pool. Failures are
// logged and counted; they never reach the producer of the trigger.
type Dispatcher struct {
	rebuilder Rebuilder
	pool      chan struct{}
	timeout   time.Duration
	logger    *zap.Logger

	rebuilt   atomic.Int64
	unchanged atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher creates a dispatcher running at most poolSize rebuilds at once.
func NewDispatcher(rebuilder Rebuilder, poolSize int, logger *zap.Logger) *Dispatcher {
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Dispatcher{
		rebuilder: rebuilder,
		pool:      make(chan struct{}, poolSize),
		timeout:   time.Minute,
		logger:    logger,
	}
}

// Run consumes triggers until the channel closes or ctx is cancelled, then
// waits for in-flight rebuilds.
func (d *Dispatcher) Run(ctx context.Context, triggers <-chan Trigger) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var t Trigger
		var ok bool
		select {
		case <-ctx.Done():
			return
		case t, ok = <-triggers:
			if !ok {
				return
			}
		}

		select {
		case d.pool <- struct{}{}: // acquire slot
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func(t Trigger) {
			defer wg.Done()
			defer func() { <-d.pool }() // release slot
			d.Dispatch(ctx, t)
		}(t)
	}
}

// Dispatch runs one trigger synchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, t Trigger) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	res, err := d.rebuilder.Rebuild(ctx, t.Request())
	if err != nil {
		d.failed.Add(1)
		d.logger.Warn("triggered rebuild failed",
			zap.String("agent", t.AgentID),
			zap.String("base", t.BaseID),
			zap.String("run", t.RunID),
			zap.String("event", t.SourceEvent),
			zap.Error(err))
		return
	}
	if res.Changed {
		d.rebuilt.Add(1)
	} else {
		d.unchanged.Add(1)
	}
	d.logger.Debug("triggered rebuild done",
		zap.String("agent", t.AgentID),
		zap.String("event", t.SourceEvent),
		zap.Bool("changed", res.Changed),
		zap.Duration("duration", time.Since(start)))
}

// Stats returns outcome counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Rebuilt:   d.rebuilt.Load(),
		Unchanged: d.unchanged.Load(),
		Failed:    d.failed.Load(),
	}
}
