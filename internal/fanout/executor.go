// Package fanout runs side-effect jobs (event records, incident posts, search
// index writes) off the request path. A single worker drains a buffered queue,
// which keeps index writes for the same dataset in submission order.
package fanout

import (
	"context"
	"log/slog"
	"time"
)

// DefaultQueueSize bounds the job queue. Jobs submitted to a full queue are
// dropped with a warning rather than blocking the status reducer.
const DefaultQueueSize = 256

// job is one queued side effect.
type job struct {
	name string
	fn   func(ctx context.Context) error
}

// Executor is a single-worker background job queue.
type Executor struct {
	queue  chan job
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Executor with the given queue size (DefaultQueueSize if <= 0).
func New(queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Executor{queue: make(chan job, queueSize)}
}

// Start begins the worker goroutine.
func (e *Executor) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		for {
			select {
			case <-ctx.Done():
				e.drain(ctx)
				return
			case j := <-e.queue:
				e.run(ctx, j)
			}
		}
	}()
}

// Submit queues a job. Never blocks: if the queue is full the job is dropped
// and logged, since every job here is best-effort.
func (e *Executor) Submit(name string, fn func(ctx context.Context) error) {
	select {
	case e.queue <- job{name: name, fn: fn}:
	default:
		slog.Warn("background queue full, dropping job", "job", name)
	}
}

// Stop cancels the worker, lets it drain already-queued jobs and waits for it
// to finish.
func (e *Executor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
}

// drain runs jobs still sitting in the queue at shutdown, with a bounded
// grace period per job.
func (e *Executor) drain(ctx context.Context) {
	for {
		select {
		case j := <-e.queue:
			graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			e.run(graceCtx, j)
			cancel()
		default:
			return
		}
	}
}

// run executes one job, recovering panics so a bad sink cannot kill the worker.
func (e *Executor) run(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("background job panicked", "job", j.name, "panic", r)
		}
	}()

	start := time.Now()
	if err := j.fn(ctx); err != nil {
		slog.Error("background job failed", "job", j.name, "error", err, "duration", time.Since(start))
		return
	}
	slog.Debug("background job done", "job", j.name, "duration", time.Since(start))
}
