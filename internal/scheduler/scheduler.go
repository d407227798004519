// Package scheduler re-submits datasets whose schedule has come due.
// It runs as a background goroutine inside flowmanagerd, sweeping the
// registry once per scheduling period (a minute). Sleeps happen in short
// increments so shutdown stays responsive.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/datahq/flowmanager/internal/domain"
)

// Period is the scheduling granularity. Schedules are minute-granular, so
// sweeping more often only burns queries.
const Period = time.Minute

// sleepSlice bounds one uninterruptible sleep inside the loop.
const sleepSlice = 5 * time.Second

// DatasetSource lists datasets whose next run is due.
type DatasetSource interface {
	ListExpiredDatasets(ctx context.Context, now time.Time) ([]domain.Dataset, error)
}

// Submitter re-runs a stored dataset spec. Implemented by the flow service.
type Submitter interface {
	Resubmit(ctx context.Context, owner string, spec domain.Spec) []string
}

// Scheduler sweeps due datasets and re-submits them.
type Scheduler struct {
	datasets DatasetSource
	flows    Submitter

	// now is the clock; defaults to time.Now. Injectable for tests.
	now func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler over the given registry and flow service.
func New(datasets DatasetSource, flows Submitter) *Scheduler {
	return &Scheduler{datasets: datasets, flows: flows, now: time.Now}
}

// Start begins the background scheduler goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		// The sweep base advances by exactly one period per iteration, so a
		// slow sweep does not drift the schedule.
		base := s.now()
		for {
			if ctx.Err() != nil {
				return
			}
			s.tick(ctx, base)
			base = base.Add(Period)
			if !s.sleepUntil(ctx, base) {
				return
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// tick re-submits every dataset due at the sweep base. The submission path
// advances each dataset's next slot, so a dataset failing to submit is
// retried on the next sweep.
func (s *Scheduler) tick(ctx context.Context, base time.Time) {
	due, err := s.datasets.ListExpiredDatasets(ctx, base)
	if err != nil {
		slog.Error("scheduler: failed to list due datasets", "error", err)
		return
	}

	for _, d := range due {
		if ctx.Err() != nil {
			return
		}
		slog.Info("scheduler: re-submitting dataset", "dataset_id", d.Identifier)
		if errs := s.flows.Resubmit(ctx, d.Owner, d.Spec); len(errs) > 0 {
			slog.Error("scheduler: re-submission failed",
				"dataset_id", d.Identifier, "errors", errs)
		}
	}
}

// sleepUntil sleeps in short slices until deadline, returning false when the
// context is cancelled first.
func (s *Scheduler) sleepUntil(ctx context.Context, deadline time.Time) bool {
	for {
		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return true
		}
		if remaining > sleepSlice {
			remaining = sleepSlice
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(remaining):
		}
	}
}
