package scheduler

import (
	"context"
	"time"

	"teketeke/internal/logger"
)

// Job is a named background sweep run on a fixed interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Overridden in tests.
var startupDelay = 10 * time.Second

// Scheduler drives the periodic maintenance sweeps: fraud scans,
// escalation reminders, stuck payout detection, reconciliation runs
// and daily batch drafting. Each job gets its own goroutine so a slow
// sweep cannot starve the others.
type Scheduler struct {
	jobs   []Job
	cancel context.CancelFunc
	done   chan struct{}
}

func New(jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs}
}

// Start launches every job loop. Jobs run once shortly after start and
// then on their interval until the context is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		sub := make(chan struct{}, len(s.jobs))
		for _, job := range s.jobs {
			go func(j Job) {
				defer func() { sub <- struct{}{} }()
				s.loop(ctx, j)
			}(job)
		}
		for range s.jobs {
			<-sub
		}
	}()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	// Let startup settle before the first sweep.
	select {
	case <-time.After(startupDelay):
	case <-ctx.Done():
		return
	}

	s.runJob(ctx, j)

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runJob(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, j Job) {
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		logger.Error("scheduled job failed", "job", j.Name, "error", err)
		return
	}
	logger.Debug("scheduled job completed", "job", j.Name, "duration_ms", time.Since(start).Milliseconds())
}

// Stop cancels all job loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}
