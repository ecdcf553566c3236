package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cron "github.com/netresearch/go-cron"
)

// Job is the work run on each scheduled tick.
type Job func(ctx context.Context)

// Scheduler runs a Job on a cron spec or fixed interval. Ticks that fire
// while the previous run is still in progress are skipped.
type Scheduler struct {
	cron    *cron.Cron
	spec    string
	job     Job
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewScheduler creates a Scheduler. A non-empty spec (standard 5-field cron
// or a descriptor such as "@daily") takes precedence over every.
func NewScheduler(spec string, every time.Duration, job Job) (*Scheduler, error) {
	if spec == "" {
		if every <= 0 {
			return nil, fmt.Errorf("cleanup interval must be positive, got %s", every)
		}
		spec = "@every " + every.String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   cron.New(),
		spec:   spec,
		job:    job,
		ctx:    ctx,
		cancel: cancel,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", spec, err)
	}
	return s, nil
}

// Spec returns the effective schedule.
func (s *Scheduler) Spec() string { return s.spec }

// Start begins firing the job.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("maintenance: scheduler started", "schedule", s.spec)
}

// Stop halts the schedule, cancels a running job and waits for it to return.
// It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.cron.Stop().Done()
		slog.Info("maintenance: scheduler stopped")
	})
}

func (s *Scheduler) tick() {
	if !s.running.CompareAndSwap(false, true) {
		slog.Debug("maintenance: previous sweep still running, tick skipped")
		return
	}
	defer s.running.Store(false)

	if s.ctx.Err() != nil {
		return
	}
	s.job(s.ctx)
}
