// Package maintenance removes expired task records, on demand or on a
// schedule.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dohr-michael/taskvault/internal/lease"
	"github.com/dohr-michael/taskvault/internal/tasks"
)

// Target is the storage side of a sweep.
type Target interface {
	// TaskIDs lists every stored task.
	TaskIDs() ([]string, error)
	// Session returns the session metadata of a task, or nil if the task no
	// longer exists.
	Session(id string) (*tasks.SessionMetadata, error)
	// LockToken returns the lease key guarding a task.
	LockToken(id string) string
	// Remove deletes every artifact of a task.
	Remove(id string) error
}

// CleanupError is a per-task sweep failure. It never aborts a sweep.
type CleanupError struct {
	TaskID string
	Err    error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup %s: %v", e.TaskID, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// Result aggregates the outcome of one sweep.
type Result struct {
	StartedAt time.Time       `json:"startedAt"`
	Duration  time.Duration   `json:"duration"`
	Scanned   int             `json:"scanned"`
	Removed   []string        `json:"removed"`
	Failed    []*CleanupError `json:"-"`
}

// Err joins every per-task failure, or returns nil.
func (r *Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// FailedIDs returns the ids of the tasks that failed.
func (r *Result) FailedIDs() []string {
	ids := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.TaskID
	}
	return ids
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Target      Target
	Locks       *lease.Manager
	MaxAge      time.Duration
	LockTimeout time.Duration
	Now         func() time.Time
}

// Sweeper removes completed tasks older than MaxAge.
type Sweeper struct {
	target      Target
	locks       *lease.Manager
	maxAge      time.Duration
	lockTimeout time.Duration
	now         func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		target:      cfg.Target,
		locks:       cfg.Locks,
		maxAge:      cfg.MaxAge,
		lockTimeout: cfg.LockTimeout,
		now:         now,
	}
}

// Run performs one sweep. Only sessions that are complete and whose last
// update is older than MaxAge are removed. Each candidate is re-checked
// under its task lease before deletion, so a concurrent save that reopens
// or refreshes a task wins.
//
// The returned error is non-nil only when the task list itself cannot be
// read or ctx is cancelled; per-task failures are collected in Result.Failed.
func (s *Sweeper) Run(ctx context.Context) (*Result, error) {
	res := &Result{StartedAt: s.now()}
	defer func() { res.Duration = s.now().Sub(res.StartedAt) }()

	ids, err := s.target.TaskIDs()
	if err != nil {
		return res, fmt.Errorf("list tasks: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++

		// Cheap unlocked pre-check; most tasks are not eligible.
		sess, err := s.target.Session(id)
		if err != nil {
			res.Failed = append(res.Failed, &CleanupError{TaskID: id, Err: err})
			continue
		}
		if sess == nil || !sess.Expired(s.now(), s.maxAge) {
			continue
		}

		removed, err := s.sweepOne(ctx, id)
		if err != nil {
			slog.Warn("maintenance: task cleanup failed", "task_id", id, "error", err)
			res.Failed = append(res.Failed, &CleanupError{TaskID: id, Err: err})
			continue
		}
		if removed {
			res.Removed = append(res.Removed, id)
		}
	}

	slog.Info("maintenance: sweep done",
		"scanned", res.Scanned, "removed", len(res.Removed), "failed", len(res.Failed))
	return res, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, id string) (bool, error) {
	l, err := s.locks.Acquire(ctx, s.target.LockToken(id), s.lockTimeout)
	if err != nil {
		return false, err
	}
	defer l.Release()

	sess, err := s.target.Session(id)
	if err != nil {
		return false, err
	}
	if sess == nil || !sess.Expired(s.now(), s.maxAge) {
		return false, nil
	}
	if err := s.target.Remove(id); err != nil {
		return false, err
	}
	slog.Debug("maintenance: removed task", "task_id", id, "updated_at", sess.UpdatedAt)
	return true, nil
}
