package taskstore

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/dohr-michael/taskvault/internal/events"
	"github.com/dohr-michael/taskvault/internal/maintenance"
	"github.com/dohr-michael/taskvault/internal/storage/dirstore"
	"github.com/dohr-michael/taskvault/internal/tasks"
)

// PerformCleanup removes every completed task whose last update is older than
// the configured maximum session age. Per-task failures are collected in the
// result; the returned error only reports a sweep that could not run or was
// cancelled.
func (s *Store) PerformCleanup(ctx context.Context) (*maintenance.Result, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	res, err := s.sweeper.Run(ctx)
	for _, id := range res.Removed {
		s.metrics.ForgetTask(id)
		s.publish(events.NewTypedEventForTask(events.SourceMaintenance, events.TaskRemovedPayload{Reason: "cleanup"}, id))
	}

	s.metrics.RecordCleanup(s.now())
	if size, serr := s.ds.Size(s.cfg.StorageDir); serr == nil {
		s.metrics.SetStorageSize(size)
	}
	if ferr := s.metrics.Flush(); ferr != nil {
		s.log.Warn("taskstore: metrics flush failed", "error", ferr)
	}

	s.publish(events.NewTypedEvent(events.SourceMaintenance, events.CleanupCompletedPayload{
		Scanned:  res.Scanned,
		Removed:  res.Removed,
		Failed:   res.FailedIDs(),
		Duration: res.Duration,
	}))
	return res, err
}

func (s *Store) scheduledCleanup(ctx context.Context) {
	res, err := s.PerformCleanup(ctx)
	if err != nil {
		s.log.Warn("taskstore: scheduled cleanup did not complete", "error", err)
		return
	}
	if ferr := res.Err(); ferr != nil {
		s.log.Warn("taskstore: scheduled cleanup had failures", "failed", len(res.Failed), "error", ferr)
	}
}

// Purge removes one task regardless of retention policy. It reports whether
// the task existed.
func (s *Store) Purge(ctx context.Context, id string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	p, err := s.resolve(id)
	if err != nil {
		return false, err
	}

	l, err := s.acquire(ctx, p)
	if err != nil {
		return false, err
	}
	defer l.Release()

	exists, err := afero.DirExists(s.ds.Fs(), p.Dir)
	if err != nil {
		return false, fmt.Errorf("purge %s: %w", id, err)
	}
	if !exists {
		return false, nil
	}
	if err := s.ds.RemoveAll(p.Dir); err != nil {
		return false, fmt.Errorf("purge %s: %w", id, err)
	}

	s.metrics.ForgetTask(id)
	s.flushMetrics()
	s.publish(events.NewTypedEventForTask(events.SourceStore, events.TaskRemovedPayload{Reason: "purge"}, id))
	s.log.Info("taskstore: purged", "task_id", id)
	return true, nil
}

// storeTarget exposes the store to the maintenance sweeper.
type storeTarget struct{ s *Store }

func (t storeTarget) TaskIDs() ([]string, error) { return t.s.ds.ListTaskIDs() }

func (t storeTarget) Session(id string) (*tasks.SessionMetadata, error) {
	p, err := t.s.resolve(id)
	if err != nil {
		return nil, err
	}
	return t.s.peekSession(p)
}

func (t storeTarget) LockToken(id string) string { return dirstore.LockToken(id) }

func (t storeTarget) Remove(id string) error { return t.s.ds.RemoveAll(t.s.ds.TaskDir(id)) }
