// Package taskstore is the durable, filesystem-backed task store. It
// serializes access per task id, writes metadata and workspace archives
// atomically, keeps versioned backups for recovery, tracks metrics and sweeps
// expired sessions.
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/dohr-michael/taskvault/internal/archive"
	"github.com/dohr-michael/taskvault/internal/backup"
	"github.com/dohr-michael/taskvault/internal/config"
	"github.com/dohr-michael/taskvault/internal/events"
	"github.com/dohr-michael/taskvault/internal/lease"
	"github.com/dohr-michael/taskvault/internal/maintenance"
	"github.com/dohr-michael/taskvault/internal/metrics"
	"github.com/dohr-michael/taskvault/internal/storage/dirstore"
)

// LocksDir holds cross-process lock files under the storage root.
const LocksDir = "locks"

// Store is the task store. All methods are safe for concurrent use.
type Store struct {
	cfg      config.StorageConfig
	ds       *dirstore.DirStore
	locks    *lease.Manager
	archiver *archive.Archiver
	backups  *backup.Manager
	metrics  *metrics.Tracker
	sweeper  *maintenance.Sweeper
	sched    *maintenance.Scheduler
	bus      *events.Bus
	log      *slog.Logger
	now      func() time.Time

	closed    atomic.Bool
	closeOnce sync.Once
}

// New resolves opts and opens a store.
func New(opts config.Options, options ...Option) (*Store, error) {
	cfg, err := config.Resolve(opts)
	if err != nil {
		return nil, err
	}
	return Open(cfg, options...)
}

// Open opens a store with a resolved configuration. It creates the storage
// root if needed, recomputes metrics from disk and starts the cleanup
// schedule when auto cleanup is enabled.
func Open(cfg config.StorageConfig, options ...Option) (*Store, error) {
	o := storeOptions{
		fs:     afero.NewOsFs(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, fn := range options {
		fn(&o)
	}
	cfg = cfg.Clone()

	ds := dirstore.New(o.fs, cfg.StorageDir)
	if err := ds.EnsureDir(ds.TasksRoot()); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	archiver, err := archive.New(o.fs, cfg.WorkspaceExclude...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var leaseOpts []lease.Option
	if cfg.CrossProcessLock {
		leaseOpts = append(leaseOpts, lease.WithFileLocks(filepath.Join(cfg.StorageDir, LocksDir)))
	}

	s := &Store{
		cfg:      cfg,
		ds:       ds,
		locks:    lease.NewManager(leaseOpts...),
		archiver: archiver,
		backups:  backup.New(ds, cfg.MaxBackupVersions),
		metrics: metrics.NewTracker(ds, metrics.Options{
			Persist:       cfg.EnableMetrics,
			FlushInterval: cfg.MetricsFlushInterval.Duration(),
			Now:           o.now,
		}),
		bus: o.bus,
		log: o.logger,
		now: o.now,
	}
	s.sweeper = maintenance.NewSweeper(maintenance.SweeperConfig{
		Target:      storeTarget{s},
		Locks:       s.locks,
		MaxAge:      cfg.MaxSessionAge.Duration(),
		LockTimeout: cfg.LockTimeout.Duration(),
		Now:         o.now,
	})

	if cfg.EnableMetrics {
		if err := s.metrics.Warm(); err != nil {
			s.log.Warn("taskstore: ignoring unreadable metrics file", "error", err)
		}
	}
	if err := s.refresh(context.Background()); err != nil {
		s.log.Warn("taskstore: initial metrics scan incomplete", "error", err)
	}

	if cfg.EnableAutoCleanup {
		sched, err := maintenance.NewScheduler(cfg.CleanupSchedule, cfg.CleanupInterval.Duration(), s.scheduledCleanup)
		if err != nil {
			s.locks.Close()
			return nil, fmt.Errorf("open store: %w", err)
		}
		s.sched = sched
		sched.Start()
	}

	s.log.Info("taskstore: opened", "dir", cfg.StorageDir, "tasks", s.metrics.Snapshot().TotalTasks)
	return s, nil
}

// Config returns a copy of the resolved configuration.
func (s *Store) Config() config.StorageConfig {
	return s.cfg.Clone()
}

// Metrics returns a snapshot of the store metrics. It takes no lock and may
// lag concurrent writes.
func (s *Store) Metrics() metrics.Snapshot {
	return s.metrics.Snapshot()
}

// RefreshMetrics recomputes task counts and storage size from disk and
// returns the refreshed snapshot.
func (s *Store) RefreshMetrics(ctx context.Context) (metrics.Snapshot, error) {
	err := s.refresh(ctx)
	return s.metrics.Snapshot(), err
}

// Close stops the cleanup schedule, flushes metrics and refuses further
// operations. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.sched != nil {
			s.sched.Stop()
		}
		if size, err := s.ds.Size(s.cfg.StorageDir); err == nil {
			s.metrics.SetStorageSize(size)
		}
		if err := s.metrics.Flush(); err != nil {
			s.log.Warn("taskstore: metrics flush failed", "error", err)
		}
		s.locks.Close()
		s.log.Info("taskstore: closed", "dir", s.cfg.StorageDir)
	})
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *Store) acquire(ctx context.Context, p dirstore.Paths) (*lease.Lease, error) {
	l, err := s.locks.Acquire(ctx, p.LockToken, s.cfg.LockTimeout.Duration())
	if errors.Is(err, lease.ErrClosed) {
		return nil, ErrClosed
	}
	return l, err
}

func (s *Store) resolve(id string) (dirstore.Paths, error) {
	return s.ds.Resolve(id, s.cfg.CompressMetadata, s.cfg.CompressWorkspace)
}

// refresh rebuilds the task index and storage size from disk.
func (s *Store) refresh(ctx context.Context) error {
	ids, err := s.ds.ListTaskIDs()
	if err != nil {
		return err
	}

	index := make(map[string]bool, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := s.resolve(id)
		if err != nil {
			continue
		}
		sess, err := s.peekSession(p)
		if err != nil {
			// Still on disk; counted as active until it can be read.
			s.log.Warn("taskstore: unreadable session", "task_id", id, "error", err)
			index[id] = false
			continue
		}
		if sess != nil {
			index[id] = sess.IsComplete
		}
	}

	size, err := s.ds.Size(s.cfg.StorageDir)
	if err != nil {
		return err
	}
	s.metrics.Reset(index, size)
	return nil
}

func (s *Store) flushMetrics() {
	if _, err := s.metrics.MaybeFlush(); err != nil {
		s.log.Warn("taskstore: metrics flush failed", "error", err)
	}
}

func (s *Store) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
