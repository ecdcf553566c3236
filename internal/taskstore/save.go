package taskstore

import (
	"context"
	"errors"
	"time"

	"github.com/dohr-michael/taskvault/internal/archive"
	"github.com/dohr-michael/taskvault/internal/codec"
	"github.com/dohr-michael/taskvault/internal/events"
	"github.com/dohr-michael/taskvault/internal/storage/dirstore"
	"github.com/dohr-michael/taskvault/internal/tasks"
)

type saveOutcome struct {
	session tasks.SessionMetadata
	raw     int64
	stored  int64
	files   int
	evicted []int
}

// Save persists task under its lease. An existing record is snapshotted into
// a new backup version first. The workspace archive is written before the
// metadata; metadata records the archive digest, so a load never pairs
// metadata with a foreign archive.
//
// On success task.Session holds the stored session. Failures are
// ErrInvalidIdentifier, ErrLockTimeout, ErrClosed or a *WriteError; after a
// WriteError the previous version is still the one Load returns.
func (s *Store) Save(ctx context.Context, task *tasks.Task) error {
	if task == nil {
		return errors.New("save: nil task")
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	p, err := s.resolve(task.ID)
	if err != nil {
		return err
	}

	l, err := s.acquire(ctx, p)
	if err != nil {
		return err
	}
	defer l.Release()

	start := time.Now()
	out, err := s.save(p, task)
	elapsed := time.Since(start)
	if err != nil {
		s.metrics.RecordFailure()
		s.log.Warn("taskstore: save failed", "task_id", task.ID, "error", err)
		return err
	}

	task.Session = out.session
	s.metrics.RecordSave(elapsed, out.raw, out.stored)
	s.metrics.ObserveTask(task.ID, out.session.IsComplete)
	s.flushMetrics()
	s.publish(events.NewTypedEventForTask(events.SourceStore, events.TaskSavedPayload{
		SessionID:   out.session.SessionID,
		IsComplete:  out.session.IsComplete,
		StoredBytes: out.stored,
		RawBytes:    out.raw,
		Files:       out.files,
		Evicted:     out.evicted,
		Duration:    elapsed,
	}, task.ID))
	s.log.Debug("taskstore: saved", "task_id", task.ID, "session_id", out.session.SessionID, "duration", elapsed)
	return nil
}

func (s *Store) save(p dirstore.Paths, task *tasks.Task) (*saveOutcome, error) {
	fail := func(op string, err error) (*saveOutcome, error) {
		return nil, &WriteError{TaskID: p.TaskID, Op: op, Err: err}
	}

	prev, err := s.peekSession(p)
	if err != nil {
		s.log.Warn("taskstore: previous session unreadable, starting a new one", "task_id", p.TaskID, "error", err)
		prev = nil
	}
	session := tasks.Merge(prev, task.Session, p.TaskID, s.now())

	var packed *archive.Result
	if task.Workspace != "" {
		packed, err = s.archiver.Pack(task.Workspace, s.cfg.CompressWorkspace)
		if err != nil {
			return fail(OpPack, err)
		}
	}

	doc := codec.Document{Session: session, Payload: task.Payload}
	if packed != nil {
		doc.Workspace = &codec.WorkspaceRef{
			Digest:     packed.Digest(),
			Size:       int64(len(packed.Data)),
			RawSize:    packed.RawSize,
			Files:      packed.Files,
			Compressed: packed.Compressed,
		}
	}
	meta, stats, err := codec.Encode(doc, s.cfg.CompressMetadata)
	if err != nil {
		return fail(OpEncode, err)
	}

	// From here on the previously committed version must survive any failure.
	snap, err := s.backups.Snapshot(p)
	if err != nil {
		return fail(OpSnapshot, err)
	}

	var undo func() error
	committed := false
	defer func() {
		if committed {
			return
		}
		if undo != nil {
			if err := undo(); err != nil {
				// The live archive no longer matches the live metadata. Load
				// detects that by digest and recovers from the snapshot.
				s.log.Warn("taskstore: workspace rollback failed, keeping snapshot",
					"task_id", p.TaskID, "error", err)
				if _, err := s.backups.Prune(p); err != nil {
					s.log.Warn("taskstore: backup eviction failed", "task_id", p.TaskID, "error", err)
				}
				return
			}
		}
		s.backups.Discard(snap)
	}()

	if packed != nil {
		restore, err := s.captureWorkspace(p)
		if err != nil {
			return fail(OpWorkspace, err)
		}
		if err := s.ds.WriteFileAtomic(p.Workspace, packed.Data); err != nil {
			return fail(OpWorkspace, err)
		}
		undo = restore
	}

	if err := s.ds.WriteFileAtomic(p.Metadata, meta); err != nil {
		return fail(OpMetadata, err)
	}
	committed = true

	s.removeStale(p, packed == nil)
	evicted, err := s.backups.Prune(p)
	if err != nil {
		s.log.Warn("taskstore: backup eviction failed", "task_id", p.TaskID, "error", err)
	}

	out := &saveOutcome{
		session: session,
		raw:     int64(stats.RawBytes),
		stored:  int64(stats.StoredBytes),
		evicted: evicted,
	}
	if packed != nil {
		out.raw += packed.RawSize
		out.stored += int64(len(packed.Data))
		out.files = packed.Files
	}
	return out, nil
}

// captureWorkspace returns a function that puts the live archive at
// p.Workspace back the way it is now.
func (s *Store) captureWorkspace(p dirstore.Paths) (func() error, error) {
	prev, err := s.ds.ReadFileContent(p.Workspace)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return func() error { return s.ds.Remove(p.Workspace) }, nil
	}
	return func() error { return s.ds.WriteFileAtomic(p.Workspace, prev) }, nil
}

// removeStale deletes live artifacts left under the other compression name,
// and the live archive when the task no longer has a workspace.
func (s *Store) removeStale(p dirstore.Paths, noWorkspace bool) {
	stale := []string{p.MetadataCandidates()[1]}
	if noWorkspace {
		stale = append(stale, p.WorkspaceCandidates()...)
	} else {
		stale = append(stale, p.WorkspaceCandidates()[1])
	}
	for _, path := range stale {
		if err := s.ds.Remove(path); err != nil {
			s.log.Warn("taskstore: stale artifact not removed", "path", path, "error", err)
		}
	}
}

// peekSession reads the session of a task without verifying its workspace,
// falling back through the backup chain. Returns nil, nil for unknown tasks.
func (s *Store) peekSession(p dirstore.Paths) (*tasks.SessionMetadata, error) {
	chain, err := s.backups.Chain(p)
	if err != nil {
		s.log.Warn("taskstore: backups not listable", "task_id", p.TaskID, "error", err)
	}

	var errs []error
	for _, set := range chain {
		doc, err := s.readMetadata(set.Metadata, p.TaskID)
		if errors.Is(err, errNoMetadata) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return &doc.Session, nil
	}
	if len(errs) == 0 {
		return nil, nil
	}
	return nil, errors.Join(errs...)
}
