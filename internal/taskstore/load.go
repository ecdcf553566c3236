package taskstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/dohr-michael/taskvault/internal/archive"
	"github.com/dohr-michael/taskvault/internal/backup"
	"github.com/dohr-michael/taskvault/internal/codec"
	"github.com/dohr-michael/taskvault/internal/events"
	"github.com/dohr-michael/taskvault/internal/storage/dirstore"
	"github.com/dohr-michael/taskvault/internal/tasks"
)

var errNoMetadata = errors.New("no metadata")

// Load reads a task under its lease. The live artifacts are tried first, then
// each retained backup, newest first. It returns nil, nil when the task does
// not exist and an error wrapping ErrCorruption when every version fails.
//
// The workspace, if the task has one, is restored into the directory given by
// WithWorkspaceDir or a new temporary directory; Task.Workspace names it.
func (s *Store) Load(ctx context.Context, id string, opts ...LoadOption) (*tasks.Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var lo loadOptions
	for _, fn := range opts {
		fn(&lo)
	}
	p, err := s.resolve(id)
	if err != nil {
		return nil, err
	}

	l, err := s.acquire(ctx, p)
	if err != nil {
		return nil, err
	}
	defer l.Release()

	start := time.Now()
	task, source, err := s.load(p, lo)
	elapsed := time.Since(start)
	if err != nil {
		s.metrics.RecordFailure()
		s.log.Error("taskstore: load failed", "task_id", id, "error", err)
		return nil, err
	}
	s.metrics.RecordLoad(elapsed)
	if task == nil {
		s.flushMetrics()
		return nil, nil
	}

	if source != backup.LiveSource {
		s.metrics.RecordRecovery()
		s.log.Warn("taskstore: live artifacts unreadable, recovered from backup", "task_id", id, "version", source)
	}
	s.metrics.ObserveTask(id, task.Session.IsComplete)
	s.flushMetrics()
	s.publish(events.NewTypedEventForTask(events.SourceStore, events.TaskLoadedPayload{
		SessionID: task.Session.SessionID,
		Source:    source,
		Workspace: task.Workspace,
		Duration:  elapsed,
	}, id))
	return task, nil
}

func (s *Store) load(p dirstore.Paths, lo loadOptions) (*tasks.Task, string, error) {
	chain, err := s.backups.Chain(p)
	if err != nil {
		s.log.Warn("taskstore: backups not listable", "task_id", p.TaskID, "error", err)
	}

	var errs []error
	found := false
	for _, set := range chain {
		doc, data, err := s.readSet(set, p.TaskID)
		if errors.Is(err, errNoMetadata) {
			continue
		}
		found = true
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", set.Source, err))
			continue
		}

		task := &tasks.Task{ID: p.TaskID, Payload: doc.Payload, Session: doc.Session}
		if doc.Workspace != nil {
			dir, err := s.restoreWorkspace(p.TaskID, data, lo.workspaceDir)
			if err != nil {
				if errors.Is(err, archive.ErrCorrupt) || errors.Is(err, archive.ErrUnsupportedEntry) {
					errs = append(errs, fmt.Errorf("%s: %w", set.Source, err))
					continue
				}
				return nil, "", fmt.Errorf("restore workspace: %w", err)
			}
			task.Workspace = dir
		}
		return task, set.Source, nil
	}

	if !found {
		return nil, "", nil
	}
	return nil, "", fmt.Errorf("%w: task %s: no readable version: %w", ErrCorruption, p.TaskID, errors.Join(errs...))
}

// readSet decodes the metadata of one artifact set and returns the archive
// whose digest it records.
func (s *Store) readSet(set backup.ArtifactSet, taskID string) (*codec.Document, []byte, error) {
	doc, err := s.readMetadata(set.Metadata, taskID)
	if err != nil {
		return nil, nil, err
	}
	if doc.Workspace == nil {
		return doc, nil, nil
	}
	for _, path := range set.Workspace {
		data, err := s.ds.ReadFileContent(path)
		if err != nil {
			return nil, nil, err
		}
		if data != nil && archive.Digest(data) == doc.Workspace.Digest {
			return doc, data, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: workspace archive missing or does not match metadata", ErrCorruption)
}

// readMetadata decodes every existing candidate and returns the most recently
// updated one. It returns errNoMetadata when no candidate exists.
func (s *Store) readMetadata(paths []string, taskID string) (*codec.Document, error) {
	var best *codec.Document
	var errs []error
	seen := false
	for _, path := range paths {
		data, err := s.ds.ReadFileContent(path)
		if err != nil {
			seen = true
			errs = append(errs, err)
			continue
		}
		if data == nil {
			continue
		}
		seen = true

		doc, err := codec.Decode(data)
		if err == nil && doc.Session.TaskID != taskID {
			err = fmt.Errorf("%w: record belongs to task %q", ErrCorruption, doc.Session.TaskID)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		if best == nil || doc.Session.UpdatedAt.After(best.Session.UpdatedAt) {
			best = doc
		}
	}

	if !seen {
		return nil, errNoMetadata
	}
	if best == nil {
		return nil, errors.Join(errs...)
	}
	return best, nil
}

func (s *Store) restoreWorkspace(id string, data []byte, dir string) (string, error) {
	created := false
	if dir == "" {
		tmp, err := afero.TempDir(s.ds.Fs(), "", "taskvault-"+id+"-")
		if err != nil {
			return "", err
		}
		dir, created = tmp, true
	}
	if _, err := s.archiver.Unpack(data, dir); err != nil {
		if created {
			_ = s.ds.RemoveAll(dir)
		}
		return "", err
	}
	return dir, nil
}

// ListSessions returns the session of every stored task, most recently
// updated first. It takes no lock; the result is a best-effort snapshot.
func (s *Store) ListSessions(ctx context.Context) ([]tasks.SessionMetadata, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := s.ds.ListTaskIDs()
	if err != nil {
		return nil, err
	}

	var out []tasks.SessionMetadata
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		p, err := s.resolve(id)
		if err != nil {
			continue
		}
		sess, err := s.peekSession(p)
		if err != nil {
			s.log.Warn("taskstore: skipping unreadable session", "task_id", id, "error", err)
			continue
		}
		if sess != nil {
			out = append(out, *sess)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out, nil
}

// ListActiveSessions returns the sessions that are not complete.
func (s *Store) ListActiveSessions(ctx context.Context) ([]tasks.SessionMetadata, error) {
	all, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, sess := range all {
		if !sess.IsComplete {
			active = append(active, sess)
		}
	}
	return active, nil
}
