// Package backup keeps the last N versions of a task's artifacts and supplies
// the recovery chain used when the live artifacts fail to decode.
package backup

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dohr-michael/taskvault/internal/storage/dirstore"
)

// LiveSource names the live artifact set in a recovery chain.
const LiveSource = "live"

// Version is one retained snapshot, stored under backups/v<N>.
type Version struct {
	N         int
	Dir       string
	CreatedAt time.Time
}

// Name returns the directory name of the version ("v3").
func (v Version) Name() string { return "v" + strconv.Itoa(v.N) }

// ArtifactSet is a metadata file plus its workspace archive, either live or
// from one backup version. Each field lists the paths to probe, preferred first.
type ArtifactSet struct {
	Source    string
	Metadata  []string
	Workspace []string
}

// Manager rotates backups for tasks under one DirStore.
type Manager struct {
	ds  *dirstore.DirStore
	max int
}

// New creates a Manager retaining at most max versions per task.
// With max == 0 no snapshots are taken.
func New(ds *dirstore.DirStore, max int) *Manager {
	return &Manager{ds: ds, max: max}
}

// Max returns the retention depth.
func (m *Manager) Max() int { return m.max }

// Versions lists the retained versions of a task, newest first.
func (m *Manager) Versions(p dirstore.Paths) ([]Version, error) {
	names, err := m.ds.ListDirs(p.Backups)
	if err != nil {
		return nil, err
	}

	var versions []Version
	for _, name := range names {
		n, ok := parseVersion(name)
		if !ok {
			continue
		}
		dir := filepath.Join(p.Backups, name)
		v := Version{N: n, Dir: dir}
		if info, err := m.ds.Fs().Stat(dir); err == nil {
			v.CreatedAt = info.ModTime()
		}
		versions = append(versions, v)
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].N > versions[j].N })
	return versions, nil
}

// Snapshot copies the live artifacts into a new version directory. It returns
// nil when there is nothing live to back up or retention is disabled.
func (m *Manager) Snapshot(p dirstore.Paths) (*Version, error) {
	if m.max <= 0 {
		return nil, nil
	}

	meta, err := m.ds.FirstExisting(p.MetadataCandidates()...)
	if err != nil {
		return nil, err
	}
	if meta == "" {
		return nil, nil
	}
	ws, err := m.ds.FirstExisting(p.WorkspaceCandidates()...)
	if err != nil {
		return nil, err
	}

	versions, err := m.Versions(p)
	if err != nil {
		return nil, err
	}
	next := 1
	if len(versions) > 0 {
		next = versions[0].N + 1
	}
	v := &Version{N: next, Dir: filepath.Join(p.Backups, "v"+strconv.Itoa(next)), CreatedAt: time.Now()}

	// Archive first, metadata last: a version without metadata is skipped
	// during recovery.
	if ws != "" {
		if err := m.ds.CopyFile(ws, filepath.Join(v.Dir, filepath.Base(ws))); err != nil {
			m.discard(v)
			return nil, fmt.Errorf("snapshot workspace: %w", err)
		}
	}
	if err := m.ds.CopyFile(meta, filepath.Join(v.Dir, filepath.Base(meta))); err != nil {
		m.discard(v)
		return nil, fmt.Errorf("snapshot metadata: %w", err)
	}

	return v, nil
}

// Discard removes a version created by a save that did not commit.
func (m *Manager) Discard(v *Version) {
	if v != nil {
		m.discard(v)
	}
}

func (m *Manager) discard(v *Version) {
	if err := m.ds.RemoveAll(v.Dir); err != nil {
		slog.Warn("backup: failed to discard version", "dir", v.Dir, "error", err)
	}
}

// Prune evicts the oldest versions until at most max remain. Every eviction
// is attempted; failures are joined into the returned error.
func (m *Manager) Prune(p dirstore.Paths) ([]int, error) {
	versions, err := m.Versions(p)
	if err != nil {
		return nil, err
	}
	if len(versions) <= m.max {
		return nil, nil
	}

	var evicted []int
	var errs []error
	// versions is newest first; everything past max is evicted, oldest first.
	for i := len(versions) - 1; i >= m.max; i-- {
		v := versions[i]
		if err := m.ds.RemoveAll(v.Dir); err != nil {
			errs = append(errs, fmt.Errorf("evict %s: %w", v.Name(), err))
			continue
		}
		evicted = append(evicted, v.N)
	}
	return evicted, errors.Join(errs...)
}

// Chain returns the live artifact set followed by every retained version,
// newest first. This is the order in which a load tries to recover.
func (m *Manager) Chain(p dirstore.Paths) ([]ArtifactSet, error) {
	chain := []ArtifactSet{{
		Source:    LiveSource,
		Metadata:  p.MetadataCandidates(),
		Workspace: p.WorkspaceCandidates(),
	}}

	versions, err := m.Versions(p)
	if err != nil {
		return chain, err
	}
	for _, v := range versions {
		chain = append(chain, ArtifactSet{
			Source:    v.Name(),
			Metadata:  inDir(v.Dir, p.MetadataCandidates()),
			Workspace: inDir(v.Dir, p.WorkspaceCandidates()),
		})
	}
	return chain, nil
}

func inDir(dir string, paths []string) []string {
	out := make([]string, len(paths))
	for i, path := range paths {
		out[i] = filepath.Join(dir, filepath.Base(path))
	}
	return out
}

func parseVersion(name string) (int, bool) {
	if !strings.HasPrefix(name, "v") {
		return 0, false
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
