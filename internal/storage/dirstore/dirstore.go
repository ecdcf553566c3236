// Package dirstore maps task identifiers to their on-disk artifacts and
// provides the atomic file primitives the task store is built on.
//
// Layout under the storage root:
//
//	tasks/<id>/metadata.json[.gz]
//	tasks/<id>/workspace.archive[.gz]
//	tasks/<id>/backups/v<N>/...
//	metrics.json
package dirstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrInvalidID is returned for empty identifiers or identifiers that could
// escape the task directory.
var ErrInvalidID = errors.New("invalid task identifier")

const (
	TasksDir      = "tasks"
	BackupsDir    = "backups"
	MetadataFile  = "metadata.json"
	WorkspaceFile = "workspace.archive"
	MetricsFile   = "metrics.json"
	GzipExt       = ".gz"

	maxIDLength = 200
	tmpPrefix   = ".tmp-"
)

// Paths is the resolved set of artifact locations for one task.
type Paths struct {
	TaskID    string
	Dir       string
	Metadata  string // preferred name for the configured compression
	Workspace string
	Backups   string
	LockToken string
}

// MetadataCandidates returns the live metadata paths to probe, preferred first.
func (p Paths) MetadataCandidates() []string {
	return []string{p.Metadata, toggleGzip(p.Metadata)}
}

// WorkspaceCandidates returns the live archive paths to probe, preferred first.
func (p Paths) WorkspaceCandidates() []string {
	return []string{p.Workspace, toggleGzip(p.Workspace)}
}

// DirStore resolves paths under a storage root and performs file I/O
// through an afero filesystem.
type DirStore struct {
	fs   afero.Fs
	root string
}

// New creates a DirStore rooted at root.
func New(fsys afero.Fs, root string) *DirStore {
	return &DirStore{fs: fsys, root: filepath.Clean(root)}
}

// Fs returns the underlying filesystem.
func (ds *DirStore) Fs() afero.Fs { return ds.fs }

// Root returns the storage root.
func (ds *DirStore) Root() string { return ds.root }

// ValidateID rejects identifiers that are empty or contain path traversal.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case len(id) > maxIDLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidID, maxIDLength)
	case strings.HasPrefix(id, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidID, id)
	case strings.Contains(id, ".."):
		return fmt.Errorf("%w: %q contains a traversal sequence", ErrInvalidID, id)
	case strings.ContainsAny(id, `/\:`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, id)
	}
	return nil
}

// LockToken returns the lease key for a task.
func LockToken(id string) string { return "task:" + id }

// Resolve validates id and computes every artifact path for it.
func (ds *DirStore) Resolve(id string, compressMeta, compressWorkspace bool) (Paths, error) {
	if err := ValidateID(id); err != nil {
		return Paths{}, err
	}
	dir := ds.TaskDir(id)
	return Paths{
		TaskID:    id,
		Dir:       dir,
		Metadata:  filepath.Join(dir, artifactName(MetadataFile, compressMeta)),
		Workspace: filepath.Join(dir, artifactName(WorkspaceFile, compressWorkspace)),
		Backups:   filepath.Join(dir, BackupsDir),
		LockToken: LockToken(id),
	}, nil
}

// TasksRoot returns the directory holding every task directory.
func (ds *DirStore) TasksRoot() string { return filepath.Join(ds.root, TasksDir) }

// TaskDir returns the directory of a task. The id must already be valid.
func (ds *DirStore) TaskDir(id string) string { return filepath.Join(ds.root, TasksDir, id) }

// MetricsPath returns the location of the persisted metrics file.
func (ds *DirStore) MetricsPath() string { return filepath.Join(ds.root, MetricsFile) }

func artifactName(base string, compressed bool) string {
	if compressed {
		return base + GzipExt
	}
	return base
}

func toggleGzip(path string) string {
	if strings.HasSuffix(path, GzipExt) {
		return strings.TrimSuffix(path, GzipExt)
	}
	return path + GzipExt
}

// IsCompressedName reports whether a path uses the gzip artifact suffix.
func IsCompressedName(path string) bool { return strings.HasSuffix(path, GzipExt) }

// EnsureDir creates dir (and parents) if it doesn't exist.
func (ds *DirStore) EnsureDir(dir string) error {
	if err := ds.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// RemoveAll removes path and everything below it.
func (ds *DirStore) RemoveAll(path string) error {
	return ds.fs.RemoveAll(path)
}

// Remove deletes a single file, ignoring a missing file.
func (ds *DirStore) Remove(path string) error {
	if err := ds.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ListTaskIDs returns the names of all task directories that hold a valid id.
func (ds *DirStore) ListTaskIDs() ([]string, error) {
	names, err := ds.ListDirs(ds.TasksRoot())
	if err != nil {
		return nil, err
	}
	ids := names[:0]
	for _, name := range names {
		if ValidateID(name) == nil {
			ids = append(ids, name)
		}
	}
	return ids, nil
}

// ListDirs returns the names of all subdirectories of dir.
func (ds *DirStore) ListDirs(dir string) ([]string, error) {
	entries, err := afero.ReadDir(ds.fs, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// WriteFileAtomic writes content to a temp file in the destination directory,
// syncs it and renames it over path. Readers never observe a partial file.
func (ds *DirStore) WriteFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := ds.EnsureDir(dir); err != nil {
		return err
	}

	tmp, err := afero.TempFile(ds.fs, dir, tmpPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}

	var committed bool
	defer func() {
		if !committed {
			if err := ds.fs.Remove(tmp.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("dirstore: failed to remove temp file", "path", tmp.Name(), "error", err)
			}
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s tmp: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s tmp: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s tmp: %w", filepath.Base(path), err)
	}
	if err := ds.fs.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}

	committed = true
	return nil
}

// ReadFileContent reads a file. Returns nil, nil if the file doesn't exist.
func (ds *DirStore) ReadFileContent(path string) ([]byte, error) {
	data, err := afero.ReadFile(ds.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return data, nil
}

// ReadFirst reads the first existing file among candidates and returns its
// content and path. Returns nil, "", nil if none exists.
func (ds *DirStore) ReadFirst(candidates ...string) ([]byte, string, error) {
	for _, path := range candidates {
		data, err := ds.ReadFileContent(path)
		if err != nil {
			return nil, "", err
		}
		if data != nil {
			return data, path, nil
		}
	}
	return nil, "", nil
}

// FirstExisting returns the first candidate that exists on disk, or "".
func (ds *DirStore) FirstExisting(candidates ...string) (string, error) {
	for _, path := range candidates {
		ok, err := afero.Exists(ds.fs, path)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
		if ok {
			return path, nil
		}
	}
	return "", nil
}

// CopyFile copies src to dst atomically.
func (ds *DirStore) CopyFile(src, dst string) error {
	data, err := afero.ReadFile(ds.fs, src)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(src), err)
	}
	return ds.WriteFileAtomic(dst, data)
}

// Size sums the sizes of all regular files below root. Temp files left by
// interrupted writes are included; they occupy real space.
func (ds *DirStore) Size(root string) (int64, error) {
	var total int64
	err := afero.Walk(ds.fs, root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", root, err)
	}
	return total, nil
}
