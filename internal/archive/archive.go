// Package archive packs a workspace directory tree into a single tar stream,
// optionally gzip-compressed, and restores it.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

var (
	// ErrUnsupportedEntry is matched by *UnsupportedEntryError.
	ErrUnsupportedEntry = errors.New("unsupported workspace entry")

	// ErrCorrupt is returned when an archive cannot be read back.
	ErrCorrupt = errors.New("corrupt workspace archive")
)

// UnsupportedEntryError reports a workspace entry that is neither a regular
// file nor a directory (symlinks, devices, sockets, pipes).
type UnsupportedEntryError struct {
	Path string
	Mode fs.FileMode
}

func (e *UnsupportedEntryError) Error() string {
	return fmt.Sprintf("unsupported workspace entry %s (%s)", e.Path, e.Mode.Type())
}

func (e *UnsupportedEntryError) Unwrap() error { return ErrUnsupportedEntry }

// Result is a packed workspace.
type Result struct {
	Data       []byte
	Files      int
	RawSize    int64 // size of the uncompressed tar stream
	Compressed bool
}

// Digest returns the hex SHA-256 of the archive bytes.
func (r *Result) Digest() string { return Digest(r.Data) }

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Archiver packs and unpacks workspaces through an afero filesystem.
type Archiver struct {
	fs      afero.Fs
	exclude []string
}

// New creates an Archiver. Paths relative to the workspace root that match
// any exclude pattern (doublestar syntax, slash-separated) are left out.
func New(fsys afero.Fs, exclude ...string) (*Archiver, error) {
	for _, p := range exclude {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}
	return &Archiver{fs: fsys, exclude: exclude}, nil
}

func (a *Archiver) excluded(rel string) bool {
	for _, p := range a.exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// maxRootLinks bounds symlink hops when resolving a workspace root.
const maxRootLinks = 40

// resolveRoot follows symlinks on the workspace root itself so the walk
// descends into the target. Links below the root stay unsupported.
func (a *Archiver) resolveRoot(dir string) (string, error) {
	lst, ok := a.fs.(afero.Lstater)
	if !ok {
		return dir, nil
	}
	for range maxRootLinks {
		info, lstatCalled, err := lst.LstatIfPossible(dir)
		if err != nil {
			return "", fmt.Errorf("stat workspace: %w", err)
		}
		if !lstatCalled || info.Mode()&os.ModeSymlink == 0 {
			return dir, nil
		}
		lr, ok := a.fs.(afero.LinkReader)
		if !ok {
			return "", &UnsupportedEntryError{Path: dir, Mode: info.Mode()}
		}
		target, err := lr.ReadlinkIfPossible(dir)
		if err != nil {
			return "", fmt.Errorf("read workspace link: %w", err)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(dir), target)
		}
		dir = filepath.Clean(target)
	}
	return "", fmt.Errorf("workspace %s: too many levels of symbolic links", dir)
}

// Pack walks dir and bundles every regular file and directory below it.
func (a *Archiver) Pack(dir string, compress bool) (*Result, error) {
	dir, err := a.resolveRoot(dir)
	if err != nil {
		return nil, err
	}
	root, err := a.fs.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat workspace: %w", err)
	}
	if !root.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", dir)
	}

	var buf bytes.Buffer
	var sink io.Writer = &buf
	var zw *gzip.Writer
	if compress {
		zw = gzip.NewWriter(&buf)
		sink = zw
	}
	counter := &countingWriter{w: sink}
	tw := tar.NewWriter(counter)

	files := 0
	err = afero.Walk(a.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)
		if a.excluded(name) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case info.IsDir():
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
				Format:   tar.FormatPAX,
			})
		case info.Mode().IsRegular():
			files++
			return a.packFile(tw, p, name, info)
		default:
			return &UnsupportedEntryError{Path: name, Mode: info.Mode()}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("pack workspace: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress archive: %w", err)
		}
	}

	return &Result{
		Data:       buf.Bytes(),
		Files:      files,
		RawSize:    counter.n,
		Compressed: compress,
	}, nil
}

func (a *Archiver) packFile(tw *tar.Writer, p, name string, info os.FileInfo) error {
	f, err := a.fs.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := io.CopyN(tw, f, info.Size()); err != nil {
		return fmt.Errorf("copy %s: %w", name, err)
	}
	return nil
}

// Unpack restores an archive into dest, replacing whatever was there. The
// tree is extracted into a sibling staging directory first, so a corrupt
// archive leaves dest untouched. Returns the number of files written.
func (a *Archiver) Unpack(data []byte, dest string) (int, error) {
	parent := filepath.Dir(dest)
	if err := a.fs.MkdirAll(parent, 0o755); err != nil {
		return 0, fmt.Errorf("create workspace parent: %w", err)
	}
	staging, err := afero.TempDir(a.fs, parent, ".unpack-"+filepath.Base(dest)+"-")
	if err != nil {
		return 0, fmt.Errorf("create staging dir: %w", err)
	}

	var committed bool
	defer func() {
		if !committed {
			if err := a.fs.RemoveAll(staging); err != nil {
				slog.Warn("archive: failed to remove staging dir", "path", staging, "error", err)
			}
		}
	}()

	files, err := a.extract(data, staging)
	if err != nil {
		return 0, err
	}

	if err := a.fs.RemoveAll(dest); err != nil {
		return 0, fmt.Errorf("clear workspace: %w", err)
	}
	if err := a.fs.Rename(staging, dest); err != nil {
		return 0, fmt.Errorf("move workspace into place: %w", err)
	}
	committed = true
	return files, nil
}

func (a *Archiver) extract(data []byte, root string) (int, error) {
	var r io.Reader = bytes.NewReader(data)
	if isGzip(data) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}

		target, err := entryPath(root, hdr.Name)
		if err != nil {
			return 0, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := a.fs.MkdirAll(target, 0o755); err != nil {
				return 0, fmt.Errorf("create %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := a.writeEntry(tr, target, hdr); err != nil {
				return 0, err
			}
			files++
		default:
			return 0, &UnsupportedEntryError{Path: hdr.Name, Mode: hdr.FileInfo().Mode()}
		}
	}
	return files, nil
}

func (a *Archiver) writeEntry(tr *tar.Reader, target string, hdr *tar.Header) error {
	if err := a.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", hdr.Name, err)
	}
	perm := fs.FileMode(hdr.Mode).Perm()
	if perm == 0 {
		perm = 0o644
	}
	f, err := a.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", hdr.Name, err)
	}
	if _, err := io.Copy(f, tr); err != nil {
		f.Close()
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, hdr.Name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", hdr.Name, err)
	}
	if !hdr.ModTime.IsZero() {
		_ = a.fs.Chtimes(target, hdr.ModTime, hdr.ModTime)
	}
	return nil
}

// entryPath maps an archive name below root, rejecting absolute names and
// names that climb out of root.
func entryPath(root, name string) (string, error) {
	clean := path.Clean(strings.TrimSuffix(name, "/"))
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: illegal entry name %q", ErrCorrupt, name)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
