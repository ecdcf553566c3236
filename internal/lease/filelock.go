package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// errWouldBlock signals that a non-blocking lock attempt found the file
// locked by another holder.
var errWouldBlock = errors.New("file lock would block")

// fileLocker polls for advisory locks on per-key files. Lock files are left
// in place on release; unlinking them would let a concurrent opener lock an
// orphaned inode.
type fileLocker struct {
	dir  string
	poll time.Duration
}

type heldFile struct {
	f *os.File
}

func (fl *fileLocker) path(key string) string {
	name := strings.NewReplacer(":", "_", "/", "_", `\`, "_").Replace(key)
	return filepath.Join(fl.dir, name+".lock")
}

// lock retries a non-blocking lock until it succeeds, wait elapses or ctx is
// done. wait <= 0 retries until ctx is done.
func (fl *fileLocker) lock(ctx context.Context, key string, wait time.Duration) (*heldFile, error) {
	if err := os.MkdirAll(fl.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := fl.path(key)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	var deadline time.Time
	if wait > 0 {
		deadline = time.Now().Add(wait)
	}
	for {
		err := tryLockFile(f)
		if err == nil {
			return &heldFile{f: f}, nil
		}
		if !errors.Is(err, errWouldBlock) {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s held by another process", ErrLockTimeout, key)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(fl.poll):
		}
	}
}

func (h *heldFile) unlock() {
	if err := unlockFile(h.f); err != nil {
		slog.Warn("lease: failed to unlock file", "path", h.f.Name(), "error", err)
	}
	if err := h.f.Close(); err != nil {
		slog.Warn("lease: failed to close lock file", "path", h.f.Name(), "error", err)
	}
}
