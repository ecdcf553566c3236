package taskstore

import (
	"errors"
	"fmt"

	"github.com/dohr-michael/taskvault/internal/archive"
	"github.com/dohr-michael/taskvault/internal/codec"
	"github.com/dohr-michael/taskvault/internal/lease"
	"github.com/dohr-michael/taskvault/internal/storage/dirstore"
)

var (
	// ErrInvalidIdentifier is returned before any I/O for malformed task ids.
	ErrInvalidIdentifier = dirstore.ErrInvalidID
	// ErrLockTimeout is returned when a task lease is not obtained in time.
	// Callers may retry.
	ErrLockTimeout = lease.ErrLockTimeout
	// ErrCorruption is returned by Load when the live artifacts and every
	// retained backup fail to decode.
	ErrCorruption = codec.ErrCorrupt
	// ErrUnsupportedEntry is wrapped by a save whose workspace holds a
	// symlink or special file.
	ErrUnsupportedEntry = archive.ErrUnsupportedEntry
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("task store is closed")
)

// Save steps reported in WriteError.Op.
const (
	OpPack      = "pack workspace"
	OpEncode    = "encode metadata"
	OpSnapshot  = "snapshot"
	OpWorkspace = "write workspace"
	OpMetadata  = "write metadata"
)

// WriteError is returned by a failed save. The previously committed version
// of the task is intact.
type WriteError struct {
	TaskID string
	Op     string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("save %s: %s: %v", e.TaskID, e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
