package taskstore

import (
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/dohr-michael/taskvault/internal/events"
)

type storeOptions struct {
	fs     afero.Fs
	logger *slog.Logger
	now    func() time.Time
	bus    *events.Bus
}

// Option configures a Store.
type Option func(*storeOptions)

// WithFs sets the filesystem. Defaults to the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(o *storeOptions) { o.fs = fs }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *storeOptions) { o.logger = l }
}

// WithClock overrides the clock used for session timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) { o.now = now }
}

// WithEventBus makes the store publish lifecycle events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(o *storeOptions) { o.bus = bus }
}

type loadOptions struct {
	workspaceDir string
}

// LoadOption configures a single Load.
type LoadOption func(*loadOptions)

// WithWorkspaceDir restores the workspace into dir, replacing its contents.
// Without it a fresh temporary directory is created.
func WithWorkspaceDir(dir string) LoadOption {
	return func(o *loadOptions) { o.workspaceDir = dir }
}
