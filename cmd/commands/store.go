package commands

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskvault/internal/config"
	"github.com/dohr-michael/taskvault/internal/events"
	"github.com/dohr-michael/taskvault/internal/storage"
	"github.com/dohr-michael/taskvault/internal/taskstore"
)

// EventsDir holds the event journal under the storage root.
const EventsDir = "events"

// resolveConfig loads the config file and applies command-line overrides.
func resolveConfig(cmd *cli.Command) (config.StorageConfig, error) {
	opts, err := config.Load(cmd.String("config"))
	if err != nil {
		return config.StorageConfig{}, err
	}
	if cmd.IsSet("storage-dir") {
		opts = opts.Merge(config.Options{StorageDir: config.Ptr(cmd.String("storage-dir"))})
	}
	return config.Resolve(opts)
}

func journalPath(cfg config.StorageConfig) string {
	return filepath.Join(cfg.StorageDir, EventsDir, storage.JournalFile)
}

// session is an open store plus the event plumbing attached to it.
type session struct {
	store  *taskstore.Store
	bus    *events.Bus
	logger *storage.EventLogger
}

// openSession opens the configured store. An event bus is created when the
// journal is enabled or withBus is set.
func openSession(cmd *cli.Command, withBus bool) (*session, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}

	s := &session{}
	var opts []taskstore.Option
	if cfg.EventLog || withBus {
		s.bus = events.NewBus(1024)
		opts = append(opts, taskstore.WithEventBus(s.bus))
	}
	if cfg.EventLog {
		s.logger = storage.NewEventLogger(afero.NewOsFs(), filepath.Dir(journalPath(cfg)), s.bus)
	}

	store, err := taskstore.Open(cfg, opts...)
	if err != nil {
		s.closeEvents()
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.store = store
	return s, nil
}

// Close closes the store, then delivers pending events to the journal.
func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		slog.Warn("close store", "error", err)
	}
	s.closeEvents()
}

func (s *session) closeEvents() {
	if s.bus != nil {
		s.bus.Close()
	}
	if s.logger != nil {
		s.logger.Close()
	}
}
