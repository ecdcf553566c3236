package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/dohr-michael/taskvault/internal/events"
)

// JournalFile is the name of the event journal inside its directory.
const JournalFile = "journal.jsonl"

// EventLogger appends bus events to a JSONL journal.
type EventLogger struct {
	fs          afero.Fs
	path        string
	mu          sync.Mutex // serializes appends; handlers run concurrently
	unsubscribe func()
}

// NewEventLogger creates an EventLogger that subscribes to all bus events
// and appends them to dir/journal.jsonl.
func NewEventLogger(fs afero.Fs, dir string, bus *events.Bus) *EventLogger {
	el := &EventLogger{
		fs:   fs,
		path: filepath.Join(dir, JournalFile),
	}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// Path returns the journal file path.
func (el *EventLogger) Path() string { return el.path }

// Close unsubscribes the logger from the event bus.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}
}

func (el *EventLogger) handleEvent(e events.Event) {
	if err := el.writeEvent(e); err != nil {
		slog.Warn("eventlog: append failed", "path", el.path, "type", e.Type, "error", err)
	}
}

func (el *EventLogger) writeEvent(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	el.mu.Lock()
	defer el.mu.Unlock()

	if err := el.fs.MkdirAll(filepath.Dir(el.path), 0o755); err != nil {
		return err
	}

	f, err := el.fs.OpenFile(el.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// ReadJournal returns the last limit events of a journal, oldest first.
// limit <= 0 returns every event. A missing journal yields no events;
// unparseable lines are skipped.
func ReadJournal(fs afero.Fs, path string, limit int) ([]events.Event, error) {
	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var out []events.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e events.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan journal: %w", err)
	}
	return out, nil
}
