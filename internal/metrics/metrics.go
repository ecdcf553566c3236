// Package metrics tracks task store health: task counts, moving-average
// latencies, compression ratio and storage size.
package metrics

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dohr-michael/taskvault/internal/storage/dirstore"
)

const (
	// Alpha is the smoothing factor of the latency moving averages.
	Alpha = 0.2

	ratioWindow = 32
)

// Snapshot is a point-in-time copy of the store metrics. Times are in
// milliseconds.
type Snapshot struct {
	TotalTasks       int        `json:"totalTasks"`
	ActiveTasks      int        `json:"activeTasks"`
	CompletedTasks   int        `json:"completedTasks"`
	StorageSize      int64      `json:"storageSize"`
	CompressionRatio float64    `json:"compressionRatio"`
	AverageLoadTime  float64    `json:"averageLoadTime"`
	AverageSaveTime  float64    `json:"averageSaveTime"`
	LastCleanupTime  *time.Time `json:"lastCleanupTime,omitempty"`

	Saves      uint64    `json:"saves"`
	Loads      uint64    `json:"loads"`
	Failures   uint64    `json:"failures"`
	Recoveries uint64    `json:"recoveries"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Options configures a Tracker.
type Options struct {
	// Persist enables writing metrics.json.
	Persist bool
	// FlushInterval is the minimum time between two MaybeFlush writes.
	FlushInterval time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// Tracker accumulates metrics. It is safe for concurrent use.
type Tracker struct {
	ds   *dirstore.DirStore
	opts Options

	mu          sync.Mutex
	tasks       map[string]bool // task id -> complete
	avgLoad     float64
	avgSave     float64
	loadSamples uint64
	saveSamples uint64
	ratios      []float64
	ratioPos    int
	storageSize int64
	lastCleanup time.Time
	saves       uint64
	loads       uint64
	failures    uint64
	recoveries  uint64
	lastFlush   time.Time
}

// NewTracker creates a Tracker persisting to the DirStore's metrics file.
func NewTracker(ds *dirstore.DirStore, opts Options) *Tracker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		ds:    ds,
		opts:  opts,
		tasks: make(map[string]bool),
	}
}

// Warm seeds moving averages and the last cleanup time from a previously
// persisted metrics file. A missing file is not an error.
func (t *Tracker) Warm() error {
	data, err := t.ds.ReadFileContent(t.ds.MetricsPath())
	if err != nil || data == nil {
		return err
	}
	var prev Snapshot
	if err := json.Unmarshal(data, &prev); err != nil {
		return fmt.Errorf("unmarshal metrics: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if prev.AverageLoadTime > 0 {
		t.avgLoad = prev.AverageLoadTime
		t.loadSamples = 1
	}
	if prev.AverageSaveTime > 0 {
		t.avgSave = prev.AverageSaveTime
		t.saveSamples = 1
	}
	if prev.CompressionRatio > 0 {
		t.pushRatio(prev.CompressionRatio)
	}
	if prev.LastCleanupTime != nil {
		t.lastCleanup = *prev.LastCleanupTime
	}
	return nil
}

// Reset replaces the task index (id -> complete) and storage size with
// values recomputed from disk.
func (t *Tracker) Reset(index map[string]bool, storageSize int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks = make(map[string]bool, len(index))
	for id, complete := range index {
		t.tasks[id] = complete
	}
	t.storageSize = storageSize
}

// ObserveTask records that a task exists with the given completion state.
func (t *Tracker) ObserveTask(id string, complete bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[id] = complete
}

// ForgetTask removes a task from the counters.
func (t *Tracker) ForgetTask(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, id)
}

// RecordSave adds a save latency sample and the bytes written before and
// after compression.
func (t *Tracker) RecordSave(d time.Duration, rawBytes, storedBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.saves++
	t.avgSave = ema(t.avgSave, millis(d), t.saveSamples)
	t.saveSamples++
	if rawBytes > 0 {
		t.pushRatio(float64(storedBytes) / float64(rawBytes))
	}
}

// RecordLoad adds a load latency sample.
func (t *Tracker) RecordLoad(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loads++
	t.avgLoad = ema(t.avgLoad, millis(d), t.loadSamples)
	t.loadSamples++
}

// RecordFailure counts a failed save or load.
func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	t.failures++
	t.mu.Unlock()
}

// RecordRecovery counts a load served from a backup version.
func (t *Tracker) RecordRecovery() {
	t.mu.Lock()
	t.recoveries++
	t.mu.Unlock()
}

// RecordCleanup stores the time of the last maintenance sweep.
func (t *Tracker) RecordCleanup(at time.Time) {
	t.mu.Lock()
	t.lastCleanup = at
	t.mu.Unlock()
}

// SetStorageSize stores a freshly measured storage size.
func (t *Tracker) SetStorageSize(n int64) {
	t.mu.Lock()
	t.storageSize = n
	t.mu.Unlock()
}

// Snapshot returns a copy of the current metrics.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	s := Snapshot{
		TotalTasks:      len(t.tasks),
		StorageSize:     t.storageSize,
		AverageLoadTime: t.avgLoad,
		AverageSaveTime: t.avgSave,
		Saves:           t.saves,
		Loads:           t.loads,
		Failures:        t.failures,
		Recoveries:      t.recoveries,
		UpdatedAt:       t.opts.Now(),
	}
	for _, complete := range t.tasks {
		if complete {
			s.CompletedTasks++
		} else {
			s.ActiveTasks++
		}
	}
	if len(t.ratios) > 0 {
		var sum float64
		for _, r := range t.ratios {
			sum += r
		}
		s.CompressionRatio = sum / float64(len(t.ratios))
	}
	if !t.lastCleanup.IsZero() {
		at := t.lastCleanup
		s.LastCleanupTime = &at
	}
	return s
}

// MaybeFlush persists metrics if persistence is enabled and FlushInterval has
// elapsed since the last write. It reports whether a write happened.
func (t *Tracker) MaybeFlush() (bool, error) {
	if !t.opts.Persist {
		return false, nil
	}
	t.mu.Lock()
	due := t.lastFlush.IsZero() || t.opts.Now().Sub(t.lastFlush) >= t.opts.FlushInterval
	t.mu.Unlock()
	if !due {
		return false, nil
	}
	return true, t.Flush()
}

// Flush persists metrics now. It is a no-op when persistence is disabled.
func (t *Tracker) Flush() error {
	if !t.opts.Persist {
		return nil
	}
	t.mu.Lock()
	snap := t.snapshotLocked()
	t.lastFlush = t.opts.Now()
	t.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if err := t.ds.WriteFileAtomic(t.ds.MetricsPath(), data); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

func (t *Tracker) pushRatio(r float64) {
	if len(t.ratios) < ratioWindow {
		t.ratios = append(t.ratios, r)
		return
	}
	t.ratios[t.ratioPos] = r
	t.ratioPos = (t.ratioPos + 1) % ratioWindow
}

// ema folds sample into avg. The first sample seeds the average.
func ema(avg, sample float64, samples uint64) float64 {
	if samples == 0 {
		return sample
	}
	return avg + Alpha*(sample-avg)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
