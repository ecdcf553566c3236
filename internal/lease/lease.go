// Package lease provides per-key exclusive leases with FIFO hand-off.
//
// Leases are process-local. A Manager built WithFileLocks additionally holds
// an advisory lock file per key for the duration of each lease, which keeps
// separate processes sharing a storage root from racing on the same key.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrLockTimeout is returned when a lease is not granted within the
	// requested bound. Callers may retry.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("lease manager closed")
)

// entry is the lock state of one key: the current holder flag and the FIFO
// queue of waiters. Entries exist only while held or waited on.
type entry struct {
	held    bool
	waiters []chan struct{}
}

// Manager grants exclusive leases keyed by string.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	files *fileLocker // nil unless WithFileLocks
}

// Option configures a Manager.
type Option func(*Manager)

// WithFileLocks backs every lease with an advisory lock file under dir.
func WithFileLocks(dir string) Option {
	return func(m *Manager) {
		m.files = &fileLocker{dir: dir, poll: 10 * time.Millisecond}
	}
}

// NewManager creates an empty lease table.
func NewManager(opts ...Option) *Manager {
	m := &Manager{entries: make(map[string]*entry)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lease is a granted exclusive right over a key. Release is idempotent.
type Lease struct {
	m    *Manager
	key  string
	file *heldFile
	once sync.Once
}

// Key returns the leased key.
func (l *Lease) Key() string { return l.key }

// Release gives the lease to the next waiter, or frees the key.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.file != nil {
			l.file.unlock()
		}
		l.m.release(l.key)
	})
}

// Acquire blocks until the lease for key is granted, timeout elapses, or ctx
// is done. A timeout <= 0 waits until ctx is done.
func (m *Manager) Acquire(ctx context.Context, key string, timeout time.Duration) (*Lease, error) {
	start := time.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	if !e.held {
		e.held = true
		m.mu.Unlock()
		return m.grant(ctx, key, remaining(start, timeout))
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	m.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ch:
		return m.grant(ctx, key, remaining(start, timeout))
	case <-expired:
		return nil, m.abandon(key, ch, fmt.Errorf("%w: %s after %s", ErrLockTimeout, key, timeout))
	case <-ctx.Done():
		return nil, m.abandon(key, ch, ctx.Err())
	}
}

// Do runs fn while holding the lease for key. The lease is released on every
// exit path, including panics.
func (m *Manager) Do(ctx context.Context, key string, timeout time.Duration, fn func() error) error {
	l, err := m.Acquire(ctx, key, timeout)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// Held reports whether key currently has a holder.
func (m *Manager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && e.held
}

// Waiters returns the number of acquirers queued on key.
func (m *Manager) Waiters(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return len(e.waiters)
	}
	return 0
}

// Len returns the number of keys that are held or waited on.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close refuses new acquisitions. Outstanding leases stay valid until released.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// grant finishes an acquisition once the in-memory lease is ours.
func (m *Manager) grant(ctx context.Context, key string, wait time.Duration) (*Lease, error) {
	l := &Lease{m: m, key: key}
	if m.files == nil {
		return l, nil
	}
	f, err := m.files.lock(ctx, key, wait)
	if err != nil {
		m.release(key)
		return nil, err
	}
	l.file = f
	return l, nil
}

// abandon removes a waiter that gave up. If the lease was handed to it in the
// meantime, the lease is passed on so nothing is leaked.
func (m *Manager) abandon(key string, ch chan struct{}, cause error) error {
	m.mu.Lock()
	e := m.entries[key]
	for i, w := range e.waiters {
		if w == ch {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			m.mu.Unlock()
			return cause
		}
	}
	m.mu.Unlock()

	// Already granted.
	m.release(key)
	return cause
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !e.held {
		return
	}
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(next)
		return
	}
	delete(m.entries, key)
}

func remaining(start time.Time, timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 0
	}
	left := timeout - time.Since(start)
	if left <= 0 {
		// Granted at the deadline; still allow one file lock attempt.
		return time.Nanosecond
	}
	return left
}
