// Package lockfile provides cross-process mutual exclusion through
// exclusively created lock files carrying a lease.
//
// Creation uses O_CREAT|O_EXCL, so only one holder exists at a time;
// contenders spin-wait with a fixed backoff. The lease records owner
// identity and an expiry so a lock left behind by a crashed holder can be
// reclaimed instead of wedging its key forever.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tendant/genome-refcache/pkg/refcache"
)

const (
	defaultBackoff = 200 * time.Millisecond
	defaultLease   = 15 * time.Minute
)

// Manager hands out per-name lock files under a single directory. It
// implements refcache.Locker.
type Manager struct {
	dir     string
	owner   string
	lease   time.Duration
	backoff time.Duration
	wait    time.Duration
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithOwner sets the owner identity written into leases. Defaults to
// hostname:pid.
func WithOwner(owner string) Option {
	return func(m *Manager) { m.owner = owner }
}

// WithLease sets the lease duration after which a contender may reclaim the
// lock. Zero disables expiry (a crashed holder then requires external
// removal).
func WithLease(d time.Duration) Option {
	return func(m *Manager) { m.lease = d }
}

// WithBackoff sets the fixed spin-wait interval between acquisition attempts.
func WithBackoff(d time.Duration) Option {
	return func(m *Manager) { m.backoff = d }
}

// WithWaitTimeout bounds how long Acquire waits for a contended lock before
// returning refcache.ErrLockTimeout. Zero waits indefinitely.
func WithWaitTimeout(d time.Duration) Option {
	return func(m *Manager) { m.wait = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("lockfile: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lockfile: create %s: %w", dir, err)
	}
	m := &Manager{
		dir:     dir,
		lease:   defaultLease,
		backoff: defaultBackoff,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.owner == "" {
		host, _ := os.Hostname()
		m.owner = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	return m, nil
}

type lease struct {
	Owner     string    `json:"owner"`
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Acquire blocks until the named lock is held and returns its release
// function. Release is idempotent and must run on every exit path of the
// critical section.
func (m *Manager) Acquire(ctx context.Context, name string) (func() error, error) {
	path := filepath.Join(m.dir, name+".lock")

	var deadline time.Time
	if m.wait > 0 {
		deadline = m.now().Add(m.wait)
	}

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return m.claim(f, path)
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("lockfile: create %s: %w", path, err)
		}
		if m.reclaimExpired(path) {
			continue
		}
		if !deadline.IsZero() && !m.now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s contended for %s", refcache.ErrLockTimeout, name, m.wait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.backoff):
		}
	}
}

func (m *Manager) claim(f *os.File, path string) (func() error, error) {
	l := lease{
		Owner:     m.owner,
		PID:       os.Getpid(),
		CreatedAt: m.now(),
	}
	if m.lease > 0 {
		l.ExpiresAt = l.CreatedAt.Add(m.lease)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(l); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("lockfile: write lease %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, err
	}

	var once sync.Once
	release := func() error {
		var rerr error
		once.Do(func() {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				rerr = err
			}
		})
		return rerr
	}
	return release, nil
}

// reclaimExpired removes the lock file when its lease has expired. Removal
// racing with another contender is benign: both fall back to exclusive
// creation and exactly one wins.
func (m *Manager) reclaimExpired(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// Holder released between our create attempt and this read.
		return errors.Is(err, fs.ErrNotExist)
	}
	var l lease
	if err := json.Unmarshal(data, &l); err != nil {
		// Unreadable lease, likely a torn write from a killed process.
		// Leave it for external removal rather than guessing.
		return false
	}
	if l.ExpiresAt.IsZero() || m.now().Before(l.ExpiresAt) {
		return false
	}
	return os.Remove(path) == nil
}
