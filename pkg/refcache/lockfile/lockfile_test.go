package lockfile_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/genome-refcache/pkg/refcache"
	"github.com/tendant/genome-refcache/pkg/refcache/lockfile"
)

func TestManager_AcquireRelease(t *testing.T) {
	m, err := lockfile.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	release, err := m.Acquire(ctx, "ensembl__homo_sapiens__GRCh38")
	require.NoError(t, err)
	require.NoError(t, release())

	// Release is idempotent.
	require.NoError(t, release())

	// Reacquire after release succeeds immediately.
	release, err = m.Acquire(ctx, "ensembl__homo_sapiens__GRCh38")
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestManager_Exclusivity(t *testing.T) {
	dir := t.TempDir()
	m1, err := lockfile.New(dir, lockfile.WithBackoff(10*time.Millisecond))
	require.NoError(t, err)
	m2, err := lockfile.New(dir,
		lockfile.WithBackoff(10*time.Millisecond),
		lockfile.WithWaitTimeout(50*time.Millisecond),
	)
	require.NoError(t, err)
	ctx := context.Background()

	release, err := m1.Acquire(ctx, "key")
	require.NoError(t, err)

	// A second manager on the same directory cannot take the held lock.
	_, err = m2.Acquire(ctx, "key")
	require.Error(t, err)
	assert.ErrorIs(t, err, refcache.ErrLockTimeout)

	// Different keys never contend.
	otherRelease, err := m2.Acquire(ctx, "other")
	require.NoError(t, err)
	require.NoError(t, otherRelease())

	require.NoError(t, release())
	release2, err := m2.Acquire(ctx, "key")
	require.NoError(t, err)
	require.NoError(t, release2())
}

func TestManager_ReclaimsExpiredLease(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// A holder whose lease has long expired, as after a crash.
	stale, err := lockfile.New(dir,
		lockfile.WithLease(time.Minute),
		lockfile.WithClock(func() time.Time { return now.Add(-time.Hour) }),
	)
	require.NoError(t, err)
	_, err = stale.Acquire(context.Background(), "key")
	require.NoError(t, err)

	m, err := lockfile.New(dir,
		lockfile.WithLease(time.Minute),
		lockfile.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	release, err := m.Acquire(context.Background(), "key")
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestManager_UnreadableLeaseIsLeftAlone(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "key.lock"), []byte("torn write"), 0o644))

	m, err := lockfile.New(dir,
		lockfile.WithBackoff(10*time.Millisecond),
		lockfile.WithWaitTimeout(50*time.Millisecond),
	)
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "key")
	require.Error(t, err)
	assert.ErrorIs(t, err, refcache.ErrLockTimeout)

	// The suspect file was not removed.
	_, err = os.Stat(filepath.Join(dir, "key.lock"))
	assert.NoError(t, err)
}

func TestManager_ContextCancellation(t *testing.T) {
	dir := t.TempDir()
	m, err := lockfile.New(dir, lockfile.WithBackoff(10*time.Millisecond))
	require.NoError(t, err)

	release, err := m.Acquire(context.Background(), "key")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "key")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
