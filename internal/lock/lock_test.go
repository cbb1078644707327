package lock

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/testutil"
)

func newLocker(t *testing.T, attempts int, interval time.Duration) *Locker {
	t.Helper()
	dir := t.TempDir()
	return NewLocker(func(name string) string {
		return filepath.Join(dir, name+".lock")
	}, attempts, interval, testutil.NewTestLogger(t))
}

func TestAcquireRelease(t *testing.T) {
	l := newLocker(t, 2, 10*time.Millisecond)

	lk, err := l.Acquire(context.Background(), "a.service")
	require.NoError(t, err)
	require.NoError(t, lk.Release())
	require.NoError(t, lk.Release())

	again, err := l.Acquire(context.Background(), "a.service")
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquireTimesOut(t *testing.T) {
	l := newLocker(t, 3, 10*time.Millisecond)

	held, err := l.Acquire(context.Background(), "a.service")
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	_, err = l.Acquire(context.Background(), "a.service")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockTimeout)

	other, err := l.Acquire(context.Background(), "b.service")
	require.NoError(t, err)
	require.NoError(t, other.Release())
}

func TestAcquireWaitsForRelease(t *testing.T) {
	l := newLocker(t, 50, 10*time.Millisecond)

	held, err := l.Acquire(context.Background(), "a.service")
	require.NoError(t, err)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = held.Release()
	}()

	lk, err := l.Acquire(context.Background(), "a.service")
	require.NoError(t, err)
	require.NoError(t, lk.Release())
}

func TestMutualExclusion(t *testing.T) {
	l := newLocker(t, 200, 5*time.Millisecond)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lk, err := l.Acquire(context.Background(), "a.service")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			_ = lk.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestAcquireCancelled(t *testing.T) {
	l := newLocker(t, 1000, 10*time.Millisecond)
	held, err := l.Acquire(context.Background(), "a.service")
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "a.service")
	assert.ErrorIs(t, err, ErrLockTimeout)
}
