package cache

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

// testCache wraps a Cache with a controllable clock and online flag.
type testCache struct {
	*Cache
	clock  time.Time
	online bool
}

func (tc *testCache) advance(d time.Duration) {
	tc.clock = tc.clock.Add(d)
}

func newTestCache(t *testing.T) *testCache {
	t.Helper()

	tc := &testCache{
		clock:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		online: true,
	}
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"),
		WithNoSync(true),
		WithNow(func() time.Time { return tc.clock }),
		WithOnlineCheck(func() bool { return tc.online }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	tc.Cache = c
	return tc
}

func TestSetAndGet(t *testing.T) {
	tc := newTestCache(t)
	ctx := context.Background()

	data := []byte(`{"feed":["p1","p2"]}`)
	require.NoError(t, tc.Set(ctx, "feed:user1", data, time.Hour))

	got, err := tc.Get(ctx, "feed:user1")
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestGetMissingKey(t *testing.T) {
	tc := newTestCache(t)

	_, err := tc.Get(context.Background(), "absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetRequiresKey(t *testing.T) {
	tc := newTestCache(t)

	require.Error(t, tc.Set(context.Background(), "", []byte("x"), time.Hour))
}

func TestExpiryBoundary(t *testing.T) {
	tc := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "k", []byte("v"), 100*time.Millisecond))

	// At exactly the TTL the entry is still valid; expiry requires the
	// age to exceed it.
	tc.advance(100 * time.Millisecond)
	got, err := tc.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	tc.advance(time.Millisecond)
	_, err = tc.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetIdempotentAfterExpiry(t *testing.T) {
	tc := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "k", []byte("v"), time.Minute))
	tc.advance(2 * time.Minute)

	_, err := tc.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	// The expired entry was purged; a second read reports the same.
	_, err = tc.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	count, err := tc.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestExpiredPurgeSparesConcurrentSet(t *testing.T) {
	tc := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "k", []byte("stale"), time.Millisecond))

	// Capture the stored record as a racing Get would have observed it.
	var observed []byte
	require.NoError(t, tc.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get([]byte("k"))
		observed = append([]byte(nil), val...)
		return nil
	}))

	tc.advance(time.Minute)
	require.NoError(t, tc.Set(ctx, "k", []byte("fresh"), time.Hour))

	// The purge arrives after the overwrite. It must notice the record
	// changed and leave the fresh value alone.
	tc.purgeStale("k", observed)

	got, err := tc.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("fresh"), got)
}

func TestConcurrentGetAndSetOnExpiredKey(t *testing.T) {
	tc := newTestCache(t)
	ctx := context.Background()

	for range 200 {
		require.NoError(t, tc.Set(ctx, "k", []byte("stale"), time.Millisecond))
		tc.advance(2 * time.Millisecond)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = tc.Get(ctx, "k")
		}()
		go func() {
			defer wg.Done()
			_ = tc.Set(ctx, "k", []byte("fresh"), time.Hour)
		}()
		wg.Wait()

		// Whatever the interleaving, the overwrite wins: the reader's
		// purge of the expired record must never delete the fresh value.
		got, err := tc.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, []byte("fresh"), got)
	}
}

func TestSetRefreshesTTL(t *testing.T) {
	tc := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "k", []byte("v1"), time.Minute))
	tc.advance(50 * time.Second)

	// Overwriting restarts the clock from now.
	require.NoError(t, tc.Set(ctx, "k", []byte("v2"), time.Minute))
	tc.advance(50 * time.Second)

	got, err := tc.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestZeroTTLUsesDefault(t *testing.T) {
	tc := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "k", []byte("v"), 0))

	tc.advance(DefaultTTL - time.Second)
	_, err := tc.Get(ctx, "k")
	require.NoError(t, err)

	tc.advance(2 * time.Second)
	_, err = tc.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	tc := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "k", []byte("v"), time.Hour))
	require.NoError(t, tc.Delete(ctx, "k"))

	_, err := tc.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent key is a no-op.
	require.NoError(t, tc.Delete(ctx, "k"))
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	c, err := Open(path, WithNoSync(true))
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "k", []byte("survives"), time.Hour))
	require.NoError(t, c.Close())

	reopened, err := Open(path, WithNoSync(true))
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("survives"), got)
}

func TestLargeValueRoundTrip(t *testing.T) {
	tc := newTestCache(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("feed-entry "), 1024)
	require.NoError(t, tc.Set(ctx, "big", data, time.Hour))

	got, err := tc.Get(ctx, "big")
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestFetchOnlineCachesResult(t *testing.T) {
	tc := newTestCache(t)
	ctx := context.Background()

	var calls int
	fn := func(_ context.Context) ([]byte, error) {
		calls++
		return []byte("fresh"), nil
	}

	result, err := tc.Fetch(ctx, "k", fn, FetchOptions{TTL: time.Hour})
	require.NoError(t, err)
	require.Equal(t, []byte("fresh"), result.Data)
	require.False(t, result.FromCache)
	require.Equal(t, 1, calls)

	// The fetched value is now cached for offline use.
	tc.online = false
	result, err = tc.Fetch(ctx, "k", fn, FetchOptions{})
	require.NoError(t, err)
	require.Equal(t, []byte("fresh"), result.Data)
	require.True(t, result.FromCache)
	require.Equal(t, 1, calls)
}

func TestFetchOfflineWithoutCache(t *testing.T) {
	tc := newTestCache(t)
	tc.online = false

	var calls int
	fn := func(_ context.Context) ([]byte, error) {
		calls++
		return []byte("fresh"), nil
	}

	_, err := tc.Fetch(context.Background(), "k", fn, FetchOptions{})
	require.ErrorIs(t, err, ErrOfflineNoCache)
	require.Equal(t, 0, calls)
}

func TestFetchOfflineExpiredCache(t *testing.T) {
	tc := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "k", []byte("stale"), time.Minute))
	tc.advance(2 * time.Minute)
	tc.online = false

	_, err := tc.Fetch(ctx, "k", func(_ context.Context) ([]byte, error) {
		return []byte("fresh"), nil
	}, FetchOptions{})
	require.ErrorIs(t, err, ErrOfflineNoCache)
}

func TestFetchFallbackOnError(t *testing.T) {
	tc := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "k", []byte("cached"), time.Hour))

	fetchErr := errors.New("upstream 503")
	fn := func(_ context.Context) ([]byte, error) { return nil, fetchErr }

	// Without fallback the failure surfaces.
	_, err := tc.Fetch(ctx, "k", fn, FetchOptions{})
	require.ErrorIs(t, err, fetchErr)

	// With fallback the cached value is served and the failure
	// reported alongside it.
	result, err := tc.Fetch(ctx, "k", fn, FetchOptions{FallbackOnError: true})
	require.NoError(t, err)
	require.Equal(t, []byte("cached"), result.Data)
	require.True(t, result.FromCache)
	require.ErrorIs(t, result.FetchErr, fetchErr)
}

func TestFetchFallbackWithoutCachedValue(t *testing.T) {
	tc := newTestCache(t)

	fetchErr := errors.New("upstream 503")
	_, err := tc.Fetch(context.Background(), "k", func(_ context.Context) ([]byte, error) {
		return nil, fetchErr
	}, FetchOptions{FallbackOnError: true})
	require.ErrorIs(t, err, fetchErr)
}

func TestDeleteExpiredBatch(t *testing.T) {
	tc := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "old1", []byte("v"), time.Minute))
	require.NoError(t, tc.Set(ctx, "old2", []byte("v"), time.Minute))
	require.NoError(t, tc.Set(ctx, "fresh", []byte("v"), time.Hour))

	tc.advance(2 * time.Minute)

	deleted, err := tc.deleteExpired(tc.clock, 0)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	count, err := tc.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, err = tc.Get(ctx, "fresh")
	require.NoError(t, err)
}
