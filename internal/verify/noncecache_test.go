package verify

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonceCacheReplay(t *testing.T) {
	cache := NewMemoryNonceCache(WithNonceCleanupInterval(time.Hour))
	defer cache.Close()

	replay, err := cache.Record("gw-1", "aa", time.Now())
	require.NoError(t, err)
	assert.False(t, replay)

	replay, err = cache.Record("gw-1", "aa", time.Now())
	require.NoError(t, err)
	assert.True(t, replay)

	// Nonces are scoped per identity.
	replay, err = cache.Record("gw-2", "aa", time.Now())
	require.NoError(t, err)
	assert.False(t, replay)
}

func TestNonceCacheExpiry(t *testing.T) {
	cache := NewMemoryNonceCache(WithNonceTTL(30*time.Millisecond), WithNonceCleanupInterval(0))
	defer cache.Close()

	_, err := cache.Record("gw-1", "bb", time.Now())
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)

	replay, err := cache.Record("gw-1", "bb", time.Now())
	require.NoError(t, err)
	assert.False(t, replay)
}

func TestNonceCacheCleanup(t *testing.T) {
	cache := NewMemoryNonceCache(WithNonceTTL(10*time.Millisecond), WithNonceCleanupInterval(0))
	defer cache.Close()

	for _, n := range []string{"a", "b", "c"} {
		_, err := cache.Record("gw", n, time.Now())
		require.NoError(t, err)
	}
	require.Equal(t, 3, cache.Len())
	time.Sleep(20 * time.Millisecond)
	cache.cleanup()
	assert.Equal(t, 0, cache.Len())
}

func TestNonceCacheLimits(t *testing.T) {
	cache := NewMemoryNonceCache(WithMaxNonceEntries(2), WithNonceCleanupInterval(0))
	defer cache.Close()

	_, err := cache.Record("gw", "", time.Now())
	assert.ErrorIs(t, err, ErrInvalidNonce)
	_, err = cache.Record("gw", strings.Repeat("a", MaxNonceLength+1), time.Now())
	assert.ErrorIs(t, err, ErrInvalidNonce)

	_, err = cache.Record("gw", "1", time.Now())
	require.NoError(t, err)
	_, err = cache.Record("gw", "2", time.Now())
	require.NoError(t, err)
	_, err = cache.Record("gw", "3", time.Now())
	assert.ErrorIs(t, err, ErrNonceCacheFull)
	assert.Equal(t, 2, cache.Len())
}

func TestNonceCacheConcurrentSameNonce(t *testing.T) {
	cache := NewMemoryNonceCache(WithNonceCleanupInterval(0))
	defer cache.Close()

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replay, err := cache.Record("gw", "race", time.Now())
			if err == nil && !replay {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestNonceCacheCloseIdempotent(t *testing.T) {
	cache := NewMemoryNonceCache()
	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close())
}
