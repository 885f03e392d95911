package verify

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultNonceTTL covers twice the default skew window, so a nonce
	// stays remembered for as long as its timestamp could be accepted.
	DefaultNonceTTL = 2 * DefaultMaxSkew

	DefaultMaxNonceEntries = 100_000

	DefaultNonceCleanupInterval = 30 * time.Second

	// MaxNonceLength bounds the nonce text accepted by the cache.
	MaxNonceLength = 256
)

var (
	ErrInvalidNonce   = errors.New("invalid nonce")
	ErrNonceCacheFull = errors.New("nonce cache full")
)

// NonceCache remembers (identity, nonce) pairs for replay detection.
// Implementations must be safe for concurrent use.
type NonceCache interface {
	// Record stores the pair and reports whether it was already present
	// and unexpired.
	Record(identity, nonce string, issuedAt time.Time) (replay bool, err error)
	Close() error
}

type nonceEntry struct {
	// offset is nanoseconds since cache creation (monotonic).
	offset int64
}

// MemoryNonceCache is an in-memory NonceCache keyed by identity and nonce.
type MemoryNonceCache struct {
	entries    sync.Map
	entryCount atomic.Int64
	maxEntries int64
	ttl        time.Duration
	createdAt  time.Time

	cleanupInterval time.Duration // 0 means default, -1 means disabled
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

type NonceCacheOption func(*MemoryNonceCache)

func WithNonceTTL(ttl time.Duration) NonceCacheOption {
	return func(c *MemoryNonceCache) {
		c.ttl = ttl
	}
}

func WithMaxNonceEntries(max int) NonceCacheOption {
	return func(c *MemoryNonceCache) {
		c.maxEntries = int64(max)
	}
}

// WithNonceCleanupInterval sets how often expired entries are dropped.
// Zero or less disables the background sweep.
func WithNonceCleanupInterval(interval time.Duration) NonceCacheOption {
	return func(c *MemoryNonceCache) {
		if interval <= 0 {
			c.cleanupInterval = -1
		} else {
			c.cleanupInterval = interval
		}
	}
}

func NewMemoryNonceCache(opts ...NonceCacheOption) *MemoryNonceCache {
	c := &MemoryNonceCache{
		ttl:         DefaultNonceTTL,
		maxEntries:  DefaultMaxNonceEntries,
		createdAt:   time.Now(),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.cleanupInterval >= 0 {
		interval := c.cleanupInterval
		if interval == 0 {
			interval = DefaultNonceCleanupInterval
		}
		go c.cleanupLoop(interval)
	} else {
		close(c.cleanupDone)
	}
	return c
}

// Record uses LoadOrStore so two concurrent deliveries of the same
// envelope cannot both be accepted.
func (c *MemoryNonceCache) Record(identity, nonce string, _ time.Time) (bool, error) {
	if nonce == "" || len(nonce) > MaxNonceLength {
		return false, ErrInvalidNonce
	}
	key := identity + "\x00" + nonce

	offset := time.Since(c.createdAt).Nanoseconds()
	entry := &nonceEntry{offset: offset}

	existing, loaded := c.entries.LoadOrStore(key, entry)
	if loaded {
		existingEntry := existing.(*nonceEntry)
		if time.Duration(offset-existingEntry.offset) < c.ttl {
			return true, nil
		}
		if c.entries.CompareAndSwap(key, existing, entry) {
			return false, nil
		}
		return true, nil
	}

	if c.entryCount.Add(1) > c.maxEntries {
		c.entries.Delete(key)
		c.entryCount.Add(-1)
		return false, ErrNonceCacheFull
	}
	return false, nil
}

func (c *MemoryNonceCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
	})
	<-c.cleanupDone
	return nil
}

func (c *MemoryNonceCache) cleanupLoop(interval time.Duration) {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *MemoryNonceCache) cleanup() {
	now := time.Since(c.createdAt).Nanoseconds()
	ttlNanos := c.ttl.Nanoseconds()

	c.entries.Range(func(key, value any) bool {
		if now-value.(*nonceEntry).offset >= ttlNanos {
			if c.entries.CompareAndDelete(key, value) {
				c.entryCount.Add(-1)
			}
		}
		return true
	})
}

// Len returns the number of remembered nonces.
func (c *MemoryNonceCache) Len() int {
	return int(c.entryCount.Load())
}
