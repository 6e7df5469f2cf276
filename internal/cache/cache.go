// Package cache implements a sharded, TTL-expiring cache of resolved DNS
// records, keyed by owner name the way a classic iterative resolver's
// single-record-per-name cache works.
package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dchest/siphash"

	"github.com/dnsresolved/dnsresolved/internal/packet"
)

const (
	// shardCount is a power of 2 so hash&mask substitutes for hash%count.
	shardCount     = 256
	shardMask      = uint64(shardCount - 1)
	defaultMaxSize = 10000

	cleanupInterval = 60 * time.Second
)

// hashKey is fixed at process start: siphash needs a 128-bit key, and
// using a process-local random one (rather than a fixed constant) means an
// attacker who can observe cache-eviction timing cannot precompute
// colliding names across restarts.
var hashKey [16]byte

func init() {
	// The hash only needs to resist collision crafting, not serve as a
	// security token, so a cheap PRNG seeded from the clock is enough and
	// keeps this package off crypto/rand's syscall path at import time.
	now := time.Now().UnixNano()
	for i := range hashKey {
		hashKey[i] = byte(now >> (uint(i%8) * 8))
		now = now*6364136223846793005 + 1442695040888963407
	}
}

func hashName(name string) uint64 {
	h := siphash.New(hashKey[:])
	h.Write([]byte(strings.ToLower(name)))
	return h.Sum64()
}

// Entry is a single cached record plus its absolute expiry.
type Entry struct {
	Record    packet.Record
	ExpiresAt time.Time
	OrigTTL   uint32
	Hits      atomic.Uint64
}

// IsExpired reports whether the entry's TTL has elapsed.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// RemainingTTL returns the TTL to advertise for this entry right now: the
// original TTL minus elapsed time, floored at zero rather than negative or
// reissued at the original value.
func (e *Entry) RemainingTTL() uint32 {
	remaining := time.Until(e.ExpiresAt)
	if remaining <= 0 {
		return 0
	}
	secs := uint32(remaining / time.Second)
	if secs == 0 && remaining > 0 {
		secs = 1
	}
	return secs
}

type shard struct {
	mu      sync.RWMutex
	entries map[uint64]*Entry
}

// Cache is a sharded, lock-striped, name-keyed TTL cache. Each shard holds
// at most one entry per name (last write wins across query types, matching
// the single-record-per-name model this resolver is built around).
type Cache struct {
	shards  []*shard
	maxSize int // per-shard capacity

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	stopCleanup chan struct{}
	cleanupDone sync.WaitGroup
}

// Config configures a Cache. MaxEntries is the total capacity distributed
// evenly across shards.
type Config struct {
	MaxEntries int
}

// New builds a cache and starts its background expiry sweep.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxSize * shardCount
	}
	perShard := cfg.MaxEntries / shardCount
	if perShard < 1 {
		perShard = 1
	}

	c := &Cache{
		shards:      make([]*shard, shardCount),
		maxSize:     perShard,
		stopCleanup: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[uint64]*Entry, perShard)}
	}

	c.cleanupDone.Add(1)
	go c.sweepLoop()

	return c
}

func (c *Cache) shardFor(name string) *shard {
	return c.shards[hashName(name)&shardMask]
}

// Get returns the cached record for name if present and unexpired.
func (c *Cache) Get(name string) (*Entry, bool) {
	s := c.shardFor(name)

	s.mu.RLock()
	e, ok := s.entries[hashName(name)]
	s.mu.RUnlock()

	if !ok || e.IsExpired() {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	e.Hits.Add(1)
	return e, true
}

// Set stores a record for name with the given TTL, evicting the
// soonest-to-expire entry in its shard if the shard is full.
func (c *Cache) Set(name string, rec packet.Record, ttl uint32) {
	s := c.shardFor(name)
	key := hashName(name)

	entry := &Entry{
		Record:    rec,
		ExpiresAt: time.Now().Add(time.Duration(ttl) * time.Second),
		OrigTTL:   ttl,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && len(s.entries) >= c.maxSize {
		c.evictSoonest(s)
	}
	s.entries[key] = entry
}

// Delete removes any cached entry for name.
func (c *Cache) Delete(name string) {
	s := c.shardFor(name)
	s.mu.Lock()
	delete(s.entries, hashName(name))
	s.mu.Unlock()
}

// evictSoonest removes the entry closest to expiry. Caller must hold s.mu.
func (c *Cache) evictSoonest(s *shard) {
	var oldestKey uint64
	var oldestAt time.Time
	first := true

	for k, e := range s.entries {
		if first || e.ExpiresAt.Before(oldestAt) {
			oldestKey, oldestAt, first = k, e.ExpiresAt, false
		}
	}
	if !first {
		delete(s.entries, oldestKey)
		c.evictions.Add(1)
	}
}

// Flush clears every entry.
func (c *Cache) Flush() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.entries = make(map[uint64]*Entry, c.maxSize)
		s.mu.Unlock()
	}
}

func (c *Cache) sweepLoop() {
	defer c.cleanupDone.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *Cache) sweepExpired() {
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if e.IsExpired() {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Close stops the background sweep goroutine.
func (c *Cache) Close() {
	close(c.stopCleanup)
	c.cleanupDone.Wait()
}

// Stats reports cumulative cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

// GetStats snapshots current counters and total entry count.
func (c *Cache) GetStats() Stats {
	size := 0
	for _, s := range c.shards {
		s.mu.RLock()
		size += len(s.entries)
		s.mu.RUnlock()
	}
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
	}
}
