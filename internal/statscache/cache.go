package statscache

import (
	"encoding/binary"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/unkn0wn-root/statsagg/internal/mathutil"
)

const (
	maxShardCount   = 64
	shardMultiplier = 2
)

var ErrCacheClosed = errors.New("stats cache is closed")

// Config groups sharding and telemetry options.
type Config struct {
	ShardCount   int
	StatsEnabled bool
}

// DefaultConfig returns defaults sized for a few thousand shard blobs.
func DefaultConfig() Config {
	return Config{
		ShardCount:   0,
		StatsEnabled: true,
	}
}

// Stats exposes approximate telemetry aggregated across partitions.
type Stats struct {
	Hits     int64
	Misses   int64
	Puts     int64
	Size     int64
	Bytes    int64
	HitRatio float64
	Shards   int
}

type entry struct {
	blob []byte
	ver  uint64
}

// partition is one lock domain of the cache.
type partition[K ~uint64] struct {
	mu     sync.RWMutex
	data   map[K]entry
	bytes  int64
	hits   int64
	misses int64
	puts   int64
}

// Cache maps a statistics source id (a metadata shard) to its latest
// serialized statistics blob. Writers are transport goroutines receiving shard
// reports; the aggregator event loop only reads.
type Cache[K ~uint64] struct {
	parts  []*partition[K]
	mask   uint64
	config Config
	closed int32
}

// New builds a cache with a power-of-two number of partitions.
func New[K ~uint64](config Config) *Cache[K] {
	n := mathutil.PartitionCount(config.ShardCount, runtime.NumCPU(), shardMultiplier, maxShardCount)

	c := &Cache[K]{
		parts:  make([]*partition[K], n),
		mask:   uint64(n - 1),
		config: config,
	}
	for i := range c.parts {
		c.parts[i] = &partition[K]{data: make(map[K]entry)}
	}
	return c
}

// NewWithDefaults constructs a cache using DefaultConfig().
func NewWithDefaults[K ~uint64]() *Cache[K] {
	return New[K](DefaultConfig())
}

func (c *Cache[K]) partFor(key K) *partition[K] {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(key))
	return c.parts[xxhash.Sum64(b[:])&c.mask]
}

// Put stores a private copy of blob for key. Reports that carry a version
// older than the stored one are ignored; ver==0 always overwrites.
func (c *Cache[K]) Put(key K, blob []byte, ver uint64) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrCacheClosed
	}
	p := c.partFor(key)
	cp := append([]byte(nil), blob...)

	p.mu.Lock()
	defer p.mu.Unlock()
	old, ok := p.data[key]
	if ok && ver != 0 && old.ver > ver {
		return nil
	}
	p.data[key] = entry{blob: cp, ver: ver}
	p.bytes += int64(len(cp)) - int64(len(old.blob))
	if c.config.StatsEnabled {
		p.puts++
	}
	return nil
}

// Get returns the stored blob for key. The returned slice must not be mutated.
func (c *Cache[K]) Get(key K) ([]byte, bool) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, false
	}
	p := c.partFor(key)
	p.mu.RLock()
	e, ok := p.data[key]
	p.mu.RUnlock()

	if c.config.StatsEnabled {
		if ok {
			atomic.AddInt64(&p.hits, 1)
		} else {
			atomic.AddInt64(&p.misses, 1)
		}
	}
	return e.blob, ok
}

// Delete removes key and reports whether it was present.
func (c *Cache[K]) Delete(key K) bool {
	p := c.partFor(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.data[key]
	if !ok {
		return false
	}
	delete(p.data, key)
	p.bytes -= int64(len(e.blob))
	return true
}

// Len returns the number of stored blobs.
func (c *Cache[K]) Len() int {
	n := 0
	for _, p := range c.parts {
		p.mu.RLock()
		n += len(p.data)
		p.mu.RUnlock()
	}
	return n
}

// Keys returns the stored keys in no particular order.
func (c *Cache[K]) Keys() []K {
	out := make([]K, 0, c.Len())
	for _, p := range c.parts {
		p.mu.RLock()
		for k := range p.data {
			out = append(out, k)
		}
		p.mu.RUnlock()
	}
	return out
}

// Stats aggregates partition counters.
func (c *Cache[K]) Stats() Stats {
	var s Stats
	for _, p := range c.parts {
		p.mu.RLock()
		s.Size += int64(len(p.data))
		s.Bytes += p.bytes
		s.Puts += p.puts
		p.mu.RUnlock()
		s.Hits += atomic.LoadInt64(&p.hits)
		s.Misses += atomic.LoadInt64(&p.misses)
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
	}
	s.Shards = len(c.parts)
	return s
}

// Close rejects further writes and reads; stored data is dropped.
func (c *Cache[K]) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	for _, p := range c.parts {
		p.mu.Lock()
		p.data = make(map[K]entry)
		p.bytes = 0
		p.mu.Unlock()
	}
	return nil
}
