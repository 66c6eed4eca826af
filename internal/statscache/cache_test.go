package statscache

import (
	"bytes"
	"sync"
	"testing"
)

type shardID uint64

func TestCacheBasicOperations(t *testing.T) {
	c := NewWithDefaults[shardID]()
	defer c.Close()

	if err := c.Put(7, []byte("stats-7"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if v, ok := c.Get(7); !ok || string(v) != "stats-7" {
		t.Errorf("Expected 'stats-7', got %q, found: %v", v, ok)
	}
	if _, ok := c.Get(8); ok {
		t.Error("Expected key to not exist")
	}
	if !c.Delete(7) {
		t.Error("Expected delete to return true")
	}
	if _, ok := c.Get(7); ok {
		t.Error("Expected key to be deleted")
	}
}

func TestCachePutCopiesInput(t *testing.T) {
	c := NewWithDefaults[shardID]()
	in := []byte{1, 2, 3}
	_ = c.Put(1, in, 0)
	in[0] = 9
	got, _ := c.Get(1)
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("stored blob aliased caller buffer: %v", got)
	}
}

func TestCacheIgnoresOlderVersion(t *testing.T) {
	c := NewWithDefaults[shardID]()
	_ = c.Put(1, []byte("new"), 5)
	_ = c.Put(1, []byte("old"), 3)
	if got, _ := c.Get(1); string(got) != "new" {
		t.Fatalf("older report overwrote newer: %q", got)
	}
	_ = c.Put(1, []byte("unversioned"), 0)
	if got, _ := c.Get(1); string(got) != "unversioned" {
		t.Fatalf("unversioned put should overwrite: %q", got)
	}
}

func TestCacheStatsAndPowerOfTwoShards(t *testing.T) {
	c := New[shardID](Config{ShardCount: 5, StatsEnabled: true})
	if got := c.Stats().Shards; got != 8 {
		t.Fatalf("expected 8 partitions, got %d", got)
	}
	_ = c.Put(1, []byte("abcd"), 0)
	_ = c.Put(2, []byte("ef"), 0)
	c.Get(1)
	c.Get(3)

	st := c.Stats()
	if st.Size != 2 || st.Bytes != 6 || st.Hits != 1 || st.Misses != 1 || st.Puts != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.HitRatio != 0.5 {
		t.Fatalf("unexpected hit ratio: %v", st.HitRatio)
	}
}

func TestCacheClosedRejectsWrites(t *testing.T) {
	c := NewWithDefaults[shardID]()
	_ = c.Put(1, []byte("x"), 0)
	_ = c.Close()
	if err := c.Put(2, []byte("y"), 0); err != ErrCacheClosed {
		t.Fatalf("expected ErrCacheClosed, got %v", err)
	}
	if _, ok := c.Get(1); ok {
		t.Fatalf("closed cache should not serve reads")
	}
}

func TestCacheConcurrentWriters(t *testing.T) {
	c := NewWithDefaults[shardID]()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = c.Put(shardID(w*1000+i), []byte{byte(i)}, 0)
				c.Get(shardID(i))
			}
		}(w)
	}
	wg.Wait()
	if got := c.Len(); got != 1600 {
		t.Fatalf("expected 1600 entries, got %d", got)
	}
	if got := len(c.Keys()); got != 1600 {
		t.Fatalf("expected 1600 keys, got %d", got)
	}
}
