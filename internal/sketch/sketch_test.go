package sketch

import (
	"errors"
	"fmt"
	"testing"
)

func TestCountMinEstimateNeverUnderCounts(t *testing.T) {
	c := New(64, 4)
	want := map[string]uint32{}
	for i := 0; i < 500; i++ {
		k := fmt.Sprintf("k%d", i%37)
		c.Add([]byte(k), 1)
		want[k]++
	}
	for k, n := range want {
		if got := c.Estimate([]byte(k)); got < n {
			t.Fatalf("estimate for %s under-counts: got %d want >= %d", k, got, n)
		}
	}
	if c.Total() != 500 {
		t.Fatalf("total: got %d want 500", c.Total())
	}
}

func TestCountMinMergeMatchesSingleSketch(t *testing.T) {
	a, b, all := New(32, 3), New(32, 3), New(32, 3)
	for i := 0; i < 100; i++ {
		k := []byte(fmt.Sprintf("v%d", i%11))
		if i%2 == 0 {
			a.Add(k, 1)
		} else {
			b.Add(k, 1)
		}
		all.Add(k, 1)
	}
	if err := a.Merge(b); err != nil {
		t.Fatalf("merge: %v", err)
	}
	for i := 0; i < 11; i++ {
		k := []byte(fmt.Sprintf("v%d", i))
		if a.Estimate(k) != all.Estimate(k) {
			t.Fatalf("merged estimate differs for %s: %d vs %d", k, a.Estimate(k), all.Estimate(k))
		}
	}
}

func TestCountMinMergeShapeMismatch(t *testing.T) {
	if err := New(8, 2).Merge(New(16, 2)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestCountMinBinaryRoundTripKeepsEstimates(t *testing.T) {
	c := New(0, 0)
	c.Add([]byte("x"), 7)
	raw, err := c.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Width() != DefaultWidth || got.Depth() != DefaultDepth {
		t.Fatalf("shape not preserved: %dx%d", got.Width(), got.Depth())
	}
	if got.Estimate([]byte("x")) != 7 || got.Total() != 7 {
		t.Fatalf("estimate not preserved: %d total %d", got.Estimate([]byte("x")), got.Total())
	}
}

func TestDecodeRejectsBadShape(t *testing.T) {
	raw, _ := encMode.Marshal(wireCountMin{W: 4, D: 2, C: []uint32{1, 2}})
	if _, err := Decode(raw); !errors.Is(err, ErrBadShape) {
		t.Fatalf("expected ErrBadShape, got %v", err)
	}
}

func TestAddSaturates(t *testing.T) {
	if got := addSat32(^uint32(0)-1, 5); got != ^uint32(0) {
		t.Fatalf("expected saturation, got %d", got)
	}
}
