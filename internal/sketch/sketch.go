package sketch

import (
	"errors"

	"github.com/cespare/xxhash/v2"
	cbor "github.com/fxamacker/cbor/v2"
)

const (
	DefaultWidth = 256
	DefaultDepth = 8
)

var (
	ErrShapeMismatch = errors.New("sketch shape mismatch")
	ErrBadShape      = errors.New("sketch counters do not match width*depth")
)

// CountMin is a Count-Min sketch whose row positions are derived from a single
// xxhash digest (double hashing), so two sketches of the same shape built on
// different processes are mergeable cell by cell.
type CountMin struct {
	width int
	depth int
	total uint64
	cells []uint32 // depth rows of width counters, row-major
}

type wireCountMin struct {
	W int      `cbor:"w"`
	D int      `cbor:"d"`
	N uint64   `cbor:"n"`
	C []uint32 `cbor:"c"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	dm, _ := (cbor.DecOptions{}).DecMode()
	encMode, decMode = em, dm
}

// New constructs an empty sketch. Non-positive dimensions fall back to the
// defaults.
func New(width, depth int) *CountMin {
	if width <= 0 {
		width = DefaultWidth
	}
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &CountMin{
		width: width,
		depth: depth,
		cells: make([]uint32, width*depth),
	}
}

func (c *CountMin) Width() int    { return c.width }
func (c *CountMin) Depth() int    { return c.depth }
func (c *CountMin) Total() uint64 { return c.total }
func (c *CountMin) Empty() bool   { return c.total == 0 }

// index returns the cell for key in row i: h1 + i*h2 over the two halves of
// the 64-bit digest.
func (c *CountMin) index(h uint64, row int) int {
	h1 := uint32(h)
	h2 := uint32(h >> 32)
	pos := (uint64(h1) + uint64(row)*uint64(h2|1)) % uint64(c.width)
	return row*c.width + int(pos)
}

// Add increments counters for key across all rows.
func (c *CountMin) Add(key []byte, n uint32) {
	h := xxhash.Sum64(key)
	for i := 0; i < c.depth; i++ {
		idx := c.index(h, i)
		c.cells[idx] = addSat32(c.cells[idx], n)
	}
	c.total += uint64(n)
}

// Estimate returns the upper-bound frequency estimate for key.
func (c *CountMin) Estimate(key []byte) uint32 {
	h := xxhash.Sum64(key)
	est := ^uint32(0)
	for i := 0; i < c.depth; i++ {
		if v := c.cells[c.index(h, i)]; v < est {
			est = v
		}
	}
	return est
}

// Merge folds o into c. Both sketches must share width and depth.
func (c *CountMin) Merge(o *CountMin) error {
	if o == nil {
		return nil
	}
	if c.width != o.width || c.depth != o.depth {
		return ErrShapeMismatch
	}
	for i, v := range o.cells {
		c.cells[i] = addSat32(c.cells[i], v)
	}
	c.total += o.total
	return nil
}

// MarshalBinary encodes the sketch as canonical CBOR.
func (c *CountMin) MarshalBinary() ([]byte, error) {
	return encMode.Marshal(wireCountMin{W: c.width, D: c.depth, N: c.total, C: c.cells})
}

// UnmarshalBinary replaces c with the decoded sketch.
func (c *CountMin) UnmarshalBinary(b []byte) error {
	var w wireCountMin
	if err := decMode.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.W <= 0 || w.D <= 0 || len(w.C) != w.W*w.D {
		return ErrBadShape
	}
	c.width, c.depth, c.total, c.cells = w.W, w.D, w.N, w.C
	return nil
}

// Decode is a convenience wrapper around UnmarshalBinary.
func Decode(b []byte) (*CountMin, error) {
	c := &CountMin{}
	if err := c.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return c, nil
}

func addSat32(a, b uint32) uint32 {
	s := a + b
	if s < a {
		return ^uint32(0)
	}
	return s
}
