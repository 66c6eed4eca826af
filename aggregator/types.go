package aggregator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

type (
	NodeID   uint32
	ShardID  uint64
	TabletID uint64
	ConnID   uint64
)

func (t TabletID) String() string { return strconv.FormatUint(uint64(t), 10) }

// PathID names a table. The owner is the metadata shard the table belongs to.
type PathID struct {
	OwnerID uint64 `cbor:"o" json:"owner_id"`
	LocalID uint64 `cbor:"l" json:"local_id"`
}

func (p PathID) IsZero() bool   { return p.OwnerID == 0 && p.LocalID == 0 }
func (p PathID) Shard() ShardID { return ShardID(p.OwnerID) }
func (p PathID) String() string { return fmt.Sprintf("%d:%d", p.OwnerID, p.LocalID) }

func (p PathID) less(o PathID) bool {
	if p.OwnerID != o.OwnerID {
		return p.OwnerID < o.OwnerID
	}
	return p.LocalID < o.LocalID
}

func comparePaths(a, b PathID) int {
	switch {
	case a.less(b):
		return -1
	case b.less(a):
		return 1
	}
	return 0
}

// ParsePathID parses the "owner:local" form produced by String.
func ParsePathID(s string) (PathID, error) {
	owner, local, ok := strings.Cut(s, ":")
	if !ok {
		return PathID{}, errors.Newf("bad path id %q", s)
	}
	o, err := strconv.ParseUint(owner, 10, 64)
	if err != nil {
		return PathID{}, errors.Wrapf(err, "bad owner in %q", s)
	}
	l, err := strconv.ParseUint(local, 10, 64)
	if err != nil {
		return PathID{}, errors.Wrapf(err, "bad local id in %q", s)
	}
	return PathID{OwnerID: o, LocalID: l}, nil
}

// StatTypeCountMin tags saved blobs produced by the count-min accumulator.
const StatTypeCountMin uint32 = 2

type Column struct {
	Tag  uint32 `cbor:"tag"`
	Name string `cbor:"n"`
	Type uint16 `cbor:"ty"`
}

// TableSchema is what navigation learns about a table.
type TableSchema struct {
	IsColumnTable  bool       `cbor:"col"`
	KeyColumnTypes []uint16   `cbor:"kt"`
	Columns        []Column   `cbor:"cs"`
	Tablets        []TabletID `cbor:"tb"` // column tables only
}

// Partition is one unit of table data held by a tablet. EndKey is exclusive;
// nil means +inf.
type Partition struct {
	Tablet TabletID `cbor:"tb"`
	Addr   string   `cbor:"a"`
	EndKey []byte   `cbor:"ek"`
}

type ColumnStats struct {
	Tag    uint32 `cbor:"tag"`
	Sketch []byte `cbor:"sk"`
}

// PartitionStats is one page of a partition read.
type PartitionStats struct {
	Columns   []ColumnStats `cbor:"cs"`
	NextKey   []byte        `cbor:"nk"`
	Exhausted bool          `cbor:"ex"`
}

// Catalog resolves table metadata and key ranges.
type Catalog interface {
	Navigate(ctx context.Context, path PathID) (TableSchema, error)
	Resolve(ctx context.Context, path PathID, startKey []byte, keyColumnTypes []uint16) ([]Partition, error)
}

// Distributor is the tablet-distribution authority consulted for column
// tables.
type Distributor interface {
	AuthorityID() TabletID
	RequestDistribution(ctx context.Context, tablets []TabletID) ([]Partition, error)
}

// PartitionReader reads one page of per-column sketches from a partition.
type PartitionReader interface {
	ReadStatistics(ctx context.Context, p Partition, path PathID, startKey []byte) (PartitionStats, error)
}

// StatisticsTable is where finished per-column statistics are saved.
type StatisticsTable interface {
	Provision(ctx context.Context) error
	SaveStatistics(ctx context.Context, owner, local uint64, statType uint32, tags []uint32, data [][]byte) error
	DeleteStatistics(ctx context.Context, owner, local uint64) error
}

// Outbox delivers messages to nodes by id and to connections by id.
type Outbox interface {
	SendToNode(node NodeID, msg any) error
	Reply(conn ConnID, msg any) error
}

// BlobSource is the read side of the shard statistics cache.
type BlobSource interface {
	Get(shard ShardID) ([]byte, bool)
}
