package aggregator

import (
	"github.com/cockroachdb/errors"
	cbor "github.com/fxamacker/cbor/v2"
)

// CBOR-based wire protocol: frames carry a CBOR-encoded Base{T,ID} header
// followed by message-specific fields. ID correlates requests and responses;
// one-way messages leave it zero.

type MsgType uint8

const (
	MTHello MsgType = iota + 1
	MTHelloResp

	// node and shard peers → aggregator
	MTConnectNode
	MTRequestStats
	MTConnectShard
	MTShardStats
	MTPropagateStatisticsResp
	MTAnalyze
	MTAnalyzeStatus
	MTKeepAlive

	// aggregator → peers
	MTPropagateStatistics
	MTStatisticsIsDisabled
	MTAnalyzeResp
	MTAnalyzeStatusResp
	MTKeepAliveAck

	// aggregator → collaborators
	MTNavigate           MsgType = 100
	MTNavigateResp       MsgType = 101
	MTResolve            MsgType = 102
	MTResolveResp        MsgType = 103
	MTDistribution       MsgType = 104
	MTDistributionResp   MsgType = 105
	MTReadStatistics     MsgType = 106
	MTReadStatisticsResp MsgType = 107
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	dm, _ := (cbor.DecOptions{}).DecMode()
	cborEnc, cborDec = em, dm
}

type Base struct {
	T  MsgType `cbor:"t"`
	ID uint64  `cbor:"id"`
}

type MsgHello struct {
	Base
	From  string `cbor:"f"`
	Token string `cbor:"tok"`
}
type MsgHelloResp struct {
	Base
	OK  bool   `cbor:"ok"`
	Err string `cbor:"err,omitempty"`
}

// HaveShard is a shard whose statistics a node already holds.
type HaveShard struct {
	Shard     ShardID `cbor:"ss"`
	Timestamp uint64  `cbor:"ts"`
}

type MsgConnectNode struct {
	Base
	Node NodeID      `cbor:"n"`
	Have []HaveShard `cbor:"have,omitempty"`
	Need []ShardID   `cbor:"need,omitempty"`
}

type MsgRequestStats struct {
	Base
	Node   NodeID    `cbor:"n"`
	Need   []ShardID `cbor:"need,omitempty"`
	Urgent bool      `cbor:"u"`
}

type MsgConnectShard struct {
	Base
	Shard ShardID `cbor:"ss"`
}

// TableEntry is a table owned by a reporting shard.
type TableEntry struct {
	Path     PathID `cbor:"p"`
	IsColumn bool   `cbor:"col"`
}

// MsgShardStats carries a shard's serialized statistics and the list of
// tables it owns.
type MsgShardStats struct {
	Base
	Shard   ShardID      `cbor:"ss"`
	Version uint64       `cbor:"ver"`
	Stats   []byte       `cbor:"st"`
	Tables  []TableEntry `cbor:"tbl,omitempty"`
}

type StatsEntry struct {
	Shard ShardID `cbor:"ss"`
	Stats []byte  `cbor:"st"`
}

// MsgPropagateStatistics goes to a leading node which fans it out to Nodes.
type MsgPropagateStatistics struct {
	Base
	Nodes   []NodeID     `cbor:"nodes,omitempty"`
	Entries []StatsEntry `cbor:"e"`
}

type MsgPropagateStatisticsResp struct {
	Base
}

type MsgStatisticsIsDisabled struct {
	Base
}

type MsgAnalyze struct {
	Base
	OperationID string `cbor:"op,omitempty"`
	Path        PathID `cbor:"p"`
}

type MsgAnalyzeResp struct {
	Base
	OperationID string `cbor:"op"`
	Path        PathID `cbor:"p"`
}

type AnalyzeStatus uint8

const (
	StatusNoOperation AnalyzeStatus = iota
	StatusEnqueued
	StatusInProgress
)

func (s AnalyzeStatus) String() string {
	switch s {
	case StatusEnqueued:
		return "enqueued"
	case StatusInProgress:
		return "in_progress"
	default:
		return "no_operation"
	}
}

type MsgAnalyzeStatus struct {
	Base
	Path PathID `cbor:"p"`
}

type MsgAnalyzeStatusResp struct {
	Base
	Path   PathID        `cbor:"p"`
	Status AnalyzeStatus `cbor:"s"`
}

type MsgKeepAlive struct {
	Base
	Round uint64 `cbor:"r"`
}

type MsgKeepAliveAck struct {
	Base
	Round uint64 `cbor:"r"`
}

type MsgNavigate struct {
	Base
	Path PathID `cbor:"p"`
}
type MsgNavigateResp struct {
	Base
	Found  bool        `cbor:"f"`
	Schema TableSchema `cbor:"sc"`
	Err    string      `cbor:"err,omitempty"`
}

type MsgResolve struct {
	Base
	Path           PathID   `cbor:"p"`
	StartKey       []byte   `cbor:"sk"`
	KeyColumnTypes []uint16 `cbor:"kt"`
}
type MsgResolveResp struct {
	Base
	Found      bool        `cbor:"f"`
	Partitions []Partition `cbor:"ps"`
	Err        string      `cbor:"err,omitempty"`
}

type MsgDistribution struct {
	Base
	Tablets []TabletID `cbor:"tb"`
}
type MsgDistributionResp struct {
	Base
	Partitions []Partition `cbor:"ps"`
	Err        string      `cbor:"err,omitempty"`
}

type MsgReadStatistics struct {
	Base
	Tablet   TabletID `cbor:"tb"`
	Path     PathID   `cbor:"p"`
	StartKey []byte   `cbor:"sk"`
}
type MsgReadStatisticsResp struct {
	Base
	Stats PartitionStats `cbor:"st"`
	Err   string         `cbor:"err,omitempty"`
}

// decodeInbound decodes a frame sent by a node or shard peer.
func decodeInbound(buf []byte) (any, error) {
	var base Base
	if err := cborDec.Unmarshal(buf, &base); err != nil {
		return nil, errors.Wrap(err, "decode header")
	}
	var msg any
	switch base.T {
	case MTConnectNode:
		msg = &MsgConnectNode{}
	case MTRequestStats:
		msg = &MsgRequestStats{}
	case MTConnectShard:
		msg = &MsgConnectShard{}
	case MTShardStats:
		msg = &MsgShardStats{}
	case MTPropagateStatisticsResp:
		msg = &MsgPropagateStatisticsResp{}
	case MTAnalyze:
		msg = &MsgAnalyze{}
	case MTAnalyzeStatus:
		msg = &MsgAnalyzeStatus{}
	case MTKeepAlive:
		msg = &MsgKeepAlive{}
	default:
		return nil, errors.Wrapf(ErrBadPeer, "unexpected message type %d", base.T)
	}
	if err := cborDec.Unmarshal(buf, msg); err != nil {
		return nil, errors.Wrapf(err, "decode message type %d", base.T)
	}
	return msg, nil
}
