package aggregator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRefCountsIdempotentRegister(t *testing.T) {
	r := newRefCounts[NodeID]()

	require.True(t, r.register(1, 7))
	for i := 0; i < 5; i++ {
		require.False(t, r.register(1, 7))
	}
	require.Equal(t, 1, r.count(7))

	require.True(t, r.register(2, 7))
	require.True(t, r.register(3, 8))
	require.Equal(t, 2, r.count(7))
	require.Equal(t, []NodeID{7, 8}, r.ids())

	id, ok := r.drop(1)
	require.True(t, ok)
	require.Equal(t, NodeID(7), id)
	require.Equal(t, 1, r.count(7))

	_, ok = r.drop(1)
	require.False(t, ok, "second drop of the same connection")
	_, ok = r.drop(42)
	require.False(t, ok, "unknown connection")

	r.drop(2)
	r.drop(3)
	require.Zero(t, r.len())
	require.Empty(t, r.conns)
}

func TestDisconnectReleasesNodeBeforeShard(t *testing.T) {
	h := newHarness(t)
	h.boot()

	connectNode(h, 1, 100)
	connectNode(h, 2, 100)
	h.deliver(3, &MsgConnectShard{Base: Base{T: MTConnectShard}, Shard: 72})
	h.deliver(3, &MsgConnectShard{Base: Base{T: MTConnectShard}, Shard: 72})
	require.Equal(t, 2, h.a.nodes.count(100))
	require.Equal(t, 1, h.a.shards.count(72))

	h.fire(evDisconnect{conn: 1})
	require.Equal(t, 1, h.a.nodes.count(100))

	h.fire(evDisconnect{conn: 3})
	require.Zero(t, h.a.shards.len())
	require.Equal(t, 1, h.a.nodes.len())

	h.fire(evDisconnect{conn: 2})
	h.fire(evDisconnect{conn: 2})
	h.fire(evDisconnect{conn: 99})
	require.Zero(t, h.a.nodes.len())
}

func TestKeepAliveIsAcked(t *testing.T) {
	h := newHarness(t)
	h.boot()

	h.deliver(5, &MsgKeepAlive{Base: Base{T: MTKeepAlive, ID: 11}, Round: 3})
	h.deliver(5, &MsgKeepAlive{Base: Base{T: MTKeepAlive, ID: 12}, Round: 4})

	msgs := h.out.toConn(5)
	require.Len(t, msgs, 2)
	ack := msgs[1].(*MsgKeepAliveAck)
	require.Equal(t, uint64(12), ack.ID)
	require.Equal(t, uint64(4), ack.Round)

	timeouts := scheduledOf[evAckTimeout](h.d)
	require.Equal(t, []evAckTimeout{{seq: 1}, {seq: 2}}, timeouts)
	h.fire(evAckTimeout{seq: 1})
	h.fire(evAckTimeout{seq: 2})
}

func TestSnapshotReportsState(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.FastNodesBudget = 0 })
	h.boot()
	for n := NodeID(1); n <= 10; n++ {
		connectNode(h, ConnID(n), n, ShardID(n))
	}
	h.addTable(PathID{OwnerID: 72, LocalID: 1}, false)

	s := h.a.snapshot()
	require.Equal(t, 10, s.Nodes)
	require.Len(t, s.NodeIDs, snapshotNodes)
	require.Equal(t, NodeID(1), s.NodeIDs[0])
	require.Equal(t, 10, s.Requested)
	require.Len(t, s.RequestedShards, snapshotShards)
	require.Len(t, s.FastNodes, snapshotNodes)
	require.True(t, s.FastInFlight)
	require.Equal(t, 1, s.ScanTables)
	require.Equal(t, "72:1", s.StalestTables[0].Path)
	require.Nil(t, s.Scan)
	require.True(t, s.StatisticsEnabled)
}
