package aggregator

import "golang.org/x/exp/slices"

// refCounts tracks how many open connections registered each logical id.
// Every conns entry names an id present in refs, and refs counts are > 0.
type refCounts[ID ~uint32 | ~uint64] struct {
	refs  map[ID]int
	conns map[ConnID]ID
}

func newRefCounts[ID ~uint32 | ~uint64]() refCounts[ID] {
	return refCounts[ID]{
		refs:  make(map[ID]int),
		conns: make(map[ConnID]ID),
	}
}

// register binds conn to id. A connection already seen is a no-op.
func (r *refCounts[ID]) register(conn ConnID, id ID) bool {
	if _, ok := r.conns[conn]; ok {
		return false
	}
	r.conns[conn] = id
	r.refs[id]++
	return true
}

// drop releases conn. It reports the id conn was bound to.
func (r *refCounts[ID]) drop(conn ConnID) (ID, bool) {
	id, ok := r.conns[conn]
	if !ok {
		return id, false
	}
	delete(r.conns, conn)
	if r.refs[id]--; r.refs[id] <= 0 {
		delete(r.refs, id)
	}
	return id, true
}

func (r *refCounts[ID]) count(id ID) int { return r.refs[id] }
func (r *refCounts[ID]) len() int        { return len(r.refs) }

// ids returns the registered ids in ascending order.
func (r *refCounts[ID]) ids() []ID {
	out := make([]ID, 0, len(r.refs))
	for id := range r.refs {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (a *Aggregator) onConnect(conn ConnID) {
	a.log.Debug().Uint64("conn", uint64(conn)).Msg("peer connected")
}

// onDisconnect drops the connection's registration. Node registrations are
// checked before shard registrations.
func (a *Aggregator) onDisconnect(conn ConnID) {
	if node, ok := a.nodes.drop(conn); ok {
		a.log.Debug().
			Uint64("conn", uint64(conn)).
			Uint32("node", uint32(node)).
			Int("refs", a.nodes.count(node)).
			Msg("node disconnected")
		return
	}
	if shard, ok := a.shards.drop(conn); ok {
		a.log.Debug().
			Uint64("conn", uint64(conn)).
			Uint64("shard", uint64(shard)).
			Int("refs", a.shards.count(shard)).
			Msg("shard disconnected")
	}
}

func (a *Aggregator) registerNodeInterest(conn ConnID, node NodeID) {
	a.nodes.register(conn, node)
}

func (a *Aggregator) registerShardInterest(conn ConnID, shard ShardID) {
	if a.shards.register(conn, shard) {
		a.log.Debug().
			Uint64("conn", uint64(conn)).
			Uint64("shard", uint64(shard)).
			Msg("shard connected")
	}
}
