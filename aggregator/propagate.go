package aggregator

import (
	"math"

	"golang.org/x/exp/slices"
)

// fastState serves the first requesters of a fast-check window immediately
// and collects the rest for one batched flush.
type fastState struct {
	initial  int
	budget   int
	nodes    map[NodeID]struct{}
	shards   map[ShardID]struct{}
	inFlight bool // fast-check timer armed
}

func newFastState(budget int) fastState {
	return fastState{
		initial: budget,
		budget:  budget,
		nodes:   make(map[NodeID]struct{}),
		shards:  make(map[ShardID]struct{}),
	}
}

func (f *fastState) reset() {
	f.budget = f.initial
	f.inFlight = false
	clear(f.nodes)
	clear(f.shards)
}

// sweepState is the current periodic sweep. epoch identifies the sweep a
// timeout belongs to.
type sweepState struct {
	nodes    []NodeID
	shards   []ShardID
	cursor   int
	inFlight bool
	epoch    uint64
}

func (s *sweepState) clear() {
	s.nodes = nil
	s.shards = nil
	s.cursor = 0
	s.inFlight = false
}

// processRequest answers a node immediately while the fast budget lasts and
// defers it to the next fast-check flush afterwards.
func (a *Aggregator) processRequest(node NodeID, shards []ShardID) {
	if a.fast.budget > 0 {
		a.fast.budget--
		a.sendStatisticsToNode(node, shards)
	} else {
		a.fast.nodes[node] = struct{}{}
		for _, s := range shards {
			a.fast.shards[s] = struct{}{}
		}
	}
	if !a.fast.inFlight {
		a.d.schedule(a.cfg.FastCheckInterval, evFastCheck{})
		a.fast.inFlight = true
	}
}

func (a *Aggregator) onFastCheck() {
	a.log.Debug().
		Int("nodes", len(a.fast.nodes)).
		Int("shards", len(a.fast.shards)).
		Msg("fast propagate check")
	if a.enableStats {
		a.propagateFast()
	}
	a.fast.reset()
}

func (a *Aggregator) propagateFast() {
	if len(a.fast.nodes) == 0 || len(a.fast.shards) == 0 {
		return
	}
	nodes := a.shuffled(setKeys(a.fast.nodes))
	shards := setKeys(a.fast.shards)
	slices.Sort(shards)
	a.propagatePart(nodes, shards, 0, false)
}

func (a *Aggregator) onPropagate() {
	if a.enableStats {
		a.propagateStatistics()
	}
	a.d.schedule(a.cfg.PropagateInterval, evPropagate{})
}

// propagateStatistics starts a sweep over every known node and every shard
// ever requested.
func (a *Aggregator) propagateStatistics() {
	a.log.Debug().
		Int("nodes", a.nodes.len()).
		Int("shards", len(a.requested)).
		Msg("propagate statistics")
	if a.nodes.len() == 0 || len(a.requested) == 0 {
		return
	}
	if a.sweep.inFlight {
		a.log.Warn().Int("cursor", a.sweep.cursor).Int("shards", len(a.sweep.shards)).Msg("superseding unfinished sweep")
	}

	shards := setKeys(a.requested)
	slices.Sort(shards)

	a.sweep.epoch++
	a.d.schedule(a.cfg.PropagateTimeout, evPropagateTimeout{epoch: a.sweep.epoch})

	a.sweep.inFlight = true
	a.sweep.nodes = a.shuffled(a.nodes.ids())
	a.sweep.shards = shards
	a.sweep.cursor = a.propagatePart(a.sweep.nodes, a.sweep.shards, 0, true)
}

// onPropagateAck continues the sweep with the next batch or completes it.
func (a *Aggregator) onPropagateAck() {
	if !a.sweep.inFlight {
		return
	}
	if a.sweep.cursor < len(a.sweep.shards) {
		a.sweep.cursor = a.propagatePart(a.sweep.nodes, a.sweep.shards, a.sweep.cursor, true)
		return
	}
	a.log.Debug().Int("shards", len(a.sweep.shards)).Uint64("epoch", a.sweep.epoch).Msg("sweep complete")
	a.sweep.clear()
}

func (a *Aggregator) onPropagateTimeout(epoch uint64) {
	if !a.sweep.inFlight || epoch != a.sweep.epoch {
		return
	}
	a.log.Warn().
		Int("cursor", a.sweep.cursor).
		Int("shards", len(a.sweep.shards)).
		Uint64("epoch", epoch).
		Msg("sweep abandoned on timeout")
	a.sweep.clear()
}

func (a *Aggregator) sendStatisticsToNode(node NodeID, shards []ShardID) {
	a.log.Debug().Uint32("node", uint32(node)).Int("shards", len(shards)).Msg("send statistics to node")
	a.propagatePart([]NodeID{node}, shards, 0, false)
}

// propagatePart sends one batch to nodes[0] with nodes[1:] as its forward
// list, starting at shards[from]. Entries are appended until the serialized
// size reaches the limit. It returns the index of the first shard not sent.
func (a *Aggregator) propagatePart(nodes []NodeID, shards []ShardID, from int, useLimit bool) int {
	limit := math.MaxInt
	if useLimit {
		limit = a.cfg.StatsSizeLimitBytes
	}

	msg := &MsgPropagateStatistics{Base: Base{T: MTPropagateStatistics}}
	if len(nodes) > 1 {
		msg.Nodes = slices.Clone(nodes[1:])
	}

	idx := from
	for size := 0; idx < len(shards) && size < limit; idx++ {
		blob, _ := a.blobs.Get(shards[idx])
		if blob == nil {
			blob = []byte{}
		}
		msg.Entries = append(msg.Entries, StatsEntry{Shard: shards[idx], Stats: blob})
		size += len(blob)
	}

	if err := a.out.SendToNode(nodes[0], msg); err != nil {
		a.log.Debug().Err(err).Uint32("node", uint32(nodes[0])).Msg("statistics not delivered")
	}
	return idx
}

// shuffled sorts ids for a deterministic base order and shuffles them with
// the loop's seeded source.
func (a *Aggregator) shuffled(ids []NodeID) []NodeID {
	slices.Sort(ids)
	a.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	return ids
}

func setKeys[K comparable](m map[K]struct{}) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
