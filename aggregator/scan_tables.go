package aggregator

import (
	"container/heap"
	"container/list"

	"golang.org/x/exp/slices"
)

// scanTable is the scan bookkeeping of one table. lastUpdate is unix micros of
// the start of the last finished scan; zero means never scanned.
type scanTable struct {
	path       PathID
	isColumn   bool
	lastUpdate int64
	heapIdx    int // position in scanTables.order, -1 when the slot is free
}

// scanTables keeps table records in an arena with a min-heap by lastUpdate and
// indices by path and by owning shard. The heap stores arena slots.
type scanTables struct {
	arena   []scanTable
	free    []int
	order   []int
	byPath  map[PathID]int
	byShard map[ShardID]map[PathID]struct{}
}

func newScanTables() scanTables {
	return scanTables{
		byPath:  make(map[PathID]int),
		byShard: make(map[ShardID]map[PathID]struct{}),
	}
}

func (t *scanTables) Len() int { return len(t.order) }

func (t *scanTables) Less(i, j int) bool {
	return staler(&t.arena[t.order[i]], &t.arena[t.order[j]])
}

func staler(a, b *scanTable) bool {
	if a.lastUpdate != b.lastUpdate {
		return a.lastUpdate < b.lastUpdate
	}
	return a.path.less(b.path)
}

func (t *scanTables) Swap(i, j int) {
	t.order[i], t.order[j] = t.order[j], t.order[i]
	t.arena[t.order[i]].heapIdx = i
	t.arena[t.order[j]].heapIdx = j
}

func (t *scanTables) Push(x any) {
	slot := x.(int)
	t.arena[slot].heapIdx = len(t.order)
	t.order = append(t.order, slot)
}

func (t *scanTables) Pop() any {
	n := len(t.order)
	slot := t.order[n-1]
	t.order = t.order[:n-1]
	t.arena[slot].heapIdx = -1
	return slot
}

func (t *scanTables) size() int { return len(t.byPath) }

// get returns a copy of the record for path.
func (t *scanTables) get(path PathID) (scanTable, bool) {
	slot, ok := t.byPath[path]
	if !ok {
		return scanTable{}, false
	}
	return t.arena[slot], true
}

// upsert inserts a new record or updates the column flag of an existing one.
// It reports whether anything changed.
func (t *scanTables) upsert(path PathID, isColumn bool, lastUpdate int64) bool {
	if slot, ok := t.byPath[path]; ok {
		if t.arena[slot].isColumn == isColumn {
			return false
		}
		t.arena[slot].isColumn = isColumn
		return true
	}

	rec := scanTable{path: path, isColumn: isColumn, lastUpdate: lastUpdate, heapIdx: -1}
	var slot int
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
		t.arena[slot] = rec
	} else {
		slot = len(t.arena)
		t.arena = append(t.arena, rec)
	}
	t.byPath[path] = slot
	shard := path.Shard()
	if t.byShard[shard] == nil {
		t.byShard[shard] = make(map[PathID]struct{})
	}
	t.byShard[shard][path] = struct{}{}
	heap.Push(t, slot)
	return true
}

func (t *scanTables) remove(path PathID) bool {
	slot, ok := t.byPath[path]
	if !ok {
		return false
	}
	heap.Remove(t, t.arena[slot].heapIdx)
	delete(t.byPath, path)
	shard := path.Shard()
	if paths := t.byShard[shard]; paths != nil {
		delete(paths, path)
		if len(paths) == 0 {
			delete(t.byShard, shard)
		}
	}
	t.arena[slot] = scanTable{heapIdx: -1}
	t.free = append(t.free, slot)
	return true
}

func (t *scanTables) setLastUpdate(path PathID, lastUpdate int64) bool {
	slot, ok := t.byPath[path]
	if !ok {
		return false
	}
	t.arena[slot].lastUpdate = lastUpdate
	heap.Fix(t, t.arena[slot].heapIdx)
	return true
}

// top returns the stalest table.
func (t *scanTables) top() (scanTable, bool) {
	if len(t.order) == 0 {
		return scanTable{}, false
	}
	return t.arena[t.order[0]], true
}

// ownedBy returns the tables of a shard in path order.
func (t *scanTables) ownedBy(shard ShardID) []PathID {
	paths := t.byShard[shard]
	out := make([]PathID, 0, len(paths))
	for p := range paths {
		out = append(out, p)
	}
	slices.SortFunc(out, comparePaths)
	return out
}

// stalest returns up to n records in staleness order without disturbing the
// heap.
func (t *scanTables) stalest(n int) []scanTable {
	out := make([]scanTable, 0, len(t.order))
	for _, slot := range t.order {
		out = append(out, t.arena[slot])
	}
	slices.SortFunc(out, func(a, b scanTable) int {
		switch {
		case staler(&a, &b):
			return -1
		case staler(&b, &a):
			return 1
		}
		return 0
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// scanOp is a queued explicit analyze request.
type scanOp struct {
	seq     uint64
	id      string
	path    PathID
	replyTo []ConnID
}

// scanOps is a FIFO of operations with an index by path.
type scanOps struct {
	fifo   *list.List
	byPath map[PathID]*list.Element
}

func newScanOps() scanOps {
	return scanOps{fifo: list.New(), byPath: make(map[PathID]*list.Element)}
}

func (q *scanOps) len() int { return q.fifo.Len() }

func (q *scanOps) push(op *scanOp) {
	q.byPath[op.path] = q.fifo.PushBack(op)
}

func (q *scanOps) get(path PathID) *scanOp {
	if e, ok := q.byPath[path]; ok {
		return e.Value.(*scanOp)
	}
	return nil
}

func (q *scanOps) popFront() *scanOp {
	e := q.fifo.Front()
	if e == nil {
		return nil
	}
	op := q.fifo.Remove(e).(*scanOp)
	if q.byPath[op.path] == e {
		delete(q.byPath, op.path)
	}
	return op
}

func (q *scanOps) each(fn func(op *scanOp) bool) {
	for e := q.fifo.Front(); e != nil; e = e.Next() {
		if !fn(e.Value.(*scanOp)) {
			return
		}
	}
}
