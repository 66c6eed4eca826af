package aggregator

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/statsagg/internal/sketch"
	"github.com/unkn0wn-root/statsagg/internal/statscache"
	"github.com/unkn0wn-root/statsagg/internal/store"
)

type timerEvent struct {
	delay time.Duration
	ev    any
}

// fakeDispatcher records what handlers ask for; tests decide when it happens.
type fakeDispatcher struct {
	scheduled []timerEvent
	sent      []any
	spawned   []func(context.Context) any
}

func (d *fakeDispatcher) schedule(delay time.Duration, ev any) {
	d.scheduled = append(d.scheduled, timerEvent{delay: delay, ev: ev})
}
func (d *fakeDispatcher) send(ev any)                            { d.sent = append(d.sent, ev) }
func (d *fakeDispatcher) spawn(fn func(ctx context.Context) any) { d.spawned = append(d.spawned, fn) }

func scheduledOf[T any](d *fakeDispatcher) []T {
	var out []T
	for _, te := range d.scheduled {
		if ev, ok := te.ev.(T); ok {
			out = append(out, ev)
		}
	}
	return out
}

func sentOf[T any](d *fakeDispatcher) []T {
	var out []T
	for _, ev := range d.sent {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

type outMsg struct {
	node NodeID
	conn ConnID
	msg  any
}

type fakeOutbox struct {
	msgs []outMsg
}

func (o *fakeOutbox) SendToNode(node NodeID, msg any) error {
	o.msgs = append(o.msgs, outMsg{node: node, msg: msg})
	return nil
}

func (o *fakeOutbox) Reply(conn ConnID, msg any) error {
	o.msgs = append(o.msgs, outMsg{conn: conn, msg: msg})
	return nil
}

func (o *fakeOutbox) reset() { o.msgs = nil }

func (o *fakeOutbox) propagations() []outMsg {
	var out []outMsg
	for _, m := range o.msgs {
		if _, ok := m.msg.(*MsgPropagateStatistics); ok {
			out = append(out, m)
		}
	}
	return out
}

func (o *fakeOutbox) toConn(conn ConnID) []any {
	var out []any
	for _, m := range o.msgs {
		if m.node == 0 && m.conn == conn {
			out = append(out, m.msg)
		}
	}
	return out
}

type fakeCatalog struct {
	schemas    map[PathID]TableSchema
	parts      map[PathID][]Partition
	navErr     error // returned once
	resolveErr error // returned once
	navigated  []PathID
	resolves   [][]byte
}

func (c *fakeCatalog) Navigate(_ context.Context, path PathID) (TableSchema, error) {
	c.navigated = append(c.navigated, path)
	if err := c.navErr; err != nil {
		c.navErr = nil
		return TableSchema{}, err
	}
	s, ok := c.schemas[path]
	if !ok {
		return TableSchema{}, ErrTableNotFound
	}
	return s, nil
}

func (c *fakeCatalog) Resolve(_ context.Context, path PathID, startKey []byte, _ []uint16) ([]Partition, error) {
	c.resolves = append(c.resolves, startKey)
	if err := c.resolveErr; err != nil {
		c.resolveErr = nil
		return nil, err
	}
	if _, ok := c.schemas[path]; !ok {
		return nil, ErrTableNotFound
	}
	var out []Partition
	for _, p := range c.parts[path] {
		if p.EndKey == nil || bytes.Compare(p.EndKey, startKey) > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeDistributor struct {
	authority TabletID
	parts     []Partition
	err       error // returned once
	calls     int
}

func (d *fakeDistributor) AuthorityID() TabletID { return d.authority }

func (d *fakeDistributor) RequestDistribution(_ context.Context, _ []TabletID) ([]Partition, error) {
	d.calls++
	if err := d.err; err != nil {
		d.err = nil
		return nil, err
	}
	return d.parts, nil
}

type readCall struct {
	tablet   TabletID
	startKey []byte
}

type fakeReader struct {
	pages map[TabletID][]PartitionStats
	fail  map[TabletID]error // returned once
	reads []readCall
}

func (r *fakeReader) ReadStatistics(_ context.Context, p Partition, _ PathID, startKey []byte) (PartitionStats, error) {
	r.reads = append(r.reads, readCall{tablet: p.Tablet, startKey: startKey})
	if err, ok := r.fail[p.Tablet]; ok {
		delete(r.fail, p.Tablet)
		return PartitionStats{}, err
	}
	pages := r.pages[p.Tablet]
	if len(pages) == 0 {
		return PartitionStats{Exhausted: true}, nil
	}
	r.pages[p.Tablet] = pages[1:]
	return pages[0], nil
}

// fakeTable delegates to the store and can refuse provisioning.
type fakeTable struct {
	st           *store.Store
	provisionErr error
	saves        int
}

func (t *fakeTable) Provision(ctx context.Context) error {
	if t.provisionErr != nil {
		return t.provisionErr
	}
	return t.st.Provision(ctx)
}

func (t *fakeTable) SaveStatistics(ctx context.Context, owner, local uint64, statType uint32, tags []uint32, data [][]byte) error {
	t.saves++
	return t.st.SaveStatistics(ctx, owner, local, statType, tags, data)
}

func (t *fakeTable) DeleteStatistics(ctx context.Context, owner, local uint64) error {
	return t.st.DeleteStatistics(ctx, owner, local)
}

type harness struct {
	t      *testing.T
	cfg    Config
	a      *Aggregator
	d      *fakeDispatcher
	out    *fakeOutbox
	cat    *fakeCatalog
	dist   *fakeDistributor
	reader *fakeReader
	table  *fakeTable
	blobs  *statscache.Cache[ShardID]
	fs     vfs.FS
	st     *store.Store
	clock  time.Time
}

func newHarness(t *testing.T, tune ...func(*Config)) *harness {
	t.Helper()
	cfg := Default()
	cfg.Seed = 1
	for _, fn := range tune {
		fn(&cfg)
	}
	h := &harness{
		t:      t,
		cfg:    cfg,
		out:    &fakeOutbox{},
		cat:    &fakeCatalog{schemas: map[PathID]TableSchema{}, parts: map[PathID][]Partition{}},
		dist:   &fakeDistributor{authority: 1000},
		reader: &fakeReader{pages: map[TabletID][]PartitionStats{}, fail: map[TabletID]error{}},
		blobs:  statscache.NewWithDefaults[ShardID](),
		fs:     vfs.NewMem(),
		clock:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.openStore()
	h.table = &fakeTable{st: h.st}
	h.build()
	t.Cleanup(func() { _ = h.st.Close() })
	return h
}

func (h *harness) openStore() {
	st, err := store.Open(store.Options{Dir: "agg", FS: h.fs, NoSync: true})
	require.NoError(h.t, err)
	h.st = st
}

func (h *harness) build() {
	a, err := New(h.cfg, Deps{
		Catalog:     h.cat,
		Distributor: h.dist,
		Reader:      h.reader,
		Table:       h.table,
		Outbox:      h.out,
		Blobs:       h.blobs,
		Store:       h.st,
	})
	require.NoError(h.t, err)
	h.d = &fakeDispatcher{}
	a.d = h.d
	a.now = func() time.Time { return h.clock }
	h.a = a
}

// restart drops the aggregator and its in-memory state and builds a new one
// over the same store files.
func (h *harness) restart() {
	require.NoError(h.t, h.st.Close())
	h.openStore()
	h.table.st = h.st
	h.build()
	h.boot()
}

func (h *harness) boot() {
	require.NoError(h.t, h.a.boot())
}

func (h *harness) fire(ev any) { h.a.dispatch(ev) }

func (h *harness) deliver(conn ConnID, msg any) { h.a.dispatch(evInbound{conn: conn, msg: msg}) }

// step runs the oldest pending async call and dispatches its result.
func (h *harness) step() bool {
	if len(h.d.spawned) == 0 {
		return false
	}
	fn := h.d.spawned[0]
	h.d.spawned = h.d.spawned[1:]
	if ev := fn(context.Background()); ev != nil {
		h.a.dispatch(ev)
	}
	return true
}

// drain runs async calls until none are pending.
func (h *harness) drain() {
	for i := 0; h.step(); i++ {
		require.Less(h.t, i, 1000, "async calls never settle")
	}
}

func (h *harness) addTable(path PathID, isColumn bool) {
	h.deliver(90, &MsgShardStats{
		Base:   Base{T: MTShardStats},
		Shard:  path.Shard(),
		Tables: append(h.ownedTables(path.Shard()), TableEntry{Path: path, IsColumn: isColumn}),
	})
}

func (h *harness) ownedTables(shard ShardID) []TableEntry {
	var out []TableEntry
	for _, p := range h.a.tables.ownedBy(shard) {
		t, _ := h.a.tables.get(p)
		out = append(out, TableEntry{Path: p, IsColumn: t.isColumn})
	}
	return out
}

func sketchOf(t *testing.T, keys ...string) []byte {
	t.Helper()
	sk := sketch.New(64, 4)
	for _, k := range keys {
		sk.Add([]byte(k), 1)
	}
	raw, err := sk.MarshalBinary()
	require.NoError(t, err)
	return raw
}
