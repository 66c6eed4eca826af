// Package aggregator is the statistics aggregator coordinator. One event loop
// owns all state: peer interest, propagation of cached shard statistics to
// nodes and the resumable table scan pipeline that recomputes per-column
// sketches. Collaborators are called asynchronously and reply with events
// tagged by the round that issued them.
package aggregator

import (
	"context"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/unkn0wn-root/statsagg/internal/store"
)

// dispatcher is how handlers reach the world outside the loop: delayed
// self-events, immediate self-events and async collaborator calls whose
// result is posted back as an event.
type dispatcher interface {
	schedule(d time.Duration, ev any)
	send(ev any)
	spawn(fn func(ctx context.Context) any)
}

// Deps are the collaborators of the aggregator.
type Deps struct {
	Catalog     Catalog
	Distributor Distributor
	Reader      PartitionReader
	Table       StatisticsTable
	Outbox      Outbox
	Blobs       BlobSource
	Store       *store.Store
}

// state is everything the event loop owns.
type state struct {
	nodes     refCounts[NodeID]
	shards    refCounts[ShardID]
	requested map[ShardID]struct{}

	fast   fastState
	sweep  sweepState
	urgent urgentQueue

	tables scanTables
	ops    scanOps
	cursor scanCursor
	opSeq  uint64

	resolveRound      uint64
	distributionRound uint64
	traversalRound    uint64

	enableStats       bool
	enableColumn      bool
	provisioned       bool
	provisionInFlight bool
	pendingSave       bool
	pendingDelete     PathID

	keepAliveSeq uint64
}

type Aggregator struct {
	state

	cfg     Config
	log     zerolog.Logger
	catalog Catalog
	dist    Distributor
	reader  PartitionReader
	table   StatisticsTable
	out     Outbox
	blobs   BlobSource
	store   *store.Store

	d      dispatcher
	rng    *rand.Rand
	now    func() time.Time
	tx     *store.Txn
	events chan any
	done   chan struct{}
}

// New validates deps and builds an aggregator. Call Run to start it.
func New(cfg Config, deps Deps) (*Aggregator, error) {
	cfg.FillDefaults()
	switch {
	case deps.Catalog == nil:
		return nil, errors.New("aggregator: nil catalog")
	case deps.Distributor == nil:
		return nil, errors.New("aggregator: nil distributor")
	case deps.Reader == nil:
		return nil, errors.New("aggregator: nil partition reader")
	case deps.Table == nil:
		return nil, errors.New("aggregator: nil statistics table")
	case deps.Outbox == nil:
		return nil, errors.New("aggregator: nil outbox")
	case deps.Blobs == nil:
		return nil, errors.New("aggregator: nil blob source")
	case deps.Store == nil:
		return nil, errors.New("aggregator: nil store")
	}

	a := &Aggregator{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "aggregator").Logger(),
		catalog: deps.Catalog,
		dist:    deps.Distributor,
		reader:  deps.Reader,
		table:   deps.Table,
		out:     deps.Outbox,
		blobs:   deps.Blobs,
		store:   deps.Store,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		now:     time.Now,
		events:  make(chan any, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	a.nodes = newRefCounts[NodeID]()
	a.shards = newRefCounts[ShardID]()
	a.requested = make(map[ShardID]struct{})
	a.fast = newFastState(cfg.FastNodesBudget)
	a.tables = newScanTables()
	a.ops = newScanOps()
	a.enableStats = *cfg.EnableStatistics
	a.enableColumn = *cfg.EnableColumnStatistics
	return a, nil
}

// Run restores persisted state and processes events until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	defer close(a.done)

	pool, err := ants.NewPool(a.cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return errors.Wrap(err, "create worker pool")
	}
	defer pool.Release()

	a.d = &loopDispatcher{a: a, ctx: ctx, pool: pool, timeout: a.cfg.RequestTimeout, resubmit: resubmitDelay}
	if err := a.boot(); err != nil {
		return err
	}
	a.log.Info().
		Int("scan_tables", a.tables.size()).
		Int("scan_operations", a.ops.len()).
		Bool("resuming_scan", a.cursor.active()).
		Msg("aggregator started")

	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("aggregator stopped")
			return nil
		case ev := <-a.events:
			a.dispatch(ev)
		}
	}
}

// boot restores durable state and arms the periodic timers.
func (a *Aggregator) boot() error {
	if err := a.restore(); err != nil {
		return err
	}
	a.start()
	a.commit()
	return nil
}

func (a *Aggregator) start() {
	if a.enableColumn && !a.provisioned {
		a.provision()
	}
	a.d.schedule(a.cfg.PropagateInterval, evPropagate{})
	a.d.schedule(a.cfg.ScheduleScanInterval, evScheduleScan{})
	if a.cursor.active() {
		a.log.Info().Stringer("path", a.cursor.path).Msg("resuming scan")
		a.navigate()
	}
}

// dispatch handles one event and commits its durable effects.
func (a *Aggregator) dispatch(ev any) {
	a.handle(ev)
	a.commit()
}

func (a *Aggregator) handle(ev any) {
	switch e := ev.(type) {
	case evConnect:
		a.onConnect(e.conn)
	case evDisconnect:
		a.onDisconnect(e.conn)
	case evInbound:
		a.handleInbound(e.conn, e.msg)
	case evPropagate:
		a.onPropagate()
	case evFastCheck:
		a.onFastCheck()
	case evPropagateTimeout:
		a.onPropagateTimeout(e.epoch)
	case evProcessUrgent:
		a.onProcessUrgent()
	case evScheduleScan:
		a.onScheduleScan()
	case evNavigateResult:
		a.onNavigateResult(e)
	case evNavigateRetry:
		a.onNavigateRetry(e.round)
	case evResolveResult:
		a.onResolveResult(e)
	case evResolveRetry:
		a.onResolveRetry(e.round)
	case evRequestDistribution:
		a.onRequestDistribution(e.round)
	case evDistributionResult:
		a.onDistributionResult(e)
	case evPartitionStats:
		a.onPartitionStats(e)
	case evSaveResult:
		a.onSaveResult(e)
	case evDeleteResult:
		a.onDeleteResult(e)
	case evProvisioned:
		a.onProvisioned(e.err)
	case evProvisionRetry:
		a.provision()
	case evAckTimeout:
		a.onAckTimeout(e.seq)
	case evFeatureFlags:
		a.onFeatureFlags(e)
	case evSnapshot:
		e.reply <- a.snapshot()
	case evScanStatus:
		e.reply <- a.scanStatus(e.path)
	default:
		a.log.Warn().Type("event", ev).Msg("unknown event")
	}
}

func (a *Aggregator) handleInbound(conn ConnID, msg any) {
	switch m := msg.(type) {
	case *MsgConnectNode:
		a.onConnectNode(conn, m)
	case *MsgRequestStats:
		a.onRequestStats(m)
	case *MsgConnectShard:
		a.registerShardInterest(conn, m.Shard)
	case *MsgShardStats:
		a.onShardTables(m.Shard, m.Tables)
	case *MsgPropagateStatisticsResp:
		a.onPropagateAck()
	case *MsgAnalyze:
		a.analyze(conn, m)
	case *MsgAnalyzeStatus:
		a.reply(conn, &MsgAnalyzeStatusResp{
			Base:   Base{T: MTAnalyzeStatusResp, ID: m.ID},
			Path:   m.Path,
			Status: a.scanStatus(m.Path),
		})
	case *MsgKeepAlive:
		a.onKeepAlive(conn, m)
	default:
		a.log.Warn().Type("msg", msg).Uint64("conn", uint64(conn)).Msg("unexpected inbound message")
	}
}

func (a *Aggregator) onConnectNode(conn ConnID, m *MsgConnectNode) {
	a.log.Debug().
		Uint64("conn", uint64(conn)).
		Uint32("node", uint32(m.Node)).
		Int("have", len(m.Have)).
		Int("need", len(m.Need)).
		Msg("connect node")

	a.registerNodeInterest(conn, m.Node)
	for _, h := range m.Have {
		a.requested[h.Shard] = struct{}{}
	}
	if !a.enableStats {
		a.sendDisabled(m.Node)
		return
	}
	if len(m.Need) == 0 {
		return
	}
	for _, s := range m.Need {
		a.requested[s] = struct{}{}
	}
	a.processRequest(m.Node, m.Need)
}

func (a *Aggregator) onRequestStats(m *MsgRequestStats) {
	a.log.Debug().
		Uint32("node", uint32(m.Node)).
		Int("need", len(m.Need)).
		Bool("urgent", m.Urgent).
		Msg("request stats")

	if !a.enableStats {
		a.sendDisabled(m.Node)
		return
	}
	for _, s := range m.Need {
		a.requested[s] = struct{}{}
	}
	if m.Urgent {
		a.enqueueUrgent(urgentRequest{node: m.Node, shards: m.Need})
		return
	}
	a.processRequest(m.Node, m.Need)
}

func (a *Aggregator) sendDisabled(node NodeID) {
	if err := a.out.SendToNode(node, &MsgStatisticsIsDisabled{Base: Base{T: MTStatisticsIsDisabled}}); err != nil {
		a.log.Debug().Err(err).Uint32("node", uint32(node)).Msg("disabled notice not delivered")
	}
}

func (a *Aggregator) reply(conn ConnID, msg any) {
	if err := a.out.Reply(conn, msg); err != nil {
		a.log.Debug().Err(err).Uint64("conn", uint64(conn)).Msg("reply not delivered")
	}
}

func (a *Aggregator) onKeepAlive(conn ConnID, m *MsgKeepAlive) {
	a.reply(conn, &MsgKeepAliveAck{Base: Base{T: MTKeepAliveAck, ID: m.ID}, Round: m.Round})
	a.keepAliveSeq++
	a.d.schedule(a.cfg.KeepAliveTimeout, evAckTimeout{seq: a.keepAliveSeq})
}

func (a *Aggregator) onAckTimeout(seq uint64) {
	if seq != a.keepAliveSeq {
		return
	}
	a.log.Warn().Uint64("seq", seq).Dur("after", a.cfg.KeepAliveTimeout).Msg("no keep-alive from peer")
}

func (a *Aggregator) onFeatureFlags(e evFeatureFlags) {
	a.log.Info().Bool("statistics", e.statistics).Bool("column_statistics", e.column).Msg("feature flags changed")
	a.enableStats = e.statistics
	a.enableColumn = e.column
	if a.enableColumn && !a.provisioned {
		a.provision()
	}
}

// Public API. Every call posts an event; none touches state directly.

// Connected records a new inbound connection.
func (a *Aggregator) Connected(conn ConnID) { a.post(evConnect{conn: conn}) }

// Disconnected drops every registration made through conn.
func (a *Aggregator) Disconnected(conn ConnID) { a.post(evDisconnect{conn: conn}) }

// Deliver hands a decoded peer message to the loop.
func (a *Aggregator) Deliver(conn ConnID, msg any) { a.post(evInbound{conn: conn, msg: msg}) }

// SetFeatureFlags switches statistics delivery and column statistics at runtime.
func (a *Aggregator) SetFeatureFlags(statistics, column bool) {
	a.post(evFeatureFlags{statistics: statistics, column: column})
}

// Snapshot returns a read-only dump of the loop state.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := a.postCtx(ctx, evSnapshot{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-a.done:
		return Snapshot{}, ErrClosed
	}
}

// ScanStatus reports whether path is being scanned, queued, or neither.
func (a *Aggregator) ScanStatus(ctx context.Context, path PathID) (AnalyzeStatus, error) {
	reply := make(chan AnalyzeStatus, 1)
	if err := a.postCtx(ctx, evScanStatus{path: path, reply: reply}); err != nil {
		return StatusNoOperation, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return StatusNoOperation, ctx.Err()
	case <-a.done:
		return StatusNoOperation, ErrClosed
	}
}

func (a *Aggregator) post(ev any) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *Aggregator) postCtx(ctx context.Context, ev any) error {
	select {
	case a.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrClosed
	}
}

// resubmitDelay is how long a call waits for a free worker before the next
// submission attempt.
const resubmitDelay = 20 * time.Millisecond

// loopDispatcher runs timers with time.AfterFunc and collaborator calls on a
// bounded worker pool. The pool never blocks the loop: a call that finds every
// worker busy is submitted again from a timer.
type loopDispatcher struct {
	a        *Aggregator
	ctx      context.Context
	pool     *ants.Pool
	timeout  time.Duration
	resubmit time.Duration
}

func (d *loopDispatcher) schedule(delay time.Duration, ev any) {
	time.AfterFunc(delay, func() { d.a.post(ev) })
}

func (d *loopDispatcher) send(ev any) {
	go d.a.post(ev)
}

func (d *loopDispatcher) spawn(fn func(ctx context.Context) any) {
	err := d.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
		defer cancel()
		if ev := fn(ctx); ev != nil {
			d.a.post(ev)
		}
	})
	switch {
	case err == nil:
	case errors.Is(err, ants.ErrPoolOverload):
		if d.ctx.Err() != nil {
			return
		}
		time.AfterFunc(d.resubmit, func() { d.spawn(fn) })
	default:
		d.a.log.Error().Err(err).Msg("async call not submitted")
	}
}
