package aggregator

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/unkn0wn-root/statsagg/internal/sketch"
)

// scanCursor is the only scan allowed to run. path, startTime, isColumn and
// startKey are persisted; everything else is rebuilt after a restart.
// startKey only moves at partition boundaries so a restart reads the
// interrupted partition again from its start.
type scanCursor struct {
	path      PathID
	startTime int64 // unix micros
	isColumn  bool
	startKey  []byte
	pageKey   []byte // next page inside the front partition, nil at its start

	partitions     []Partition
	keyColumnTypes []uint16
	columns        []Column
	columnNames    map[uint32]string
	tablets        []TabletID
	sketches       map[uint32]*sketch.CountMin

	operationID string
	replyTo     []ConnID
}

func (c *scanCursor) active() bool { return !c.path.IsZero() }

func (c *scanCursor) readKey() []byte {
	if c.pageKey != nil {
		return c.pageKey
	}
	return c.startKey
}

func (a *Aggregator) onScheduleScan() {
	a.d.schedule(a.cfg.ScheduleScanInterval, evScheduleScan{})
	a.scheduleNextScan()
}

// scheduleNextScan starts the next scan when idle. Queued operations always
// win over staleness; a stale table is only picked once it is older than
// ScanInterval.
func (a *Aggregator) scheduleNextScan() {
	if a.cursor.active() || a.pendingSave || !a.pendingDelete.IsZero() {
		return
	}

	if op := a.ops.popFront(); op != nil {
		a.deleteOp(op.seq)
		t, ok := a.tables.get(op.path)
		if !ok {
			a.log.Info().Str("operation", op.id).Stringer("path", op.path).Msg("analyze target is not a known table, dropped")
			return
		}
		a.startScan(op.path, t.isColumn, op.id, op.replyTo)
		return
	}

	top, ok := a.tables.top()
	if !ok {
		return
	}
	if a.now().UnixMicro() < top.lastUpdate+a.cfg.ScanInterval.Microseconds() {
		return
	}
	a.startScan(top.path, top.isColumn, "", nil)
}

func (a *Aggregator) startScan(path PathID, isColumn bool, opID string, replyTo []ConnID) {
	a.cursor = scanCursor{
		path:        path,
		startTime:   a.now().UnixMicro(),
		isColumn:    isColumn,
		operationID: opID,
		replyTo:     replyTo,
	}
	a.persistCurrentScan()
	a.persistStartKey()

	a.log.Info().
		Stringer("path", path).
		Bool("column_table", isColumn).
		Str("operation", opID).
		Msg("scan started")
	a.navigate()
}

func (a *Aggregator) navigate() {
	a.resolveRound++
	round, path := a.resolveRound, a.cursor.path
	a.d.spawn(func(ctx context.Context) any {
		schema, err := a.catalog.Navigate(ctx, path)
		return evNavigateResult{round: round, path: path, schema: schema, err: err}
	})
}

func (a *Aggregator) onNavigateResult(e evNavigateResult) {
	if e.round != a.resolveRound || e.path != a.cursor.path {
		a.log.Debug().Uint64("round", e.round).Uint64("current", a.resolveRound).Msg("stale navigate reply")
		return
	}
	if errors.Is(e.err, ErrTableNotFound) {
		a.dropMissingTable()
		return
	}
	if e.err != nil {
		a.log.Warn().Err(e.err).Stringer("path", e.path).Msg("navigate failed, retrying")
		a.d.schedule(a.cfg.RetryInterval, evNavigateRetry{round: a.resolveRound})
		return
	}

	c := &a.cursor
	if c.isColumn != e.schema.IsColumnTable {
		c.isColumn = e.schema.IsColumnTable
		a.persistCurrentScan()
	}
	c.keyColumnTypes = slices.Clone(e.schema.KeyColumnTypes)
	c.columns = slices.Clone(e.schema.Columns)
	c.columnNames = make(map[uint32]string, len(e.schema.Columns))
	for _, col := range e.schema.Columns {
		c.columnNames[col.Tag] = col.Name
	}
	c.tablets = slices.Clone(e.schema.Tablets)
	c.sketches = make(map[uint32]*sketch.CountMin)

	if c.isColumn {
		a.d.schedule(a.cfg.DistributionRetryInterval, evRequestDistribution{round: a.distributionRound})
		return
	}
	a.d.schedule(a.cfg.RetryInterval, evResolveRetry{round: a.resolveRound})
}

func (a *Aggregator) onNavigateRetry(round uint64) {
	if round != a.resolveRound || !a.cursor.active() {
		return
	}
	a.navigate()
}

// resolve asks for the partitions covering the key space not read yet.
func (a *Aggregator) resolve() {
	a.resolveRound++
	round, path := a.resolveRound, a.cursor.path
	key := slices.Clone(a.cursor.readKey())
	types := slices.Clone(a.cursor.keyColumnTypes)
	a.d.spawn(func(ctx context.Context) any {
		parts, err := a.catalog.Resolve(ctx, path, key, types)
		return evResolveResult{round: round, path: path, partitions: parts, err: err}
	})
}

func (a *Aggregator) onResolveResult(e evResolveResult) {
	if e.round != a.resolveRound || e.path != a.cursor.path {
		a.log.Debug().Uint64("round", e.round).Uint64("current", a.resolveRound).Msg("stale resolve reply")
		return
	}
	if errors.Is(e.err, ErrTableNotFound) {
		a.dropMissingTable()
		return
	}
	if e.err != nil {
		a.log.Warn().Err(e.err).Stringer("path", e.path).Msg("resolve failed, retrying")
		a.d.schedule(a.cfg.RetryInterval, evResolveRetry{round: a.resolveRound})
		return
	}
	a.cursor.partitions = e.partitions
	a.log.Debug().Stringer("path", e.path).Int("partitions", len(e.partitions)).Msg("resolved")
	a.nextRange()
}

func (a *Aggregator) onResolveRetry(round uint64) {
	if round != a.resolveRound || !a.cursor.active() {
		return
	}
	a.resolve()
}

func (a *Aggregator) requestDistribution() {
	a.distributionRound++
	round, path := a.distributionRound, a.cursor.path
	tablets := slices.Clone(a.cursor.tablets)
	a.d.spawn(func(ctx context.Context) any {
		parts, err := a.dist.RequestDistribution(ctx, tablets)
		return evDistributionResult{round: round, path: path, partitions: parts, err: err}
	})
}

func (a *Aggregator) onRequestDistribution(round uint64) {
	if round != a.distributionRound || !a.cursor.active() || !a.cursor.isColumn {
		return
	}
	a.requestDistribution()
}

func (a *Aggregator) onDistributionResult(e evDistributionResult) {
	if e.round != a.distributionRound || e.path != a.cursor.path {
		a.log.Debug().Uint64("round", e.round).Uint64("current", a.distributionRound).Msg("stale distribution reply")
		return
	}
	if e.err != nil {
		a.log.Warn().Err(e.err).Stringer("path", e.path).Msg("tablet distribution failed")
		a.onDeliveryProblem(deliveryTablet(e.err, a.dist.AuthorityID()))
		return
	}
	a.cursor.partitions = e.partitions
	a.nextRange()
}

// nextRange reads the next page of the front partition, or saves when no
// partitions remain.
func (a *Aggregator) nextRange() {
	if len(a.cursor.partitions) == 0 {
		a.saveStatistics()
		return
	}
	a.traversalRound++
	round, path := a.traversalRound, a.cursor.path
	p := a.cursor.partitions[0]
	key := slices.Clone(a.cursor.readKey())
	a.d.spawn(func(ctx context.Context) any {
		st, err := a.reader.ReadStatistics(ctx, p, path, key)
		return evPartitionStats{round: round, path: path, tablet: p.Tablet, stats: st, err: err}
	})
}

func (a *Aggregator) onPartitionStats(e evPartitionStats) {
	if e.round != a.traversalRound || e.path != a.cursor.path {
		a.log.Debug().Uint64("round", e.round).Uint64("current", a.traversalRound).Msg("stale partition reply")
		return
	}
	if e.err != nil {
		a.log.Warn().Err(e.err).Stringer("tablet", e.tablet).Msg("partition read failed")
		a.onDeliveryProblem(deliveryTablet(e.err, e.tablet))
		return
	}

	c := &a.cursor
	for _, col := range e.stats.Columns {
		sk, err := sketch.Decode(col.Sketch)
		if err != nil {
			a.log.Warn().Err(err).Uint32("tag", col.Tag).Msg("bad column sketch")
			continue
		}
		acc, ok := c.sketches[col.Tag]
		if !ok {
			c.sketches[col.Tag] = sk
			continue
		}
		if err := acc.Merge(sk); err != nil {
			a.log.Warn().Err(err).Uint32("tag", col.Tag).Msg("column sketch not merged")
		}
	}

	if !e.stats.Exhausted {
		c.pageKey = slices.Clone(e.stats.NextKey)
		a.nextRange()
		return
	}
	done := c.partitions[0]
	c.partitions = c.partitions[1:]
	c.startKey = slices.Clone(done.EndKey)
	c.pageKey = nil
	if c.isColumn {
		c.tablets = slices.DeleteFunc(c.tablets, func(id TabletID) bool { return id == done.Tablet })
	}
	a.persistStartKey()
	a.nextRange()
}

// onDeliveryProblem retries the step that talks to the failed tablet after a
// backoff. A failed distribution authority is asked again; a failed holder of
// the front partition triggers a new resolution (a new distribution for
// column tables). Anything else is ignored.
func (a *Aggregator) onDeliveryProblem(tablet TabletID) {
	if !a.cursor.active() {
		return
	}
	c := &a.cursor
	if c.isColumn && tablet == a.dist.AuthorityID() {
		a.d.schedule(a.cfg.DistributionRetryInterval, evRequestDistribution{round: a.distributionRound})
		return
	}
	if len(c.partitions) == 0 || c.partitions[0].Tablet != tablet {
		a.log.Warn().Stringer("tablet", tablet).Msg("delivery problem with unexpected tablet")
		return
	}
	if c.isColumn {
		a.d.schedule(a.cfg.DistributionRetryInterval, evRequestDistribution{round: a.distributionRound})
		return
	}
	a.d.schedule(a.cfg.RetryInterval, evResolveRetry{round: a.resolveRound})
}

func deliveryTablet(err error, fallback TabletID) TabletID {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Tablet
	}
	return fallback
}

// saveStatistics writes every non-empty accumulator of a named column.
func (a *Aggregator) saveStatistics() {
	if !a.provisioned {
		a.pendingSave = true
		a.log.Info().Stringer("path", a.cursor.path).Msg("statistics table not provisioned, save deferred")
		return
	}
	a.pendingSave = false

	c := &a.cursor
	tags := make([]uint32, 0, len(c.sketches))
	for tag, sk := range c.sketches {
		if _, named := c.columnNames[tag]; named && !sk.Empty() {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		a.finishScan()
		return
	}
	slices.Sort(tags)
	data := make([][]byte, 0, len(tags))
	for _, tag := range tags {
		raw, err := c.sketches[tag].MarshalBinary()
		if err != nil {
			a.log.Error().Err(err).Uint32("tag", tag).Msg("encode sketch")
			raw = nil
		}
		data = append(data, raw)
	}

	a.traversalRound++
	round, path := a.traversalRound, c.path
	a.d.spawn(func(ctx context.Context) any {
		err := a.table.SaveStatistics(ctx, path.OwnerID, path.LocalID, StatTypeCountMin, tags, data)
		return evSaveResult{round: round, path: path, err: err}
	})
}

func (a *Aggregator) onSaveResult(e evSaveResult) {
	if e.round != a.traversalRound || e.path != a.cursor.path {
		return
	}
	if e.err != nil {
		a.log.Error().Err(e.err).Stringer("path", e.path).Msg("save statistics failed")
	}
	a.finishScan()
}

func (a *Aggregator) finishScan() {
	c := &a.cursor
	if a.tables.setLastUpdate(c.path, c.startTime) {
		t, _ := a.tables.get(c.path)
		a.persistTable(t)
	}
	for _, conn := range c.replyTo {
		a.reply(conn, &MsgAnalyzeResp{
			Base:        Base{T: MTAnalyzeResp},
			OperationID: c.operationID,
			Path:        c.path,
		})
	}
	a.log.Info().
		Stringer("path", c.path).
		Str("operation", c.operationID).
		Int("columns", len(c.sketches)).
		Msg("scan finished")

	a.resetScan()
	a.scheduleNextScan()
}

// dropMissingTable aborts the scan of a table that no longer exists and
// forgets it.
func (a *Aggregator) dropMissingTable() {
	path := a.cursor.path
	a.log.Info().Stringer("path", path).Msg("scan target no longer exists")
	if a.tables.remove(path) {
		a.deleteTable(path)
	}
	a.resetScan()
	a.deleteStatistics(path)
}

func (a *Aggregator) deleteStatistics(path PathID) {
	if !a.provisioned {
		a.pendingDelete = path
		return
	}
	a.pendingDelete = PathID{}
	a.d.spawn(func(ctx context.Context) any {
		return evDeleteResult{path: path, err: a.table.DeleteStatistics(ctx, path.OwnerID, path.LocalID)}
	})
}

func (a *Aggregator) onDeleteResult(e evDeleteResult) {
	if e.err != nil {
		a.log.Error().Err(e.err).Stringer("path", e.path).Msg("delete statistics failed")
		return
	}
	a.log.Debug().Stringer("path", e.path).Msg("statistics deleted")
}

// resetScan clears every piece of active scan state and persists the empty
// cursor. Rounds are bumped so replies still in flight become stale.
func (a *Aggregator) resetScan() {
	a.cursor = scanCursor{}
	a.persistCurrentScan()
	a.persistStartKey()
	a.pendingSave = false
	a.resolveRound++
	a.distributionRound++
	a.traversalRound++
}

func (a *Aggregator) provision() {
	if a.provisionInFlight || a.provisioned {
		return
	}
	a.provisionInFlight = true
	a.d.spawn(func(ctx context.Context) any {
		return evProvisioned{err: a.table.Provision(ctx)}
	})
}

func (a *Aggregator) onProvisioned(err error) {
	a.provisionInFlight = false
	if err != nil {
		a.log.Warn().Err(err).Msg("statistics table provisioning failed, retrying")
		a.d.schedule(a.cfg.RetryInterval, evProvisionRetry{})
		return
	}
	a.provisioned = true
	a.log.Info().Msg("statistics table provisioned")
	if a.pendingSave {
		a.pendingSave = false
		a.saveStatistics()
	}
	if path := a.pendingDelete; !path.IsZero() {
		a.deleteStatistics(path)
	}
}

// analyze queues an explicit scan. A request for the table being scanned
// joins that scan; a request for a queued table joins the queued operation.
func (a *Aggregator) analyze(conn ConnID, m *MsgAnalyze) {
	if a.cursor.active() && a.cursor.path == m.Path {
		a.cursor.replyTo = appendConn(a.cursor.replyTo, conn)
		return
	}
	if op := a.ops.get(m.Path); op != nil {
		op.replyTo = appendConn(op.replyTo, conn)
		return
	}

	id := m.OperationID
	if id == "" {
		id = uuid.New().String()
	}
	a.opSeq++
	op := &scanOp{seq: a.opSeq, id: id, path: m.Path, replyTo: []ConnID{conn}}
	a.ops.push(op)
	a.persistOp(op)
	a.log.Info().Str("operation", id).Stringer("path", m.Path).Msg("analyze queued")

	a.scheduleNextScan()
}

func appendConn(conns []ConnID, conn ConnID) []ConnID {
	if slices.Contains(conns, conn) {
		return conns
	}
	return append(conns, conn)
}

func (a *Aggregator) scanStatus(path PathID) AnalyzeStatus {
	switch {
	case a.cursor.active() && a.cursor.path == path:
		return StatusInProgress
	case a.ops.get(path) != nil:
		return StatusEnqueued
	}
	return StatusNoOperation
}

// onShardTables reconciles the tables a shard reports owning with the scan
// bookkeeping. New tables start as never scanned.
func (a *Aggregator) onShardTables(shard ShardID, tables []TableEntry) {
	reported := make(map[PathID]bool, len(tables))
	for _, t := range tables {
		if t.Path.Shard() != shard {
			a.log.Warn().Uint64("shard", uint64(shard)).Stringer("path", t.Path).Msg("shard reported a foreign table")
			continue
		}
		reported[t.Path] = t.IsColumn
	}

	for _, path := range a.tables.ownedBy(shard) {
		if _, ok := reported[path]; ok {
			continue
		}
		a.tables.remove(path)
		a.deleteTable(path)
	}
	for path, isColumn := range reported {
		if a.tables.upsert(path, isColumn, 0) {
			t, _ := a.tables.get(path)
			a.persistTable(t)
		}
	}
}
