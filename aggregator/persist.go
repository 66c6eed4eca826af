package aggregator

import (
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/statsagg/internal/store"
)

// txn returns the write batch of the event being handled. dispatch commits it
// after the handler returns, so state changes and their durable effects land
// together.
func (a *Aggregator) txn() *store.Txn {
	if a.tx == nil {
		a.tx = a.store.Begin()
	}
	return a.tx
}

func (a *Aggregator) commit() {
	if a.tx == nil {
		return
	}
	tx := a.tx
	a.tx = nil
	if err := a.store.Commit(tx); err != nil {
		a.log.Error().Err(err).Int("ops", tx.Len()).Msg("commit failed")
	}
}

func (a *Aggregator) persistErr(what string, err error) {
	if err != nil {
		a.log.Error().Err(err).Str("what", what).Msg("persist failed")
	}
}

func (a *Aggregator) persistCurrentScan() {
	tx := a.txn()
	c := &a.cursor
	a.persistErr("scan owner", tx.SetSysUint(store.SysScanOwnerID, c.path.OwnerID))
	a.persistErr("scan local path", tx.SetSysUint(store.SysScanLocalPathID, c.path.LocalID))
	a.persistErr("scan start time", tx.SetSys(store.SysScanStartTime, strconv.FormatInt(c.startTime, 10)))
	a.persistErr("column table flag", tx.SetSys(store.SysIsColumnTable, strconv.FormatBool(c.isColumn)))
}

func (a *Aggregator) persistStartKey() {
	a.persistErr("start key", a.txn().SetSys(store.SysStartKey, string(a.cursor.startKey)))
}

func (a *Aggregator) persistTable(t scanTable) {
	a.persistErr("scan table", a.txn().PutScanTable(store.ScanTableRecord{
		OwnerID:    t.path.OwnerID,
		LocalID:    t.path.LocalID,
		IsColumn:   t.isColumn,
		LastUpdate: t.lastUpdate,
	}))
}

func (a *Aggregator) deleteTable(path PathID) {
	a.persistErr("scan table delete", a.txn().DeleteScanTable(path.OwnerID, path.LocalID))
}

func (a *Aggregator) persistOp(op *scanOp) {
	tx := a.txn()
	a.persistErr("scan operation", tx.PutScanOp(store.ScanOpRecord{
		Seq:         op.seq,
		OperationID: op.id,
		OwnerID:     op.path.OwnerID,
		LocalID:     op.path.LocalID,
	}))
	a.persistErr("operation seq", tx.SetSysUint(store.SysLastScanOperationSeq, a.opSeq))
}

func (a *Aggregator) deleteOp(seq uint64) {
	a.persistErr("scan operation delete", a.txn().DeleteScanOp(seq))
}

// restore loads system parameters, table bookkeeping and queued operations.
func (a *Aggregator) restore() error {
	params, err := a.store.SysParams()
	if err != nil {
		return errors.Wrap(err, "load system parameters")
	}
	var c scanCursor
	if c.path.OwnerID, err = parseUintParam(params, store.SysScanOwnerID); err != nil {
		return err
	}
	if c.path.LocalID, err = parseUintParam(params, store.SysScanLocalPathID); err != nil {
		return err
	}
	if v := params[store.SysScanStartTime]; v != "" {
		if c.startTime, err = strconv.ParseInt(v, 10, 64); err != nil {
			return errors.Wrap(err, "parse scan start time")
		}
	}
	if v := params[store.SysIsColumnTable]; v != "" {
		if c.isColumn, err = strconv.ParseBool(v); err != nil {
			return errors.Wrap(err, "parse column table flag")
		}
	}
	if v := params[store.SysStartKey]; v != "" {
		c.startKey = []byte(v)
	}
	if a.opSeq, err = parseUintParam(params, store.SysLastScanOperationSeq); err != nil {
		return err
	}
	if c.active() {
		a.cursor = c
	}

	tables, err := a.store.ScanTables()
	if err != nil {
		return errors.Wrap(err, "load scan tables")
	}
	for _, rec := range tables {
		a.tables.upsert(PathID{OwnerID: rec.OwnerID, LocalID: rec.LocalID}, rec.IsColumn, rec.LastUpdate)
	}

	ops, err := a.store.ScanOperations()
	if err != nil {
		return errors.Wrap(err, "load scan operations")
	}
	for _, rec := range ops {
		path := PathID{OwnerID: rec.OwnerID, LocalID: rec.LocalID}
		if a.ops.get(path) != nil {
			continue
		}
		a.ops.push(&scanOp{seq: rec.Seq, id: rec.OperationID, path: path})
		if rec.Seq > a.opSeq {
			a.opSeq = rec.Seq
		}
	}

	if a.provisioned, err = a.store.Provisioned(); err != nil {
		return errors.Wrap(err, "load provisioning marker")
	}
	return nil
}

func parseUintParam(params map[store.SysParam]string, id store.SysParam) (uint64, error) {
	v := params[id]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse system parameter %d", id)
	}
	return n, nil
}
