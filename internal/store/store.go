// Package store is the durable keyspace of the statistics aggregator: system
// parameters of the active scan, per-table scan bookkeeping, queued analyze
// operations and saved per-column statistics, all kept in one pebble database.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"strconv"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/cockroachdb/pebble/vfs"
	cbor "github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
)

// Key prefixes. Numeric ids are 8-byte big-endian so prefix scans come back in
// id order.
const (
	prefixSys       = "/sys/"        // /sys/{8 bytes param id}
	prefixScanTable = "/scan_table/" // /scan_table/{8 bytes owner}{8 bytes local}
	prefixScanOp    = "/scan_op/"    // /scan_op/{8 bytes seq}
	prefixStats     = "/stats/"      // /stats/{8 bytes owner}{8 bytes local}{4 bytes type}{4 bytes tag}
	keyStatsTable   = "/meta/stats_table"
)

// SysParam identifies one persisted system parameter.
type SysParam uint64

const (
	SysScanOwnerID SysParam = iota + 1
	SysScanLocalPathID
	SysScanStartTime
	SysIsColumnTable
	SysStartKey
	SysLastScanOperationSeq
)

var (
	ErrClosed   = errors.New("store closed")
	ErrNotFound = errors.New("not found")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	dm, _ := (cbor.DecOptions{}).DecMode()
	encMode, decMode = em, dm
}

// ScanTableRecord is the persisted per-table scan bookkeeping.
type ScanTableRecord struct {
	OwnerID    uint64 `cbor:"o"`
	LocalID    uint64 `cbor:"l"`
	IsColumn   bool   `cbor:"c"`
	LastUpdate int64  `cbor:"u"` // unix micros
}

// ScanOpRecord is a queued explicit analyze operation.
type ScanOpRecord struct {
	Seq         uint64 `cbor:"s"`
	OperationID string `cbor:"id"`
	OwnerID     uint64 `cbor:"o"`
	LocalID     uint64 `cbor:"l"`
}

// StatRecord is one saved statistics blob for a column.
type StatRecord struct {
	Type uint32
	Tag  uint32
	Data []byte
}

// Options configures the pebble database.
type Options struct {
	Dir         string
	InMemory    bool
	FS          vfs.FS
	CacheSizeMB int64
	NoSync      bool
	Logger      zerolog.Logger
}

// DefaultOptions returns options for an on-disk store under dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:         dir,
		CacheSizeMB: 16,
		Logger:      zerolog.Nop(),
	}
}

type pebbleLogger struct{ log zerolog.Logger }

func (l pebbleLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf("[pebble] "+format, args...)
}

func (l pebbleLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf("[pebble] "+format, args...)
}

func (l pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.log.Fatal().Msgf("[pebble] "+format, args...)
}

// Store wraps a pebble database with the aggregator keyspace.
type Store struct {
	db     *pebble.DB
	wo     *pebble.WriteOptions
	log    zerolog.Logger
	closed atomic.Bool
}

// Open opens (or creates) the store.
func Open(opts Options) (*Store, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 16
	}
	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref()

	lg := opts.Logger.With().Str("component", "store").Logger()
	po := &pebble.Options{
		Cache:  cache,
		Logger: pebbleLogger{log: lg},
		Levels: []pebble.LevelOptions{
			{FilterPolicy: bloom.FilterPolicy(10)},
			{FilterPolicy: bloom.FilterPolicy(10)},
		},
	}
	dir := opts.Dir
	switch {
	case opts.FS != nil:
		po.FS = opts.FS
	case opts.InMemory:
		po.FS = vfs.NewMem()
	}
	if dir == "" {
		dir = "statsagg"
	}

	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %s", dir)
	}
	wo := pebble.Sync
	if opts.NoSync {
		wo = pebble.NoSync
	}
	lg.Info().Str("dir", dir).Bool("in_memory", opts.InMemory || opts.FS != nil).Msg("store opened")
	return &Store{db: db, wo: wo, log: lg}, nil
}

// Close closes the database. It is idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Txn buffers writes that are committed atomically.
type Txn struct {
	b *pebble.Batch
	n int
}

// Begin starts a write transaction. Commit or Discard must be called.
func (s *Store) Begin() *Txn {
	return &Txn{b: s.db.NewBatch()}
}

// Commit applies the buffered writes in one atomic batch.
func (s *Store) Commit(tx *Txn) error {
	defer tx.b.Close()
	if s.closed.Load() {
		return ErrClosed
	}
	if tx.n == 0 {
		return nil
	}
	return errors.Wrap(tx.b.Commit(s.wo), "commit batch")
}

// Discard drops the buffered writes.
func (tx *Txn) Discard() { _ = tx.b.Close() }

// Len returns the number of buffered operations.
func (tx *Txn) Len() int { return tx.n }

// Update runs fn in a transaction and commits it when fn returns nil.
func (s *Store) Update(fn func(tx *Txn) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	tx := s.Begin()
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	return s.Commit(tx)
}

func (tx *Txn) set(k, v []byte) error {
	tx.n++
	return tx.b.Set(k, v, nil)
}

func (tx *Txn) del(k []byte) error {
	tx.n++
	return tx.b.Delete(k, nil)
}

// SetSys upserts a system parameter.
func (tx *Txn) SetSys(id SysParam, value string) error {
	return tx.set(sysKey(id), []byte(value))
}

// SetSysUint is SetSys for numeric parameters.
func (tx *Txn) SetSysUint(id SysParam, v uint64) error {
	return tx.SetSys(id, strconv.FormatUint(v, 10))
}

// PutScanTable upserts a table's scan record.
func (tx *Txn) PutScanTable(rec ScanTableRecord) error {
	raw, err := encMode.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode scan table")
	}
	return tx.set(pathKey(prefixScanTable, rec.OwnerID, rec.LocalID), raw)
}

// DeleteScanTable removes a table's scan record.
func (tx *Txn) DeleteScanTable(owner, local uint64) error {
	return tx.del(pathKey(prefixScanTable, owner, local))
}

// PutScanOp persists a queued operation.
func (tx *Txn) PutScanOp(rec ScanOpRecord) error {
	raw, err := encMode.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode scan operation")
	}
	return tx.set(seqKey(rec.Seq), raw)
}

// DeleteScanOp removes a queued operation.
func (tx *Txn) DeleteScanOp(seq uint64) error {
	return tx.del(seqKey(seq))
}

// SysParams returns every stored system parameter.
func (s *Store) SysParams() (map[SysParam]string, error) {
	out := make(map[SysParam]string)
	err := s.scan([]byte(prefixSys), func(k, v []byte) error {
		id := binary.BigEndian.Uint64(k[len(prefixSys):])
		out[SysParam(id)] = string(v)
		return nil
	})
	return out, err
}

// ScanTables returns every stored table record in (owner, local) order.
func (s *Store) ScanTables() ([]ScanTableRecord, error) {
	var out []ScanTableRecord
	err := s.scan([]byte(prefixScanTable), func(_, v []byte) error {
		var rec ScanTableRecord
		if err := decMode.Unmarshal(v, &rec); err != nil {
			return errors.Wrap(err, "decode scan table")
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// ScanOperations returns queued operations in FIFO order.
func (s *Store) ScanOperations() ([]ScanOpRecord, error) {
	var out []ScanOpRecord
	err := s.scan([]byte(prefixScanOp), func(_, v []byte) error {
		var rec ScanOpRecord
		if err := decMode.Unmarshal(v, &rec); err != nil {
			return errors.Wrap(err, "decode scan operation")
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// LoadStatistics returns saved statistics of a table ordered by (type, tag).
func (s *Store) LoadStatistics(owner, local uint64) ([]StatRecord, error) {
	prefix := pathKey(prefixStats, owner, local)
	var out []StatRecord
	err := s.scan(prefix, func(k, v []byte) error {
		rest := k[len(prefix):]
		if len(rest) != 8 {
			return nil
		}
		out = append(out, StatRecord{
			Type: binary.BigEndian.Uint32(rest[:4]),
			Tag:  binary.BigEndian.Uint32(rest[4:]),
			Data: append([]byte(nil), v...),
		})
		return nil
	})
	return out, err
}

// Provision creates the statistics table marker.
func (s *Store) Provision(_ context.Context) error {
	return s.Update(func(tx *Txn) error {
		return tx.set([]byte(keyStatsTable), []byte{1})
	})
}

// Provisioned reports whether Provision has completed at some point.
func (s *Store) Provisioned() (bool, error) {
	v, closer, err := s.db.Get([]byte(keyStatsTable))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "read provisioning marker")
	}
	defer closer.Close()
	return bytes.Equal(v, []byte{1}), nil
}

// SaveStatistics upserts one blob per column tag for a table.
func (s *Store) SaveStatistics(_ context.Context, owner, local uint64, statType uint32, tags []uint32, data [][]byte) error {
	if len(tags) != len(data) {
		return errors.Newf("tags/data length mismatch: %d != %d", len(tags), len(data))
	}
	return s.Update(func(tx *Txn) error {
		for i, tag := range tags {
			if err := tx.set(statKey(owner, local, statType, tag), data[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteStatistics removes every saved blob of a table.
func (s *Store) DeleteStatistics(_ context.Context, owner, local uint64) error {
	lo := pathKey(prefixStats, owner, local)
	hi := prefixEnd(lo)
	return s.Update(func(tx *Txn) error {
		tx.n++
		return tx.b.DeleteRange(lo, hi, nil)
	})
}

func (s *Store) scan(prefix []byte, fn func(k, v []byte) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return errors.Wrap(err, "new iterator")
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func sysKey(id SysParam) []byte {
	k := make([]byte, len(prefixSys)+8)
	copy(k, prefixSys)
	binary.BigEndian.PutUint64(k[len(prefixSys):], uint64(id))
	return k
}

func seqKey(seq uint64) []byte {
	k := make([]byte, len(prefixScanOp)+8)
	copy(k, prefixScanOp)
	binary.BigEndian.PutUint64(k[len(prefixScanOp):], seq)
	return k
}

func pathKey(prefix string, owner, local uint64) []byte {
	k := make([]byte, len(prefix)+16)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], owner)
	binary.BigEndian.PutUint64(k[len(prefix)+8:], local)
	return k
}

func statKey(owner, local uint64, statType, tag uint32) []byte {
	p := pathKey(prefixStats, owner, local)
	k := make([]byte, len(p)+8)
	copy(k, p)
	binary.BigEndian.PutUint32(k[len(p):], statType)
	binary.BigEndian.PutUint32(k[len(p)+4:], tag)
	return k
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
