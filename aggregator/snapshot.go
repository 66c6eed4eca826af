package aggregator

import (
	"time"

	"golang.org/x/exp/slices"
)

const (
	snapshotShards = 4
	snapshotNodes  = 8
	snapshotTables = 8
)

// Snapshot is a read-only dump of the loop state. Lists hold the leading
// elements only; the counts are exact.
type Snapshot struct {
	Shards          int       `json:"shards"`
	ShardIDs        []ShardID `json:"shard_ids,omitempty"`
	Nodes           int       `json:"nodes"`
	NodeIDs         []NodeID  `json:"node_ids,omitempty"`
	Requested       int       `json:"requested_shards"`
	RequestedShards []ShardID `json:"requested_shard_ids,omitempty"`

	FastBudget     int       `json:"fast_budget"`
	FastInFlight   bool      `json:"fast_check_in_flight"`
	FastNodes      []NodeID  `json:"fast_nodes,omitempty"`
	FastShards     []ShardID `json:"fast_shards,omitempty"`
	SweepInFlight  bool      `json:"sweep_in_flight"`
	SweepEpoch     uint64    `json:"sweep_epoch"`
	SweepNodes     []NodeID  `json:"sweep_nodes,omitempty"`
	SweepShards    int       `json:"sweep_shards"`
	SweepCursor    int       `json:"sweep_cursor"`
	UrgentQueued   int       `json:"urgent_queued"`
	UrgentInFlight bool      `json:"urgent_in_flight"`

	ScanTables     int                 `json:"scan_tables"`
	StalestTables  []ScanTableSnapshot `json:"stalest_tables,omitempty"`
	ScanOperations []ScanOpSnapshot    `json:"scan_operations,omitempty"`
	Scan           *ScanSnapshot       `json:"scan,omitempty"`

	ResolveRound      uint64 `json:"resolve_round"`
	DistributionRound uint64 `json:"distribution_round"`
	TraversalRound    uint64 `json:"traversal_round"`

	StatisticsEnabled       bool   `json:"statistics_enabled"`
	ColumnStatisticsEnabled bool   `json:"column_statistics_enabled"`
	Provisioned             bool   `json:"statistics_table_provisioned"`
	PendingSave             bool   `json:"pending_save"`
	PendingDelete           string `json:"pending_delete,omitempty"`
}

type ScanTableSnapshot struct {
	Path       string    `json:"path"`
	IsColumn   bool      `json:"column_table"`
	LastUpdate time.Time `json:"last_update"`
}

type ScanOpSnapshot struct {
	OperationID string `json:"operation_id"`
	Path        string `json:"path"`
	Waiters     int    `json:"waiters"`
}

type ScanSnapshot struct {
	Path        string    `json:"path"`
	StartTime   time.Time `json:"start_time"`
	IsColumn    bool      `json:"column_table"`
	StartKey    []byte    `json:"start_key,omitempty"`
	PageKey     []byte    `json:"page_key,omitempty"`
	Partitions  int       `json:"partitions"`
	Columns     int       `json:"columns"`
	Sketches    int       `json:"sketches"`
	OperationID string    `json:"operation_id,omitempty"`
	Waiters     int       `json:"waiters"`
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return slices.Clone(s[:n])
	}
	return slices.Clone(s)
}

func (a *Aggregator) snapshot() Snapshot {
	requested := setKeys(a.requested)
	slices.Sort(requested)
	fastNodes := setKeys(a.fast.nodes)
	slices.Sort(fastNodes)
	fastShards := setKeys(a.fast.shards)
	slices.Sort(fastShards)

	s := Snapshot{
		Shards:          a.shards.len(),
		ShardIDs:        head(a.shards.ids(), snapshotShards),
		Nodes:           a.nodes.len(),
		NodeIDs:         head(a.nodes.ids(), snapshotNodes),
		Requested:       len(requested),
		RequestedShards: head(requested, snapshotShards),

		FastBudget:     a.fast.budget,
		FastInFlight:   a.fast.inFlight,
		FastNodes:      head(fastNodes, snapshotNodes),
		FastShards:     head(fastShards, snapshotShards),
		SweepInFlight:  a.sweep.inFlight,
		SweepEpoch:     a.sweep.epoch,
		SweepNodes:     head(a.sweep.nodes, snapshotNodes),
		SweepShards:    len(a.sweep.shards),
		SweepCursor:    a.sweep.cursor,
		UrgentQueued:   a.urgent.len(),
		UrgentInFlight: a.urgent.inFlight,

		ScanTables: a.tables.size(),

		ResolveRound:      a.resolveRound,
		DistributionRound: a.distributionRound,
		TraversalRound:    a.traversalRound,

		StatisticsEnabled:       a.enableStats,
		ColumnStatisticsEnabled: a.enableColumn,
		Provisioned:             a.provisioned,
		PendingSave:             a.pendingSave,
	}
	if !a.pendingDelete.IsZero() {
		s.PendingDelete = a.pendingDelete.String()
	}

	for _, t := range a.tables.stalest(snapshotTables) {
		s.StalestTables = append(s.StalestTables, ScanTableSnapshot{
			Path:       t.path.String(),
			IsColumn:   t.isColumn,
			LastUpdate: time.UnixMicro(t.lastUpdate).UTC(),
		})
	}
	a.ops.each(func(op *scanOp) bool {
		s.ScanOperations = append(s.ScanOperations, ScanOpSnapshot{
			OperationID: op.id,
			Path:        op.path.String(),
			Waiters:     len(op.replyTo),
		})
		return len(s.ScanOperations) < snapshotTables
	})

	if c := &a.cursor; c.active() {
		s.Scan = &ScanSnapshot{
			Path:        c.path.String(),
			StartTime:   time.UnixMicro(c.startTime).UTC(),
			IsColumn:    c.isColumn,
			StartKey:    slices.Clone(c.startKey),
			PageKey:     slices.Clone(c.pageKey),
			Partitions:  len(c.partitions),
			Columns:     len(c.columns),
			Sketches:    len(c.sketches),
			OperationID: c.operationID,
			Waiters:     len(c.replyTo),
		}
	}
	return s
}
