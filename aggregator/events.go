package aggregator

// Connection lifecycle and decoded peer messages.
type (
	evConnect    struct{ conn ConnID }
	evDisconnect struct{ conn ConnID }
	evInbound    struct {
		conn ConnID
		msg  any
	}
)

// Timers and self-sends.
type (
	evPropagate           struct{}
	evFastCheck           struct{}
	evPropagateTimeout    struct{ epoch uint64 }
	evProcessUrgent       struct{}
	evScheduleScan        struct{}
	evNavigateRetry       struct{ round uint64 }
	evResolveRetry        struct{ round uint64 }
	evRequestDistribution struct{ round uint64 }
	evProvisionRetry      struct{}
	evAckTimeout          struct{ seq uint64 }
)

// Collaborator replies. round is the counter value when the call was issued.
type (
	evNavigateResult struct {
		round  uint64
		path   PathID
		schema TableSchema
		err    error
	}
	evResolveResult struct {
		round      uint64
		path       PathID
		partitions []Partition
		err        error
	}
	evDistributionResult struct {
		round      uint64
		path       PathID
		partitions []Partition
		err        error
	}
	evPartitionStats struct {
		round  uint64
		path   PathID
		tablet TabletID
		stats  PartitionStats
		err    error
	}
	evSaveResult struct {
		round uint64
		path  PathID
		err   error
	}
	evDeleteResult struct {
		path PathID
		err  error
	}
	evProvisioned struct{ err error }
)

// Control and introspection.
type (
	evFeatureFlags struct{ statistics, column bool }
	evSnapshot     struct{ reply chan<- Snapshot }
	evScanStatus   struct {
		path  PathID
		reply chan<- AnalyzeStatus
	}
)
