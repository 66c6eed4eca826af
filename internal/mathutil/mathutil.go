// Package mathutil holds integer helpers for the sharded in-memory structures.
package mathutil

import "math/bits"

// NextPowerOf2 returns the smallest power of two >= n. n <= 1 yields 1.
func NextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// PartitionCount sizes a lock-striped structure. A positive requested count
// wins; otherwise perCPU partitions per CPU are used, capped at limit. The
// result is always a power of two so callers can mask instead of mod.
func PartitionCount(requested, cpus, perCPU, limit int) int {
	n := requested
	if n <= 0 {
		n = cpus * perCPU
		if limit > 0 && n > limit {
			n = limit
		}
	}
	return NextPowerOf2(n)
}
