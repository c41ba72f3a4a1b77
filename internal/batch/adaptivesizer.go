// Package batch implements spec.md §4.6: AdaptiveSizer's piecewise-constant
// target block size and EmailBatcher's accumulate/flush/dedup discipline.
package batch

const (
	gib = 1 << 30
	mib = 1 << 20
)

// TargetBlockSize returns the piecewise-constant target size for a
// database of dbSizeBytes, per spec.md §4.6's table.
func TargetBlockSize(dbSizeBytes int64) int64 {
	switch {
	case dbSizeBytes < 5*gib:
		return 50 * mib
	case dbSizeBytes < 25*gib:
		return 100 * mib
	case dbSizeBytes < 100*gib:
		return 250 * mib
	case dbSizeBytes < 500*gib:
		return 500 * mib
	default:
		return 1 * gib
	}
}
