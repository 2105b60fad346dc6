//go:build !linux && !darwin

package worker

// maxRSSBytes returns 0 on platforms without getrusage; the memory check is
// effectively disabled there.
func maxRSSBytes() uint64 { return 0 }
