package worker

import "golang.org/x/sys/unix"

// maxRSSBytes samples the peak resident set size of this process. On Linux
// ru_maxrss is reported in kibibytes.
func maxRSSBytes() uint64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return uint64(ru.Maxrss) * 1024
}
