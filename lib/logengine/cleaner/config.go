package cleaner

// Thresholds holds every tunable pressure threshold the worker loop
// consults, with the defaults spec.md §4.6.1 names as examples.
type Thresholds struct {
	// MinMemoryUtilization is the memory utilization (0-100) at which
	// workers start in-memory compaction.
	MinMemoryUtilization float64
	// MemoryDepletedUtilization is the memory utilization at which
	// the writer is judged to be losing the race against the
	// cleaner, forcing worker 0 into disk cleaning regardless of disk
	// pressure.
	MemoryDepletedUtilization float64
	// MinDiskUtilization is the segment-slot utilization at which
	// worker 0 starts disk cleaning.
	MinDiskUtilization float64
	// MaxCleanableMemoryUtilization upper-bounds the memory
	// utilization a segment may present and still be eligible for
	// disk cleaning, ensuring compaction happens first.
	MaxCleanableMemoryUtilization float64
	// MaxLiveSegmentsPerDiskPass bounds how many segmentSize's worth
	// of live bytes a single disk cleaning pass may relocate.
	MaxLiveSegmentsPerDiskPass int
	// PollInterval is the base idle sleep between loop iterations
	// when a worker finds no work; an additional jitter of up to
	// PollInterval/10 is added to decorrelate wakeups.
	PollInterval durationMicros
}

// durationMicros avoids importing time in this file just to name a
// microsecond quantity; cleaner.go converts to time.Duration at the
// one place it's used.
type durationMicros int64

// DefaultThresholds mirrors the example values spec.md §4.6.1 gives
// for each constant.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinMemoryUtilization:         90,
		MemoryDepletedUtilization:    98,
		MinDiskUtilization:           95,
		MaxCleanableMemoryUtilization: 90,
		MaxLiveSegmentsPerDiskPass:   10,
		PollInterval:                 10000, // 10ms, RAMCloud's POLL_USEC order of magnitude
	}
}
