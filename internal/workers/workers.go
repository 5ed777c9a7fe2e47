package workers

import (
	"runtime"
)

// Count returns the number of workers for a task type.
// It respects container CPU limits via GOMAXPROCS (Go 1.19+).
//
// The multiplier adjusts for task characteristics:
//   - 1.0 for CPU-bound tasks
//   - 2.0 for I/O-bound tasks
//
// The limit parameter caps the worker count; 0 means no limit.
// A positive override is used as-is (still capped by limit).
func Count(multiplier float64, limit, override int) int {
	if override > 0 {
		if limit > 0 && override > limit {
			return limit
		}
		return override
	}

	available := runtime.GOMAXPROCS(0)

	workers := int(float64(available) * multiplier)

	if workers < 1 {
		workers = 1
	}
	if limit > 0 && workers > limit {
		workers = limit
	}

	return workers
}

// ForCPU returns worker count for CPU-bound tasks (1 per CPU).
func ForCPU(limit int) int {
	return Count(1.0, limit, 0)
}
