//go:build linux || darwin

package scheduler

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/load"

	"github.com/teranos/engram/errors"
)

// sampleSystemLoad returns the 1-minute load average normalized by CPU
// count, clamped to [0,1].
func sampleSystemLoad() (float64, error) {
	avg, err := load.Avg()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read load average")
	}

	normalized := avg.Load1 / float64(runtime.NumCPU())
	if normalized < 0 {
		normalized = 0
	}
	if normalized > 1 {
		normalized = 1
	}
	return normalized, nil
}
