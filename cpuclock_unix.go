//go:build unix

package healthmon

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// NewCPUClock returns a CPUClock backed by getrusage(RUSAGE_SELF).
func NewCPUClock() CPUClock {
	return rusageClock{}
}

type rusageClock struct{}

func (rusageClock) CPUTime(context.Context) (time.Duration, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, fmt.Errorf("failed to fetch rusage: %w", err)
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano()), nil
}
