//go:build !unix

package healthmon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// NewCPUClock returns a CPUClock backed by gopsutil process times.
func NewCPUClock() CPUClock {
	return &processClock{pid: int32(os.Getpid())}
}

type processClock struct {
	pid  int32
	proc *process.Process
}

func (c *processClock) CPUTime(ctx context.Context) (time.Duration, error) {
	if c.proc == nil {
		proc, err := process.NewProcessWithContext(ctx, c.pid)
		if err != nil {
			return 0, fmt.Errorf("failed to open current process: %w", err)
		}
		c.proc = proc
	}
	t, err := c.proc.TimesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read process times: %w", err)
	}
	return time.Duration((t.User + t.System) * float64(time.Second)), nil
}
