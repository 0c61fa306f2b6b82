package healthmon

import (
	"context"
	"time"
)

// Sample is one immutable snapshot of process and host health. Optional
// sections are nil when the corresponding tracking is disabled or the
// platform could not provide them.
type Sample struct {
	Time         time.Time `json:"time"`
	PID int `json:"pid"`
	// ThreadID is the OS thread the process started on, fixed for the life of
	// the process. It is 0 where thread ids are not available.
	ThreadID     int  `json:"threadId"`
	IsMainThread bool `json:"isMainThread"`

	Memory MemoryUsage `json:"memory"`

	// CPU is process CPU time over wall time since the previous sample. It can
	// exceed 1 when several cores are busy.
	CPU  float64     `json:"cpu"`
	CPUs []CoreTimes `json:"cpus"`
	Load [3]float64  `json:"loadAverage"`

	Delay *HistogramSummary `json:"delay,omitempty"`
	// Resources is nil when tracking is disabled and empty when tracking is
	// enabled with nothing live. Both are kept apart in JSON.
	Resources       ResourceCountTable `json:"resources"`
	GC              *GCActivitySummary `json:"gc,omitempty"`
	LoopUtilization *float64           `json:"loopUtilization,omitempty"`
}

// Consumer accepts published samples. A returned error ends the stream.
type Consumer interface {
	Consume(ctx context.Context, s Sample) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, s Sample) error

// Consume implements Consumer.
func (f ConsumerFunc) Consume(ctx context.Context, s Sample) error {
	return f(ctx, s)
}
