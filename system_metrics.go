package healthmon

import (
	"context"
	"fmt"
	"os"
	rtmetrics "runtime/metrics"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

// CPUClock reports the CPU time (user + system) consumed by the process.
type CPUClock interface {
	CPUTime(ctx context.Context) (time.Duration, error)
}

// CoreTimes is the cumulative time one logical core spent in each mode, in milliseconds.
type CoreTimes struct {
	User float64 `json:"user"`
	Nice float64 `json:"nice"`
	Sys  float64 `json:"sys"`
	Idle float64 `json:"idle"`
	IRQ  float64 `json:"irq"`
}

// HostInfo reports host-wide CPU figures.
type HostInfo interface {
	CPUs(ctx context.Context) ([]CoreTimes, error)
	LoadAvg(ctx context.Context) ([3]float64, error)
}

// MemoryUsage holds process memory figures in bytes.
type MemoryUsage struct {
	RSS       uint64 `json:"rss"`
	HeapTotal uint64 `json:"heapTotal"`
	HeapUsed  uint64 `json:"heapUsed"`
	// External is runtime-managed memory outside the heap and stacks.
	External uint64 `json:"external"`
	Stack    uint64 `json:"stack"`
}

// MemoryReader reports process memory.
type MemoryReader interface {
	Memory(ctx context.Context) (MemoryUsage, error)
}

// NewHostInfo returns a HostInfo backed by gopsutil.
func NewHostInfo() HostInfo {
	return hostInfo{}
}

type hostInfo struct{}

func (hostInfo) CPUs(ctx context.Context) ([]CoreTimes, error) {
	stats, err := cpu.TimesWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu times: %w", err)
	}
	cores := make([]CoreTimes, 0, len(stats))
	for _, s := range stats {
		cores = append(cores, CoreTimes{
			User: s.User * 1000,
			Nice: s.Nice * 1000,
			Sys:  s.System * 1000,
			Idle: s.Idle * 1000,
			IRQ:  (s.Irq + s.Softirq) * 1000,
		})
	}
	return cores, nil
}

func (hostInfo) LoadAvg(ctx context.Context) ([3]float64, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return [3]float64{}, fmt.Errorf("failed to read load average: %w", err)
	}
	return [3]float64{avg.Load1, avg.Load5, avg.Load15}, nil
}

// Runtime memory classes, see runtime/metrics.
const (
	memHeapObjects  = "/memory/classes/heap/objects:bytes"
	memHeapUnused   = "/memory/classes/heap/unused:bytes"
	memHeapFree     = "/memory/classes/heap/free:bytes"
	memHeapReleased = "/memory/classes/heap/released:bytes"
	memHeapStacks   = "/memory/classes/heap/stacks:bytes"
	memOSStacks     = "/memory/classes/os-stacks:bytes"
	memTotal        = "/memory/classes/total:bytes"
)

type memoryReader struct {
	proc *process.Process

	mutex   sync.Mutex
	samples []rtmetrics.Sample
}

// NewMemoryReader returns a MemoryReader for the current process. RSS comes
// from gopsutil, the Go memory classes from runtime/metrics.
func NewMemoryReader() (MemoryReader, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open current process: %w", err)
	}
	names := []string{
		memHeapObjects, memHeapUnused, memHeapFree, memHeapReleased,
		memHeapStacks, memOSStacks, memTotal,
	}
	samples := make([]rtmetrics.Sample, len(names))
	for i, name := range names {
		samples[i].Name = name
	}
	return &memoryReader{proc: proc, samples: samples}, nil
}

func (m *memoryReader) Memory(ctx context.Context) (MemoryUsage, error) {
	info, err := m.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return MemoryUsage{}, fmt.Errorf("failed to read rss: %w", err)
	}

	m.mutex.Lock()
	rtmetrics.Read(m.samples)
	values := make(map[string]uint64, len(m.samples))
	for _, s := range m.samples {
		if s.Value.Kind() == rtmetrics.KindUint64 {
			values[s.Name] = s.Value.Uint64()
		}
	}
	m.mutex.Unlock()

	heapTotal := values[memHeapObjects] + values[memHeapUnused] + values[memHeapFree]
	stack := values[memHeapStacks] + values[memOSStacks]
	return MemoryUsage{
		RSS:       info.RSS,
		HeapTotal: heapTotal,
		HeapUsed:  values[memHeapObjects],
		External:  saturatingSub(values[memTotal], heapTotal+values[memHeapReleased]+stack),
		Stack:     stack,
	}, nil
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

const (
	cpuClassIdle  = "/cpu/classes/idle:cpu-seconds"
	cpuClassTotal = "/cpu/classes/total:cpu-seconds"
)

// schedUtilization is the share of the scheduler's available CPU time that was
// not idle since the previous reading. The runtime refreshes these estimates
// at GC time, so an interval without a GC yields no reading.
type schedUtilization struct {
	samples   []rtmetrics.Sample
	prevIdle  float64
	prevTotal float64
}

func newSchedUtilization() *schedUtilization {
	found := 0
	for _, d := range rtmetrics.All() {
		if d.Name == cpuClassIdle || d.Name == cpuClassTotal {
			found++
		}
	}
	if found != 2 {
		return nil
	}
	return &schedUtilization{
		samples: []rtmetrics.Sample{{Name: cpuClassIdle}, {Name: cpuClassTotal}},
	}
}

func (u *schedUtilization) read() (float64, bool) {
	if u == nil {
		return 0, false
	}
	rtmetrics.Read(u.samples)
	if u.samples[0].Value.Kind() != rtmetrics.KindFloat64 ||
		u.samples[1].Value.Kind() != rtmetrics.KindFloat64 {
		return 0, false
	}
	idle := u.samples[0].Value.Float64()
	total := u.samples[1].Value.Float64()

	dIdle := idle - u.prevIdle
	dTotal := total - u.prevTotal
	u.prevIdle, u.prevTotal = idle, total
	if dTotal <= 0 || dIdle < 0 {
		return 0, false
	}
	return clampFloat(1-dIdle/dTotal, 0, 1), true
}
