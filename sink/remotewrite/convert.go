package remotewrite

import (
	"strconv"

	"github.com/nikiz24/healthmon"
)

// Convert flattens a Sample into gauge metrics. Optional sections of the
// Sample produce metrics only when present.
func Convert(s healthmon.Sample) []Metric {
	c := converter{ts: s}

	c.add("cpu_ratio", s.CPU, nil)
	c.add("memory_rss_bytes", float64(s.Memory.RSS), nil)
	c.add("memory_heap_total_bytes", float64(s.Memory.HeapTotal), nil)
	c.add("memory_heap_used_bytes", float64(s.Memory.HeapUsed), nil)
	c.add("memory_external_bytes", float64(s.Memory.External), nil)
	c.add("memory_stack_bytes", float64(s.Memory.Stack), nil)

	for i, window := range []string{"1m", "5m", "15m"} {
		c.add("load_average", s.Load[i], map[string]string{"window": window})
	}

	for i, core := range s.CPUs {
		id := strconv.Itoa(i)
		for mode, ms := range map[string]float64{
			"user": core.User,
			"nice": core.Nice,
			"sys":  core.Sys,
			"idle": core.Idle,
			"irq":  core.IRQ,
		} {
			c.add("host_cpu_ms", ms, map[string]string{"core": id, "mode": mode})
		}
	}

	if s.Delay != nil {
		c.summary("delay_ms", *s.Delay)
	}

	for typ, n := range s.Resources {
		c.add("resources", float64(n), map[string]string{"type": typ})
	}

	if s.GC != nil {
		for phase, n := range map[healthmon.GCPhase]int64{
			healthmon.GCScavenge:     s.GC.Scavenge,
			healthmon.GCMarkSweep:    s.GC.MarkSweep,
			healthmon.GCIncremental:  s.GC.Incremental,
			healthmon.GCWeakCallback: s.GC.WeakCallback,
		} {
			c.add("gc_total", float64(n), map[string]string{"phase": phase.String()})
		}
		c.summary("gc_pause_ms", s.GC.Pause)
	}

	if s.LoopUtilization != nil {
		c.add("sched_utilization", *s.LoopUtilization, nil)
	}
	return c.metrics
}

type converter struct {
	ts      healthmon.Sample
	metrics []Metric
}

func (c *converter) add(name string, v float64, labels map[string]string) {
	c.metrics = append(c.metrics, Metric{
		Name:      name,
		Value:     v,
		Labels:    labels,
		Timestamp: c.ts.Time,
	})
}

func (c *converter) summary(name string, h healthmon.HistogramSummary) {
	c.add(name+"_count", float64(h.Count), nil)
	if h.Count == 0 {
		return
	}
	c.add(name+"_min", h.Min, nil)
	c.add(name+"_max", h.Max, nil)
	c.add(name+"_mean", h.Mean, nil)
	c.add(name+"_stddev", h.Stddev, nil)
	for _, p := range h.Percentiles {
		c.add(name, p.Value, map[string]string{
			"quantile": strconv.FormatFloat(p.Rank/100, 'g', -1, 64),
		})
	}
}
