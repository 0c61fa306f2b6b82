package remotewrite

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nikiz24/healthmon"
)

func findMetric(metrics []Metric, name string, labels map[string]string) (Metric, bool) {
next:
	for _, m := range metrics {
		if m.Name != name {
			continue
		}
		for k, v := range labels {
			if m.Labels[k] != v {
				continue next
			}
		}
		return m, true
	}
	return Metric{}, false
}

func TestConvertFullSample(t *testing.T) {
	s := testSample()
	metrics := Convert(s)

	for _, m := range metrics {
		assert.Equal(t, s.Time, m.Timestamp, m.Name)
	}

	tests := []struct {
		name   string
		labels map[string]string
		value  float64
	}{
		{"cpu_ratio", nil, 1.5},
		{"memory_rss_bytes", nil, 1 << 20},
		{"memory_heap_used_bytes", nil, 2048},
		{"load_average", map[string]string{"window": "5m"}, 2},
		{"host_cpu_ms", map[string]string{"core": "0", "mode": "irq"}, 5},
		{"delay_ms_count", nil, 10},
		{"delay_ms_max", nil, 9},
		{"delay_ms", map[string]string{"quantile": "0.99"}, 9},
		{"resources", map[string]string{"type": "TCPWRAP"}, 3},
		{"gc_total", map[string]string{"phase": "marksweep"}, 2},
		{"gc_total", map[string]string{"phase": "scavenge"}, 0},
		{"gc_pause_ms_count", nil, 0},
		{"sched_utilization", nil, 0.5},
	}
	for _, tt := range tests {
		m, ok := findMetric(metrics, tt.name, tt.labels)
		if assert.True(t, ok, "%s %v", tt.name, tt.labels) {
			assert.Equal(t, tt.value, m.Value, "%s %v", tt.name, tt.labels)
		}
	}

	// An empty pause distribution reports only its count.
	_, ok := findMetric(metrics, "gc_pause_ms_max", nil)
	assert.False(t, ok)
}

func TestConvertOmitsAbsentSections(t *testing.T) {
	metrics := Convert(healthmon.Sample{})

	for _, name := range []string{"delay_ms_count", "resources", "gc_total", "sched_utilization", "host_cpu_ms"} {
		_, ok := findMetric(metrics, name, nil)
		assert.False(t, ok, name)
	}
	_, ok := findMetric(metrics, "cpu_ratio", nil)
	assert.True(t, ok)
}
