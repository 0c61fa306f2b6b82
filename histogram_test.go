package healthmon

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogramEmpty(t *testing.T) {
	h := NewHistogram(DefaultHistogramHighest)
	s := h.Summary()

	assert.Zero(t, s.Count)
	assert.Zero(t, s.Min)
	assert.Zero(t, s.Max)
	require.Len(t, s.Percentiles, len(SummaryPercentiles))
	for i, p := range s.Percentiles {
		assert.Equal(t, SummaryPercentiles[i], p.Rank)
		assert.Zero(t, p.Value)
	}
}

func TestHistogramIdenticalValues(t *testing.T) {
	for _, v := range []int64{0, 1, 5, 255, 1000, 123456, int64(time.Second)} {
		h := NewHistogram(DefaultHistogramHighest)
		for i := 0; i < 100; i++ {
			h.Record(v)
		}
		s := h.Summary()

		assert.Equal(t, int64(100), s.Count, "value %d", v)
		assert.Equal(t, float64(v), s.Min, "value %d", v)
		assert.Equal(t, float64(v), s.Max, "value %d", v)
		assert.Equal(t, float64(v), s.Mean, "value %d", v)
		assert.Zero(t, s.Stddev, "value %d", v)
		for _, p := range s.Percentiles {
			assert.Equal(t, float64(v), p.Value, "value %d rank %v", v, p.Rank)
		}
	}
}

func TestHistogramPercentilesMonotonic(t *testing.T) {
	h := NewHistogram(DefaultHistogramHighest)
	for v := int64(1); v <= 100000; v += 7 {
		h.Record(v)
	}
	s := h.Summary()

	prev := s.Min
	for _, p := range s.Percentiles {
		assert.GreaterOrEqual(t, p.Value, prev, "rank %v", p.Rank)
		assert.LessOrEqual(t, p.Value, s.Max, "rank %v", p.Rank)
		prev = p.Value
	}
	assert.GreaterOrEqual(t, s.Mean, s.Min)
	assert.LessOrEqual(t, s.Mean, s.Max)
}

func TestHistogramRelativeError(t *testing.T) {
	h := NewHistogram(DefaultHistogramHighest)
	for v := int64(1); v <= 10000; v++ {
		h.Record(v)
	}
	s := h.Summary()

	median, ok := s.Percentile(50)
	require.True(t, ok)
	assert.InEpsilon(t, 5000, median, 0.01)

	p99, ok := s.Percentile(99)
	require.True(t, ok)
	assert.InEpsilon(t, 9900, p99, 0.01)

	assert.InEpsilon(t, 5000.5, s.Mean, 0.01)
	assert.InEpsilon(t, 10000/math.Sqrt(12), s.Stddev, 0.01)
	assert.Equal(t, float64(1), s.Min)
	assert.Equal(t, float64(10000), s.Max)
}

func TestHistogramClampsOutOfRange(t *testing.T) {
	h := NewHistogram(1000)
	h.Record(-5)
	h.Record(5000)
	h.Record(500)

	s := h.Summary()
	assert.Equal(t, int64(3), s.Count)
	assert.Equal(t, int64(2), h.Clamped())
	assert.Equal(t, float64(0), s.Min)
	assert.Equal(t, float64(1000), s.Max)
}

func TestHistogramRecordN(t *testing.T) {
	h := NewHistogram(DefaultHistogramHighest)
	h.RecordN(10, 3)
	h.RecordN(20, 0)
	h.RecordN(20, -1)

	s := h.Summary()
	assert.Equal(t, int64(3), s.Count)
	assert.Equal(t, float64(10), s.Max)
}

func TestHistogramReset(t *testing.T) {
	h := NewHistogram(DefaultHistogramHighest)
	h.Record(1000)
	h.Record(2000)
	h.Reset()

	assert.Zero(t, h.Summary().Count)

	h.Record(7)
	s := h.Summary()
	assert.Equal(t, int64(1), s.Count)
	assert.Equal(t, float64(7), s.Min)
	assert.Equal(t, float64(7), s.Max)
}

func TestHistogramConcurrentRecord(t *testing.T) {
	h := NewHistogram(DefaultHistogramHighest)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(1); i <= 1000; i++ {
				h.Record(i)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			s := h.Summary()
			if s.Count == 0 {
				continue
			}
			for _, p := range s.Percentiles {
				assert.GreaterOrEqual(t, p.Value, s.Min)
				assert.LessOrEqual(t, p.Value, s.Max)
			}
		}
	}()

	wg.Wait()
	<-done
	assert.Equal(t, int64(8000), h.Summary().Count)
}

func TestHistogramSummaryScaled(t *testing.T) {
	h := NewHistogram(DefaultHistogramHighest)
	h.RecordDuration(2 * time.Millisecond)

	s := h.Summary().Scaled(nanosToMillis)
	assert.Equal(t, int64(1), s.Count)
	assert.InDelta(t, 2, s.Min, 0.02)
	assert.InDelta(t, 2, s.Max, 0.02)
	p50, ok := s.Percentile(50)
	require.True(t, ok)
	assert.InDelta(t, 2, p50, 0.02)

	_, ok = s.Percentile(42)
	assert.False(t, ok)
}
