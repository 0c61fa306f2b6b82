package healthmon

import (
	"math"
	"math/bits"
	"sync/atomic"
	"time"
)

// DefaultHistogramHighest is the largest value tracked by the histograms the
// observers create: one hour in nanoseconds.
const DefaultHistogramHighest = int64(time.Hour)

// Two significant decimal digits keep the width of every bucket within 1/128
// of its lowest value.
const histogramSignificantDigits = 2

// SummaryPercentiles are the ranks (in percent) reported by every HistogramSummary.
var SummaryPercentiles = []float64{
	0.001, 0.01, 0.1, 1, 2.5, 10, 25, 50, 75, 90, 97.5, 99, 99.9, 99.99, 99.999,
}

// PercentileValue is one entry of a HistogramSummary.
type PercentileValue struct {
	Rank  float64 `json:"rank"`
	Value float64 `json:"value"`
}

// HistogramSummary is a read-only view derived from a Histogram.
type HistogramSummary struct {
	Count       int64             `json:"count"`
	Min         float64           `json:"min"`
	Max         float64           `json:"max"`
	Mean        float64           `json:"mean"`
	Stddev      float64           `json:"stddev"`
	Percentiles []PercentileValue `json:"percentiles"`
}

// Percentile returns the value reported for rank, if rank is one of SummaryPercentiles.
func (s HistogramSummary) Percentile(rank float64) (float64, bool) {
	for _, p := range s.Percentiles {
		if p.Rank == rank {
			return p.Value, true
		}
	}
	return 0, false
}

// Scaled returns a copy of s with every value statistic multiplied by factor.
// Count is left untouched.
func (s HistogramSummary) Scaled(factor float64) HistogramSummary {
	out := HistogramSummary{
		Count:       s.Count,
		Min:         s.Min * factor,
		Max:         s.Max * factor,
		Mean:        s.Mean * factor,
		Stddev:      s.Stddev * factor,
		Percentiles: make([]PercentileValue, len(s.Percentiles)),
	}
	for i, p := range s.Percentiles {
		out.Percentiles[i] = PercentileValue{Rank: p.Rank, Value: p.Value * factor}
	}
	return out
}

// Histogram is a bounded-memory streaming histogram over non-negative integers.
//
// Values are grouped in buckets of fixed significant-digit precision: values
// below 256 are exact, above that every power-of-two range is split into 128
// equal sub-buckets. Recording is lock-free; Summary may run concurrently with
// Record and observes a possibly stale view.
type Histogram struct {
	highest int64

	subBucketHalfCountMagnitude int32
	subBucketHalfCount          int32
	subBucketMask               int64

	counts  []atomic.Int64
	min     atomic.Int64
	max     atomic.Int64
	clamped atomic.Int64
}

// NewHistogram creates a histogram tracking values in [0, highest].
func NewHistogram(highest int64) *Histogram {
	if highest < 2 {
		highest = 2
	}

	largestSingleUnit := 2 * math.Pow10(histogramSignificantDigits)
	subBucketCountMagnitude := int32(math.Ceil(math.Log2(largestSingleUnit)))
	subBucketHalfCountMagnitude := subBucketCountMagnitude - 1
	subBucketCount := int32(1) << uint(subBucketCountMagnitude)

	smallestUntrackable := int64(subBucketCount)
	bucketsNeeded := int32(1)
	for smallestUntrackable <= highest {
		if smallestUntrackable > math.MaxInt64/2 {
			bucketsNeeded++
			break
		}
		smallestUntrackable <<= 1
		bucketsNeeded++
	}

	h := &Histogram{
		highest:                     highest,
		subBucketHalfCountMagnitude: subBucketHalfCountMagnitude,
		subBucketHalfCount:          subBucketCount / 2,
		subBucketMask:               int64(subBucketCount - 1),
		counts:                      make([]atomic.Int64, int(bucketsNeeded+1)*int(subBucketCount/2)),
	}
	h.min.Store(math.MaxInt64)
	return h
}

// Highest returns the largest trackable value.
func (h *Histogram) Highest() int64 {
	return h.highest
}

// Record adds one observation of v.
func (h *Histogram) Record(v int64) {
	h.RecordN(v, 1)
}

// RecordDuration adds one observation of d in nanoseconds.
func (h *Histogram) RecordDuration(d time.Duration) {
	h.RecordN(int64(d), 1)
}

// RecordN adds n observations of v. Values outside [0, Highest] are clamped.
func (h *Histogram) RecordN(v, n int64) {
	if n <= 0 {
		return
	}
	if v < 0 {
		v = 0
		h.clamped.Add(n)
	} else if v > h.highest {
		v = h.highest
		h.clamped.Add(n)
	}

	// min/max are published before the count so that a reader loading counts
	// first never sees a count outside them.
	for {
		cur := h.min.Load()
		if v >= cur || h.min.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := h.max.Load()
		if v <= cur || h.max.CompareAndSwap(cur, v) {
			break
		}
	}
	h.counts[h.countsIndex(v)].Add(n)
}

// Clamped returns how many observations fell outside the trackable range.
func (h *Histogram) Clamped() int64 {
	return h.clamped.Load()
}

// Reset discards all observations.
func (h *Histogram) Reset() {
	for i := range h.counts {
		h.counts[i].Store(0)
	}
	h.min.Store(math.MaxInt64)
	h.max.Store(0)
}

// Summary computes statistics over the current observations.
func (h *Histogram) Summary() HistogramSummary {
	snapshot := make([]int64, len(h.counts))
	var total int64
	first, last := -1, -1
	for i := range h.counts {
		c := h.counts[i].Load()
		if c <= 0 {
			continue
		}
		snapshot[i] = c
		total += c
		if first < 0 {
			first = i
		}
		last = i
	}

	summary := HistogramSummary{
		Count:       total,
		Percentiles: make([]PercentileValue, len(SummaryPercentiles)),
	}
	for i, rank := range SummaryPercentiles {
		summary.Percentiles[i].Rank = rank
	}
	if total == 0 {
		return summary
	}

	minV := h.lowestEquivalent(first)
	if m := h.min.Load(); m >= minV && m <= h.highestEquivalent(first) {
		minV = m
	}
	maxV := h.highestEquivalent(last)
	if m := h.max.Load(); m >= h.lowestEquivalent(last) && m <= maxV {
		maxV = m
	}
	summary.Min = float64(minV)
	summary.Max = float64(maxV)

	var sum float64
	for i := first; i <= last; i++ {
		if snapshot[i] > 0 {
			sum += float64(snapshot[i]) * h.medianEquivalent(i)
		}
	}
	mean := sum / float64(total)

	var sqDev float64
	for i := first; i <= last; i++ {
		if snapshot[i] > 0 {
			d := h.medianEquivalent(i) - mean
			sqDev += float64(snapshot[i]) * d * d
		}
	}
	summary.Stddev = math.Sqrt(sqDev / float64(total))
	summary.Mean = clampFloat(mean, summary.Min, summary.Max)

	var cum int64
	idx := first
	for i, rank := range SummaryPercentiles {
		target := int64(math.Ceil(rank / 100 * float64(total)))
		if target < 1 {
			target = 1
		}
		if target > total {
			target = total
		}
		for cum < target {
			cum += snapshot[idx]
			idx++
		}
		v := float64(h.highestEquivalent(idx - 1))
		summary.Percentiles[i].Value = clampFloat(v, summary.Min, summary.Max)
	}
	return summary
}

func (h *Histogram) countsIndex(v int64) int {
	pow2Ceiling := int32(64 - bits.LeadingZeros64(uint64(v|h.subBucketMask)))
	bucketIdx := pow2Ceiling - (h.subBucketHalfCountMagnitude + 1)
	subBucketIdx := int32(v >> uint(bucketIdx))
	base := (bucketIdx + 1) << uint(h.subBucketHalfCountMagnitude)
	return int(base + subBucketIdx - h.subBucketHalfCount)
}

// bucketOf returns the lowest value and the width of the bucket at index.
func (h *Histogram) bucketOf(index int) (int64, int64) {
	bucketIdx := int32(index>>uint(h.subBucketHalfCountMagnitude)) - 1
	subBucketIdx := int32(index)&(h.subBucketHalfCount-1) + h.subBucketHalfCount
	if bucketIdx < 0 {
		subBucketIdx -= h.subBucketHalfCount
		bucketIdx = 0
	}
	return int64(subBucketIdx) << uint(bucketIdx), int64(1) << uint(bucketIdx)
}

func (h *Histogram) lowestEquivalent(index int) int64 {
	low, _ := h.bucketOf(index)
	return low
}

func (h *Histogram) highestEquivalent(index int) int64 {
	low, width := h.bucketOf(index)
	return low + width - 1
}

func (h *Histogram) medianEquivalent(index int) float64 {
	low, width := h.bucketOf(index)
	return float64(low + width>>1)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
