package healthmon

import (
	"math"
	rtmetrics "runtime/metrics"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DelayInstrument measures scheduling delay. Summaries are in nanoseconds.
type DelayInstrument interface {
	Enable() error
	// Disable stops measuring. Calling it more than once is a no-op.
	Disable()
	Summary() HistogramSummary
	Reset()
}

// DelayRotator is implemented by instruments that can close the current
// window in one step. An observation recorded concurrently lands in exactly
// one of the two windows.
type DelayRotator interface {
	// Rotate returns the summary of the current window and starts a new one.
	Rotate() HistogramSummary
}

// DelayProbe measures how late a timer re-armed every resolution fires.
type DelayProbe struct {
	resolution time.Duration

	histMutex sync.Mutex
	hist      *Histogram

	mutex   sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	enabled bool
}

// NewDelayProbe creates a probe waking up every resolution.
func NewDelayProbe(resolution time.Duration) *DelayProbe {
	if resolution <= 0 {
		resolution = 10 * time.Millisecond
	}
	return &DelayProbe{
		resolution: resolution,
		hist:       NewHistogram(DefaultHistogramHighest),
	}
}

// Enable implements DelayInstrument.
func (p *DelayProbe) Enable() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.enabled {
		return nil
	}
	p.enabled = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run(p.stopCh, p.doneCh)
	return nil
}

func (p *DelayProbe) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	timer := time.NewTimer(p.resolution)
	defer timer.Stop()
	expected := time.Now().Add(p.resolution)

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
			now := time.Now()
			lag := now.Sub(expected)
			if lag < 0 {
				lag = 0
			}
			p.record(lag)
			timer.Reset(p.resolution)
			expected = now.Add(p.resolution)
		}
	}
}

func (p *DelayProbe) record(lag time.Duration) {
	p.histMutex.Lock()
	p.hist.RecordDuration(lag)
	p.histMutex.Unlock()
}

func (p *DelayProbe) current() *Histogram {
	p.histMutex.Lock()
	defer p.histMutex.Unlock()
	return p.hist
}

// Disable implements DelayInstrument.
func (p *DelayProbe) Disable() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if !p.enabled {
		return
	}
	p.enabled = false
	close(p.stopCh)
	<-p.doneCh
}

// Summary implements DelayInstrument.
func (p *DelayProbe) Summary() HistogramSummary {
	return p.current().Summary()
}

// Reset implements DelayInstrument.
func (p *DelayProbe) Reset() {
	p.Rotate()
}

// Rotate implements DelayRotator.
func (p *DelayProbe) Rotate() HistogramSummary {
	p.histMutex.Lock()
	prev := p.hist
	p.hist = NewHistogram(DefaultHistogramHighest)
	p.histMutex.Unlock()
	return prev.Summary()
}

const schedLatenciesMetric = "/sched/latencies:seconds"

// RuntimeSchedInstrument exposes the Go runtime's goroutine scheduling latency
// distribution. Each bucket of the runtime histogram is replayed at its
// midpoint, so precision is bounded by the runtime's own bucketing.
type RuntimeSchedInstrument struct {
	mutex    sync.Mutex
	enabled  bool
	baseline []uint64
	sample   []rtmetrics.Sample
}

// NewRuntimeSchedInstrument returns ErrUnsupported if the runtime does not
// export scheduling latencies.
func NewRuntimeSchedInstrument() (*RuntimeSchedInstrument, error) {
	for _, d := range rtmetrics.All() {
		if d.Name == schedLatenciesMetric && d.Kind == rtmetrics.KindFloat64Histogram {
			return &RuntimeSchedInstrument{
				sample: []rtmetrics.Sample{{Name: schedLatenciesMetric}},
			}, nil
		}
	}
	return nil, ErrUnsupported
}

// Enable implements DelayInstrument.
func (r *RuntimeSchedInstrument) Enable() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.enabled {
		return nil
	}
	if _, err := r.read(); err != nil {
		return err
	}
	r.enabled = true
	r.resetLocked()
	return nil
}

// Disable implements DelayInstrument.
func (r *RuntimeSchedInstrument) Disable() {
	r.mutex.Lock()
	r.enabled = false
	r.mutex.Unlock()
}

// Reset implements DelayInstrument.
func (r *RuntimeSchedInstrument) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.resetLocked()
}

func (r *RuntimeSchedInstrument) resetLocked() {
	h, err := r.read()
	if err != nil {
		return
	}
	r.baseline = append(r.baseline[:0], h.Counts...)
}

func (r *RuntimeSchedInstrument) read() (*rtmetrics.Float64Histogram, error) {
	rtmetrics.Read(r.sample)
	if r.sample[0].Value.Kind() != rtmetrics.KindFloat64Histogram {
		return nil, ErrUnsupported
	}
	return r.sample[0].Value.Float64Histogram(), nil
}

// Summary implements DelayInstrument.
func (r *RuntimeSchedInstrument) Summary() HistogramSummary {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s, _ := r.summaryLocked()
	return s
}

// Rotate implements DelayRotator. The runtime histogram is read once and
// becomes the next baseline.
func (r *RuntimeSchedInstrument) Rotate() HistogramSummary {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s, h := r.summaryLocked()
	if h != nil {
		r.baseline = append(r.baseline[:0], h.Counts...)
	}
	return s
}

func (r *RuntimeSchedInstrument) summaryLocked() (HistogramSummary, *rtmetrics.Float64Histogram) {
	hist := NewHistogram(DefaultHistogramHighest)
	h, err := r.read()
	if err != nil || !r.enabled {
		return hist.Summary(), nil
	}

	for i, c := range h.Counts {
		if i < len(r.baseline) {
			if c < r.baseline[i] {
				continue
			}
			c -= r.baseline[i]
		}
		if c == 0 {
			continue
		}
		hist.RecordN(bucketMidpointNanos(h.Buckets[i], h.Buckets[i+1]), int64(c))
	}
	return hist.Summary(), h
}

func bucketMidpointNanos(lo, hi float64) int64 {
	if math.IsInf(lo, -1) || lo < 0 {
		lo = 0
	}
	if math.IsInf(hi, 1) {
		hi = lo
	}
	return int64((lo + hi) / 2 * 1e9)
}

// DelayObserver presents a DelayInstrument as a millisecond summary. Each
// Sample closes the current aggregation window.
type DelayObserver struct {
	instrument DelayInstrument
	logger     *zap.Logger

	mutex   sync.Mutex
	enabled bool
}

// NewDelayObserver wraps instrument.
func NewDelayObserver(instrument DelayInstrument, logger *zap.Logger) *DelayObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DelayObserver{instrument: instrument, logger: logger}
}

// Enable starts the instrument.
func (d *DelayObserver) Enable() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.enabled {
		return nil
	}
	if err := d.instrument.Enable(); err != nil {
		return err
	}
	d.enabled = true
	return nil
}

// Disable stops the instrument. It is idempotent.
func (d *DelayObserver) Disable() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if !d.enabled {
		return
	}
	d.enabled = false
	d.instrument.Disable()
	d.logger.Debug("delay observer disabled")
}

// Enabled reports whether the instrument is running.
func (d *DelayObserver) Enabled() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.enabled
}

// Sample returns the delay distribution in milliseconds and starts a new window.
// Instruments that are not DelayRotators may lose an observation recorded
// between reading and resetting the window.
func (d *DelayObserver) Sample() HistogramSummary {
	if r, ok := d.instrument.(DelayRotator); ok {
		return r.Rotate().Scaled(nanosToMillis)
	}
	s := d.instrument.Summary().Scaled(nanosToMillis)
	d.instrument.Reset()
	return s
}
