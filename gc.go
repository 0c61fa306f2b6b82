package healthmon

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// GCPhase classifies a completed garbage collection.
type GCPhase int

const (
	// GCScavenge is a minor collection.
	GCScavenge GCPhase = iota
	// GCMarkSweep is a major, full-heap collection.
	GCMarkSweep
	GCIncremental
	GCWeakCallback
)

func (p GCPhase) String() string {
	switch p {
	case GCScavenge:
		return "scavenge"
	case GCMarkSweep:
		return "marksweep"
	case GCIncremental:
		return "incremental"
	case GCWeakCallback:
		return "weakcb"
	default:
		return fmt.Sprintf("GCPhase(%d)", int(p))
	}
}

// GCEvent describes one completed collection.
type GCEvent struct {
	Phase GCPhase
	Pause time.Duration
}

// GCListener receives GC completion notifications.
type GCListener interface {
	OnGC(ev GCEvent)
}

// GCSource delivers GC completion notifications.
type GCSource interface {
	Subscribe(l GCListener) error
	Unsubscribe(l GCListener)
}

// GCActivitySummary is the cumulative GC activity since the observer was created.
type GCActivitySummary struct {
	Scavenge     int64            `json:"scavenge"`
	MarkSweep    int64            `json:"marksweep"`
	Incremental  int64            `json:"incremental"`
	WeakCallback int64            `json:"weakcb"`
	Pause        HistogramSummary `json:"pause"`
}

// GCObserver counts collections per phase and tracks their pause durations.
// Counters are never reset; diff consecutive samples to get rates.
type GCObserver struct {
	source GCSource
	logger *zap.Logger
	pauses *Histogram
	phases [GCWeakCallback + 1]atomic.Int64
	once   sync.Once
}

// NewGCObserver creates an observer subscribed to src.
func NewGCObserver(src GCSource, logger *zap.Logger) (*GCObserver, error) {
	if src == nil {
		return nil, fmt.Errorf("gc source cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &GCObserver{
		source: src,
		logger: logger,
		pauses: NewHistogram(DefaultHistogramHighest),
	}
	if err := src.Subscribe(o); err != nil {
		return nil, fmt.Errorf("failed to subscribe gc observer: %w", err)
	}
	return o, nil
}

// OnGC implements GCListener.
func (o *GCObserver) OnGC(ev GCEvent) {
	if ev.Phase < GCScavenge || ev.Phase > GCWeakCallback {
		o.logger.Debug("ignoring gc event with unknown phase", zap.Stringer("phase", ev.Phase))
		return
	}
	o.pauses.RecordDuration(ev.Pause)
	o.phases[ev.Phase].Add(1)
}

// Sample returns the counters and a pause summary in milliseconds.
func (o *GCObserver) Sample() GCActivitySummary {
	return GCActivitySummary{
		Scavenge:     o.phases[GCScavenge].Load(),
		MarkSweep:    o.phases[GCMarkSweep].Load(),
		Incremental:  o.phases[GCIncremental].Load(),
		WeakCallback: o.phases[GCWeakCallback].Load(),
		Pause:        o.pauses.Summary().Scaled(nanosToMillis),
	}
}

// Close unsubscribes the observer.
func (o *GCObserver) Close() {
	o.once.Do(func() {
		o.source.Unsubscribe(o)
	})
}

const nanosToMillis = 1e-6

// RuntimeGCSource reports Go runtime collections.
//
// A sentinel object with a finalizer is re-armed after every cycle; when the
// finalizer runs, the new cycles since the previous run are read from
// runtime.MemStats. Forced cycles report GCMarkSweep and background cycles
// report GCIncremental.
type RuntimeGCSource struct {
	mutex      sync.Mutex
	listeners  []GCListener
	generation uint64
	lastNumGC  uint32
	lastForced uint32
}

// NewRuntimeGCSource creates a source for the current process.
func NewRuntimeGCSource() *RuntimeGCSource {
	return &RuntimeGCSource{}
}

type gcSentinel struct {
	source     *RuntimeGCSource
	generation uint64
}

// Subscribe implements GCSource.
func (s *RuntimeGCSource) Subscribe(l GCListener) error {
	if l == nil {
		return fmt.Errorf("gc listener cannot be nil")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, ln := range s.listeners {
		if ln == l {
			return fmt.Errorf("gc listener already subscribed")
		}
	}
	s.listeners = append(s.listeners, l)

	if len(s.listeners) == 1 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		s.lastNumGC = ms.NumGC
		s.lastForced = ms.NumForcedGC
		s.generation++
		armSentinel(&gcSentinel{source: s, generation: s.generation})
	}
	return nil
}

// Unsubscribe implements GCSource.
func (s *RuntimeGCSource) Unsubscribe(l GCListener) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for i, ln := range s.listeners {
		if ln == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			break
		}
	}
	if len(s.listeners) == 0 {
		// Outstanding sentinels see a stale generation and stop re-arming.
		s.generation++
	}
}

func armSentinel(g *gcSentinel) {
	runtime.SetFinalizer(g, sentinelFinalizer)
}

func sentinelFinalizer(g *gcSentinel) {
	if g.source.collected(g.generation) {
		armSentinel(g)
	}
}

// collected dispatches the cycles completed since the previous call and
// reports whether the sentinel of generation gen should be re-armed.
func (s *RuntimeGCSource) collected(gen uint64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if gen != s.generation {
		return false
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	cycles := ms.NumGC - s.lastNumGC
	forced := ms.NumForcedGC - s.lastForced
	s.lastNumGC = ms.NumGC
	s.lastForced = ms.NumForcedGC
	if cycles > uint32(len(ms.PauseNs)) {
		cycles = uint32(len(ms.PauseNs))
	}
	if forced > cycles {
		forced = cycles
	}

	// Oldest first. The most recent pause lives at PauseNs[(NumGC+255)%256].
	for i := cycles; i > 0; i-- {
		n := ms.NumGC - i + 1
		pause := time.Duration(ms.PauseNs[(n+uint32(len(ms.PauseNs))-1)%uint32(len(ms.PauseNs))])
		phase := GCIncremental
		if i <= forced {
			phase = GCMarkSweep
		}
		ev := GCEvent{Phase: phase, Pause: pause}
		for _, l := range s.listeners {
			l.OnGC(ev)
		}
	}
	return true
}
