package healthmon

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGCSource delivers events on demand.
type fakeGCSource struct {
	mutex     sync.Mutex
	listeners []GCListener
}

func (f *fakeGCSource) Subscribe(l GCListener) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.listeners = append(f.listeners, l)
	return nil
}

func (f *fakeGCSource) Unsubscribe(l GCListener) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for i, ln := range f.listeners {
		if ln == l {
			f.listeners = append(f.listeners[:i:i], f.listeners[i+1:]...)
			return
		}
	}
}

func (f *fakeGCSource) emit(ev GCEvent) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for _, l := range f.listeners {
		l.OnGC(ev)
	}
}

func (f *fakeGCSource) subscribed() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.listeners)
}

func TestGCObserverCountsPhases(t *testing.T) {
	src := &fakeGCSource{}
	obs, err := NewGCObserver(src, nil)
	require.NoError(t, err)
	defer obs.Close()

	s := obs.Sample()
	assert.Zero(t, s.Scavenge+s.MarkSweep+s.Incremental+s.WeakCallback)
	assert.Zero(t, s.Pause.Count)

	src.emit(GCEvent{Phase: GCScavenge, Pause: time.Millisecond})
	src.emit(GCEvent{Phase: GCScavenge, Pause: time.Millisecond})
	src.emit(GCEvent{Phase: GCMarkSweep, Pause: 10 * time.Millisecond})
	src.emit(GCEvent{Phase: GCWeakCallback, Pause: 100 * time.Microsecond})
	src.emit(GCEvent{Phase: GCPhase(42), Pause: time.Second})

	s = obs.Sample()
	assert.Equal(t, int64(2), s.Scavenge)
	assert.Equal(t, int64(1), s.MarkSweep)
	assert.Equal(t, int64(0), s.Incremental)
	assert.Equal(t, int64(1), s.WeakCallback)
	assert.Equal(t, int64(4), s.Pause.Count)
	assert.InDelta(t, 0.1, s.Pause.Min, 0.001)
	assert.InDelta(t, 10, s.Pause.Max, 0.1)

	// Counts are cumulative.
	src.emit(GCEvent{Phase: GCIncremental})
	s = obs.Sample()
	assert.Equal(t, int64(2), s.Scavenge)
	assert.Equal(t, int64(1), s.Incremental)
	assert.Equal(t, int64(5), s.Pause.Count)
}

func TestGCObserverCloseUnsubscribes(t *testing.T) {
	src := &fakeGCSource{}
	obs, err := NewGCObserver(src, nil)
	require.NoError(t, err)
	require.Equal(t, 1, src.subscribed())

	obs.Close()
	obs.Close()
	assert.Zero(t, src.subscribed())

	src.emit(GCEvent{Phase: GCMarkSweep})
	assert.Zero(t, obs.Sample().MarkSweep)
}

func TestGCObserverNilSource(t *testing.T) {
	_, err := NewGCObserver(nil, nil)
	assert.Error(t, err)
}

func TestGCPhaseString(t *testing.T) {
	assert.Equal(t, "scavenge", GCScavenge.String())
	assert.Equal(t, "marksweep", GCMarkSweep.String())
	assert.Equal(t, "incremental", GCIncremental.String())
	assert.Equal(t, "weakcb", GCWeakCallback.String())
	assert.Equal(t, "GCPhase(9)", GCPhase(9).String())
}

func TestRuntimeGCSourceReportsForcedCycles(t *testing.T) {
	src := NewRuntimeGCSource()
	obs, err := NewGCObserver(src, nil)
	require.NoError(t, err)
	defer obs.Close()

	require.Eventually(t, func() bool {
		runtime.GC()
		return obs.Sample().MarkSweep > 0
	}, 5*time.Second, 10*time.Millisecond)

	s := obs.Sample()
	assert.Positive(t, s.Pause.Count)
	assert.Zero(t, s.Scavenge)
	assert.Zero(t, s.WeakCallback)
}

func TestRuntimeGCSourceStopsAfterUnsubscribe(t *testing.T) {
	src := NewRuntimeGCSource()
	obs, err := NewGCObserver(src, nil)
	require.NoError(t, err)
	obs.Close()

	runtime.GC()
	runtime.GC()
	time.Sleep(20 * time.Millisecond)
	s := obs.Sample()
	assert.Zero(t, s.MarkSweep+s.Incremental)

	assert.Error(t, src.Subscribe(nil))
}
