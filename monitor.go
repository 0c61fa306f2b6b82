package healthmon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nikiz24/healthmon/periodic"
)

var (
	// DefaultResourceHub is the process-wide resource source used when
	// resource tracking is enabled without WithResourceSource.
	DefaultResourceHub = NewResourceHub()

	defaultGCSource = NewRuntimeGCSource()
)

// ResourceRegistry is implemented by resource sources that accept
// announcements, such as ResourceHub. The monitor announces its own timer and
// delay probe through it so that they are accounted for in snapshots.
type ResourceRegistry interface {
	Create(typ string) uint64
	Destroy(id uint64)
}

type monitorState int32

const (
	stateConstructing monitorState = iota
	stateRunning
	stateStopped
)

func (s monitorState) String() string {
	switch s {
	case stateConstructing:
		return "constructing"
	case stateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Option customizes the collaborators of a Monitor.
type Option func(*Monitor)

// WithLogger overrides Config.Logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithCPUClock replaces the process CPU time source.
func WithCPUClock(c CPUClock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithHostInfo replaces the host CPU and load source.
func WithHostInfo(h HostInfo) Option {
	return func(m *Monitor) { m.host = h }
}

// WithMemoryReader replaces the memory source.
func WithMemoryReader(r MemoryReader) Option {
	return func(m *Monitor) { m.memory = r }
}

// WithResourceSource replaces DefaultResourceHub.
func WithResourceSource(src ResourceSource) Option {
	return func(m *Monitor) { m.resourceSource = src }
}

// WithGCSource replaces the Go runtime GC source.
func WithGCSource(src GCSource) Option {
	return func(m *Monitor) { m.gcSource = src }
}

// WithDelayInstrument replaces the instrument selected by Config.DelayInstrument.
// A nil instrument disables delay reporting.
func WithDelayInstrument(d DelayInstrument) Option {
	return func(m *Monitor) {
		m.delayInstrument = d
		m.delayOverride = true
	}
}

// WithTaskGroup sets the group held by the sampling timer.
func WithTaskGroup(g *periodic.Group) Option {
	return func(m *Monitor) { m.group = g }
}

// Monitor periodically assembles Samples and publishes them on a stream.
//
// A Monitor moves from constructing to running on Start and to stopped on
// Stop, a consumer failure or the cancellation of the Start context. Stopped is
// terminal.
type Monitor struct {
	cfg    Config
	logger *zap.Logger
	id     uuid.UUID

	clock           CPUClock
	host            HostInfo
	memory          MemoryReader
	resourceSource  ResourceSource
	gcSource        GCSource
	delayInstrument DelayInstrument
	delayOverride   bool
	group           *periodic.Group

	mutex        sync.Mutex
	state        monitorState
	err          error
	released     bool
	task         *periodic.Task
	tracker      *ResourceTracker
	gc           *GCObserver
	delay        *DelayObserver
	util         *schedUtilization
	ownResources []uint64
	stopCtx      func() bool

	out      chan Sample
	stopCh   chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once

	// owned by the goroutine assembling samples
	prevCPU  time.Duration
	prevWall time.Time
	skipped  atomic.Int64
}

// New validates cfg and creates a monitor in the constructing state.
func New(cfg Config, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:      cfg,
		logger:   cfg.Logger,
		id:       uuid.New(),
		out:      make(chan Sample, 1),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.clock == nil {
		m.clock = NewCPUClock()
	}
	if m.host == nil {
		m.host = NewHostInfo()
	}
	if m.memory == nil {
		reader, err := NewMemoryReader()
		if err != nil {
			return nil, err
		}
		m.memory = reader
	}
	if m.resourceSource == nil {
		m.resourceSource = DefaultResourceHub
	}
	if m.gcSource == nil {
		m.gcSource = defaultGCSource
	}
	if m.group == nil {
		m.group = periodic.Default
	}
	if !m.delayOverride {
		m.delayInstrument = m.defaultDelayInstrument()
	}

	cpu, err := m.clock.CPUTime(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to read initial cpu time: %w", err)
	}
	m.prevCPU = cpu
	m.prevWall = time.Now()
	return m, nil
}

// NewFromEnv creates a monitor from DefaultConfig with HEALTHMON_* overrides.
func NewFromEnv(opts ...Option) (*Monitor, error) {
	cfg := DefaultConfig()
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

func (m *Monitor) defaultDelayInstrument() DelayInstrument {
	switch m.cfg.DelayInstrument {
	case DelayInstrumentOff:
		return nil
	case DelayInstrumentRuntime:
		inst, err := NewRuntimeSchedInstrument()
		if err != nil {
			m.logger.Debug("runtime scheduler latencies unavailable", zap.Error(err))
			return nil
		}
		return inst
	default:
		return NewDelayProbe(m.cfg.Interval())
	}
}

// ID identifies this monitor instance.
func (m *Monitor) ID() uuid.UUID {
	return m.id
}

// Config returns the validated configuration.
func (m *Monitor) Config() Config {
	return m.cfg
}

// Samples returns the sample stream. It is closed after the last Sample.
func (m *Monitor) Samples() <-chan Sample {
	return m.out
}

// Err returns the terminal error of the stream, if any.
func (m *Monitor) Err() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.err
}

// Skipped returns the number of ticks abandoned because a required reading failed.
func (m *Monitor) Skipped() int64 {
	return m.skipped.Load()
}

// Running reports whether the monitor is in the running state.
func (m *Monitor) Running() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state == stateRunning
}

// Start begins sampling. The first Sample is available when Start returns.
// Cancelling ctx stops the monitor. A failure to start an
// observer stops the monitor with that error and ends the stream.
func (m *Monitor) Start(ctx context.Context) error {
	m.mutex.Lock()
	if m.state != stateConstructing {
		m.mutex.Unlock()
		return ErrNotStartable
	}

	if err := m.startObservers(); err != nil {
		m.state = stateStopped
		m.mutex.Unlock()
		m.shutdown(err)
		return err
	}
	defer m.mutex.Unlock()

	if reg, ok := m.resourceSource.(ResourceRegistry); ok && m.tracker != nil {
		m.ownResources = append(m.ownResources, reg.Create(ResourceTypeTimer))
		if m.delay != nil {
			m.ownResources = append(m.ownResources, reg.Create(ResourceTypeDelayProbe))
		}
	}

	if s, ok := m.collect(ctx); ok {
		m.out <- s
	}

	interval := m.cfg.Interval()
	m.task = periodic.Start(ctx, m.group, interval)
	if m.released {
		m.task.Release()
	}
	m.state = stateRunning
	go m.loop(ctx)
	m.stopCtx = context.AfterFunc(ctx, m.Stop)

	m.logger.Info("monitor started",
		zap.Stringer("id", m.id),
		zap.Int("sample_rate", m.cfg.SampleRate),
		zap.Duration("interval", interval),
		zap.Bool("resources", m.tracker != nil),
		zap.Bool("gc", m.gc != nil),
		zap.Bool("delay", m.delay != nil))
	return nil
}

func (m *Monitor) startObservers() error {
	if m.cfg.TrackResources {
		tracker, err := NewResourceTracker(m.resourceSource, m.logger)
		if err != nil {
			return err
		}
		m.tracker = tracker
	}

	if m.cfg.TrackGC {
		gc, err := NewGCObserver(m.gcSource, m.logger)
		if err != nil {
			return err
		}
		m.gc = gc
	}

	if m.delayInstrument != nil {
		delay := NewDelayObserver(m.delayInstrument, m.logger)
		switch err := delay.Enable(); {
		case err == nil:
			m.delay = delay
		case errors.Is(err, ErrUnsupported):
			m.logger.Debug("scheduler delay not supported, omitting from samples")
		default:
			m.logger.Warn("failed to enable scheduler delay observer", zap.Error(err))
		}
	}

	m.util = newSchedUtilization()
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.loopDone)

	ticks := m.task.C()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticks:
			s, ok := m.collect(ctx)
			if !ok {
				continue
			}
			// Blocks while the consumer is not ready. Ticks that fired
			// meanwhile are dropped, not queued.
			select {
			case m.out <- s:
			case <-m.stopCh:
				return
			}
			select {
			case <-ticks:
			default:
			}
		}
	}
}

// collect assembles one Sample. It returns false if a required reading failed.
func (m *Monitor) collect(ctx context.Context) (Sample, bool) {
	now := time.Now()

	cpuTime, err := m.clock.CPUTime(ctx)
	if err != nil {
		m.skip("cpu", err)
		return Sample{}, false
	}
	mem, err := m.memory.Memory(ctx)
	if err != nil {
		m.skip("memory", err)
		return Sample{}, false
	}
	cores, err := m.host.CPUs(ctx)
	if err != nil {
		m.skip("cpus", err)
		return Sample{}, false
	}
	loadAvg, err := m.host.LoadAvg(ctx)
	if err != nil {
		m.skip("load", err)
		return Sample{}, false
	}

	var cpu float64
	if wall := now.Sub(m.prevWall); wall > 0 {
		cpu = float64(cpuTime-m.prevCPU) / float64(wall)
	}
	m.prevCPU, m.prevWall = cpuTime, now

	pid, tid, main := processIdentity()
	s := Sample{
		Time:         now,
		PID:          pid,
		ThreadID:     tid,
		IsMainThread: main,
		Memory:       mem,
		CPU:          cpu,
		CPUs:         cores,
		Load:         loadAvg,
	}
	if m.delay != nil {
		d := m.delay.Sample()
		s.Delay = &d
	}
	if m.tracker != nil {
		s.Resources = m.tracker.Snapshot()
	}
	if m.gc != nil {
		g := m.gc.Sample()
		s.GC = &g
	}
	if u, ok := m.util.read(); ok {
		s.LoopUtilization = &u
	}
	return s, true
}

func (m *Monitor) skip(reading string, err error) {
	m.skipped.Add(1)
	m.logger.Warn("skipping sample, reading failed",
		zap.String("reading", reading),
		zap.Error(err))
}

// Pipe delivers samples to c until the stream ends. An error from c becomes
// the terminal StreamFailure and stops the monitor.
func (m *Monitor) Pipe(ctx context.Context, c Consumer) error {
	for {
		select {
		case s, ok := <-m.out:
			if !ok {
				return m.Err()
			}
			if err := c.Consume(ctx, s); err != nil {
				failure := &StreamFailure{Err: err}
				m.shutdown(failure)
				return failure
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pause suspends sampling. Observers keep accumulating.
func (m *Monitor) Pause() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.task != nil {
		m.task.Pause()
	}
}

// Resume restarts sampling after Pause.
func (m *Monitor) Resume() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.task != nil {
		m.task.Resume()
	}
}

// Paused reports whether sampling is paused.
func (m *Monitor) Paused() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.task != nil && m.task.Paused()
}

// Ref makes the sampling timer hold its periodic.Group open (the default).
func (m *Monitor) Ref() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.released = false
	if m.task != nil {
		m.task.Hold()
	}
}

// Unref lets the periodic.Group close while the monitor keeps sampling.
func (m *Monitor) Unref() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.released = true
	if m.task != nil {
		m.task.Release()
	}
}

// Stop ends sampling and closes the stream. It is safe to call at any time
// and more than once. A tick in flight is either published before the stream
// closes or dropped.
func (m *Monitor) Stop() {
	m.shutdown(nil)
}

func (m *Monitor) shutdown(cause error) {
	m.stopOnce.Do(func() {
		m.mutex.Lock()
		prev := m.state
		m.state = stateStopped
		if cause != nil {
			m.err = cause
		}
		m.mutex.Unlock()

		close(m.stopCh)
		if prev == stateRunning {
			<-m.loopDone
		}

		m.mutex.Lock()
		m.teardownLocked()
		stopCtx := m.stopCtx
		m.mutex.Unlock()
		if stopCtx != nil {
			stopCtx()
		}

		close(m.out)

		fields := []zap.Field{
			zap.Stringer("id", m.id),
			zap.Stringer("from", prev),
			zap.Int64("skipped", m.skipped.Load()),
		}
		if cause != nil {
			m.logger.Error("monitor stopped", append(fields, zap.Error(cause))...)
		} else {
			m.logger.Info("monitor stopped", fields...)
		}
	})
}

func (m *Monitor) teardownLocked() {
	if m.delay != nil {
		m.delay.Disable()
	}
	if m.task != nil {
		m.task.Stop()
	}
	if reg, ok := m.resourceSource.(ResourceRegistry); ok {
		for _, id := range m.ownResources {
			reg.Destroy(id)
		}
	}
	m.ownResources = nil
	if m.tracker != nil {
		m.tracker.Destroy()
	}
	if m.gc != nil {
		m.gc.Close()
	}
}
