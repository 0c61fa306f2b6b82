package healthmon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Global monitor instance
var (
	globalMutex   sync.Mutex
	globalMonitor *Monitor
	globalCancel  context.CancelFunc
	globalDone    chan struct{}
	globalLatest  atomic.Pointer[Sample]
)

// Init starts the global monitor. The most recent Sample is kept for Latest;
// the global monitor does not hold periodic.Default open.
func Init(config Config, opts ...Option) error {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	if globalMonitor != nil {
		return fmt.Errorf("global monitor is already initialized")
	}

	m, err := New(config, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		cancel()
		return err
	}
	m.Unref()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Pipe(ctx, ConsumerFunc(func(_ context.Context, s Sample) error {
			globalLatest.Store(&s)
			return nil
		}))
	}()

	globalMonitor = m
	globalCancel = cancel
	globalDone = done

	m.logger.Info("global monitor initialized",
		zap.Stringer("id", m.ID()),
		zap.Int("sample_rate", config.SampleRate))
	return nil
}

// Shutdown stops the global monitor. It is a no-op when Init was not called.
func Shutdown() {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	if globalMonitor == nil {
		return
	}
	globalMonitor.Stop()
	globalCancel()
	<-globalDone

	globalMonitor = nil
	globalCancel = nil
	globalDone = nil
	globalLatest.Store(nil)
}

// Latest returns the most recent Sample of the global monitor.
func Latest() (Sample, bool) {
	s := globalLatest.Load()
	if s == nil {
		return Sample{}, false
	}
	return *s, true
}

// HealthCheck reports whether the global monitor is running and producing
// samples. A monitor is unhealthy when its newest Sample is older than three
// intervals.
func HealthCheck() error {
	globalMutex.Lock()
	m := globalMonitor
	globalMutex.Unlock()

	if m == nil {
		return fmt.Errorf("monitor system not initialized")
	}
	if !m.Running() {
		if err := m.Err(); err != nil {
			return fmt.Errorf("monitor stopped: %w", err)
		}
		return fmt.Errorf("monitor stopped")
	}

	s, ok := Latest()
	if !ok {
		return fmt.Errorf("no sample published yet")
	}
	if age, limit := time.Since(s.Time), 3*m.cfg.Interval(); age > limit && !m.Paused() {
		return fmt.Errorf("newest sample is %s old, limit %s", age.Round(time.Millisecond), limit)
	}
	return nil
}

// GetStatus returns the current status of the global monitor
func GetStatus() map[string]interface{} {
	status := make(map[string]interface{})

	globalMutex.Lock()
	m := globalMonitor
	globalMutex.Unlock()

	if m == nil {
		status["initialized"] = false
		status["error"] = "monitor system not initialized"
		return status
	}

	status["initialized"] = true
	status["id"] = m.ID().String()
	status["running"] = m.Running()
	status["paused"] = m.Paused()
	status["sample_rate"] = m.cfg.SampleRate
	status["skipped"] = m.Skipped()
	if s, ok := Latest(); ok {
		status["last_sample"] = s.Time
		status["cpu"] = s.CPU
		status["rss"] = s.Memory.RSS
	}
	return status
}
