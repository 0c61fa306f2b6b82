// Package periodic provides cancellable periodic tasks that can hold a Group
// open, in the way a pending timer keeps an event loop running.
//
// A held task keeps Group.Wait from returning. Tasks start held; Release lets
// the owner of the group exit while the task keeps ticking.
package periodic

import (
	"context"
	"sync"
	"time"
)

// Group tracks how many tasks currently hold it open.
type Group struct {
	mutex   sync.Mutex
	held    int
	changed chan struct{}
}

// Default is the group used by tasks started with a nil group.
var Default = NewGroup()

// NewGroup creates an empty group.
func NewGroup() *Group {
	return &Group{changed: make(chan struct{})}
}

func (g *Group) add(delta int) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.held += delta
	close(g.changed)
	g.changed = make(chan struct{})
}

// Held returns the number of tasks holding the group.
func (g *Group) Held() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.held
}

// Wait blocks until no task holds the group or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	for {
		g.mutex.Lock()
		if g.held == 0 {
			g.mutex.Unlock()
			return nil
		}
		changed := g.changed
		g.mutex.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Task is a ticker with explicit hold/release over its group.
type Task struct {
	group    *Group
	interval time.Duration
	ticker   *time.Ticker

	mutex   sync.Mutex
	held    bool
	paused  bool
	stopped bool
	stopCtx func() bool
}

// Start starts a task ticking every interval until Stop is called or ctx is
// done. The task holds group from the start.
func Start(ctx context.Context, group *Group, interval time.Duration) *Task {
	if group == nil {
		group = Default
	}
	t := &Task{
		group:    group,
		interval: interval,
		ticker:   time.NewTicker(interval),
	}
	t.Hold()

	t.mutex.Lock()
	t.stopCtx = context.AfterFunc(ctx, t.Stop)
	t.mutex.Unlock()
	return t
}

// C delivers the ticks. Ticks are dropped while the receiver is busy.
func (t *Task) C() <-chan time.Time {
	return t.ticker.C
}

// Interval returns the tick interval.
func (t *Task) Interval() time.Duration {
	return t.interval
}

// Hold makes the task keep its group open.
func (t *Task) Hold() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.stopped || t.held {
		return
	}
	t.held = true
	t.group.add(1)
}

// Release lets the group close while the task keeps running.
func (t *Task) Release() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.held {
		return
	}
	t.held = false
	t.group.add(-1)
}

// Held reports whether the task holds its group.
func (t *Task) Held() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.held
}

// Pause stops ticking until Resume.
func (t *Task) Pause() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.stopped || t.paused {
		return
	}
	t.paused = true
	t.ticker.Stop()
}

// Resume restarts ticking after Pause, a full interval from now.
func (t *Task) Resume() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.stopped || !t.paused {
		return
	}
	t.paused = false
	t.ticker.Reset(t.interval)
}

// Paused reports whether the task is paused.
func (t *Task) Paused() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.paused
}

// Stop cancels the task and releases its group. It is idempotent.
func (t *Task) Stop() {
	t.mutex.Lock()
	if t.stopped {
		t.mutex.Unlock()
		return
	}
	t.stopped = true
	t.ticker.Stop()
	if t.held {
		t.held = false
		t.group.add(-1)
	}
	stopCtx := t.stopCtx
	t.mutex.Unlock()

	if stopCtx != nil {
		stopCtx()
	}
}

// Stopped reports whether Stop was called.
func (t *Task) Stopped() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.stopped
}
