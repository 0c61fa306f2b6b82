package healthmon

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Resource types the monitor creates for its own operation. Snapshots report
// one less of each so the monitor does not show up in its own figures.
const (
	ResourceTypeTimer      = "Timer"
	ResourceTypeDelayProbe = "DelayProbe"
	ResourceTypeNotifier   = "Notifier"
)

var reservedResourceTypes = [...]string{
	ResourceTypeTimer,
	ResourceTypeDelayProbe,
	ResourceTypeNotifier,
}

// ResourceCountTable maps a resource type to its live count. Only positive
// counts are present.
type ResourceCountTable map[string]int64

// ResourceListener receives resource lifecycle notifications.
type ResourceListener interface {
	OnCreate(id uint64, typ string)
	OnDestroy(id uint64)
}

// ResourceSource delivers lifecycle notifications for every resource in the
// process. Implementations must not call a listener concurrently with itself.
type ResourceSource interface {
	Subscribe(l ResourceListener) error
	Unsubscribe(l ResourceListener)
}

// ResourceHub is an in-process ResourceSource. Code that owns asynchronous
// resources reports them with Create and Destroy.
type ResourceHub struct {
	mutex     sync.Mutex
	nextID    atomic.Uint64
	listeners []ResourceListener
	notifiers map[ResourceListener]uint64
}

// NewResourceHub creates an empty hub.
func NewResourceHub() *ResourceHub {
	return &ResourceHub{
		notifiers: make(map[ResourceListener]uint64),
	}
}

// Create registers a new resource of type typ and returns its id.
func (h *ResourceHub) Create(typ string) uint64 {
	id := h.nextID.Add(1)
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for _, l := range h.listeners {
		l.OnCreate(id, typ)
	}
	return id
}

// Destroy reports the end of the resource with the given id.
func (h *ResourceHub) Destroy(id uint64) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for _, l := range h.listeners {
		l.OnDestroy(id)
	}
}

// Subscribe implements ResourceSource. The subscription itself is announced as
// a ResourceTypeNotifier resource.
func (h *ResourceHub) Subscribe(l ResourceListener) error {
	if l == nil {
		return fmt.Errorf("resource listener cannot be nil")
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, exists := h.notifiers[l]; exists {
		return fmt.Errorf("resource listener already subscribed")
	}
	h.listeners = append(h.listeners, l)

	id := h.nextID.Add(1)
	h.notifiers[l] = id
	for _, ln := range h.listeners {
		ln.OnCreate(id, ResourceTypeNotifier)
	}
	return nil
}

// Unsubscribe implements ResourceSource.
func (h *ResourceHub) Unsubscribe(l ResourceListener) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	id, exists := h.notifiers[l]
	if !exists {
		return
	}
	delete(h.notifiers, l)
	for i, ln := range h.listeners {
		if ln == l {
			h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
			break
		}
	}
	for _, ln := range h.listeners {
		ln.OnDestroy(id)
	}
}

// ResourceTracker keeps live resource counts by type.
//
// The tracker has one writer, the source delivering notifications, and any
// number of readers calling Snapshot. Per-type counters are atomics held in a
// copy-on-write map, so readers never lock the writer.
type ResourceTracker struct {
	source ResourceSource
	logger *zap.Logger

	// written only by the notification callbacks
	ids map[uint64]string

	counts    atomic.Pointer[map[string]*atomic.Int64]
	destroyed atomic.Bool
	once      sync.Once
}

// NewResourceTracker creates a tracker subscribed to src.
func NewResourceTracker(src ResourceSource, logger *zap.Logger) (*ResourceTracker, error) {
	if src == nil {
		return nil, fmt.Errorf("resource source cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &ResourceTracker{
		source: src,
		logger: logger,
		ids:    make(map[uint64]string),
	}
	empty := make(map[string]*atomic.Int64)
	t.counts.Store(&empty)

	if err := src.Subscribe(t); err != nil {
		return nil, fmt.Errorf("failed to subscribe resource tracker: %w", err)
	}
	return t, nil
}

// OnCreate implements ResourceListener.
func (t *ResourceTracker) OnCreate(id uint64, typ string) {
	if t.destroyed.Load() {
		return
	}
	if prev, exists := t.ids[id]; exists {
		t.counter(prev).Add(-1)
	}
	t.ids[id] = typ
	t.counter(typ).Add(1)
}

// OnDestroy implements ResourceListener. Unknown ids are ignored: observation
// may have started after the resource was created.
func (t *ResourceTracker) OnDestroy(id uint64) {
	if t.destroyed.Load() {
		return
	}
	typ, exists := t.ids[id]
	if !exists {
		return
	}
	delete(t.ids, id)
	t.counter(typ).Add(-1)
}

// counter returns the counter for typ, publishing a new map when typ is new.
func (t *ResourceTracker) counter(typ string) *atomic.Int64 {
	current := *t.counts.Load()
	if c, exists := current[typ]; exists {
		return c
	}

	next := make(map[string]*atomic.Int64, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	c := &atomic.Int64{}
	next[typ] = c
	t.counts.Store(&next)
	return c
}

// Snapshot returns the live counts, excluding the monitor's own resources.
func (t *ResourceTracker) Snapshot() ResourceCountTable {
	current := *t.counts.Load()
	table := make(ResourceCountTable, len(current))
	for typ, c := range current {
		if n := c.Load(); n > 0 {
			table[typ] = n
		}
	}

	for _, typ := range reservedResourceTypes {
		n, exists := table[typ]
		if !exists {
			continue
		}
		if n <= 1 {
			delete(table, typ)
		} else {
			table[typ] = n - 1
		}
	}
	return table
}

// Destroy unsubscribes the tracker. Notifications received afterwards are ignored.
func (t *ResourceTracker) Destroy() {
	t.once.Do(func() {
		t.destroyed.Store(true)
		t.source.Unsubscribe(t)
		t.logger.Debug("resource tracker destroyed")
	})
}
