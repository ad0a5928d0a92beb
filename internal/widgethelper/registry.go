package widgethelper

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"widgethost/internal/browserthread"
	"widgethost/internal/logging"
)

// Registry maps render process ids to their widget helpers. Mutations happen
// on the IO thread; the lock also keeps off-thread readers (stats, tests)
// safe.
type Registry struct {
	mu      sync.RWMutex
	helpers map[int]*Helper
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{helpers: make(map[int]*Helper)}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry, creating it on first use.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// add records h for processID. An existing entry is overwritten; only the
// newest helper for a process id matters.
func (r *Registry) add(processID int, h *Helper) {
	r.mu.Lock()
	prev, existed := r.helpers[processID]
	r.helpers[processID] = h
	r.mu.Unlock()

	if existed && prev != h {
		logging.RoutingDebug("registry: helper for process %d replaced", processID)
	}
	logging.RoutingDebug("registry: added helper for process %d", processID)
}

// removeIfOwner erases the entry for processID only while it still points
// at h. A later helper that reused the process id keeps its entry.
func (r *Registry) removeIfOwner(processID int, h *Helper) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.helpers[processID]; ok && cur == h {
		delete(r.helpers, processID)
		logging.RoutingDebug("registry: removed helper for process %d", processID)
		return true
	}
	return false
}

// FromProcessHostID returns the helper registered for processID, or nil.
// It belongs on the IO thread; calls from elsewhere are logged and still
// answered.
func (r *Registry) FromProcessHostID(ctx context.Context, processID int) *Helper {
	if !browserthread.CurrentlyOn(ctx, browserthread.IO) {
		logging.RoutingWarn("FromProcessHostID(%d) called off the IO thread", processID)
	}
	return r.get(processID)
}

// Lookup is the checked form of FromProcessHostID.
func (r *Registry) Lookup(ctx context.Context, processID int) (*Helper, error) {
	if !browserthread.CurrentlyOn(ctx, browserthread.IO) {
		return nil, fmt.Errorf("lookup process %d: %w", processID, ErrWrongThread)
	}
	h := r.get(processID)
	if h == nil {
		return nil, fmt.Errorf("lookup process %d: %w", processID, ErrUnknownProcess)
	}
	return h, nil
}

func (r *Registry) get(processID int) *Helper {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.helpers[processID]
}

// Len returns the number of registered helpers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.helpers)
}

// ProcessIDs returns the registered process ids in ascending order.
func (r *Registry) ProcessIDs() []int {
	r.mu.RLock()
	ids := make([]int, 0, len(r.helpers))
	for id := range r.helpers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Ints(ids)
	return ids
}

// FromProcessHostID looks processID up in the default registry.
func FromProcessHostID(ctx context.Context, processID int) *Helper {
	return DefaultRegistry().FromProcessHostID(ctx, processID)
}
