// Package widgethelper brokers window and widget creation between the
// browser process and its renderer processes.
//
// A Helper is owned by one render process host. It hands out routing ids
// from the process-wide allocator, blocks resource requests for windows
// whose views do not exist yet, and posts the UI-thread continuations that
// actually create windows and widgets on the opener's view host. Helpers
// register themselves with a Registry on the IO thread so IO-side code can
// find the helper for a render process id.
package widgethelper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"widgethost/internal/browserthread"
	"widgethost/internal/logging"
	"widgethost/internal/routing"
)

// Options configures a Helper.
type Options struct {
	// Threads runs the IO and UI continuations. Required.
	Threads *browserthread.Threads
	// Registry receives the helper on Init. Defaults to DefaultRegistry().
	Registry *Registry
	// Allocator issues routing ids. Defaults to routing.Shared().
	Allocator *routing.Allocator
	// Hosts resolves opener views on the UI thread. Without it window and
	// widget creation stops after routing ids are assigned.
	Hosts ViewHostResolver
}

// Helper is the per render process window/widget broker. It is reference
// counted: NewHelper returns it holding one reference, each posted
// continuation holds another, and dropping the last reference unregisters
// it on the IO thread.
type Helper struct {
	threads   *browserthread.Threads
	registry  *Registry
	allocator *routing.Allocator
	hosts     ViewHostResolver

	processID atomic.Int64

	mu         sync.RWMutex
	dispatcher ResourceDispatcher

	refs     atomic.Int32
	released atomic.Bool
}

// NewHelper creates an uninitialized helper holding one reference.
func NewHelper(opts Options) *Helper {
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Allocator == nil {
		opts.Allocator = routing.Shared()
	}
	h := &Helper{
		threads:   opts.Threads,
		registry:  opts.Registry,
		allocator: opts.Allocator,
		hosts:     opts.Hosts,
	}
	h.processID.Store(-1)
	h.refs.Store(1)
	return h
}

// ProcessID returns the render process id, or -1 before Init.
func (h *Helper) ProcessID() int {
	return int(h.processID.Load())
}

// Init binds the helper to a render process and its resource dispatcher and
// posts its registration to the IO thread.
func (h *Helper) Init(processID int, dispatcher ResourceDispatcher) error {
	if processID < 0 {
		return fmt.Errorf("init helper: invalid process id %d", processID)
	}
	if h.released.Load() {
		return fmt.Errorf("init helper for process %d: %w", processID, ErrReleased)
	}
	if !h.processID.CompareAndSwap(-1, int64(processID)) {
		return fmt.Errorf("init helper for process %d: %w", processID, ErrAlreadyInitialized)
	}

	h.mu.Lock()
	h.dispatcher = dispatcher
	h.mu.Unlock()

	err := h.post(browserthread.IO, func(context.Context) {
		h.registry.add(processID, h)
	})
	if err != nil {
		// Unbind so the helper reads as uninitialized and Init can be retried.
		h.mu.Lock()
		h.dispatcher = nil
		h.mu.Unlock()
		h.processID.Store(-1)
		return fmt.Errorf("register helper for process %d: %w", processID, err)
	}
	logging.Routing("helper initialized for process %d", processID)
	return nil
}

// NextRoutingID returns a fresh routing id, or routing.None once the
// allocator is exhausted.
func (h *Helper) NextRoutingID() int32 {
	return h.allocator.Next()
}

func (h *Helper) nextRoute() (int32, error) {
	id, ok := h.allocator.TryNext()
	if !ok {
		return routing.None, routing.ErrExhausted
	}
	return id, nil
}

// AddRef takes a reference on the helper.
func (h *Helper) AddRef() {
	if h.refs.Add(1) <= 1 {
		logging.RoutingWarn("AddRef on released helper for process %d", h.ProcessID())
	}
}

// Release drops a reference. Dropping the last one removes the helper from
// the registry on the IO thread. The entry is only erased if it still points
// at this helper.
func (h *Helper) Release() {
	n := h.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		logging.RoutingWarn("Release on released helper for process %d", h.ProcessID())
		return
	}
	h.released.Store(true)

	processID := h.ProcessID()
	if processID < 0 {
		return
	}
	remove := func(context.Context) {
		h.registry.removeIfOwner(processID, h)
	}
	if h.threads == nil || !h.threads.PostTask(browserthread.IO, remove) {
		// IO is gone; nothing else can race on the registry for this id.
		remove(context.Background())
	}
	logging.RoutingDebug("helper for process %d released", processID)
}

// RefCount returns the current number of references.
func (h *Helper) RefCount() int32 {
	return h.refs.Load()
}

// post runs task on thread id while holding a reference on the helper.
func (h *Helper) post(id browserthread.ID, task browserthread.Task) error {
	if h.threads == nil {
		return fmt.Errorf("post to %s: no threads configured", id)
	}
	h.AddRef()
	ok := h.threads.PostTask(id, func(ctx context.Context) {
		defer h.Release()
		task(ctx)
	})
	if !ok {
		h.Release()
		return fmt.Errorf("post to %s: %w", id, browserthread.ErrThreadStopped)
	}
	return nil
}

func (h *Helper) ready() (ResourceDispatcher, error) {
	if h.released.Load() {
		return nil, ErrReleased
	}
	if h.ProcessID() < 0 {
		return nil, ErrNotInitialized
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dispatcher, nil
}

// CreateNewWindow assigns routing ids for a window requested by a renderer
// and posts its creation to the UI thread.
//
// When the opener is suppressed or script access is disallowed the window
// will open in a new process, so the current renderer cannot route to it and
// every returned id is routing.None. Otherwise the view and its main frame
// get fresh ids, the main frame widget shares the view's id, and resource
// requests for the view are blocked until ResumeRequestsForView.
func (h *Helper) CreateNewWindow(params CreateWindowParams, noJavaScriptAccess bool, storage *SessionStorageNamespace) (WindowRoutes, error) {
	unroutable := WindowRoutes{
		RouteID:                routing.None,
		MainFrameRouteID:       routing.None,
		MainFrameWidgetRouteID: routing.None,
	}
	dispatcher, err := h.ready()
	if err != nil {
		return unroutable, fmt.Errorf("create window: %w", err)
	}
	processID := h.ProcessID()

	var routes WindowRoutes
	if params.OpenerSuppressed || noJavaScriptAccess {
		routes = unroutable
	} else {
		view, err := h.nextRoute()
		if err != nil {
			return unroutable, fmt.Errorf("create window: %w", err)
		}
		frame, err := h.nextRoute()
		if err != nil {
			return unroutable, fmt.Errorf("create window: %w", err)
		}
		routes.RouteID = view
		routes.MainFrameRouteID = frame
		routes.MainFrameWidgetRouteID = view
		if dispatcher != nil {
			dispatcher.BlockRequestsForRoute(processID, routes.RouteID)
		}
	}
	logging.RoutingDebug("process %d: window for opener %d gets routes %+v", processID, params.OpenerID, routes)

	if storage != nil {
		storage.AddRef()
	}
	err = h.post(browserthread.UI, func(context.Context) {
		if storage != nil {
			defer storage.Release()
		}
		h.onCreateWindowOnUI(params, routes, storage)
	})
	if err != nil {
		if storage != nil {
			storage.Release()
		}
		return routes, fmt.Errorf("create window: %w", err)
	}
	return routes, nil
}

func (h *Helper) onCreateWindowOnUI(params CreateWindowParams, routes WindowRoutes, storage *SessionStorageNamespace) {
	host, ok := h.opener(params.OpenerID)
	if !ok {
		return
	}
	host.CreateNewWindow(routes, params, storage)
}

// CreateNewWidget assigns a routing id for a popup widget and posts its
// creation to the UI thread.
func (h *Helper) CreateNewWidget(openerID int32, popup PopupType) (int32, error) {
	if _, err := h.ready(); err != nil {
		return routing.None, fmt.Errorf("create widget: %w", err)
	}
	routeID, err := h.nextRoute()
	if err != nil {
		return routing.None, fmt.Errorf("create widget: %w", err)
	}
	err = h.post(browserthread.UI, func(context.Context) {
		if host, ok := h.opener(openerID); ok {
			host.CreateNewWidget(routeID, popup)
		}
	})
	if err != nil {
		return routeID, fmt.Errorf("create widget: %w", err)
	}
	return routeID, nil
}

// CreateNewFullscreenWidget assigns a routing id for a fullscreen widget and
// posts its creation to the UI thread.
func (h *Helper) CreateNewFullscreenWidget(openerID int32) (int32, error) {
	if _, err := h.ready(); err != nil {
		return routing.None, fmt.Errorf("create fullscreen widget: %w", err)
	}
	routeID, err := h.nextRoute()
	if err != nil {
		return routing.None, fmt.Errorf("create fullscreen widget: %w", err)
	}
	err = h.post(browserthread.UI, func(context.Context) {
		if host, ok := h.opener(openerID); ok {
			host.CreateNewFullscreenWidget(routeID)
		}
	})
	if err != nil {
		return routeID, fmt.Errorf("create fullscreen widget: %w", err)
	}
	return routeID, nil
}

// opener resolves the opener's view host. Must run on the UI thread.
func (h *Helper) opener(openerID int32) (ViewHost, bool) {
	if h.hosts == nil {
		logging.RoutingWarn("process %d: no view host resolver, dropping creation for opener %d", h.ProcessID(), openerID)
		return nil, false
	}
	host, ok := h.hosts.FromID(h.ProcessID(), openerID)
	if !ok || host == nil {
		logging.RoutingDebug("process %d: opener %d is gone", h.ProcessID(), openerID)
		return nil, false
	}
	return host, true
}

// ResumeDeferredNavigation resumes a navigation the dispatcher deferred,
// on the IO thread.
func (h *Helper) ResumeDeferredNavigation(id routing.GlobalRequestID) error {
	dispatcher, err := h.ready()
	if err != nil {
		return fmt.Errorf("resume navigation %s: %w", id, err)
	}
	if dispatcher == nil {
		return fmt.Errorf("resume navigation %s: no resource dispatcher", id)
	}
	return h.post(browserthread.IO, func(context.Context) {
		dispatcher.ResumeDeferredNavigation(id)
	})
}

// ResumeRequestsForView releases requests blocked by CreateNewWindow, on the
// IO thread. routing.None never had requests blocked and is ignored.
func (h *Helper) ResumeRequestsForView(routeID int32) error {
	if routeID == routing.None {
		return nil
	}
	dispatcher, err := h.ready()
	if err != nil {
		return fmt.Errorf("resume requests for route %d: %w", routeID, err)
	}
	if dispatcher == nil {
		return fmt.Errorf("resume requests for route %d: no resource dispatcher", routeID)
	}
	processID := h.ProcessID()
	return h.post(browserthread.IO, func(context.Context) {
		dispatcher.ResumeBlockedRequestsForRoute(processID, routeID)
	})
}
