// Package resourcehost is an in-memory resource dispatcher for the browser
// process. It holds network requests of routes whose views are not created
// yet and parks navigations until something resumes them.
package resourcehost

import (
	"sync"
	"time"

	"widgethost/internal/logging"
	"widgethost/internal/routing"

	"github.com/google/uuid"
)

// Request is a network request issued by a renderer for one of its routes.
type Request struct {
	ID        string
	ProcessID int
	RouteID   int32
	URL       string
	Issued    time.Time
}

// Handler receives requests once they are allowed to proceed.
type Handler func(Request)

type routeKey struct {
	processID int
	routeID   int32
}

// Stats is a snapshot of the dispatcher's bookkeeping.
type Stats struct {
	BlockedRoutes       int
	PendingRequests     int
	DeferredNavigations int
	Dispatched          int64
	Cancelled           int64
}

// Dispatcher implements the widget helper's resource dispatcher contract.
// All methods are safe for concurrent use; in the browser they are called
// from the IO thread.
type Dispatcher struct {
	mu         sync.Mutex
	handler    Handler
	blocked    map[routeKey][]Request
	deferred   map[routing.GlobalRequestID]func()
	dispatched int64
	cancelled  int64
}

// NewDispatcher creates a dispatcher delivering released requests to handler.
func NewDispatcher(handler Handler) *Dispatcher {
	if handler == nil {
		handler = func(Request) {}
	}
	return &Dispatcher{
		handler:  handler,
		blocked:  make(map[routeKey][]Request),
		deferred: make(map[routing.GlobalRequestID]func()),
	}
}

// BlockRequestsForRoute holds requests for the route until resumed or
// cancelled. Blocking an already blocked route keeps its queue.
func (d *Dispatcher) BlockRequestsForRoute(processID int, routeID int32) {
	key := routeKey{processID, routeID}
	d.mu.Lock()
	if _, ok := d.blocked[key]; !ok {
		d.blocked[key] = nil
	}
	d.mu.Unlock()
	logging.ResourceDebug("blocked requests for %d:%d", processID, routeID)
}

// IsBlocked reports whether requests for the route are being held.
func (d *Dispatcher) IsBlocked(processID int, routeID int32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.blocked[routeKey{processID, routeID}]
	return ok
}

// Enqueue issues a request for a route. It is held if the route is blocked
// and handed to the handler otherwise. The request id is returned.
func (d *Dispatcher) Enqueue(processID int, routeID int32, url string) string {
	req := Request{
		ID:        uuid.NewString(),
		ProcessID: processID,
		RouteID:   routeID,
		URL:       url,
		Issued:    time.Now(),
	}
	key := routeKey{processID, routeID}

	d.mu.Lock()
	if queue, ok := d.blocked[key]; ok {
		d.blocked[key] = append(queue, req)
		d.mu.Unlock()
		logging.ResourceDebug("held request %s for %d:%d", req.ID, processID, routeID)
		return req.ID
	}
	d.dispatched++
	handler := d.handler
	d.mu.Unlock()

	handler(req)
	return req.ID
}

// ResumeBlockedRequestsForRoute unblocks the route and dispatches its held
// requests in the order they were issued.
func (d *Dispatcher) ResumeBlockedRequestsForRoute(processID int, routeID int32) {
	key := routeKey{processID, routeID}

	d.mu.Lock()
	queue, ok := d.blocked[key]
	delete(d.blocked, key)
	d.dispatched += int64(len(queue))
	handler := d.handler
	d.mu.Unlock()

	if !ok {
		logging.ResourceDebug("resume for unblocked route %d:%d ignored", processID, routeID)
		return
	}
	for _, req := range queue {
		handler(req)
	}
	logging.Resource("resumed %d requests for %d:%d", len(queue), processID, routeID)
}

// CancelBlockedRequestsForRoute unblocks the route and drops its held
// requests. It returns how many were dropped.
func (d *Dispatcher) CancelBlockedRequestsForRoute(processID int, routeID int32) int {
	key := routeKey{processID, routeID}

	d.mu.Lock()
	queue := d.blocked[key]
	delete(d.blocked, key)
	d.cancelled += int64(len(queue))
	d.mu.Unlock()

	if len(queue) > 0 {
		logging.Resource("cancelled %d requests for %d:%d", len(queue), processID, routeID)
	}
	return len(queue)
}

// CancelRequestsForProcess drops every held request of a render process,
// used when the process goes away.
func (d *Dispatcher) CancelRequestsForProcess(processID int) int {
	d.mu.Lock()
	n := 0
	for key, queue := range d.blocked {
		if key.processID != processID {
			continue
		}
		n += len(queue)
		delete(d.blocked, key)
	}
	for id := range d.deferred {
		if id.ChildID == processID {
			delete(d.deferred, id)
		}
	}
	d.cancelled += int64(n)
	d.mu.Unlock()
	return n
}

// DeferNavigation parks a navigation until ResumeDeferredNavigation.
// Deferring an id twice replaces the earlier continuation.
func (d *Dispatcher) DeferNavigation(id routing.GlobalRequestID, resume func()) {
	d.mu.Lock()
	if _, dup := d.deferred[id]; dup {
		logging.ResourceWarn("navigation %s deferred twice; replacing", id)
	}
	d.deferred[id] = resume
	d.mu.Unlock()
}

// ResumeDeferredNavigation runs a parked navigation once. Unknown ids are
// logged and ignored.
func (d *Dispatcher) ResumeDeferredNavigation(id routing.GlobalRequestID) {
	d.mu.Lock()
	resume, ok := d.deferred[id]
	delete(d.deferred, id)
	d.mu.Unlock()

	if !ok {
		logging.ResourceWarn("resume of unknown navigation %s", id)
		return
	}
	if resume != nil {
		resume()
	}
	logging.ResourceDebug("navigation %s resumed", id)
}

// Stats returns a snapshot of the dispatcher state.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		BlockedRoutes:       len(d.blocked),
		DeferredNavigations: len(d.deferred),
		Dispatched:          d.dispatched,
		Cancelled:           d.cancelled,
	}
	for _, q := range d.blocked {
		s.PendingRequests += len(q)
	}
	return s
}
