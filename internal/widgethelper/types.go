package widgethelper

import (
	"errors"
	"fmt"
	"sync/atomic"

	"widgethost/internal/routing"

	"github.com/google/uuid"
)

var (
	// ErrWrongThread is returned by checked entry points called off the
	// thread that owns the state they touch.
	ErrWrongThread = errors.New("called on the wrong browser thread")
	// ErrNotInitialized is returned when a helper is used before Init.
	ErrNotInitialized = errors.New("widget helper not initialized")
	// ErrAlreadyInitialized is returned by a second Init call.
	ErrAlreadyInitialized = errors.New("widget helper already initialized")
	// ErrReleased is returned when a helper is used after its last reference
	// was dropped.
	ErrReleased = errors.New("widget helper released")
	// ErrUnknownProcess is returned when no helper is registered for a
	// render process id.
	ErrUnknownProcess = errors.New("no widget helper for render process")
)

// PopupType distinguishes the kinds of widgets a renderer may open.
type PopupType int

const (
	PopupNone PopupType = iota
	PopupSelect
	PopupPage
)

func (p PopupType) String() string {
	switch p {
	case PopupNone:
		return "none"
	case PopupSelect:
		return "select"
	case PopupPage:
		return "page"
	default:
		return fmt.Sprintf("popup(%d)", int(p))
	}
}

// WindowDisposition says where a new window should appear.
type WindowDisposition int

const (
	DispositionNewForegroundTab WindowDisposition = iota
	DispositionNewBackgroundTab
	DispositionNewPopup
	DispositionNewWindow
)

func (d WindowDisposition) String() string {
	switch d {
	case DispositionNewForegroundTab:
		return "new_foreground_tab"
	case DispositionNewBackgroundTab:
		return "new_background_tab"
	case DispositionNewPopup:
		return "new_popup"
	case DispositionNewWindow:
		return "new_window"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// CreateWindowParams carries a renderer's request to open a window.
type CreateWindowParams struct {
	// OpenerID is the routing id of the view that asked for the window.
	OpenerID int32
	// OpenerSuppressed is set for rel=noopener and similar; the new window
	// gets no script handle back to its opener.
	OpenerSuppressed bool
	TargetURL        string
	FrameName        string
	Disposition      WindowDisposition
	UserGesture      bool
}

// WindowRoutes are the routing ids assigned to a new window. All three are
// routing.None when the window will live in a different renderer process.
type WindowRoutes struct {
	RouteID                int32
	MainFrameRouteID       int32
	MainFrameWidgetRouteID int32
}

// Routable reports whether the opener's process can route to the window.
func (w WindowRoutes) Routable() bool {
	return w.RouteID != routing.None
}

// ResourceDispatcher is the IO-thread collaborator that holds and releases
// network requests on behalf of routes.
type ResourceDispatcher interface {
	BlockRequestsForRoute(processID int, routeID int32)
	ResumeBlockedRequestsForRoute(processID int, routeID int32)
	ResumeDeferredNavigation(id routing.GlobalRequestID)
}

// ViewHost is a UI-thread view that can spawn windows and widgets.
type ViewHost interface {
	CreateNewWindow(routes WindowRoutes, params CreateWindowParams, storage *SessionStorageNamespace)
	CreateNewWidget(routeID int32, popup PopupType)
	CreateNewFullscreenWidget(routeID int32)
}

// ViewHostResolver finds the view host for a (process, route) pair on the
// UI thread.
type ViewHostResolver interface {
	FromID(processID int, routeID int32) (ViewHost, bool)
}

// SessionStorageNamespace is the reference-counted DOM storage namespace a
// new window inherits from its opener.
type SessionStorageNamespace struct {
	id   string
	refs atomic.Int32
}

// NewSessionStorageNamespace creates a namespace holding one reference.
func NewSessionStorageNamespace() *SessionStorageNamespace {
	ns := &SessionStorageNamespace{id: uuid.NewString()}
	ns.refs.Store(1)
	return ns
}

// ID returns the namespace's identifier.
func (ns *SessionStorageNamespace) ID() string {
	return ns.id
}

// AddRef takes a reference.
func (ns *SessionStorageNamespace) AddRef() {
	ns.refs.Add(1)
}

// Release drops a reference and reports whether it was the last one.
func (ns *SessionStorageNamespace) Release() bool {
	return ns.refs.Add(-1) == 0
}

// RefCount returns the current number of references.
func (ns *SessionStorageNamespace) RefCount() int32 {
	return ns.refs.Load()
}
