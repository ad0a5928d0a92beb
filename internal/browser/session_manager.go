// Package browser backs view hosts with real browser pages driven over the
// DevTools protocol.
//
// A SessionManager tracks one session per (render process, route) pair.
// Opener views are registered explicitly; windows and widgets created by a
// widgethelper.Helper are recorded through the ViewHost the manager hands
// out, and windows get a page in the opener's browser context when a browser
// is connected. Without a browser the manager still keeps the bookkeeping,
// with every session marked detached.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"widgethost/internal/config"
	"widgethost/internal/logging"
	"widgethost/internal/routing"
	"widgethost/internal/widgethelper"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// ErrUnknownView is returned when no session exists for a process/route.
var ErrUnknownView = errors.New("unknown view")

// Kind says what created a session.
type Kind string

const (
	KindOpener     Kind = "opener"
	KindWindow     Kind = "window"
	KindWidget     Kind = "widget"
	KindFullscreen Kind = "fullscreen"
)

// Session statuses.
const (
	StatusActive     = "active"
	StatusDetached   = "detached"
	StatusUnroutable = "unroutable"
	StatusFailed     = "failed"
)

const blankURL = "about:blank"

// Session describes the public metadata for a tracked view.
type Session struct {
	ID               string    `json:"id"`
	TargetID         string    `json:"target_id,omitempty"`
	ProcessID        int       `json:"process_id"`
	RouteID          int32     `json:"route_id"`
	OpenerRouteID    int32     `json:"opener_route_id"`
	Kind             Kind      `json:"kind"`
	URL              string    `json:"url,omitempty"`
	FrameName        string    `json:"frame_name,omitempty"`
	Popup            string    `json:"popup,omitempty"`
	StorageNamespace string    `json:"storage_namespace,omitempty"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}

type sessionRecord struct {
	meta Session
	page *rod.Page
}

type viewKey struct {
	processID int
	routeID   int32
}

// Config holds browser configuration.
type Config struct {
	DebuggerURL       string
	Launch            []string
	Headless          bool
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration
}

// DefaultConfig returns headless defaults.
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		ViewportWidth:     1280,
		ViewportHeight:    800,
		NavigationTimeout: 30 * time.Second,
	}
}

// FromConfig builds a browser Config from the application config.
func FromConfig(cfg *config.Config) Config {
	return Config{
		DebuggerURL:       cfg.Browser.DebuggerURL,
		Launch:            append([]string(nil), cfg.Browser.Launch...),
		Headless:          cfg.Browser.Headless,
		ViewportWidth:     cfg.Browser.ViewportWidth,
		ViewportHeight:    cfg.Browser.ViewportHeight,
		NavigationTimeout: cfg.GetNavigationTimeout(),
	}
}

func (c Config) viewportWidth() int {
	if c.ViewportWidth <= 0 {
		return 1280
	}
	return c.ViewportWidth
}

func (c Config) viewportHeight() int {
	if c.ViewportHeight <= 0 {
		return 800
	}
	return c.ViewportHeight
}

func (c Config) navigationTimeout() time.Duration {
	if c.NavigationTimeout <= 0 {
		return 30 * time.Second
	}
	return c.NavigationTimeout
}

// SessionManager owns the browser connection and tracks view sessions.
type SessionManager struct {
	cfg Config

	mu         sync.RWMutex
	ctx        context.Context
	browser    *rod.Browser
	controlURL string
	sessions   map[string]*sessionRecord
	byRoute    map[viewKey]string
}

// NewSessionManager creates a session manager. Until Start connects a
// browser every session it records is detached.
func NewSessionManager(cfg Config) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		ctx:      context.Background(),
		sessions: make(map[string]*sessionRecord),
		byRoute:  make(map[viewKey]string),
	}
}

// Start connects to the configured debugger URL or launches a browser.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserWarn("stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		m.detachAllLocked()
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		l := launcher.New().Headless(m.cfg.Headless)
		if len(m.cfg.Launch) > 0 {
			l = l.Bin(m.cfg.Launch[0])
			for _, raw := range m.cfg.Launch[1:] {
				name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
				if hasVal {
					l = l.Set(flags.Flag(name), val)
				} else {
					l = l.Set(flags.Flag(name))
				}
			}
		}
		url, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		controlURL = url
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}

	m.ctx = ctx
	m.browser = b
	m.controlURL = controlURL
	logging.Browser("connected to %s", controlURL)
	return nil
}

// ControlURL returns the DevTools WebSocket URL.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected reports whether a browser is connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes every tracked page and the browser and forgets all
// sessions.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.sessions {
		if rec.page != nil {
			_ = rec.page.Context(ctx).Close()
		}
		delete(m.sessions, id)
	}
	m.byRoute = make(map[viewKey]string)

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
		logging.Browser("browser closed")
	}
	m.controlURL = ""
	m.ctx = context.Background()
	return err
}

func (m *SessionManager) detachAllLocked() {
	for _, rec := range m.sessions {
		rec.page = nil
		if rec.meta.Status == StatusActive {
			rec.meta.Status = StatusDetached
		}
	}
}

// RegisterOpener records the view at (processID, routeID) as a window that
// can open further windows and widgets. With a browser connected it gets
// its own incognito context and a page at url.
func (m *SessionManager) RegisterOpener(ctx context.Context, processID int, routeID int32, url string) (*Session, error) {
	if routeID == routing.None {
		return nil, fmt.Errorf("register opener for process %d: route is unroutable", processID)
	}
	if url == "" {
		url = blankURL
	}
	meta := Session{
		ID:            uuid.NewString(),
		ProcessID:     processID,
		RouteID:       routeID,
		OpenerRouteID: routing.None,
		Kind:          KindOpener,
		URL:           url,
		Status:        StatusDetached,
		CreatedAt:     time.Now(),
	}

	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()

	var page *rod.Page
	if b != nil {
		incognito, err := b.Incognito()
		if err != nil {
			return nil, fmt.Errorf("incognito context: %w", err)
		}
		page, err = m.openPage(ctx, incognito, url)
		if err != nil {
			return nil, err
		}
		meta.TargetID = string(page.TargetID)
		meta.Status = StatusActive
	}

	m.mu.Lock()
	m.trackLocked(&sessionRecord{meta: meta, page: page})
	m.mu.Unlock()

	logging.Browser("process %d: opener route %d registered (%s)", processID, routeID, meta.Status)
	return &meta, nil
}

// openPage creates a page in b, sizes it and navigates to url.
func (m *SessionManager) openPage(ctx context.Context, b *rod.Browser, url string) (*rod.Page, error) {
	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: blankURL})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.viewportWidth(),
		Height:            m.cfg.viewportHeight(),
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		logging.BrowserWarn("set viewport: %v", err)
	}
	if url != blankURL {
		if err := page.Timeout(m.cfg.navigationTimeout()).Navigate(url); err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("navigate to %s: %w", url, err)
		}
	}
	return page, nil
}

// trackLocked stores rec, replacing any session already at its route.
func (m *SessionManager) trackLocked(rec *sessionRecord) {
	m.sessions[rec.meta.ID] = rec
	if rec.meta.RouteID == routing.None {
		return
	}
	key := viewKey{rec.meta.ProcessID, rec.meta.RouteID}
	if old, ok := m.byRoute[key]; ok {
		if prev := m.sessions[old]; prev != nil && prev.page != nil {
			_ = prev.page.Close()
		}
		delete(m.sessions, old)
	}
	m.byRoute[key] = rec.meta.ID
}

// FromID returns the view host for (processID, routeID).
func (m *SessionManager) FromID(processID int, routeID int32) (widgethelper.ViewHost, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.byRoute[viewKey{processID, routeID}]; !ok {
		return nil, false
	}
	return &pageHost{m: m, processID: processID, routeID: routeID}, true
}

// Session returns the metadata of the view at (processID, routeID).
func (m *SessionManager) Session(processID int, routeID int32) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRoute[viewKey{processID, routeID}]
	if !ok {
		return Session{}, false
	}
	return m.sessions[id].meta, true
}

// Page returns the rod page of the view at (processID, routeID), if it has
// one.
func (m *SessionManager) Page(processID int, routeID int32) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRoute[viewKey{processID, routeID}]
	if !ok || m.sessions[id].page == nil {
		return nil, false
	}
	return m.sessions[id].page, true
}

// List returns every session ordered by process, route and creation time.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec.meta)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ProcessID != b.ProcessID {
			return a.ProcessID < b.ProcessID
		}
		if a.RouteID != b.RouteID {
			return a.RouteID < b.RouteID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}

// Close closes the view at (processID, routeID) and forgets it.
func (m *SessionManager) Close(processID int, routeID int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := viewKey{processID, routeID}
	id, ok := m.byRoute[key]
	if !ok {
		return fmt.Errorf("close process %d route %d: %w", processID, routeID, ErrUnknownView)
	}
	rec := m.sessions[id]
	delete(m.byRoute, key)
	delete(m.sessions, id)
	if rec.page != nil {
		if err := rec.page.Close(); err != nil {
			return fmt.Errorf("close page: %w", err)
		}
	}
	return nil
}

// ClosePagesForProcess closes every view of a render process, returning
// how many sessions were dropped.
func (m *SessionManager) ClosePagesForProcess(processID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, rec := range m.sessions {
		if rec.meta.ProcessID != processID {
			continue
		}
		if rec.page != nil {
			_ = rec.page.Close()
		}
		delete(m.sessions, id)
		delete(m.byRoute, viewKey{processID, rec.meta.RouteID})
		n++
	}
	if n > 0 {
		logging.Browser("process %d: closed %d views", processID, n)
	}
	return n
}

// pageHost is the ViewHost of one tracked view. Its methods run on the UI
// thread.
type pageHost struct {
	m         *SessionManager
	processID int
	routeID   int32
}

func (h *pageHost) opener() (*sessionRecord, context.Context) {
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	id, ok := h.m.byRoute[viewKey{h.processID, h.routeID}]
	if !ok {
		return nil, h.m.ctx
	}
	rec := *h.m.sessions[id]
	return &rec, h.m.ctx
}

func (h *pageHost) CreateNewWindow(routes widgethelper.WindowRoutes, params widgethelper.CreateWindowParams, storage *widgethelper.SessionStorageNamespace) {
	url := params.TargetURL
	if url == "" {
		url = blankURL
	}
	meta := Session{
		ID:            uuid.NewString(),
		ProcessID:     h.processID,
		RouteID:       routes.RouteID,
		OpenerRouteID: h.routeID,
		Kind:          KindWindow,
		URL:           url,
		FrameName:     params.FrameName,
		Status:        StatusDetached,
		CreatedAt:     time.Now(),
	}
	if storage != nil {
		meta.StorageNamespace = storage.ID()
	}
	if !routes.Routable() {
		meta.Status = StatusUnroutable
	}

	opener, ctx := h.opener()
	var page *rod.Page
	if opener != nil && opener.page != nil {
		var err error
		page, err = h.m.openPage(ctx, opener.page.Browser(), url)
		if err != nil {
			logging.BrowserWarn("process %d: window for opener %d: %v", h.processID, h.routeID, err)
			meta.Status = StatusFailed
		} else {
			meta.TargetID = string(page.TargetID)
			if routes.Routable() {
				meta.Status = StatusActive
			}
			if storage != nil && !params.OpenerSuppressed {
				restoreSessionStorage(page, snapshotSessionStorage(opener.page))
			}
		}
	}

	h.m.mu.Lock()
	h.m.trackLocked(&sessionRecord{meta: meta, page: page})
	h.m.mu.Unlock()

	logging.BrowserDebug("process %d: opener %d created window route %d (%s) at %s",
		h.processID, h.routeID, routes.RouteID, meta.Status, url)
}

func (h *pageHost) CreateNewWidget(routeID int32, popup widgethelper.PopupType) {
	h.recordWidget(routeID, KindWidget, popup.String())
}

func (h *pageHost) CreateNewFullscreenWidget(routeID int32) {
	h.recordWidget(routeID, KindFullscreen, "")
}

// recordWidget tracks a widget. Widgets render inside the opener's page, so
// they never get a page of their own.
func (h *pageHost) recordWidget(routeID int32, kind Kind, popup string) {
	opener, _ := h.opener()
	meta := Session{
		ID:            uuid.NewString(),
		ProcessID:     h.processID,
		RouteID:       routeID,
		OpenerRouteID: h.routeID,
		Kind:          kind,
		Popup:         popup,
		Status:        StatusDetached,
		CreatedAt:     time.Now(),
	}
	if opener != nil {
		meta.URL = opener.meta.URL
		meta.TargetID = opener.meta.TargetID
		meta.Status = opener.meta.Status
	}

	h.m.mu.Lock()
	h.m.trackLocked(&sessionRecord{meta: meta})
	h.m.mu.Unlock()

	logging.BrowserDebug("process %d: opener %d created %s route %d", h.processID, h.routeID, kind, routeID)
}

func snapshotSessionStorage(page *rod.Page) string {
	res, err := page.Evaluate(&rod.EvalOptions{
		JS: `() => {
			try {
				const out = {};
				for (const key of Object.keys(sessionStorage)) {
					out[key] = sessionStorage.getItem(key);
				}
				return JSON.stringify(out);
			} catch (e) {
				return "{}";
			}
		}`,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return "{}"
	}
	return res.Value.String()
}

func restoreSessionStorage(page *rod.Page, data string) {
	_, err := page.Evaluate(&rod.EvalOptions{
		JS: `(data) => {
			try {
				Object.entries(JSON.parse(data || "{}")).forEach(([k, v]) => sessionStorage.setItem(k, v));
			} catch (e) {}
		}`,
		JSArgs:       []interface{}{data},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		logging.BrowserWarn("restore session storage: %v", err)
	}
}
