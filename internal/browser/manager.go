// Package browser drives a running Chrome over the DevTools protocol: it lists
// and manages tabs, runs page actions and provides the debugging channel the
// session registry attaches through.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/manaflow-ai/browserlogger/internal/telemetry"
)

// ErrTabNotFound is returned when a tab id or the active tab cannot be
// resolved to a live page.
var ErrTabNotFound = errors.New("tab not found")

// isolatedWorldName names the isolated world used by EvaluateIsolated.
const isolatedWorldName = "browserlogger"

// defaultActionTimeout bounds CDP calls made without a caller deadline.
const defaultActionTimeout = 10 * time.Second

// conn is one CDP connection to a single target. Each connection has its own
// remote allocator so its context is always the first one on that allocator
// and cancelling it only drops our websocket.
type conn struct {
	ctx       context.Context
	cancel    context.CancelFunc
	allocCanc context.CancelFunc
}

func (c *conn) close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.allocCanc != nil {
		c.allocCanc()
	}
}

func (c *conn) alive() bool {
	return c != nil && c.ctx.Err() == nil
}

// Manager owns the agent's connections to Chrome.
type Manager struct {
	api  *debugAPI
	tabs *Tabs

	mu       sync.Mutex
	conns    map[target.ID]*conn
	sessions map[target.ID]*conn
}

// NewManager creates a manager for the Chrome debug endpoint at chromeURL
// (e.g. http://127.0.0.1:9222). Nothing is dialled until first use.
func NewManager(chromeURL string) *Manager {
	return NewManagerWithTabs(chromeURL, NewTabs())
}

// NewManagerWithTabs is NewManager with an existing tab id mapping, so ids
// survive replacing the manager.
func NewManagerWithTabs(chromeURL string, tabs *Tabs) *Manager {
	return &Manager{
		api:      newDebugAPI(chromeURL),
		tabs:     tabs,
		conns:    make(map[target.ID]*conn),
		sessions: make(map[target.ID]*conn),
	}
}

// TabIDs returns the tab id mapping.
func (m *Manager) TabIDs() *Tabs {
	return m.tabs
}

// dial opens a connection to id. The handshake gives up when ctx ends, or
// after defaultActionTimeout when ctx has no deadline.
func (m *Manager) dial(ctx context.Context, id target.ID) (*conn, error) {
	wsURL, err := m.api.wsURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("Chrome CDP not available: %w", err)
	}

	allocCtx, allocCanc := chromedp.NewRemoteAllocator(context.Background(), wsURL)
	cctx, cancel := chromedp.NewContext(allocCtx, chromedp.WithTargetID(id))
	c := &conn{ctx: cctx, cancel: cancel, allocCanc: allocCanc}

	if _, ok := ctx.Deadline(); !ok {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, defaultActionTimeout)
		defer stop()
	}

	// The connection must outlive ctx, so the handshake runs on its own
	// context and is abandoned when ctx ends first.
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(cctx) }()
	select {
	case err := <-done:
		if err != nil {
			c.close()
			return nil, fmt.Errorf("failed to attach to %s: %w", id, err)
		}
		return c, nil
	case <-ctx.Done():
		c.close()
		return nil, fmt.Errorf("failed to attach to %s: %w", id, ctx.Err())
	}
}

// connFor returns the command connection for id, reconnecting if stale.
func (m *Manager) connFor(ctx context.Context, id target.ID) (*conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c := m.conns[id]; c.alive() {
		return c, nil
	} else if c != nil {
		log.Printf("[browser] connection to %s stale, reconnecting", id)
		c.close()
		delete(m.conns, id)
	}

	c, err := m.dial(ctx, id)
	if err != nil {
		return nil, err
	}
	m.conns[id] = c
	log.Printf("[browser] connected to Chrome CDP, target=%s", id)
	return c, nil
}

// bound derives a context on conn that ends with ctx's deadline.
func bound(ctx context.Context, c *conn) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok {
		return context.WithDeadline(c.ctx, dl)
	}
	return context.WithTimeout(c.ctx, defaultActionTimeout)
}

// run executes actions on the command connection of id.
func (m *Manager) run(ctx context.Context, id target.ID, actions ...chromedp.Action) error {
	c, err := m.connFor(ctx, id)
	if err != nil {
		return err
	}
	rctx, cancel := bound(ctx, c)
	defer cancel()
	return chromedp.Run(rctx, actions...)
}

// dropConn closes the command connection to id. Session connections belong to
// the session registry and are released through it.
func (m *Manager) dropConn(id target.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[id]; ok {
		c.close()
		delete(m.conns, id)
	}
}

// Close drops every connection. Chrome and its tabs keep running.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.conns {
		c.close()
		delete(m.conns, id)
	}
	for id, c := range m.sessions {
		c.close()
		delete(m.sessions, id)
	}
}

// =============================================================================
// Tabs
// =============================================================================

// Pages lists the live page targets.
func (m *Manager) Pages(ctx context.Context) ([]TargetInfo, error) {
	return m.api.pages(ctx)
}

// Tabs returns the tab inventory.
func (m *Manager) Tabs(ctx context.Context) ([]telemetry.Tab, error) {
	pages, err := m.api.pages(ctx)
	if err != nil {
		return nil, err
	}
	return m.tabs.Sync(pages), nil
}

// Resolve maps an explicit tab id, or the active tab when tabID is nil, to a
// live page.
func (m *Manager) Resolve(ctx context.Context, tabID *int) (telemetry.Tab, error) {
	pages, err := m.api.pages(ctx)
	if err != nil {
		return telemetry.Tab{}, err
	}
	var (
		info TargetInfo
		ok   bool
	)
	if tabID != nil {
		info, ok = m.tabs.Lookup(pages, *tabID)
	} else {
		info, ok = m.tabs.Active(pages)
	}
	if !ok {
		return telemetry.Tab{}, ErrTabNotFound
	}
	return telemetry.Tab{
		ID:     m.tabs.ID(info.ID),
		Target: string(info.ID),
		URL:    info.URL,
		Title:  info.Title,
	}, nil
}

// ActivateTab brings id to the front and makes it the active tab.
func (m *Manager) ActivateTab(ctx context.Context, id target.ID) error {
	if err := m.api.activate(ctx, id); err != nil {
		return fmt.Errorf("activate failed: %w", err)
	}
	m.tabs.SetActive(id)
	return nil
}

// NewTab opens url in a new tab. With activate the tab is brought to the
// front and becomes the active tab.
func (m *Manager) NewTab(ctx context.Context, url string, activate bool) (telemetry.Tab, error) {
	info, err := m.api.open(ctx, url)
	if err != nil {
		return telemetry.Tab{}, fmt.Errorf("new tab failed: %w", err)
	}
	if activate {
		if err := m.api.activate(ctx, info.ID); err != nil {
			log.Printf("[browser] failed to activate new tab %s: %v", info.ID, err)
		}
		m.tabs.SetActive(info.ID)
	}
	return telemetry.Tab{
		ID:     m.tabs.ID(info.ID),
		Target: string(info.ID),
		URL:    info.URL,
		Title:  info.Title,
		Active: activate,
	}, nil
}

// CloseTab closes id and drops our command connection to it.
func (m *Manager) CloseTab(ctx context.Context, id target.ID) error {
	m.dropConn(id)
	if err := m.api.close(ctx, id); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}
	return nil
}

// =============================================================================
// Page actions
// =============================================================================

// Navigate loads url in id.
func (m *Manager) Navigate(ctx context.Context, id target.ID, url string) error {
	if err := m.run(ctx, id, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate failed: %w", err)
	}
	return nil
}

// Screenshot captures the visible area of id as a PNG data URL.
func (m *Manager) Screenshot(ctx context.Context, id target.ID) (string, error) {
	var buf []byte
	if err := m.run(ctx, id, chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", fmt.Errorf("screenshot failed: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf), nil
}

// EvaluateIsolated evaluates code in a fresh isolated world of id's main frame
// and returns the result by value.
func (m *Manager) EvaluateIsolated(ctx context.Context, id target.ID, code string) (any, error) {
	var raw []byte
	err := m.run(ctx, id, chromedp.ActionFunc(func(ctx context.Context) error {
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return err
		}
		if tree == nil || tree.Frame == nil {
			return fmt.Errorf("no main frame")
		}
		worldID, err := page.CreateIsolatedWorld(tree.Frame.ID).WithWorldName(isolatedWorldName).Do(ctx)
		if err != nil {
			return err
		}
		obj, exc, err := runtime.Evaluate(code).
			WithContextID(worldID).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(exc)
		}
		if obj != nil {
			raw = []byte(obj.Value)
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return decodeValue(raw), nil
}

// EvaluateMain evaluates expression in the main world of id and returns the
// JSON-encoded result.
func (m *Manager) EvaluateMain(ctx context.Context, id target.ID, expression string) ([]byte, error) {
	var raw []byte
	err := m.run(ctx, id, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, exc, err := runtime.Evaluate(expression).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(exc)
		}
		if obj == nil || len(obj.Value) == 0 {
			raw = []byte("null")
			return nil
		}
		raw = append([]byte(nil), []byte(obj.Value)...)
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func exceptionError(exc *runtime.ExceptionDetails) error {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return errors.New(exc.Exception.Description)
	}
	return errors.New(exc.Text)
}

func decodeValue(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// =============================================================================
// Cookies
// =============================================================================

// GetCookies returns the cookies visible to url, or to the page of id when
// url is empty.
func (m *Manager) GetCookies(ctx context.Context, id target.ID, url string) ([]telemetry.Cookie, error) {
	var cookies []*network.Cookie
	err := m.run(ctx, id, chromedp.ActionFunc(func(ctx context.Context) error {
		params := network.GetCookies()
		if url != "" {
			params = params.WithURLs([]string{url})
		}
		var err error
		cookies, err = params.Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies failed: %w", err)
	}
	out := make([]telemetry.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, fromCDPCookie(c))
	}
	return out, nil
}

// SetCookie stores c through the page of id.
func (m *Manager) SetCookie(ctx context.Context, id target.ID, c telemetry.Cookie) error {
	params := toSetCookie(c)
	err := m.run(ctx, id, chromedp.ActionFunc(func(ctx context.Context) error {
		return cdp.Execute(ctx, network.CommandSetCookie, params, nil)
	}))
	if err != nil {
		return fmt.Errorf("set cookie failed: %w", err)
	}
	return nil
}

func fromCDPCookie(c *network.Cookie) telemetry.Cookie {
	out := telemetry.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: sameSiteToController(c.SameSite),
	}
	if !c.Session && c.Expires > 0 {
		out.ExpirationDate = c.Expires
	}
	return out
}

func toSetCookie(c telemetry.Cookie) *network.SetCookieParams {
	p := network.SetCookie(c.Name, c.Value)
	if c.URL != "" {
		p = p.WithURL(c.URL)
	}
	if c.Domain != "" {
		p = p.WithDomain(c.Domain)
	}
	if c.Path != "" {
		p = p.WithPath(c.Path)
	}
	if c.Secure {
		p = p.WithSecure(true)
	}
	if c.HTTPOnly {
		p = p.WithHTTPOnly(true)
	}
	if s, ok := sameSiteToCDP(c.SameSite); ok {
		p = p.WithSameSite(s)
	}
	if c.ExpirationDate > 0 {
		sec, frac := math.Modf(c.ExpirationDate)
		exp := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
		p = p.WithExpires(&exp)
	}
	return p
}

// sameSiteToCDP maps the controller's cookie sameSite values (the browser
// extension cookie vocabulary) to CDP's.
func sameSiteToCDP(s string) (network.CookieSameSite, bool) {
	switch strings.ToLower(s) {
	case "strict":
		return network.CookieSameSiteStrict, true
	case "lax":
		return network.CookieSameSiteLax, true
	case "none", "no_restriction":
		return network.CookieSameSiteNone, true
	}
	return "", false
}

func sameSiteToController(s network.CookieSameSite) string {
	switch s {
	case network.CookieSameSiteStrict:
		return "strict"
	case network.CookieSameSiteLax:
		return "lax"
	case network.CookieSameSiteNone:
		return "no_restriction"
	}
	return "unspecified"
}
