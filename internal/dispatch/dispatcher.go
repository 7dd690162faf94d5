// Package dispatch pulls commands from the controller, runs them against the
// browser and reports one result per command before acknowledging it.
package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/manaflow-ai/browserlogger/internal/controller"
	"github.com/manaflow-ai/browserlogger/internal/relay"
	"github.com/manaflow-ai/browserlogger/internal/telemetry"
)

// Actions with a handler. Anything else is acknowledged and otherwise ignored.
const (
	ActionScreenshot  = "screenshot"
	ActionGetTabs     = "get_tabs"
	ActionGetDOM      = "get_dom"
	ActionExecute     = "execute"
	ActionClick       = "click"
	ActionType        = "type"
	ActionScroll      = "scroll"
	ActionNavigate    = "navigate"
	ActionGetCookies  = "get_cookies"
	ActionSetCookie   = "set_cookie"
	ActionGetStorage  = "get_storage"
	ActionSetStorage  = "set_storage"
	ActionCloseTab    = "close_tab"
	ActionNewTab      = "new_tab"
	ActionActivateTab = "activate_tab"
)

// Result endpoints, one per action family.
const (
	EndpointDOM     = "/dom"
	EndpointExecute = "/execute"
	EndpointAction  = "/action"
	EndpointStorage = "/storage"
)

// handlerTimeout bounds one handler, navigation included.
const handlerTimeout = 30 * time.Second

// ackTimeout bounds the acknowledgement.
const ackTimeout = 5 * time.Second

// Browser is what handlers need from the browser.
type Browser interface {
	Tabs(ctx context.Context) ([]telemetry.Tab, error)
	Resolve(ctx context.Context, tabID *int) (telemetry.Tab, error)
	Navigate(ctx context.Context, id target.ID, url string) error
	Screenshot(ctx context.Context, id target.ID) (string, error)
	EvaluateIsolated(ctx context.Context, id target.ID, code string) (any, error)
	GetCookies(ctx context.Context, id target.ID, url string) ([]telemetry.Cookie, error)
	SetCookie(ctx context.Context, id target.ID, c telemetry.Cookie) error
	CloseTab(ctx context.Context, id target.ID) error
	NewTab(ctx context.Context, url string, activate bool) (telemetry.Tab, error)
	ActivateTab(ctx context.Context, id target.ID) error
}

// Relay carries page-side operations into a tab.
type Relay interface {
	Send(ctx context.Context, id target.ID, typ string, params map[string]any) relay.Response
}

// Controller is the subset of the controller client the dispatcher uses.
type Controller interface {
	NextCommand(ctx context.Context) (*controller.Command, error)
	AckCommand(ctx context.Context) error
	Post(ctx context.Context, endpoint string, payload interface{}) error
}

type handlerFunc func(ctx context.Context, cmd *controller.Command, tab telemetry.Tab) (map[string]interface{}, error)

type handler struct {
	endpoint    string
	needsTarget bool
	fn          handlerFunc
}

// Dispatcher runs commands one at a time.
type Dispatcher struct {
	ctrl     Controller
	browser  Browser
	relay    Relay
	handlers map[string]handler
	onResult func(endpoint string, result map[string]interface{})
}

// New creates a dispatcher.
func New(ctrl Controller, browser Browser, rl Relay) *Dispatcher {
	d := &Dispatcher{ctrl: ctrl, browser: browser, relay: rl}
	d.handlers = map[string]handler{
		ActionScreenshot:  {telemetry.EndpointScreenshot, true, d.cmdScreenshot},
		ActionGetTabs:     {telemetry.EndpointTabs, false, d.cmdGetTabs},
		ActionGetDOM:      {EndpointDOM, true, d.cmdGetDOM},
		ActionExecute:     {EndpointExecute, true, d.cmdExecute},
		ActionClick:       {EndpointAction, true, d.cmdClick},
		ActionType:        {EndpointAction, true, d.cmdType},
		ActionScroll:      {EndpointAction, true, d.cmdScroll},
		ActionNavigate:    {EndpointAction, true, d.cmdNavigate},
		ActionGetCookies:  {EndpointStorage, true, d.cmdGetCookies},
		ActionSetCookie:   {EndpointStorage, true, d.cmdSetCookie},
		ActionGetStorage:  {EndpointStorage, true, d.cmdGetStorage},
		ActionSetStorage:  {EndpointStorage, true, d.cmdSetStorage},
		ActionCloseTab:    {EndpointAction, true, d.cmdCloseTab},
		ActionNewTab:      {EndpointAction, false, d.cmdNewTab},
		ActionActivateTab: {EndpointAction, true, d.cmdActivateTab},
	}
	return d
}

// OnResult registers a hook called with every result after it was posted.
func (d *Dispatcher) OnResult(fn func(endpoint string, result map[string]interface{})) {
	d.onResult = fn
}

// Actions returns the handled action names.
func (d *Dispatcher) Actions() []string {
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}

// Endpoint returns the result endpoint of action, or "" when unhandled.
func (d *Dispatcher) Endpoint(action string) string {
	return d.handlers[action].endpoint
}

// Poll pulls at most one command and dispatches it. Transport faults and an
// empty slot are both "nothing to do"; an undecodable body is acknowledged so
// it does not block the slot.
func (d *Dispatcher) Poll(ctx context.Context) {
	cmd, err := d.ctrl.NextCommand(ctx)
	if errors.Is(err, controller.ErrMalformedCommand) {
		log.Printf("[dispatch] dropping command: %v", err)
		d.ack(ctx)
		return
	}
	if err != nil || cmd == nil {
		return
	}
	d.Dispatch(ctx, cmd)
}

// Run polls every interval until ctx ends. A slow command delays the next
// poll instead of overlapping with it.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Poll(ctx)
		}
	}
}

// Dispatch runs cmd and acknowledges it. Known actions on a resolvable target
// post exactly one result, as do known actions whose fields failed to decode;
// unknown actions and unresolvable targets post nothing. The acknowledgement
// is sent in every case.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *controller.Command) {
	defer d.ack(ctx)

	h, ok := d.handlers[cmd.Action]
	if !ok {
		log.Printf("[dispatch] ignoring unknown action %q", cmd.Action)
		return
	}
	if cmd.Err != nil {
		log.Printf("[dispatch] %s: %v", cmd.Action, cmd.Err)
		d.post(ctx, h.endpoint, cmd.Action, telemetry.Tab{},
			map[string]interface{}{"success": false, "error": cmd.Err.Error()})
		return
	}

	hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	var tab telemetry.Tab
	if h.needsTarget {
		var err error
		tab, err = d.browser.Resolve(hctx, cmd.TabID)
		if err != nil {
			log.Printf("[dispatch] %s: no target: %v", cmd.Action, err)
			return
		}
	}

	result, err := h.fn(hctx, cmd, tab)
	if err != nil {
		result = map[string]interface{}{"success": false, "error": err.Error()}
	}
	d.post(ctx, h.endpoint, cmd.Action, tab, result)
}

// post stamps result and sends it to endpoint.
func (d *Dispatcher) post(ctx context.Context, endpoint, action string, tab telemetry.Tab, result map[string]interface{}) {
	if result == nil {
		result = map[string]interface{}{}
	}
	if _, ok := result["success"]; !ok {
		result["success"] = true
	}
	result["action"] = action
	result["timestamp"] = telemetry.Now()
	if _, ok := result["tabId"]; !ok && tab.ID != 0 {
		result["tabId"] = tab.ID
	}

	if err := d.ctrl.Post(ctx, endpoint, result); err != nil {
		log.Printf("[dispatch] failed to post %s result: %v", action, err)
	}
	if d.onResult != nil {
		d.onResult(endpoint, result)
	}
}

func (d *Dispatcher) ack(ctx context.Context) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := d.ctrl.AckCommand(actx); err != nil {
		log.Printf("[dispatch] failed to acknowledge command: %v", err)
	}
}

// errMissing reports a required command field that was not supplied.
func errMissing(field string) error {
	return errors.New(field + " required")
}
