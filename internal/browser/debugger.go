package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/overlay"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/manaflow-ai/browserlogger/internal/cdpevents"
	"github.com/manaflow-ai/browserlogger/internal/session"
)

// elementSnapshot describes the inspected node the way the controller's
// /element endpoint expects it.
const elementSnapshot = `function() {
	const el = this;
	const rect = el.getBoundingClientRect();
	return {
		tagName: el.tagName,
		id: el.id,
		className: typeof el.className === 'string' ? el.className : '',
		textContent: (el.textContent || '').substring(0, 100),
		attributes: Array.from(el.attributes || []).map(a => ({ name: a.name, value: a.value })),
		dimensions: { width: rect.width, height: rect.height, top: rect.top, left: rect.left },
		innerHTML: (el.innerHTML || '').substring(0, 500)
	};
}`

// Debugger returns the debugging channel for the session registry. Sessions
// use their own connections, separate from the ones page actions run on.
func (m *Manager) Debugger() session.Debugger {
	return (*debugger)(m)
}

type debugger Manager

func (d *debugger) session(id target.ID) *conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[id]
}

// IsAttached reports whether our session on id is live and id still exists.
func (d *debugger) IsAttached(ctx context.Context, id target.ID) (bool, error) {
	c := d.session(id)
	if !c.alive() {
		return false, nil
	}
	pages, err := d.api.pages(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range pages {
		if p.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (d *debugger) Attach(ctx context.Context, id target.ID) error {
	c, err := (*Manager)(d).dial(ctx, id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if old := d.sessions[id]; old != nil {
		old.close()
	}
	d.sessions[id] = c
	d.mu.Unlock()
	return nil
}

func (d *debugger) Detach(ctx context.Context, id target.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.sessions[id]
	if !ok {
		return nil
	}
	c.close()
	delete(d.sessions, id)
	return nil
}

func (d *debugger) Enable(ctx context.Context, id target.ID, opts session.EnableOptions) error {
	c := d.session(id)
	if !c.alive() {
		return session.ErrNotAttached
	}
	rctx, cancel := bound(ctx, c)
	defer cancel()

	actions := []chromedp.Action{
		runtime.Enable(),
		network.Enable(),
		page.Enable(),
	}
	if opts.PageHook {
		actions = append(actions,
			runtime.AddBinding(cdpevents.BindingName),
			chromedp.ActionFunc(func(ctx context.Context) error {
				_, err := page.AddScriptToEvaluateOnNewDocument(cdpevents.PageHookScript).Do(ctx)
				return err
			}),
			chromedp.ActionFunc(func(ctx context.Context) error {
				_, _, err := runtime.Evaluate(cdpevents.PageHookScript).Do(ctx)
				return err
			}),
		)
	}
	if opts.ElementSelection {
		actions = append(actions,
			dom.Enable(),
			overlay.Enable(),
			overlay.SetInspectMode(overlay.InspectModeSearchForNode).
				WithHighlightConfig(&overlay.HighlightConfig{ShowInfo: true}),
		)
	}
	if err := chromedp.Run(rctx, actions...); err != nil {
		return fmt.Errorf("enable failed: %w", err)
	}
	return nil
}

func (d *debugger) Listen(id target.ID, fn func(ev interface{})) (func(), error) {
	c := d.session(id)
	if !c.alive() {
		return nil, session.ErrNotAttached
	}
	lctx, cancel := context.WithCancel(c.ctx)
	chromedp.ListenTarget(lctx, fn)
	return cancel, nil
}

func (d *debugger) Inspector(id target.ID) cdpevents.Inspector {
	return &inspector{d: d, id: id}
}

// inspector runs follow-up calls on the session connection, where Network is
// enabled and response bodies are retained.
type inspector struct {
	d  *debugger
	id target.ID
}

func (i *inspector) run(ctx context.Context, action chromedp.Action) error {
	c := i.d.session(i.id)
	if !c.alive() {
		return session.ErrNotAttached
	}
	rctx, cancel := bound(ctx, c)
	defer cancel()
	return chromedp.Run(rctx, action)
}

func (i *inspector) ResponseBody(ctx context.Context, id network.RequestID) ([]byte, error) {
	var body []byte
	err := i.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	return body, err
}

func (i *inspector) DescribeNode(ctx context.Context, id cdp.BackendNodeID) (map[string]any, error) {
	var out map[string]any
	err := i.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithBackendNodeID(id).Do(ctx)
		if err != nil {
			return err
		}
		if obj == nil || obj.ObjectID == "" {
			return fmt.Errorf("node %d not resolvable", id)
		}
		res, exc, err := runtime.CallFunctionOn(elementSnapshot).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(exc)
		}
		if res == nil {
			return fmt.Errorf("empty snapshot")
		}
		return json.Unmarshal([]byte(res.Value), &out)
	}))
	return out, err
}
