package dispatch

import (
	"context"
	"log"

	"github.com/chromedp/cdproto/target"

	"github.com/manaflow-ai/browserlogger/internal/controller"
	"github.com/manaflow-ai/browserlogger/internal/relay"
	"github.com/manaflow-ai/browserlogger/internal/telemetry"
)

// Execution strategies reported with execute results.
const (
	StrategyIsolated = "isolated"
	StrategyPage     = "page"
)

func (d *Dispatcher) cmdScreenshot(ctx context.Context, cmd *controller.Command, tab telemetry.Tab) (map[string]interface{}, error) {
	data, err := d.browser.Screenshot(ctx, target.ID(tab.Target))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"type": telemetry.TypeScreenshot,
		"data": data,
	}, nil
}

func (d *Dispatcher) cmdGetTabs(ctx context.Context, cmd *controller.Command, _ telemetry.Tab) (map[string]interface{}, error) {
	tabs, err := d.browser.Tabs(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"type": telemetry.TypeTabs,
		"tabs": tabs,
	}, nil
}

func (d *Dispatcher) cmdGetDOM(ctx context.Context, cmd *controller.Command, tab telemetry.Tab) (map[string]interface{}, error) {
	params := map[string]any{}
	if cmd.Selector != "" {
		params["selector"] = cmd.Selector
	}
	return d.page(ctx, tab, relay.TypeGetDOM, params), nil
}

// cmdExecute tries an isolated world first and falls back to the page's main
// world through the relay.
func (d *Dispatcher) cmdExecute(ctx context.Context, cmd *controller.Command, tab telemetry.Tab) (map[string]interface{}, error) {
	if cmd.Code == "" {
		return nil, errMissing("code")
	}
	id := target.ID(tab.Target)

	value, err := d.browser.EvaluateIsolated(ctx, id, cmd.Code)
	if err == nil {
		return map[string]interface{}{
			"result":   value,
			"strategy": StrategyIsolated,
		}, nil
	}
	log.Printf("[dispatch] isolated execute failed on tab %d, using page world: %v", tab.ID, err)

	res := d.page(ctx, tab, relay.TypeExecute, map[string]any{"code": cmd.Code})
	res["strategy"] = StrategyPage
	return res, nil
}

func (d *Dispatcher) cmdClick(ctx context.Context, cmd *controller.Command, tab telemetry.Tab) (map[string]interface{}, error) {
	if cmd.Selector == "" {
		return nil, errMissing("selector")
	}
	return d.page(ctx, tab, relay.TypeClick, map[string]any{"selector": cmd.Selector}), nil
}

func (d *Dispatcher) cmdType(ctx context.Context, cmd *controller.Command, tab telemetry.Tab) (map[string]interface{}, error) {
	if cmd.Selector == "" {
		return nil, errMissing("selector")
	}
	return d.page(ctx, tab, relay.TypeType, map[string]any{
		"selector": cmd.Selector,
		"text":     cmd.Text,
	}), nil
}

func (d *Dispatcher) cmdScroll(ctx context.Context, cmd *controller.Command, tab telemetry.Tab) (map[string]interface{}, error) {
	params := map[string]any{"x": cmd.X, "y": cmd.Y}
	if cmd.Selector != "" {
		params["selector"] = cmd.Selector
	}
	if cmd.Direction != "" {
		params["direction"] = cmd.Direction
	}
	return d.page(ctx, tab, relay.TypeScroll, params), nil
}

func (d *Dispatcher) cmdNavigate(ctx context.Context, cmd *controller.Command, tab telemetry.Tab) (map[string]interface{}, error) {
	if cmd.URL == "" {
		return nil, errMissing("url")
	}
	if err := d.browser.Navigate(ctx, target.ID(tab.Target), cmd.URL); err != nil {
		return nil, err
	}
	return map[string]interface{}{"url": cmd.URL}, nil
}

func (d *Dispatcher) cmdGetCookies(ctx context.Context, cmd *controller.Command, tab telemetry.Tab) (map[string]interface{}, error) {
	url := cmd.URL
	if url == "" {
		url = tab.URL
	}
	cookies, err := d.browser.GetCookies(ctx, target.ID(tab.Target), url)
	if err != nil {
		return nil, err
	}
	if cookies == nil {
		cookies = []telemetry.Cookie{}
	}
	return map[string]interface{}{
		"url":     url,
		"cookies": cookies,
	}, nil
}

func (d *Dispatcher) cmdSetCookie(ctx context.Context, cmd *controller.Command, tab telemetry.Tab) (map[string]interface{}, error) {
	if cmd.Name == "" {
		return nil, errMissing("name")
	}
	c := telemetry.Cookie{
		Name:           cmd.Name,
		Domain:         cmd.Domain,
		Path:           cmd.Path,
		Secure:         cmd.Secure,
		HTTPOnly:       cmd.HTTPOnly,
		SameSite:       cmd.SameSite,
		ExpirationDate: cmd.ExpirationDate,
		URL:            cmd.URL,
	}
	if cmd.Value != nil {
		c.Value = *cmd.Value
	}
	if c.URL == "" && c.Domain == "" {
		c.URL = tab.URL
	}
	if err := d.browser.SetCookie(ctx, target.ID(tab.Target), c); err != nil {
		return nil, err
	}
	return map[string]interface{}{"cookie": c}, nil
}

func (d *Dispatcher) cmdGetStorage(ctx context.Context, cmd *controller.Command, tab telemetry.Tab) (map[string]interface{}, error) {
	params := map[string]any{}
	if cmd.StorageType != "" {
		params["storageType"] = cmd.StorageType
	}
	if cmd.Key != "" {
		params["key"] = cmd.Key
	}
	return d.page(ctx, tab, relay.TypeGetStorage, params), nil
}

func (d *Dispatcher) cmdSetStorage(ctx context.Context, cmd *controller.Command, tab telemetry.Tab) (map[string]interface{}, error) {
	if cmd.Key == "" {
		return nil, errMissing("key")
	}
	params := map[string]any{"key": cmd.Key}
	if cmd.StorageType != "" {
		params["storageType"] = cmd.StorageType
	}
	if cmd.Value != nil {
		params["value"] = *cmd.Value
	}
	return d.page(ctx, tab, relay.TypeSetStorage, params), nil
}

func (d *Dispatcher) cmdCloseTab(ctx context.Context, cmd *controller.Command, tab telemetry.Tab) (map[string]interface{}, error) {
	if err := d.browser.CloseTab(ctx, target.ID(tab.Target)); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

func (d *Dispatcher) cmdNewTab(ctx context.Context, cmd *controller.Command, _ telemetry.Tab) (map[string]interface{}, error) {
	activate := true
	if cmd.Active != nil {
		activate = *cmd.Active
	}
	tab, err := d.browser.NewTab(ctx, cmd.URL, activate)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"tabId": tab.ID,
		"tab":   tab,
	}, nil
}

func (d *Dispatcher) cmdActivateTab(ctx context.Context, cmd *controller.Command, tab telemetry.Tab) (map[string]interface{}, error) {
	if err := d.browser.ActivateTab(ctx, target.ID(tab.Target)); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

// page sends a relay request and turns the reply into a result body.
func (d *Dispatcher) page(ctx context.Context, tab telemetry.Tab, typ string, params map[string]any) map[string]interface{} {
	res := d.relay.Send(ctx, target.ID(tab.Target), typ, params)
	out := make(map[string]interface{}, len(res)+1)
	for k, v := range res {
		out[k] = v
	}
	if _, ok := out["success"]; !ok {
		out["success"] = false
	}
	return out
}
