package agent

import (
	"context"
	"log"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/manaflow-ai/browserlogger/internal/config"
	"github.com/manaflow-ai/browserlogger/internal/session"
	"github.com/manaflow-ai/browserlogger/internal/telemetry"
)

// Versioner reports the controller version.
type Versioner interface {
	Version(ctx context.Context) (string, error)
}

// WatchVersion polls v every interval. The first answer is the baseline; a
// different later answer returns ErrReloadRequested. Failed polls are skipped.
func WatchVersion(ctx context.Context, v Versioner, interval time.Duration) error {
	var baseline string
	check := func() error {
		version, err := v.Version(ctx)
		if err != nil || version == "" {
			return nil
		}
		if baseline == "" {
			baseline = version
			log.Printf("[agent] controller version %s", version)
			return nil
		}
		if version != baseline {
			log.Printf("[agent] controller version changed %s -> %s", baseline, version)
			return ErrReloadRequested
		}
		return nil
	}

	if err := check(); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := check(); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) tabLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pushTabs(ctx)
		}
	}
}

// pushTabs reports the tab inventory and reconciles sessions with it.
func (a *Agent) pushTabs(ctx context.Context) {
	tabs, err := a.browser.Tabs(ctx)
	if err != nil {
		log.Printf("[agent] failed to list tabs: %v", err)
		return
	}
	a.shipper.Ship(telemetry.EndpointTabs, map[string]interface{}{
		"type":      telemetry.TypeTabs,
		"tabs":      tabs,
		"timestamp": telemetry.Now(),
	})
	a.reconcile(ctx, tabs)
}

// reconcile forgets sessions whose tab is gone and applies the attach policy.
// A target is attached automatically at most once; failed attaches are not
// retried.
func (a *Agent) reconcile(ctx context.Context, tabs []telemetry.Tab) {
	live := make(map[target.ID]bool, len(tabs))
	for _, tab := range tabs {
		live[target.ID(tab.Target)] = true
	}

	for _, st := range a.registry.Statuses() {
		id := target.ID(st.Target)
		if !live[id] {
			a.registry.Forget(ctx, id)
			a.mu.Lock()
			delete(a.norms, id)
			delete(a.tried, id)
			a.mu.Unlock()
		}
	}

	var want []target.ID
	switch a.cfg.Chrome.Attach {
	case config.AttachAll:
		for _, tab := range tabs {
			want = append(want, target.ID(tab.Target))
		}
	case config.AttachActive:
		for _, tab := range tabs {
			if tab.Active {
				want = append(want, target.ID(tab.Target))
			}
		}
	}

	for _, id := range want {
		a.mu.Lock()
		tried := a.tried[id]
		a.tried[id] = true
		a.mu.Unlock()
		if tried || a.registry.State(id) == session.StateAttached {
			continue
		}
		if err := a.registry.Attach(ctx, id); err != nil {
			log.Printf("[agent] attach %s: %v", id, err)
		}
	}
}

// Status describes the agent for the inspection server.
func (a *Agent) Status(ctx context.Context) map[string]interface{} {
	ids := a.browser.TabIDs()
	sessions := make([]map[string]interface{}, 0)
	for _, st := range a.registry.Statuses() {
		sessions = append(sessions, map[string]interface{}{
			"tabId":    ids.ID(target.ID(st.Target)),
			"targetId": st.Target,
			"state":    st.State,
		})
	}
	ship := a.shipper.Stats()
	return map[string]interface{}{
		"agentId":    a.id,
		"controller": a.client.BaseURL(),
		"attached":   a.registry.AnyAttached(),
		"policy":     a.cfg.Chrome.Attach,
		"capture":    a.toggles.Snapshot(),
		"sessions":   sessions,
		"shipper":    ship,
		"buffered": map[string]interface{}{
			"logs":    a.logs.Len(),
			"network": a.network.Len(),
		},
	}
}

// AttachTab attaches to a tab on request, whatever the attach policy.
func (a *Agent) AttachTab(ctx context.Context, tabID int) error {
	tab, err := a.browser.Resolve(ctx, &tabID)
	if err != nil {
		return err
	}
	id := target.ID(tab.Target)
	a.mu.Lock()
	a.tried[id] = true
	a.mu.Unlock()
	return a.registry.Attach(ctx, id)
}

// DetachTab detaches from a tab on request.
func (a *Agent) DetachTab(ctx context.Context, tabID int) error {
	tab, err := a.browser.Resolve(ctx, &tabID)
	if err != nil {
		return err
	}
	return a.registry.Detach(ctx, target.ID(tab.Target))
}
