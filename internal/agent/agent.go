// Package agent wires the browser, the session registry, the command
// dispatcher and the telemetry path together and runs the agent's loops.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"

	"github.com/manaflow-ai/browserlogger/internal/browser"
	"github.com/manaflow-ai/browserlogger/internal/cdpevents"
	"github.com/manaflow-ai/browserlogger/internal/config"
	"github.com/manaflow-ai/browserlogger/internal/controller"
	"github.com/manaflow-ai/browserlogger/internal/dispatch"
	"github.com/manaflow-ai/browserlogger/internal/inspect"
	"github.com/manaflow-ai/browserlogger/internal/relay"
	"github.com/manaflow-ai/browserlogger/internal/session"
	"github.com/manaflow-ai/browserlogger/internal/telemetry"
)

// ErrReloadRequested is returned by Run when the controller reports a new
// version. The caller reloads its configuration and starts a fresh agent.
var ErrReloadRequested = errors.New("controller version changed, reload requested")

// shipQueue bounds telemetry waiting to be posted.
const shipQueue = 1024

// teardownTimeout bounds detaching and flushing on exit.
const teardownTimeout = 5 * time.Second

// Browser is everything the agent needs from the browser.
type Browser interface {
	dispatch.Browser
	relay.Evaluator
	Debugger() session.Debugger
	TabIDs() *browser.Tabs
	Close()
}

// Agent is one running instance.
type Agent struct {
	cfg      *config.Config
	id       string
	client   *controller.Client
	browser  Browser
	toggles  *cdpevents.Toggles
	registry *session.Registry
	shipper  *controller.Shipper
	logs     *telemetry.RingBuffer[telemetry.Record]
	network  *telemetry.RingBuffer[telemetry.Record]
	hub      *inspect.Hub
	dispatch *dispatch.Dispatcher

	mu    sync.Mutex
	tried map[target.ID]bool
	norms map[target.ID]*cdpevents.Normalizer
}

// New assembles an agent. Nothing runs until Run.
func New(cfg *config.Config, client *controller.Client, b Browser) *Agent {
	a := &Agent{
		cfg:     cfg,
		id:      uuid.NewString(),
		client:  client,
		browser: b,
		toggles: cdpevents.NewToggles(cfg.Capture),
		shipper: controller.NewShipper(client, shipQueue),
		logs:    telemetry.NewRingBuffer[telemetry.Record](cfg.Buffer.LogLimit),
		network: telemetry.NewRingBuffer[telemetry.Record](cfg.Buffer.NetworkLimit),
		hub:     inspect.NewHub(),
		tried:   make(map[target.ID]bool),
		norms:   make(map[target.ID]*cdpevents.Normalizer),
	}
	a.registry = session.NewRegistry(b.Debugger(), a.newNormalizer, a.toggles)
	a.dispatch = dispatch.New(client, b, relay.New(b, cfg.RelayTimeout()))
	a.dispatch.OnResult(a.hub.PublishResult)
	return a
}

// ID returns the instance id reported in /status.
func (a *Agent) ID() string {
	return a.id
}

// Registry returns the session registry.
func (a *Agent) Registry() *session.Registry {
	return a.registry
}

// Logs returns the local log buffer.
func (a *Agent) Logs() *telemetry.RingBuffer[telemetry.Record] {
	return a.logs
}

// Network returns the local network buffer.
func (a *Agent) Network() *telemetry.RingBuffer[telemetry.Record] {
	return a.network
}

// Emit records rec locally, streams it and queues it for the controller.
func (a *Agent) Emit(endpoint string, rec telemetry.Record) {
	if endpoint == telemetry.EndpointNetwork {
		a.network.Write(rec)
	} else {
		a.logs.Write(rec)
	}
	a.hub.Publish(endpoint, rec)
	a.shipper.Ship(endpoint, rec)
}

func (a *Agent) newNormalizer(id target.ID) *cdpevents.Normalizer {
	tabID := a.browser.TabIDs().ID(id)
	n := cdpevents.New(cdpevents.Options{
		Target:  id,
		TabID:   tabID,
		Emitter: cdpevents.EmitterFunc(a.Emit),
		Toggles: a.toggles,
		OnNavigate: func(url string) {
			log.Printf("[agent] tab %d navigated to %s, clearing logs", tabID, url)
			a.shipper.Ship("/logs", map[string]string{"action": "clear"})
		},
	})
	a.mu.Lock()
	a.norms[id] = n
	a.mu.Unlock()
	return n
}

// Run verifies the controller, then runs the command, version and tab loops
// until ctx ends or the controller version changes.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.waitForController(ctx); err != nil {
		return err
	}
	log.Printf("[agent] %s connected to controller at %s", a.id, a.client.BaseURL())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.teardown()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if a.cfg.Inspect.Enabled {
		srv := inspect.NewServer(inspect.Options{
			Addr:     a.cfg.Inspect.Listen,
			Logs:     a.logs,
			Network:  a.network,
			Hub:      a.hub,
			Sessions: a,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.Printf("[agent] inspection server stopped: %v", err)
			}
		}()
	}

	if a.cfg.Path != "" {
		w, err := config.NewWatcher(a.cfg.Path)
		if err != nil {
			log.Printf("[agent] config watch disabled: %v", err)
		} else {
			defer w.Stop()
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.watchConfig(ctx, w.Changes())
			}()
		}
	}

	a.pushTabs(ctx)

	wg.Add(3)
	go func() {
		defer wg.Done()
		a.dispatch.Run(ctx, a.cfg.CommandPollInterval())
	}()
	go func() {
		defer wg.Done()
		a.tabLoop(ctx, a.cfg.TabPushInterval())
	}()
	go func() {
		defer wg.Done()
		if err := WatchVersion(ctx, a.client, a.cfg.VersionPollInterval()); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Printf("[agent] %v", runErr)
	}
	cancel()
	wg.Wait()
	return runErr
}

// waitForController retries the identity handshake until it succeeds. A
// mismatched signature is fatal; an unreachable controller is not.
func (a *Agent) waitForController(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.VersionPollInterval())
	defer ticker.Stop()
	logged := false
	for {
		err := a.client.Identity(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, controller.ErrIdentityMismatch) {
			return fmt.Errorf("refusing to connect to %s: %w", a.client.BaseURL(), err)
		}
		if !logged {
			log.Printf("[agent] waiting for controller at %s: %v", a.client.BaseURL(), err)
			logged = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Agent) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	a.registry.Close(ctx)
	a.mu.Lock()
	norms := make([]*cdpevents.Normalizer, 0, len(a.norms))
	for _, n := range a.norms {
		norms = append(norms, n)
	}
	a.mu.Unlock()
	for _, n := range norms {
		n.Wait()
	}
	a.shipper.Close(ctx)
	a.hub.Close()
	a.browser.Close()
	log.Printf("[agent] stopped")
}

func (a *Agent) watchConfig(ctx context.Context, changes <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-changes:
			if !ok {
				return
			}
			a.ApplyCapture(ctx, cfg.Capture)
		}
	}
}

// ApplyCapture switches capture toggles and re-enables live sessions so
// optional domains follow the new settings.
func (a *Agent) ApplyCapture(ctx context.Context, c config.CaptureConfig) {
	a.toggles.Apply(c)
	log.Printf("[agent] capture settings updated: %+v", c)
	for _, id := range a.registry.Attached() {
		if err := a.registry.Refresh(ctx, id); err != nil {
			log.Printf("[agent] refresh %s: %v", id, err)
		}
	}
}
