package cdpevents

import (
	"sync/atomic"

	"github.com/manaflow-ai/browserlogger/internal/config"
)

// Toggles gates which event classes are reported. They are read on every event
// and may be flipped at any time by the config watcher.
type Toggles struct {
	Console          atomic.Bool
	Network          atomic.Bool
	WebSocket        atomic.Bool
	PageHook         atomic.Bool
	ElementSelection atomic.Bool
}

// NewToggles builds toggles from the capture settings.
func NewToggles(c config.CaptureConfig) *Toggles {
	t := &Toggles{}
	t.Apply(c)
	return t
}

// Apply overwrites every toggle.
func (t *Toggles) Apply(c config.CaptureConfig) {
	t.Console.Store(c.Console)
	t.Network.Store(c.Network)
	t.WebSocket.Store(c.WebSocket)
	t.PageHook.Store(c.PageHook)
	t.ElementSelection.Store(c.ElementSelection)
}

// Snapshot returns the current values as capture settings.
func (t *Toggles) Snapshot() config.CaptureConfig {
	return config.CaptureConfig{
		Console:          t.Console.Load(),
		Network:          t.Network.Load(),
		WebSocket:        t.WebSocket.Load(),
		PageHook:         t.PageHook.Load(),
		ElementSelection: t.ElementSelection.Load(),
	}
}
