// Package session owns the debugging sessions the agent holds on browser
// targets. Every attach, detach and domain enable goes through the Registry,
// which serializes them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/chromedp/cdproto/target"

	"github.com/manaflow-ai/browserlogger/internal/cdpevents"
)

// ErrNotAttached is returned for operations that need a live session.
var ErrNotAttached = errors.New("session not attached")

// State is the lifecycle state of one session.
type State string

const (
	StateDetached  State = "DETACHED"
	StateAttaching State = "ATTACHING"
	StateAttached  State = "ATTACHED"
	StateDetaching State = "DETACHING"
)

// EnableOptions selects the optional domains enabled on attach. Runtime and
// Network are always enabled.
type EnableOptions struct {
	PageHook         bool
	ElementSelection bool
}

// Debugger is the low-level debugging channel. IsAttached reports the live
// state as seen by the browser, independent of what the registry believes.
type Debugger interface {
	IsAttached(ctx context.Context, id target.ID) (bool, error)
	Attach(ctx context.Context, id target.ID) error
	Detach(ctx context.Context, id target.ID) error
	Enable(ctx context.Context, id target.ID, opts EnableOptions) error
	// Listen registers fn for every event of id until stop is called.
	Listen(id target.ID, fn func(ev interface{})) (stop func(), err error)
	// Inspector returns the follow-up caller bound to the current connection.
	Inspector(id target.ID) cdpevents.Inspector
}

// NormalizerFactory builds the normalizer for a target the first time it is
// attached.
type NormalizerFactory func(id target.ID) *cdpevents.Normalizer

type session struct {
	target target.ID
	state  State
	stop   func()
	norm   *cdpevents.Normalizer
}

// Registry tracks at most one session per target.
type Registry struct {
	dbg      Debugger
	factory  NormalizerFactory
	toggles  *cdpevents.Toggles
	mu       sync.Mutex
	sessions map[target.ID]*session
}

// NewRegistry creates a registry. toggles decides which optional domains are
// enabled on attach.
func NewRegistry(dbg Debugger, factory NormalizerFactory, toggles *cdpevents.Toggles) *Registry {
	if toggles == nil {
		toggles = &cdpevents.Toggles{}
	}
	return &Registry{
		dbg:      dbg,
		factory:  factory,
		toggles:  toggles,
		sessions: make(map[target.ID]*session),
	}
}

func (r *Registry) get(id target.ID) *session {
	s, ok := r.sessions[id]
	if !ok {
		s = &session{target: id, state: StateDetached}
		r.sessions[id] = s
	}
	return s
}

func (r *Registry) enableOptions() EnableOptions {
	return EnableOptions{
		PageHook:         r.toggles.PageHook.Load(),
		ElementSelection: r.toggles.ElementSelection.Load(),
	}
}

// Attach opens a fresh session on id. A session that is already live,
// whether ours or left over, is detached first so domains are re-enabled
// cleanly. Failure leaves the session DETACHED and is not retried.
func (r *Registry) Attach(ctx context.Context, id target.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(id)
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}

	attached, err := r.dbg.IsAttached(ctx, id)
	if err != nil {
		s.state = StateDetached
		log.Printf("[session] failed to query %s: %v", id, err)
		return fmt.Errorf("failed to query %s: %w", id, err)
	}
	if attached {
		s.state = StateDetaching
		if err := r.dbg.Detach(ctx, id); err != nil {
			log.Printf("[session] error during detach of %s: %v", id, err)
		}
	}

	s.state = StateAttaching
	if err := r.dbg.Attach(ctx, id); err != nil {
		s.state = StateDetached
		log.Printf("[session] failed to attach %s: %v", id, err)
		return fmt.Errorf("failed to attach %s: %w", id, err)
	}

	if s.norm == nil {
		s.norm = r.factory(id)
	}
	norm := s.norm
	norm.Reset()
	norm.SetInspector(r.dbg.Inspector(id))

	stop, err := r.dbg.Listen(id, func(ev interface{}) {
		norm.Handle(id, ev)
	})
	if err != nil {
		log.Printf("[session] failed to listen on %s: %v", id, err)
		if derr := r.dbg.Detach(ctx, id); derr != nil {
			log.Printf("[session] error during detach of %s: %v", id, derr)
		}
		s.state = StateDetached
		return fmt.Errorf("failed to listen on %s: %w", id, err)
	}
	s.stop = stop

	if err := r.dbg.Enable(ctx, id, r.enableOptions()); err != nil {
		log.Printf("[session] failed to enable domains on %s: %v", id, err)
	}

	s.state = StateAttached
	log.Printf("[session] attached to %s", id)
	return nil
}

// Detach closes the session on id. The listener is removed before anything
// else so no events are processed during teardown.
func (r *Registry) Detach(ctx context.Context, id target.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detachLocked(ctx, id)
}

func (r *Registry) detachLocked(ctx context.Context, id target.ID) error {
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	if s.norm != nil {
		s.norm.Table().Reset()
		s.norm.SetInspector(nil)
	}

	attached, err := r.dbg.IsAttached(ctx, id)
	if err == nil && !attached {
		s.state = StateDetached
		return nil
	}

	s.state = StateDetaching
	if err := r.dbg.Detach(ctx, id); err != nil {
		log.Printf("[session] warning during detach of %s: %v", id, err)
	}
	s.state = StateDetached
	log.Printf("[session] detached from %s", id)
	return nil
}

// Refresh re-enables domains on a live session, picking up changed toggles.
func (r *Registry) Refresh(ctx context.Context, id target.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.state != StateAttached {
		return ErrNotAttached
	}
	if err := r.dbg.Enable(ctx, id, r.enableOptions()); err != nil {
		return fmt.Errorf("failed to enable domains on %s: %w", id, err)
	}
	return nil
}

// Forget drops a target that no longer exists.
func (r *Registry) Forget(ctx context.Context, id target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.detachLocked(ctx, id)
	delete(r.sessions, id)
}

// Close detaches every session.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.sessions {
		_ = r.detachLocked(ctx, id)
	}
}

// State returns the state of the session on id.
func (r *Registry) State(id target.ID) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s.state
	}
	return StateDetached
}

// Status describes one session.
type Status struct {
	Target string `json:"targetId"`
	State  State  `json:"state"`
}

// Statuses returns every known session ordered by target id.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, Status{Target: string(id), State: s.state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Attached returns the targets with a live session.
func (r *Registry) Attached() []target.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []target.ID
	for id, s := range r.sessions {
		if s.state == StateAttached {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AnyAttached reports whether at least one session is live.
func (r *Registry) AnyAttached() bool {
	return len(r.Attached()) > 0
}
