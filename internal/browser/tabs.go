package browser

import (
	"sync"

	"github.com/chromedp/cdproto/target"

	"github.com/manaflow-ai/browserlogger/internal/telemetry"
)

// Tabs maps CDP target ids to the small integer tab ids the controller uses.
// Ids are handed out from 1 on first sight and never reused.
type Tabs struct {
	mu     sync.Mutex
	ids    map[target.ID]int
	next   int
	active target.ID
}

// NewTabs returns an empty mapping.
func NewTabs() *Tabs {
	return &Tabs{ids: make(map[target.ID]int), next: 1}
}

// ID returns the tab id for t, assigning one if t is new.
func (m *Tabs) ID(t target.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idLocked(t)
}

func (m *Tabs) idLocked(t target.ID) int {
	if id, ok := m.ids[t]; ok {
		return id
	}
	id := m.next
	m.next++
	m.ids[t] = id
	return id
}

// SetActive records the tab the agent last activated or created.
func (m *Tabs) SetActive(t target.ID) {
	m.mu.Lock()
	m.active = t
	m.mu.Unlock()
}

// Sync assigns ids to pages and returns them as tab records. The active tab is
// the recorded one when still present, otherwise the first page.
func (m *Tabs) Sync(pages []TargetInfo) []telemetry.Tab {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.activeLocked(pages)
	out := make([]telemetry.Tab, 0, len(pages))
	for _, p := range pages {
		out = append(out, telemetry.Tab{
			ID:     m.idLocked(p.ID),
			Target: string(p.ID),
			URL:    p.URL,
			Title:  p.Title,
			Active: p.ID == active,
		})
	}
	return out
}

func (m *Tabs) activeLocked(pages []TargetInfo) target.ID {
	if len(pages) == 0 {
		return ""
	}
	for _, p := range pages {
		if p.ID == m.active {
			return p.ID
		}
	}
	return pages[0].ID
}

func (m *Tabs) assignLocked(pages []TargetInfo) {
	for _, p := range pages {
		m.idLocked(p.ID)
	}
}

// Lookup resolves a tab id against the live pages.
func (m *Tabs) Lookup(pages []TargetInfo, tabID int) (TargetInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignLocked(pages)
	for _, p := range pages {
		if m.idLocked(p.ID) == tabID {
			return p, true
		}
	}
	return TargetInfo{}, false
}

// Active returns the active page among pages.
func (m *Tabs) Active(pages []TargetInfo) (TargetInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignLocked(pages)
	id := m.activeLocked(pages)
	for _, p := range pages {
		if p.ID == id {
			return p, true
		}
	}
	return TargetInfo{}, false
}
