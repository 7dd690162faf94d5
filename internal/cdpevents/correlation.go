package cdpevents

import "sync"

// Connection is what the table remembers about one open WebSocket.
type Connection struct {
	ConnectionID string
	URL          string
	Initiator    any
	CreatedAt    int64
}

// CorrelationTable maps WebSocket connection ids to the metadata seen when the
// connection was created. Entries live from "created" until "closed".
type CorrelationTable struct {
	mu    sync.RWMutex
	conns map[string]Connection
}

// NewCorrelationTable returns an empty table.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{conns: make(map[string]Connection)}
}

// Put records (or replaces) a connection.
func (t *CorrelationTable) Put(c Connection) {
	t.mu.Lock()
	t.conns[c.ConnectionID] = c
	t.mu.Unlock()
}

// Get looks up a connection. Unknown ids report false.
func (t *CorrelationTable) Get(id string) (Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[id]
	return c, ok
}

// Delete forgets a connection and returns what was stored for it.
func (t *CorrelationTable) Delete(id string) (Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[id]
	delete(t.conns, id)
	return c, ok
}

// Len returns the number of open connections.
func (t *CorrelationTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// Reset drops every entry. Used when a target session is torn down.
func (t *CorrelationTable) Reset() {
	t.mu.Lock()
	t.conns = make(map[string]Connection)
	t.mu.Unlock()
}
