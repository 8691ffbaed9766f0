package connection

import (
	"sync"

	"github.com/wippyai/wasm-bridge/errors"
)

// Table maps guest-assigned connection ids to connections.
type Table struct {
	entries map[uint32]Connection
	mu      sync.Mutex
	closed  bool
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[uint32]Connection)}
}

// Insert stores conn under id. It fails if the id is in use or the table
// has been closed; the caller keeps ownership of conn in that case.
func (t *Table) Insert(id uint32, conn Connection) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.New(errors.PhaseConnect, errors.KindState).
			Value(id).
			Detail("connection table closed").
			Build()
	}
	if _, ok := t.entries[id]; ok {
		return errors.New(errors.PhaseConnect, errors.KindInvalidInput).
			Value(id).
			Detail("connection id %d already in use", id).
			Build()
	}
	t.entries[id] = conn
	return nil
}

// Get returns the connection for id.
func (t *Table) Get(id uint32) (Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[id]
	return c, ok
}

// Remove drops id from the table and returns its connection without
// closing it.
func (t *Table) Remove(id uint32) (Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return c, ok
}

// Len returns the number of tracked connections.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CloseAll closes every connection and rejects further inserts.
// It returns the first close error.
func (t *Table) CloseAll() error {
	t.mu.Lock()
	t.closed = true
	entries := t.entries
	t.entries = make(map[uint32]Connection)
	t.mu.Unlock()

	var firstErr error
	for _, c := range entries {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
