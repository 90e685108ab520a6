package value

import (
	"sync"

	"go.uber.org/zap"
)

// Table tracks the live handles a session has produced, so session
// teardown can release roots the host forgot about instead of pinning
// guest memory for the rest of the process.
type Table struct {
	mu      sync.Mutex
	handles map[*Handle]struct{}
	closed  bool
}

// NewTable creates an empty handle table.
func NewTable() *Table {
	return &Table{handles: make(map[*Handle]struct{})}
}

// Track adds a handle to the table. Returns h for chaining.
func (t *Table) Track(h *Handle) *Handle {
	t.mu.Lock()
	if !t.closed {
		t.handles[h] = struct{}{}
	}
	t.mu.Unlock()
	return h
}

// Forget removes a handle, normally after the host releases it.
func (t *Table) Forget(h *Handle) {
	t.mu.Lock()
	delete(t.handles, h)
	t.mu.Unlock()
}

// Len returns the number of tracked handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// Close releases every handle still tracked and returns how many were
// leaked (still rooted and unreleased at close time).
func (t *Table) Close() int {
	t.mu.Lock()
	t.closed = true
	handles := make([]*Handle, 0, len(t.handles))
	for h := range t.handles {
		handles = append(handles, h)
	}
	t.handles = make(map[*Handle]struct{})
	t.mu.Unlock()

	leaked := 0
	for _, h := range handles {
		if h.Rooted() {
			leaked++
		}
		_ = h.Release() // already-released handles are fine here
	}
	if leaked > 0 {
		Logger().Warn("released leaked rooted handles at close", zap.Int("count", leaked))
	}
	return leaked
}
