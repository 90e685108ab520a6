package gc

import (
	"sync"

	vmbridge "github.com/hostbridge/vm-bridge"
	"github.com/hostbridge/vm-bridge/errors"
)

// Tracker is a reference Collector that performs bookkeeping and
// invariant checking without managing real memory. The fake guest and
// the wazero engine use it to account for allocations, roots and thread
// registration; tests assert against its counters.
type Tracker struct {
	mu       sync.Mutex
	threads  int
	blocked  int
	roots    map[vmbridge.Ref]int
	objects  uint64
	heap     uint64
	nextRef  vmbridge.Ref
	origin   StackOrigin
	originUpdates uint64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{roots: make(map[vmbridge.Ref]int)}
}

// RegisterThread implements Collector.
func (t *Tracker) RegisterThread(origin StackOrigin) error {
	if origin == 0 {
		return errors.InvalidInput(errors.PhaseGC, "zero stack-scan origin")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threads++
	t.origin = origin
	return nil
}

// UnregisterThread implements Collector. Unbalanced calls corrupt real
// collectors silently, so the tracker reports them instead.
func (t *Tracker) UnregisterThread() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.threads == 0 {
		return errors.Unbalanced("UnregisterThread", "no registered threads")
	}
	t.threads--
	return nil
}

// SetStackOrigin implements Collector.
func (t *Tracker) SetStackOrigin(origin StackOrigin) {
	t.mu.Lock()
	t.origin = origin
	t.originUpdates++
	t.mu.Unlock()
}

// SetBlocking implements Collector.
func (t *Tracker) SetBlocking(blocking bool) {
	t.mu.Lock()
	if blocking {
		t.blocked++
	} else if t.blocked > 0 {
		t.blocked--
	}
	t.mu.Unlock()
}

// AddRoot implements Collector. Roots are counted, not deduplicated: the
// same ref rooted twice needs two removals, matching hl_add_root.
func (t *Tracker) AddRoot(ref vmbridge.Ref) {
	t.mu.Lock()
	t.roots[ref]++
	t.mu.Unlock()
}

// RemoveRoot implements Collector.
func (t *Tracker) RemoveRoot(ref vmbridge.Ref) {
	t.mu.Lock()
	if n := t.roots[ref]; n > 1 {
		t.roots[ref] = n - 1
	} else {
		delete(t.roots, ref)
	}
	t.mu.Unlock()
}

// Rooted reports whether ref currently has at least one root.
func (t *Tracker) Rooted(ref vmbridge.Ref) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roots[ref] > 0
}

// Alloc accounts for a guest allocation of size bytes and returns a
// fresh ref for it. Not part of the Collector interface; guests that use
// Tracker as their heap bookkeeping call it directly.
func (t *Tracker) Alloc(size uint64) vmbridge.Ref {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextRef++
	t.objects++
	t.heap += size
	return t.nextRef
}

// Collect drops accounting for objects that are no longer rooted. sizes
// maps each reclaimed ref to its size. Guests call this from their own
// collection cycles; it exists so Stats stay honest in long tests.
func (t *Tracker) Collect(sizes map[vmbridge.Ref]uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ref, size := range sizes {
		if t.roots[ref] > 0 {
			continue
		}
		if t.objects > 0 {
			t.objects--
		}
		if t.heap >= size {
			t.heap -= size
		}
	}
}

// BlockedThreads returns how many registered threads are inside blocking
// regions.
func (t *Tracker) BlockedThreads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocked
}

// OriginUpdates returns how many times the scan origin was corrected.
func (t *Tracker) OriginUpdates() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.originUpdates
}

// Stats implements Collector.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	roots := 0
	for _, n := range t.roots {
		roots += n
	}
	return Stats{
		LiveObjects: t.objects,
		HeapBytes:   t.heap,
		Roots:       roots,
		Threads:     t.threads,
	}
}
