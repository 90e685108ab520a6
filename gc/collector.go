package gc

import (
	"unsafe"

	vmbridge "github.com/hostbridge/vm-bridge"
)

// StackOrigin is the address the collector starts scanning from when it
// walks a thread's stack for live guest references.
type StackOrigin uintptr

// StackMarker is declared as a local variable at the top of every bridge
// entry point that can allocate guest values. Its address identifies the
// caller's live stack frame; Origin converts it to a StackOrigin for
// Registration.Correct.
//
// A marker must never be stored, returned or shared between goroutines:
// the whole point is that it lives in the frame that is about to hold
// guest pointers.
type StackMarker struct {
	_ [1]uintptr
}

// Origin returns the scan origin for the frame holding m.
func Origin(m *StackMarker) StackOrigin {
	return StackOrigin(uintptr(unsafe.Pointer(m)))
}

// Stats is a snapshot of collector bookkeeping, mirroring what the guest
// runtime reports about its own heap.
type Stats struct {
	LiveObjects uint64
	HeapBytes   uint64
	Roots       int
	Threads     int
}

// Collector is the surface of the guest runtime's garbage collector that
// the bridge depends on. Implementations bind these calls to the real
// runtime; Tracker is the in-process reference used for tests and the
// fake guest.
//
// None of these methods may be skipped or reordered by callers: the
// contracts here are the difference between a working embedding and
// nondeterministic heap corruption. Use Registry and Registration rather
// than calling RegisterThread/UnregisterThread directly.
type Collector interface {
	// RegisterThread marks the calling thread known to the collector.
	// origin must point into the calling thread's live stack.
	RegisterThread(origin StackOrigin) error

	// UnregisterThread marks the calling thread unknown. Must balance a
	// prior RegisterThread exactly.
	UnregisterThread() error

	// SetStackOrigin re-points the calling thread's scan origin at a
	// current stack frame. Invoked by Registration.Correct at every
	// bridge entry point.
	SetStackOrigin(origin StackOrigin)

	// SetBlocking tells the collector the calling thread is entering
	// (true) or leaving (false) an external blocking region.
	SetBlocking(blocking bool)

	// AddRoot pins ref as always-reachable until RemoveRoot.
	AddRoot(ref vmbridge.Ref)

	// RemoveRoot releases a pin added by AddRoot.
	RemoveRoot(ref vmbridge.Ref)

	// Stats returns current heap bookkeeping.
	Stats() Stats
}
