package value

import (
	"sync/atomic"

	vmbridge "github.com/hostbridge/vm-bridge"
	"github.com/hostbridge/vm-bridge/errors"
	"github.com/hostbridge/vm-bridge/gc"
)

// Handle is a host-side reference to a guest dynamic value.
type Handle struct {
	col      gc.Collector
	ref      vmbridge.Ref
	kind     vmbridge.Kind
	rooted   bool
	released atomic.Bool
}

// NewUnrooted wraps a ref that is only guaranteed live until the next
// guest-allocating call. Callers storing it longer must Root it first.
func NewUnrooted(col gc.Collector, ref vmbridge.Ref, kind vmbridge.Kind) *Handle {
	return &Handle{col: col, ref: ref, kind: kind}
}

// NewRooted wraps a ref and immediately pins it with the collector.
// Object construction uses this so a fresh object cannot be collected
// between construction and first use.
func NewRooted(col gc.Collector, ref vmbridge.Ref, kind vmbridge.Kind) *Handle {
	h := &Handle{col: col, ref: ref, kind: kind, rooted: true}
	col.AddRoot(ref)
	return h
}

// Ref returns the underlying guest reference. The liveness contract of
// the handle applies: an unrooted handle's ref must not be used after
// the collector may have run.
func (h *Handle) Ref() vmbridge.Ref { return h.ref }

// Kind returns the dynamic kind recorded when the handle was produced.
func (h *Handle) Kind() vmbridge.Kind { return h.kind }

// Rooted reports whether the collector holds a root for this handle.
func (h *Handle) Rooted() bool { return h.rooted && !h.released.Load() }

// Released reports whether the handle has been released.
func (h *Handle) Released() bool { return h.released.Load() }

// Root promotes an unrooted handle so it survives past the current
// call. Rooting an already-rooted or released handle is an error.
func (h *Handle) Root() error {
	if h.released.Load() {
		return errors.Released("Root")
	}
	if h.rooted {
		return errors.InvalidInput(errors.PhaseValue, "handle already rooted")
	}
	h.col.AddRoot(h.ref)
	h.rooted = true
	return nil
}

// Release ends the handle's lifetime. For rooted handles the root is
// removed; the underlying memory is reclaimed by a later collection,
// not synchronously. Must be called exactly once.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return errors.Released("Release")
	}
	if h.rooted {
		h.col.RemoveRoot(h.ref)
	}
	return nil
}
