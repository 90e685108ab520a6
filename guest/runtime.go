package guest

import (
	"context"

	vmbridge "github.com/hostbridge/vm-bridge"
	"github.com/hostbridge/vm-bridge/gc"
)

// EventLoop is the bridge's hook into the guest's main loop. Drain
// executes pending host messages on the calling thread and returns
// without blocking when the queue is empty.
type EventLoop interface {
	Drain(ctx context.Context) error
}

// NopLoop is an EventLoop that does nothing. Handed to guests in Direct
// mode, where there is no message queue.
type NopLoop struct{}

func (NopLoop) Drain(context.Context) error { return nil }

// Runtime is the surface of the embedded managed runtime the bridge
// drives. Exactly one thread may call the guest-state methods
// (CallEntry, Tick, StaticCall, NewObject, Box*/Unbox*) at any instant;
// the session package enforces that by construction.
type Runtime interface {
	// LoadModule attaches compiled bytecode. May be called again to
	// replace the module before entry is invoked.
	LoadModule(ctx context.Context, code []byte) error

	// CallEntry invokes the module entry point. It may not return for
	// the lifetime of the program (an unbounded guest main loop); such
	// guests must call loop.Drain between their own ticks.
	CallEntry(ctx context.Context, loop EventLoop) error

	// Tick runs one non-blocking slice of the guest's internal work:
	// due timers, pending async completions. Hosts in Direct mode call
	// this once per frame; the dedicated thread interleaves it with
	// mailbox draining.
	Tick(ctx context.Context) error

	// HasPendingWork reports whether Tick has anything to do.
	HasPendingWork() bool

	// StaticCall invokes a static method on a guest class. Argument
	// refs must be live (rooted, or produced since the last point the
	// collector could run).
	StaticCall(ctx context.Context, class, method string, args ...vmbridge.Ref) (vmbridge.Ref, vmbridge.Kind, error)

	// NewObject constructs a guest object and returns its ref. The
	// caller is responsible for rooting it (the value package does this
	// automatically).
	NewObject(ctx context.Context, class string) (vmbridge.Ref, error)

	// Boxing. Each box allocates on the guest heap; the result is
	// ephemeral until rooted.
	BoxInt(ctx context.Context, v int64) (vmbridge.Ref, error)
	BoxFloat(ctx context.Context, v float64) (vmbridge.Ref, error)
	BoxBool(ctx context.Context, v bool) (vmbridge.Ref, error)
	BoxString(ctx context.Context, v string) (vmbridge.Ref, error)

	// Unboxing, with the permissive numeric coercions hosts expect from
	// a dynamically typed guest.
	UnboxInt(ctx context.Context, ref vmbridge.Ref) (int64, error)
	UnboxFloat(ctx context.Context, ref vmbridge.Ref) (float64, error)
	UnboxBool(ctx context.Context, ref vmbridge.Ref) (bool, error)
	UnboxString(ctx context.Context, ref vmbridge.Ref) (string, error)

	// KindOf reports the dynamic kind of a live ref.
	KindOf(ref vmbridge.Ref) vmbridge.Kind

	// Collector exposes the guest's garbage collector boundary.
	Collector() gc.Collector

	// Close tears the runtime down. No guest calls may follow.
	Close(ctx context.Context) error
}
