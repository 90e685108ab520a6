// Package guest defines the interface the bridge expects from an
// embedded managed runtime, and provides Fake, an in-process scriptable
// implementation used by tests and examples.
//
// A Runtime owns the guest heap, the guest's internal event loop
// (timers, pending asynchronous callbacks) and the collector. The bridge
// never touches guest memory directly: every value crossing the boundary
// is an opaque vmbridge.Ref whose liveness is governed by the collector
// root contract (see the value and gc packages).
//
// The EventLoop handed to CallEntry is the bridge's mailbox. Guest entry
// code that runs an unbounded main loop must call Drain between its own
// ticks, or host messages (including the one that would tell it to stop)
// never execute. Guests whose entry returns promptly can ignore it; the
// dedicated thread drains the mailbox itself once entry returns.
package guest
