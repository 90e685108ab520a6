// Package gc models the boundary between the host and the guest
// runtime's conservative tracing collector.
//
// The collector itself is external to this library (it lives inside the
// embedded runtime); this package owns the bookkeeping the host must get
// right for the collector to stay sound:
//
//   - Thread registration. Every OS thread that calls into the guest
//     registers through a Registry before its first guest-allocating
//     call and unregisters before it exits. Calls must balance exactly.
//
//   - Stack-scan correction. The collector scans each registered
//     thread's stack from a recorded origin. If that origin ever points
//     at heap memory instead of a live stack frame, the collector frees
//     objects that are still referenced by locals: silent corruption,
//     not an error. Declare a StackMarker as a local at every bridge
//     entry point that can allocate and call Registration.Correct with
//     it before calling in.
//
//   - Blocking regions. A registered thread wraps external blocking work
//     (file I/O, sleeps) in BeginBlocking/EndBlocking so a concurrent
//     collection does not stall waiting for it. Code inside the region
//     must not call back into the guest.
//
//   - Roots. AddRoot/RemoveRoot pin a guest value as always-reachable
//     until released; the value package builds its rooted-handle
//     lifecycle on these.
//
// The collector is a process-wide singleton even though sessions are
// per-embedding, so at most one session may hold it at a time. Acquire
// makes that constraint explicit: it fails loudly instead of letting a
// second live session corrupt shared collector state.
//
// Tracker is a reference Collector implementation that performs pure
// bookkeeping and invariant checking. It backs the in-process fake guest
// and the wazero engine, and is what the tests exercise.
package gc
