// Package engine backs the guest.Runtime interface with wazero.
//
// Guests are ordinary wasm modules that follow a small export contract:
// an entry function (default export name "entry"), an optional "tick"
// for internal timers, an optional "pending" that reports whether a tick
// would do work, static methods exported as "Class.method" and
// constructors as "Class.new". Values cross the boundary as opaque u64
// references; the guest imports the "bridge" host module to box, unbox
// and release them, and calls bridge.drain inside long-running entry
// loops so host-submitted work gets a turn.
package engine
