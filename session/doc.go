// Package session drives the lifecycle of one embedded guest runtime:
// create, init, load, run, close, destroy.
//
// A session moves through a strict state sequence; operations called out
// of order fail with a sequencing error and leave the state unchanged.
// Two integration modes are offered. Direct mode runs guest code on the
// host's own registered thread and relies on periodic Pump calls for
// guest-internal work. Dedicated mode gives the guest a locked OS thread
// and a bounded message queue; hosts reach guest state only through
// SubmitSync and SubmitAsync. The mode is fixed once the entry point has
// been invoked.
//
// Because the collector underneath is process-wide, at most one session
// may be live at a time. Destroy the current one before creating the
// next.
package session
