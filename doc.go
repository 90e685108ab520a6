// Package vmbridge embeds a managed bytecode runtime (one with its own
// conservative tracing garbage collector and dynamically typed values)
// inside a Go host, and lets the two sides call each other safely.
//
// The library is organized into several packages with distinct
// responsibilities:
//
//	vm-bridge/       Root package with the Ref and Kind primitives
//	├── session/     VM session lifecycle, integration modes, message queue
//	├── gc/          Collector boundary: thread registration, stack-scan
//	│                correction, blocking regions, roots
//	├── guest/       Guest runtime interface and an in-process fake guest
//	├── value/       Rooted/unrooted value handle lifecycle
//	├── engine/      wazero-backed guest runtime
//	└── errors/      Structured error types with stable codes
//
// # Quick Start
//
// Embed a guest runtime on a dedicated execution thread:
//
//	sess, err := session.New(rt, session.Config{Mode: session.ModeDedicated})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Destroy(ctx)
//
//	sess.Init(nil)
//	sess.LoadModule(ctx, code)
//	sess.Start(ctx)
//
//	// Any host thread may hand work to the execution thread.
//	sess.SubmitSync(ctx, func(ctx context.Context, s *session.Session) error {
//	    _, err := s.StaticCall(ctx, "Game", "pause")
//	    return err
//	})
//
//	sess.Stop()
//
// # Threading Model
//
// Guest code is executed by exactly one thread at a time. In Direct mode
// that is the host's own (registered) thread, which must pump the guest's
// internal event loop periodically. In Dedicated mode the session owns a
// locked OS thread; all other threads communicate with it through the
// session's bounded message queue.
//
// # GC Safety
//
// The guest collector scans the C-style call stack of every registered
// thread conservatively. Two rules keep that scan sound:
//
//  1. Every thread calling into the guest registers first (gc.Registry)
//     and unregisters before it exits, exactly once each.
//  2. Every bridge entry point that can allocate guest values corrects
//     the thread's stack-scan origin from a genuine local variable
//     (gc.StackMarker) before calling in.
//
// Violating either rule is not reported as an error; it corrupts the
// guest heap at some later, unrelated point. The session package performs
// both steps internally on every path it controls.
package vmbridge
