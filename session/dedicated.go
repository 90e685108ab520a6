package session

import (
	"context"
	"runtime"

	"go.uber.org/zap"

	"github.com/hostbridge/vm-bridge/errors"
	"github.com/hostbridge/vm-bridge/gc"
)

// Start spawns the dedicated execution thread: a goroutine locked to its
// OS thread that registers with the collector, calls the guest entry
// point and then serves submitted messages until Stop. Dedicated mode
// only; returns once the thread is registered and the entry point has
// been invoked (for entry points that return) or is running (for entry
// points that loop).
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.mode != ModeDedicated {
		s.mu.Unlock()
		return s.fail(errors.Mode("Start", "use CallEntry in Direct mode"))
	}
	if s.running {
		s.mu.Unlock()
		return s.fail(errors.AlreadyRunning())
	}
	if s.state != StateModuleLoaded {
		st := s.state
		s.mu.Unlock()
		return s.fail(errors.Sequencing("Start", st.String(), "load a module first"))
	}

	s.mbox = newMailbox(s.cfg.QueueCapacity)
	s.done = make(chan struct{})
	s.runCtx, s.cancelRun = context.WithCancel(context.WithValue(context.Background(), dedicatedKey{}, s))
	s.modeLocked = true
	s.state = StateEntryCalled
	s.running = true
	s.mu.Unlock()

	ready := make(chan error, 1)
	go s.dedicatedMain(ready)

	if err := <-ready; err != nil {
		// Entry was never invoked; the mode stays changeable.
		s.mu.Lock()
		s.state = StateModuleLoaded
		s.modeLocked = false
		s.running = false
		s.mbox = nil
		s.cancelRun()
		s.mu.Unlock()
		return s.fail(errors.ThreadStart(err, "dedicated thread registration"))
	}
	s.clearErr()
	s.log.Info("dedicated thread started", zap.Int("queue_capacity", s.mbox.capacity()))
	return nil
}

// dedicatedMain is the dedicated thread's body. It owns guest state for
// the session's running lifetime; all host access flows through the
// mailbox.
func (s *Session) dedicatedMain(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var marker gc.StackMarker
	reg, err := s.registry.Register(s.col, &marker)
	if err != nil {
		ready <- err
		return
	}
	defer func() {
		if err := reg.Unregister(); err != nil {
			s.log.Warn("dedicated thread unregistration failed", zap.Error(err))
		}
		close(s.done)
	}()

	ready <- nil

	// The mailbox doubles as the guest's event loop: entry points that
	// loop forever call Drain between iterations, which executes
	// submitted messages on this thread.
	if err := s.rt.CallEntry(s.runCtx, &dedicatedLoop{s: s, reg: reg}); err != nil {
		s.log.Error("guest entry failed", zap.Error(err))
		s.mu.Lock()
		s.lastErr = errors.Wrap(errors.PhaseCall, errors.KindInvalidInput, err, "guest entry failed")
		s.mu.Unlock()
	}

	// Entry returned: keep serving messages until Stop, interleaving
	// guest-internal work.
	for {
		msg, ok := s.mbox.dequeueWait()
		if !ok {
			break
		}
		s.execMessage(reg, msg)
		if s.rt.HasPendingWork() {
			if err := s.rt.Tick(s.runCtx); err != nil {
				s.log.Warn("guest tick failed", zap.Error(err))
			}
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.log.Debug("dedicated thread exiting")
}

// dedicatedLoop adapts the mailbox to guest.EventLoop for looping entry
// points. Each Drain runs every message queued at that moment, then
// returns so the guest loop can continue.
type dedicatedLoop struct {
	s   *Session
	reg *gc.Registration
}

func (l *dedicatedLoop) Drain(ctx context.Context) error {
	for {
		msg, ok := l.s.mbox.tryDequeue()
		if !ok {
			if l.s.mbox.stopRequested() {
				return context.Canceled
			}
			return nil
		}
		l.s.execMessage(l.reg, msg)
	}
}

// execMessage runs one submitted function on the dedicated thread with
// a fresh stack-origin correction, and completes its waiter.
func (s *Session) execMessage(reg *gc.Registration, msg message) {
	var marker gc.StackMarker
	reg.Correct(&marker)

	err := msg.fn(s.runCtx, s)
	if msg.done != nil {
		msg.done <- err
	}
	if msg.onComplete != nil {
		msg.onComplete(err)
	}
}

// SubmitSync queues fn for the dedicated thread and blocks until it has
// run, returning fn's error. Per-caller submission order is preserved.
// Fails with a queue_full error when the queue is at capacity; nothing
// is dropped silently.
func (s *Session) SubmitSync(ctx context.Context, fn Fn) error {
	s.mu.Lock()
	if s.mode != ModeDedicated {
		s.mu.Unlock()
		return s.fail(errors.Mode("SubmitSync", "Direct mode calls guest functions synchronously"))
	}
	mbox := s.mbox
	running := s.running
	s.mu.Unlock()
	if !running || mbox == nil {
		return s.fail(errors.NotRunning("SubmitSync"))
	}

	done := make(chan error, 1)
	if err := mbox.enqueue(message{fn: fn, done: done}); err != nil {
		return s.fail(err.(*errors.Error))
	}
	select {
	case err := <-done:
		if err != nil {
			return s.fail(errors.Wrap(errors.PhaseCall, errors.KindInvalidInput, err, "submitted call failed"))
		}
		s.clearErr()
		return nil
	case <-ctx.Done():
		// The message stays queued and will still run; only the wait
		// is abandoned.
		return s.fail(errors.Wrap(errors.PhaseCall, errors.KindInvalidInput, ctx.Err(), "wait for submitted call"))
	}
}

// SubmitAsync queues fn and returns immediately. onComplete, if non-nil,
// runs on the dedicated thread after fn with fn's error. Fails with a
// queue_full error when the queue is at capacity.
func (s *Session) SubmitAsync(fn Fn, onComplete func(error)) error {
	s.mu.Lock()
	if s.mode != ModeDedicated {
		s.mu.Unlock()
		return s.fail(errors.Mode("SubmitAsync", "Direct mode calls guest functions synchronously"))
	}
	mbox := s.mbox
	running := s.running
	s.mu.Unlock()
	if !running || mbox == nil {
		return s.fail(errors.NotRunning("SubmitAsync"))
	}

	if err := mbox.enqueue(message{fn: fn, onComplete: onComplete}); err != nil {
		return s.fail(err.(*errors.Error))
	}
	s.clearErr()
	return nil
}

// Stop asks the dedicated thread to finish. Messages accepted before
// Stop still execute; then the thread unregisters and exits. Blocks
// until the thread is gone.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.mode != ModeDedicated {
		s.mu.Unlock()
		return s.fail(errors.Mode("Stop", "nothing to stop in Direct mode"))
	}
	if !s.running || s.mbox == nil {
		s.mu.Unlock()
		return s.fail(errors.NotRunning("Stop"))
	}
	mbox := s.mbox
	done := s.done
	cancel := s.cancelRun
	s.mu.Unlock()

	mbox.requestStop()
	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.clearErr()
	s.log.Info("dedicated thread stopped")
	return nil
}
