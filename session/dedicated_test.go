package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	vmbridge "github.com/hostbridge/vm-bridge"
	"github.com/hostbridge/vm-bridge/errors"
	"github.com/hostbridge/vm-bridge/guest"
)

func startDedicated(t *testing.T, fake *guest.Fake, capacity int) *Session {
	t.Helper()
	cfg := Config{Name: t.Name(), Mode: ModeDedicated, QueueCapacity: capacity}
	s, err := New(fake, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Destroy(context.Background()) })

	ctx := context.Background()
	if err := s.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.LoadModule(ctx, []byte("m")); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func TestDedicated_SubmitSyncBlocksUntilExecuted(t *testing.T) {
	fake := guest.NewFake()
	fake.RegisterStatic("Counter", "incr", func(ctx context.Context, f *guest.Fake, _ []vmbridge.Ref) (vmbridge.Ref, error) {
		return f.BoxInt(ctx, 1)
	})
	s := startDedicated(t, fake, 0)

	executed := false
	err := s.SubmitSync(context.Background(), func(ctx context.Context, s *Session) error {
		h, err := s.StaticCall(ctx, "Counter", "incr")
		if err != nil {
			return err
		}
		executed = true
		return s.Release(h)
	})
	if err != nil {
		t.Fatalf("SubmitSync: %v", err)
	}
	// SubmitSync returned, so the message has run: no sleep needed.
	if !executed {
		t.Fatal("SubmitSync returned before the message executed")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestDedicated_SubmitAsyncReturnsImmediately(t *testing.T) {
	fake := guest.NewFake()
	s := startDedicated(t, fake, 0)

	release := make(chan struct{})
	completed := make(chan error, 1)

	// First message parks the dedicated thread so the async submit
	// observably returns before execution.
	if err := s.SubmitAsync(func(context.Context, *Session) error {
		<-release
		return nil
	}, nil); err != nil {
		t.Fatalf("SubmitAsync blocker: %v", err)
	}
	if err := s.SubmitAsync(func(context.Context, *Session) error {
		return nil
	}, func(err error) { completed <- err }); err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}

	select {
	case <-completed:
		t.Fatal("async message completed while the thread was parked")
	default:
	}

	close(release)
	select {
	case err := <-completed:
		if err != nil {
			t.Fatalf("async completion: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("async completion never arrived")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// A guest whose entry point loops forever stays responsive as long as it
// drains the event loop, and a submitted flag flip shuts it down.
func TestDedicated_LoopingEntryServicesMessages(t *testing.T) {
	var stop atomic.Bool
	var ticks atomic.Int64

	fake := guest.NewFake()
	fake.SetEntry(func(ctx context.Context, _ *guest.Fake, loop guest.EventLoop) error {
		for !stop.Load() {
			ticks.Add(1)
			if err := loop.Drain(ctx); err != nil {
				return nil // stop requested
			}
		}
		return nil
	})
	s := startDedicated(t, fake, 0)

	if err := s.SubmitSync(context.Background(), func(context.Context, *Session) error {
		stop.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("SubmitSync flag flip: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ticks.Load() == 0 {
		t.Fatal("entry loop never ran")
	}
	if s.State() != StateEntryCalled {
		t.Fatalf("state = %v, want EntryCalled", s.State())
	}
}

// Fill the queue to capacity while the thread is parked: the overflow
// submit fails explicitly, and every accepted message still fires.
func TestDedicated_QueueOverflowNothingDropped(t *testing.T) {
	const capacity = 256

	fake := guest.NewFake()
	s := startDedicated(t, fake, capacity)

	blockerIn := make(chan struct{})
	release := make(chan struct{})
	if err := s.SubmitAsync(func(context.Context, *Session) error {
		close(blockerIn)
		<-release
		return nil
	}, nil); err != nil {
		t.Fatalf("SubmitAsync blocker: %v", err)
	}
	<-blockerIn // blocker dequeued; the ring is empty and the thread parked

	var fired atomic.Int64
	var wg sync.WaitGroup
	wg.Add(capacity)
	for i := 0; i < capacity; i++ {
		if err := s.SubmitAsync(func(context.Context, *Session) error {
			fired.Add(1)
			return nil
		}, func(error) { wg.Done() }); err != nil {
			t.Fatalf("SubmitAsync %d: %v", i, err)
		}
	}

	err := s.SubmitAsync(func(context.Context, *Session) error { return nil }, nil)
	if !errors.IsKind(err, errors.KindQueueFull) {
		t.Fatalf("overflow submit = %v, want queue_full", err)
	}
	if le := s.LastError(); le == nil || le.Kind != errors.KindQueueFull {
		t.Fatalf("LastError = %v, want queue_full", le)
	}

	close(release)
	wg.Wait()
	if got := fired.Load(); got != capacity {
		t.Fatalf("%d accepted messages fired, want %d", got, capacity)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestDedicated_PerProducerOrderPreserved(t *testing.T) {
	fake := guest.NewFake()
	s := startDedicated(t, fake, 64)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 16; i++ {
		i := i
		if err := s.SubmitSync(context.Background(), func(context.Context, *Session) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("SubmitSync %d: %v", i, err)
		}
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d, want %d", i, got, i)
		}
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestDedicated_GuestAccessOutsideThreadRejected(t *testing.T) {
	fake := guest.NewFake()
	s := startDedicated(t, fake, 0)

	_, err := s.BoxInt(context.Background(), 7)
	if !errors.IsKind(err, errors.KindMode) {
		t.Fatalf("direct BoxInt in dedicated mode = %v, want mode error", err)
	}

	// The same call succeeds when routed through the queue.
	if err := s.SubmitSync(context.Background(), func(ctx context.Context, s *Session) error {
		h, err := s.BoxInt(ctx, 7)
		if err != nil {
			return err
		}
		return s.Release(h)
	}); err != nil {
		t.Fatalf("SubmitSync BoxInt: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestDedicated_LifecycleGuards(t *testing.T) {
	fake := guest.NewFake()
	ctx := context.Background()
	s, err := New(fake, Config{Name: t.Name(), Mode: ModeDedicated})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Destroy(ctx) })

	if err := s.Stop(); !errors.IsKind(err, errors.KindNotRunning) {
		t.Fatalf("Stop before Start = %v, want not_running", err)
	}
	if err := s.SubmitAsync(func(context.Context, *Session) error { return nil }, nil); !errors.IsKind(err, errors.KindNotRunning) {
		t.Fatalf("SubmitAsync before Start = %v, want not_running", err)
	}
	if err := s.Start(ctx); !errors.IsKind(err, errors.KindSequencing) {
		t.Fatalf("Start before LoadModule = %v, want sequencing", err)
	}

	if err := s.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.LoadModule(ctx, []byte("m")); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); !errors.IsKind(err, errors.KindAlreadyRunning) {
		t.Fatalf("double Start = %v, want already_running", err)
	}
	if err := s.CallEntry(ctx); !errors.IsKind(err, errors.KindMode) {
		t.Fatalf("CallEntry in dedicated mode = %v, want mode error", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); !errors.IsKind(err, errors.KindNotRunning) {
		t.Fatalf("double Stop = %v, want not_running", err)
	}
}
