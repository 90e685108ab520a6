package guest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	vmbridge "github.com/hostbridge/vm-bridge"
)

func TestFake_StaticCall(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.RegisterStatic("Math", "double", func(ctx context.Context, f *Fake, args []vmbridge.Ref) (vmbridge.Ref, error) {
		n, err := f.UnboxInt(ctx, args[0])
		if err != nil {
			return vmbridge.NilRef, err
		}
		return f.BoxInt(ctx, n*2)
	})

	arg, _ := f.BoxInt(ctx, 21)
	ref, kind, err := f.StaticCall(ctx, "Math", "double", arg)
	if err != nil {
		t.Fatalf("StaticCall: %v", err)
	}
	if kind != vmbridge.KindInt {
		t.Fatalf("kind = %v, want int", kind)
	}
	got, _ := f.UnboxInt(ctx, ref)
	if got != 42 {
		t.Fatalf("result = %d, want 42", got)
	}
}

func TestFake_StaticCallUnknown(t *testing.T) {
	f := NewFake()
	if _, _, err := f.StaticCall(context.Background(), "Nope", "missing"); err == nil {
		t.Fatal("unknown method should fail")
	}
}

func TestFake_UnboxCoercions(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	fl, _ := f.BoxFloat(ctx, 3.9)
	if n, err := f.UnboxInt(ctx, fl); err != nil || n != 3 {
		t.Fatalf("UnboxInt(3.9) = %d, %v; want 3", n, err)
	}

	i, _ := f.BoxInt(ctx, 7)
	if x, err := f.UnboxFloat(ctx, i); err != nil || x != 7 {
		t.Fatalf("UnboxFloat(7) = %v, %v; want 7", x, err)
	}
	if s, err := f.UnboxString(ctx, i); err != nil || s != "7" {
		t.Fatalf("UnboxString(7) = %q, %v; want 7", s, err)
	}

	str, _ := f.BoxString(ctx, "hi")
	if _, err := f.UnboxInt(ctx, str); err == nil {
		t.Fatal("UnboxInt on string should fail")
	}
}

// Timers only run when ticked: pausing the pump delays work, never
// drops it.
func TestFake_TimersDelayedNotLost(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	var fired atomic.Int32
	f.ScheduleTimer(5*time.Millisecond, func(context.Context) { fired.Add(1) })

	time.Sleep(20 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("timer fired without a tick")
	}
	if !f.HasPendingWork() {
		t.Fatal("due timer should count as pending work")
	}

	if err := f.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if fired.Load() != 1 {
		t.Fatal("due timer should fire on the next tick")
	}
	if f.HasPendingWork() {
		t.Fatal("no pending work after firing")
	}
}

func TestFake_EntryDrainsLoop(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	if err := f.LoadModule(ctx, []byte{1}); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}

	drained := 0
	f.SetEntry(func(ctx context.Context, f *Fake, loop EventLoop) error {
		for i := 0; i < 3; i++ {
			if err := loop.Drain(ctx); err != nil {
				return err
			}
		}
		return nil
	})

	loop := countingLoop{n: &drained}
	if err := f.CallEntry(ctx, loop); err != nil {
		t.Fatalf("CallEntry: %v", err)
	}
	if drained != 3 {
		t.Fatalf("Drain called %d times, want 3", drained)
	}
}

type countingLoop struct{ n *int }

func (l countingLoop) Drain(context.Context) error {
	*l.n++
	return nil
}

func TestFake_CallEntryWithoutModule(t *testing.T) {
	f := NewFake()
	if err := f.CallEntry(context.Background(), NopLoop{}); err == nil {
		t.Fatal("CallEntry without a module should fail")
	}
}
