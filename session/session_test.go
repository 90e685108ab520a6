package session

import (
	"context"
	"testing"

	vmbridge "github.com/hostbridge/vm-bridge"
	"github.com/hostbridge/vm-bridge/errors"
	"github.com/hostbridge/vm-bridge/gc"
	"github.com/hostbridge/vm-bridge/guest"
)

func newTestSession(t *testing.T, mode Mode) (*Session, *guest.Fake) {
	t.Helper()
	fake := guest.NewFake()
	s, err := New(fake, Config{Name: t.Name(), Mode: mode, Registry: gc.NewRegistry()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Destroy(context.Background()) })
	return s, fake
}

func TestSession_LifecycleSequence(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestSession(t, ModeDirect)
	fake.RegisterStatic("Math", "double", func(_ context.Context, f *guest.Fake, args []vmbridge.Ref) (vmbridge.Ref, error) {
		n, err := f.UnboxInt(ctx, args[0])
		if err != nil {
			return vmbridge.NilRef, err
		}
		return f.BoxInt(ctx, n*2)
	})

	if s.State() != StateCreated {
		t.Fatalf("initial state = %v, want Created", s.State())
	}
	if err := s.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.LoadModule(ctx, []byte("module")); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if err := s.CallEntry(ctx); err != nil {
		t.Fatalf("CallEntry: %v", err)
	}
	if s.State() != StateEntryCalled {
		t.Fatalf("state = %v, want EntryCalled", s.State())
	}

	arg, err := s.BoxInt(ctx, 21)
	if err != nil {
		t.Fatalf("BoxInt: %v", err)
	}
	res, err := s.StaticCall(ctx, "Math", "double", arg)
	if err != nil {
		t.Fatalf("StaticCall: %v", err)
	}
	got, err := s.UnboxInt(ctx, res)
	if err != nil {
		t.Fatalf("UnboxInt: %v", err)
	}
	if got != 42 {
		t.Fatalf("Math.double(21) = %d, want 42", got)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if s.State() != StateDestroyed {
		t.Fatalf("state = %v, want Destroyed", s.State())
	}
}

func TestSession_SequencingErrorsLeaveStateUnchanged(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t, ModeDirect)

	// Guest state is unreachable from a fresh session.
	if _, err := s.StaticCall(ctx, "Math", "double"); !errors.IsKind(err, errors.KindSequencing) {
		t.Fatalf("StaticCall on fresh session = %v, want sequencing", err)
	}
	if s.State() != StateCreated {
		t.Fatalf("state = %v after failed StaticCall, want Created", s.State())
	}

	// Reordered sequence: load before init.
	if err := s.LoadModule(ctx, []byte("m")); !errors.IsKind(err, errors.KindSequencing) {
		t.Fatalf("LoadModule before Init = %v, want sequencing", err)
	}
	if s.State() != StateCreated {
		t.Fatalf("state = %v after failed LoadModule, want Created", s.State())
	}
	if err := s.CallEntry(ctx); !errors.IsKind(err, errors.KindSequencing) {
		t.Fatalf("CallEntry before Init = %v, want sequencing", err)
	}

	// The same session recovers once the calls arrive in order.
	if err := s.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Init(nil); !errors.IsKind(err, errors.KindSequencing) {
		t.Fatalf("double Init = %v, want sequencing", err)
	}
	if err := s.LoadModule(ctx, []byte("m")); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if err := s.CallEntry(ctx); err != nil {
		t.Fatalf("CallEntry: %v", err)
	}
}

func TestSession_LastError(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t, ModeDirect)

	_ = s.LoadModule(ctx, []byte("m"))
	le := s.LastError()
	if le == nil {
		t.Fatal("LastError nil after failed operation")
	}
	if le.Kind != errors.KindSequencing {
		t.Fatalf("LastError kind = %s, want sequencing", le.Kind)
	}
	if le.Code() != errors.KindSequencing.Code() {
		t.Fatalf("LastError code = %d, want %d", le.Code(), errors.KindSequencing.Code())
	}

	if err := s.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if s.LastError() != nil {
		t.Fatalf("LastError = %v after successful operation, want nil", s.LastError())
	}
}

func TestSession_ModeImmutableAfterEntry(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t, ModeDirect)

	if err := s.SetMode(ModeDedicated); err != nil {
		t.Fatalf("SetMode before entry: %v", err)
	}
	if err := s.SetMode(ModeDirect); err != nil {
		t.Fatalf("SetMode back: %v", err)
	}

	if err := s.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.LoadModule(ctx, []byte("m")); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if err := s.CallEntry(ctx); err != nil {
		t.Fatalf("CallEntry: %v", err)
	}

	if err := s.SetMode(ModeDedicated); !errors.IsKind(err, errors.KindMode) {
		t.Fatalf("SetMode after entry = %v, want mode error", err)
	}
	if s.Mode() != ModeDirect {
		t.Fatalf("mode = %v after rejected SetMode, want Direct", s.Mode())
	}
}

func TestSession_OneLiveSession(t *testing.T) {
	ctx := context.Background()
	first, err := New(guest.NewFake(), Config{Name: "first", Registry: gc.NewRegistry()})
	if err != nil {
		t.Fatalf("New first: %v", err)
	}

	_, err = New(guest.NewFake(), Config{Name: "second", Registry: gc.NewRegistry()})
	if !errors.IsKind(err, errors.KindCollectorBusy) {
		t.Fatalf("second New = %v, want collector_busy", err)
	}

	// Full teardown frees the collector for a restart.
	if err := first.Destroy(ctx); err != nil {
		t.Fatalf("Destroy first: %v", err)
	}
	next, err := New(guest.NewFake(), Config{Name: "next", Registry: gc.NewRegistry()})
	if err != nil {
		t.Fatalf("New after destroy: %v", err)
	}
	if err := next.Destroy(ctx); err != nil {
		t.Fatalf("Destroy next: %v", err)
	}
}

func TestSession_PumpRunsDelayedTimers(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestSession(t, ModeDirect)

	if err := s.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.LoadModule(ctx, []byte("m")); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if err := s.CallEntry(ctx); err != nil {
		t.Fatalf("CallEntry: %v", err)
	}

	fired := false
	fake.ScheduleTimer(0, func(context.Context) { fired = true })
	if !s.HasPendingWork() {
		t.Fatal("HasPendingWork = false with a due timer")
	}

	// No pumps: the timer is delayed, not lost.
	if fired {
		t.Fatal("timer fired without a pump")
	}
	if err := s.Pump(ctx); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if !fired {
		t.Fatal("timer did not fire on pump")
	}
}

func TestSession_RootedObjectSurvivesCollect(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestSession(t, ModeDirect)
	fake.RegisterStatic("Config", "get", func(_ context.Context, f *guest.Fake, _ []vmbridge.Ref) (vmbridge.Ref, error) {
		return vmbridge.NilRef, nil
	})

	if err := s.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.LoadModule(ctx, []byte("m")); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if err := s.CallEntry(ctx); err != nil {
		t.Fatalf("CallEntry: %v", err)
	}

	obj, err := s.NewObject(ctx, "Config")
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}
	if !obj.Rooted() {
		t.Fatal("constructed object is not rooted")
	}
	if !fake.Tracker().Rooted(obj.Ref()) {
		t.Fatal("collector does not know the object's root")
	}

	if err := s.Release(obj); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if fake.Tracker().Rooted(obj.Ref()) {
		t.Fatal("root survived release")
	}
	if err := s.Release(obj); !errors.IsKind(err, errors.KindReleased) {
		t.Fatalf("double release = %v, want released error", err)
	}
}

func TestSession_BlockingRegionPairing(t *testing.T) {
	s, _ := newTestSession(t, ModeDirect)
	if err := s.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := s.BeginBlocking(); err != nil {
		t.Fatalf("BeginBlocking: %v", err)
	}
	if err := s.BeginBlocking(); !errors.IsKind(err, errors.KindUnbalanced) {
		t.Fatalf("nested BeginBlocking = %v, want unbalanced", err)
	}
	if err := s.EndBlocking(); err != nil {
		t.Fatalf("EndBlocking: %v", err)
	}
	if err := s.EndBlocking(); !errors.IsKind(err, errors.KindUnbalanced) {
		t.Fatalf("unmatched EndBlocking = %v, want unbalanced", err)
	}
}
