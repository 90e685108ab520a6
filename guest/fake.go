package guest

import (
	"context"
	"fmt"
	"sync"
	"time"

	vmbridge "github.com/hostbridge/vm-bridge"
	"github.com/hostbridge/vm-bridge/errors"
	"github.com/hostbridge/vm-bridge/gc"
)

// Method is a scripted static method on the fake guest.
type Method func(ctx context.Context, f *Fake, args []vmbridge.Ref) (vmbridge.Ref, error)

// EntryFunc is the fake guest's scripted entry point.
type EntryFunc func(ctx context.Context, f *Fake, loop EventLoop) error

type fakeValue struct {
	kind  vmbridge.Kind
	i     int64
	f     float64
	b     bool
	s     string
	class string
	size  uint64
}

type timer struct {
	due time.Time
	fn  func(ctx context.Context)
}

// Fake is an in-process guest runtime. Classes and entry behavior are
// scripted in Go; values live on a fake heap accounted through a
// gc.Tracker so collector bookkeeping stays observable.
type Fake struct {
	mu      sync.Mutex
	col     *gc.Tracker
	heap    map[vmbridge.Ref]fakeValue
	classes map[string]map[string]Method
	entry   EntryFunc
	timers  []timer
	loaded  bool
	closed  bool
}

// NewFake creates an empty fake guest.
func NewFake() *Fake {
	return &Fake{
		col:     gc.NewTracker(),
		heap:    make(map[vmbridge.Ref]fakeValue),
		classes: make(map[string]map[string]Method),
	}
}

// RegisterStatic scripts a static method.
func (f *Fake) RegisterStatic(class, method string, fn Method) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.classes[class]
	if m == nil {
		m = make(map[string]Method)
		f.classes[class] = m
	}
	m[method] = fn
}

// SetEntry scripts the module entry point. A nil entry returns
// immediately when called.
func (f *Fake) SetEntry(fn EntryFunc) {
	f.mu.Lock()
	f.entry = fn
	f.mu.Unlock()
}

// ScheduleTimer queues guest-internal work that becomes due after d.
// Due timers only run when the guest is ticked, so a host that stops
// pumping delays them without losing them.
func (f *Fake) ScheduleTimer(d time.Duration, fn func(ctx context.Context)) {
	f.mu.Lock()
	f.timers = append(f.timers, timer{due: time.Now().Add(d), fn: fn})
	f.mu.Unlock()
}

func (f *Fake) alloc(v fakeValue) vmbridge.Ref {
	ref := f.col.Alloc(v.size)
	f.mu.Lock()
	f.heap[ref] = v
	f.mu.Unlock()
	return ref
}

func (f *Fake) lookup(ref vmbridge.Ref) (fakeValue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.heap[ref]
	return v, ok
}

// Value returns the raw heap slot for a ref. Test helper.
func (f *Fake) Value(ref vmbridge.Ref) (any, bool) {
	v, ok := f.lookup(ref)
	if !ok {
		return nil, false
	}
	switch v.kind {
	case vmbridge.KindInt:
		return v.i, true
	case vmbridge.KindFloat:
		return v.f, true
	case vmbridge.KindBool:
		return v.b, true
	case vmbridge.KindString:
		return v.s, true
	case vmbridge.KindObject:
		return v.class, true
	default:
		return nil, true
	}
}

// LoadModule implements Runtime. The fake has no bytecode; it only
// validates the call and records that a module is attached.
func (f *Fake) LoadModule(_ context.Context, code []byte) error {
	if len(code) == 0 {
		return errors.Load("empty module", nil)
	}
	f.mu.Lock()
	f.loaded = true
	f.mu.Unlock()
	return nil
}

// CallEntry implements Runtime.
func (f *Fake) CallEntry(ctx context.Context, loop EventLoop) error {
	f.mu.Lock()
	entry := f.entry
	loaded := f.loaded
	f.mu.Unlock()
	if !loaded {
		return errors.Sequencing("CallEntry", "", "no module loaded")
	}
	if entry == nil {
		return nil
	}
	if loop == nil {
		loop = NopLoop{}
	}
	return entry(ctx, f, loop)
}

// Tick implements Runtime: runs every timer that has come due.
func (f *Fake) Tick(ctx context.Context) error {
	now := time.Now()
	f.mu.Lock()
	var due []timer
	rest := f.timers[:0]
	for _, tm := range f.timers {
		if !tm.due.After(now) {
			due = append(due, tm)
		} else {
			rest = append(rest, tm)
		}
	}
	f.timers = rest
	f.mu.Unlock()

	for _, tm := range due {
		tm.fn(ctx)
	}
	return nil
}

// HasPendingWork implements Runtime.
func (f *Fake) HasPendingWork() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers) > 0
}

// StaticCall implements Runtime.
func (f *Fake) StaticCall(ctx context.Context, class, method string, args ...vmbridge.Ref) (vmbridge.Ref, vmbridge.Kind, error) {
	f.mu.Lock()
	var fn Method
	if m := f.classes[class]; m != nil {
		fn = m[method]
	}
	f.mu.Unlock()
	if fn == nil {
		return vmbridge.NilRef, vmbridge.KindNull, errors.NotFound(errors.PhaseCall, "static method", class+"."+method)
	}
	ref, err := fn(ctx, f, args)
	if err != nil {
		return vmbridge.NilRef, vmbridge.KindNull, err
	}
	return ref, f.KindOf(ref), nil
}

// NewObject implements Runtime.
func (f *Fake) NewObject(_ context.Context, class string) (vmbridge.Ref, error) {
	f.mu.Lock()
	_, known := f.classes[class]
	f.mu.Unlock()
	if !known {
		return vmbridge.NilRef, errors.NotFound(errors.PhaseCall, "class", class)
	}
	return f.alloc(fakeValue{kind: vmbridge.KindObject, class: class, size: 48}), nil
}

// Boxing.

func (f *Fake) BoxInt(_ context.Context, v int64) (vmbridge.Ref, error) {
	return f.alloc(fakeValue{kind: vmbridge.KindInt, i: v, size: 16}), nil
}

func (f *Fake) BoxFloat(_ context.Context, v float64) (vmbridge.Ref, error) {
	return f.alloc(fakeValue{kind: vmbridge.KindFloat, f: v, size: 16}), nil
}

func (f *Fake) BoxBool(_ context.Context, v bool) (vmbridge.Ref, error) {
	return f.alloc(fakeValue{kind: vmbridge.KindBool, b: v, size: 16}), nil
}

func (f *Fake) BoxString(_ context.Context, v string) (vmbridge.Ref, error) {
	return f.alloc(fakeValue{kind: vmbridge.KindString, s: v, size: 16 + uint64(len(v))}), nil
}

// Unboxing, with the original bridge's permissive coercions.

func (f *Fake) UnboxInt(_ context.Context, ref vmbridge.Ref) (int64, error) {
	v, ok := f.lookup(ref)
	if !ok {
		return 0, errors.NotFound(errors.PhaseValue, "ref", fmt.Sprintf("%d", ref))
	}
	switch v.kind {
	case vmbridge.KindInt:
		return v.i, nil
	case vmbridge.KindFloat:
		return int64(v.f), nil
	case vmbridge.KindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, errors.InvalidInput(errors.PhaseValue, "not a numeric value")
	}
}

func (f *Fake) UnboxFloat(_ context.Context, ref vmbridge.Ref) (float64, error) {
	v, ok := f.lookup(ref)
	if !ok {
		return 0, errors.NotFound(errors.PhaseValue, "ref", fmt.Sprintf("%d", ref))
	}
	switch v.kind {
	case vmbridge.KindFloat:
		return v.f, nil
	case vmbridge.KindInt:
		return float64(v.i), nil
	default:
		return 0, errors.InvalidInput(errors.PhaseValue, "not a numeric value")
	}
}

func (f *Fake) UnboxBool(_ context.Context, ref vmbridge.Ref) (bool, error) {
	v, ok := f.lookup(ref)
	if !ok {
		return false, errors.NotFound(errors.PhaseValue, "ref", fmt.Sprintf("%d", ref))
	}
	if v.kind != vmbridge.KindBool {
		return false, errors.InvalidInput(errors.PhaseValue, "not a bool value")
	}
	return v.b, nil
}

func (f *Fake) UnboxString(_ context.Context, ref vmbridge.Ref) (string, error) {
	v, ok := f.lookup(ref)
	if !ok {
		return "", errors.NotFound(errors.PhaseValue, "ref", fmt.Sprintf("%d", ref))
	}
	switch v.kind {
	case vmbridge.KindString:
		return v.s, nil
	case vmbridge.KindInt:
		return fmt.Sprintf("%d", v.i), nil
	case vmbridge.KindFloat:
		return fmt.Sprintf("%g", v.f), nil
	case vmbridge.KindBool:
		return fmt.Sprintf("%t", v.b), nil
	default:
		return "", errors.InvalidInput(errors.PhaseValue, "not a printable value")
	}
}

// KindOf implements Runtime.
func (f *Fake) KindOf(ref vmbridge.Ref) vmbridge.Kind {
	v, ok := f.lookup(ref)
	if !ok {
		return vmbridge.KindNull
	}
	return v.kind
}

// Collector implements Runtime.
func (f *Fake) Collector() gc.Collector { return f.col }

// Tracker returns the underlying tracker for test assertions.
func (f *Fake) Tracker() *gc.Tracker { return f.col }

// Close implements Runtime.
func (f *Fake) Close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.heap = make(map[vmbridge.Ref]fakeValue)
	f.timers = nil
	f.mu.Unlock()
	return nil
}
