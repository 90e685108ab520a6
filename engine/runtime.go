package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	vmbridge "github.com/hostbridge/vm-bridge"
	"github.com/hostbridge/vm-bridge/errors"
	"github.com/hostbridge/vm-bridge/gc"
	"github.com/hostbridge/vm-bridge/guest"
)

// hostValue is the host-side payload behind a guest value reference.
// Guest code never sees payloads directly; it reads and writes them
// through the bridge host module.
type hostValue struct {
	kind vmbridge.Kind
	i    int64
	f    float64
	b    bool
	s    string
}

func (v hostValue) size() uint64 {
	switch v.kind {
	case vmbridge.KindString:
		return uint64(len(v.s))
	case vmbridge.KindBool:
		return 1
	default:
		return 8
	}
}

// Runtime runs one wasm guest module and implements guest.Runtime.
//
// The wire contract with the guest is small: the guest exports an entry
// function, an optional tick function, an optional pending function,
// static methods under "Class.method" names and constructors under
// "Class.new"; values cross the boundary as opaque u64 references
// manipulated through the imported "bridge" host module.
type Runtime struct {
	engine *Engine
	cfg    Config
	log    *zap.Logger
	col    *gc.Tracker

	mu        sync.Mutex
	values    map[vmbridge.Ref]hostValue
	instance  api.Module
	loop      guest.EventLoop
	callbacks map[string]Callback
	hostBuilt bool
}

// Callback is a host function the guest may import from the "host"
// namespace. It takes and returns value references, moved the same way
// as every other boundary crossing.
type Callback func(ctx context.Context, arg vmbridge.Ref) (vmbridge.Ref, error)

func newRuntime(e *Engine, cfg Config) *Runtime {
	return &Runtime{
		engine: e,
		cfg:    cfg,
		log:    Logger().Named("runtime"),
		col:       gc.NewTracker(),
		values:    make(map[vmbridge.Ref]hostValue),
		callbacks: make(map[string]Callback),
	}
}

// RegisterCallback exposes fn to the guest as "host".name. Callbacks
// must be registered before the module that imports them is loaded.
func (r *Runtime) RegisterCallback(name string, fn Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hostBuilt {
		return errors.Sequencing("RegisterCallback", "", "callbacks must be registered before LoadModule")
	}
	if fn == nil {
		return errors.InvalidInput(errors.PhaseLoad, "nil callback")
	}
	r.callbacks[name] = fn
	return nil
}

// buildHostModule instantiates the "host" namespace from the registered
// callbacks. Runs once, before the first guest instantiation.
func (r *Runtime) buildHostModule(ctx context.Context) error {
	r.mu.Lock()
	if r.hostBuilt || len(r.callbacks) == 0 {
		r.hostBuilt = true
		r.mu.Unlock()
		return nil
	}
	callbacks := make(map[string]Callback, len(r.callbacks))
	for name, fn := range r.callbacks {
		callbacks[name] = fn
	}
	r.hostBuilt = true
	r.mu.Unlock()

	b := r.engine.runtime.NewHostModuleBuilder("host")
	for name, fn := range callbacks {
		name, fn := name, fn
		b.NewFunctionBuilder().WithFunc(func(ctx context.Context, arg uint64) uint64 {
			ref, err := fn(ctx, vmbridge.Ref(arg))
			if err != nil {
				r.log.Warn("callback failed", zap.String("name", name), zap.Error(err))
				return uint64(vmbridge.NilRef)
			}
			return uint64(ref)
		}).Export(name)
	}
	_, err := b.Instantiate(ctx)
	return err
}

func (r *Runtime) alloc(v hostValue) vmbridge.Ref {
	ref := r.col.Alloc(v.size())
	r.mu.Lock()
	r.values[ref] = v
	r.mu.Unlock()
	return ref
}

func (r *Runtime) lookup(ref vmbridge.Ref) (hostValue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[ref]
	return v, ok
}

// instantiateHostModule exposes the "bridge" import namespace: boxing,
// unboxing, string transfer through guest memory, and event-loop
// draining for guests whose entry point loops.
func (r *Runtime) instantiateHostModule(ctx context.Context) error {
	b := r.engine.runtime.NewHostModuleBuilder("bridge")

	b.NewFunctionBuilder().WithFunc(func(_ context.Context, v int64) uint64 {
		return uint64(r.alloc(hostValue{kind: vmbridge.KindInt, i: v}))
	}).Export("box_int")

	b.NewFunctionBuilder().WithFunc(func(_ context.Context, v float64) uint64 {
		return uint64(r.alloc(hostValue{kind: vmbridge.KindFloat, f: v}))
	}).Export("box_float")

	b.NewFunctionBuilder().WithFunc(func(_ context.Context, v uint32) uint64 {
		return uint64(r.alloc(hostValue{kind: vmbridge.KindBool, b: v != 0}))
	}).Export("box_bool")

	b.NewFunctionBuilder().WithFunc(func(_ context.Context, m api.Module, ptr, length uint32) uint64 {
		buf, ok := m.Memory().Read(ptr, length)
		if !ok {
			r.log.Warn("box_string out of bounds", zap.Uint32("ptr", ptr), zap.Uint32("len", length))
			return uint64(vmbridge.NilRef)
		}
		return uint64(r.alloc(hostValue{kind: vmbridge.KindString, s: string(buf)}))
	}).Export("box_string")

	b.NewFunctionBuilder().WithFunc(func(_ context.Context, ref uint64) int64 {
		v, _ := r.lookup(vmbridge.Ref(ref))
		return v.i
	}).Export("unbox_int")

	b.NewFunctionBuilder().WithFunc(func(_ context.Context, ref uint64) float64 {
		v, _ := r.lookup(vmbridge.Ref(ref))
		return v.f
	}).Export("unbox_float")

	b.NewFunctionBuilder().WithFunc(func(_ context.Context, ref uint64) uint32 {
		v, _ := r.lookup(vmbridge.Ref(ref))
		if v.b {
			return 1
		}
		return 0
	}).Export("unbox_bool")

	b.NewFunctionBuilder().WithFunc(func(_ context.Context, ref uint64) uint32 {
		v, _ := r.lookup(vmbridge.Ref(ref))
		return uint32(len(v.s))
	}).Export("string_len")

	b.NewFunctionBuilder().WithFunc(func(_ context.Context, m api.Module, ref uint64, ptr uint32) uint32 {
		v, ok := r.lookup(vmbridge.Ref(ref))
		if !ok || !m.Memory().Write(ptr, []byte(v.s)) {
			return 0
		}
		return uint32(len(v.s))
	}).Export("string_copy")

	b.NewFunctionBuilder().WithFunc(func(_ context.Context, ref uint64) uint32 {
		return uint32(r.KindOf(vmbridge.Ref(ref)))
	}).Export("kind_of")

	b.NewFunctionBuilder().WithFunc(func(_ context.Context, ref uint64) {
		r.mu.Lock()
		delete(r.values, vmbridge.Ref(ref))
		r.mu.Unlock()
	}).Export("release")

	// drain runs host-submitted work between guest loop iterations.
	// Returns 1 when the guest should leave its loop.
	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) uint32 {
		r.mu.Lock()
		loop := r.loop
		r.mu.Unlock()
		if loop == nil {
			return 0
		}
		if err := loop.Drain(ctx); err != nil {
			return 1
		}
		return 0
	}).Export("drain")

	_, err := b.Instantiate(ctx)
	return err
}

// LoadModule compiles and instantiates wasm bytecode, replacing any
// previously loaded guest.
func (r *Runtime) LoadModule(ctx context.Context, code []byte) error {
	if len(code) == 0 {
		return errors.Load("empty module", nil)
	}
	if err := r.buildHostModule(ctx); err != nil {
		return errors.Load("instantiate host callbacks", err)
	}
	compiled, err := r.engine.runtime.CompileModule(ctx, code)
	if err != nil {
		return errors.Load("compile failed", err)
	}

	r.mu.Lock()
	old := r.instance
	r.mu.Unlock()
	if old != nil {
		if err := old.Close(ctx); err != nil {
			r.log.Warn("close previous instance", zap.Error(err))
		}
	}

	instance, err := r.engine.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName("guest").WithStartFunctions())
	if err != nil {
		return errors.Load("instantiate failed", err)
	}

	r.mu.Lock()
	r.instance = instance
	r.mu.Unlock()
	r.log.Info("module loaded", zap.Int("bytes", len(code)))
	return nil
}

// CallEntry invokes the guest entry export on the calling goroutine.
// loop is served whenever the guest calls bridge.drain.
func (r *Runtime) CallEntry(ctx context.Context, loop guest.EventLoop) error {
	fn, err := r.export(r.cfg.EntryExport)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.loop = loop
	r.mu.Unlock()
	if _, err := fn.Call(ctx); err != nil {
		return errors.Wrap(errors.PhaseCall, errors.KindInvalidInput, err, "entry trapped")
	}
	return nil
}

// Tick invokes the guest's tick export if it has one.
func (r *Runtime) Tick(ctx context.Context) error {
	fn, err := r.export(r.cfg.TickExport)
	if err != nil {
		return nil // tickless guest
	}
	if _, err := fn.Call(ctx); err != nil {
		return errors.Wrap(errors.PhaseCall, errors.KindInvalidInput, err, "tick trapped")
	}
	return nil
}

// HasPendingWork asks the guest via its optional "pending" export.
func (r *Runtime) HasPendingWork() bool {
	fn, err := r.export("pending")
	if err != nil {
		return false
	}
	res, err := fn.Call(context.Background())
	if err != nil || len(res) == 0 {
		return false
	}
	return res[0] != 0
}

func (r *Runtime) export(name string) (api.Function, error) {
	r.mu.Lock()
	instance := r.instance
	r.mu.Unlock()
	if instance == nil {
		return nil, errors.Sequencing("call", "", "no module loaded")
	}
	fn := instance.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseCall, "export", name)
	}
	return fn, nil
}

// StaticCall invokes the guest export "class.method" with reference
// arguments and returns the reference result, NilRef for void methods.
func (r *Runtime) StaticCall(ctx context.Context, class, method string, args ...vmbridge.Ref) (vmbridge.Ref, vmbridge.Kind, error) {
	fn, err := r.export(class + "." + method)
	if err != nil {
		return vmbridge.NilRef, vmbridge.KindNull, err
	}
	raw := make([]uint64, len(args))
	for i, a := range args {
		raw[i] = uint64(a)
	}
	res, err := fn.Call(ctx, raw...)
	if err != nil {
		return vmbridge.NilRef, vmbridge.KindNull, errors.Wrap(errors.PhaseCall, errors.KindInvalidInput, err, class+"."+method+" trapped")
	}
	if len(res) == 0 {
		return vmbridge.NilRef, vmbridge.KindNull, nil
	}
	ref := vmbridge.Ref(res[0])
	return ref, r.KindOf(ref), nil
}

// NewObject invokes the guest constructor export "class.new".
func (r *Runtime) NewObject(ctx context.Context, class string) (vmbridge.Ref, error) {
	fn, err := r.export(class + ".new")
	if err != nil {
		return vmbridge.NilRef, err
	}
	res, err := fn.Call(ctx)
	if err != nil {
		return vmbridge.NilRef, errors.Wrap(errors.PhaseCall, errors.KindInvalidInput, err, class+".new trapped")
	}
	if len(res) == 0 {
		return vmbridge.NilRef, errors.InvalidInput(errors.PhaseCall, class+".new returned no value")
	}
	ref := vmbridge.Ref(res[0])
	r.mu.Lock()
	if _, ok := r.values[ref]; !ok {
		r.values[ref] = hostValue{kind: vmbridge.KindObject}
	}
	r.mu.Unlock()
	return ref, nil
}

func (r *Runtime) BoxInt(_ context.Context, v int64) (vmbridge.Ref, error) {
	return r.alloc(hostValue{kind: vmbridge.KindInt, i: v}), nil
}

func (r *Runtime) BoxFloat(_ context.Context, v float64) (vmbridge.Ref, error) {
	return r.alloc(hostValue{kind: vmbridge.KindFloat, f: v}), nil
}

func (r *Runtime) BoxBool(_ context.Context, v bool) (vmbridge.Ref, error) {
	return r.alloc(hostValue{kind: vmbridge.KindBool, b: v}), nil
}

func (r *Runtime) BoxString(_ context.Context, v string) (vmbridge.Ref, error) {
	return r.alloc(hostValue{kind: vmbridge.KindString, s: v}), nil
}

func (r *Runtime) UnboxInt(_ context.Context, ref vmbridge.Ref) (int64, error) {
	v, ok := r.lookup(ref)
	if !ok {
		return 0, errors.NotFound(errors.PhaseValue, "reference", "unbox_int")
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
		return 0, errors.Unsupported(errors.PhaseValue, "unbox "+v.kind.String()+" as int")
	}
}

func (r *Runtime) UnboxFloat(_ context.Context, ref vmbridge.Ref) (float64, error) {
	v, ok := r.lookup(ref)
	if !ok {
		return 0, errors.NotFound(errors.PhaseValue, "reference", "unbox_float")
	}
	switch v.kind {
	case vmbridge.KindFloat:
		return v.f, nil
	case vmbridge.KindInt:
		return float64(v.i), nil
	default:
		return 0, errors.Unsupported(errors.PhaseValue, "unbox "+v.kind.String()+" as float")
	}
}

func (r *Runtime) UnboxBool(_ context.Context, ref vmbridge.Ref) (bool, error) {
	v, ok := r.lookup(ref)
	if !ok {
		return false, errors.NotFound(errors.PhaseValue, "reference", "unbox_bool")
	}
	if v.kind != vmbridge.KindBool {
		return false, errors.Unsupported(errors.PhaseValue, "unbox "+v.kind.String()+" as bool")
	}
	return v.b, nil
}

func (r *Runtime) UnboxString(_ context.Context, ref vmbridge.Ref) (string, error) {
	v, ok := r.lookup(ref)
	if !ok {
		return "", errors.NotFound(errors.PhaseValue, "reference", "unbox_string")
	}
	if v.kind != vmbridge.KindString {
		return "", errors.Unsupported(errors.PhaseValue, "unbox "+v.kind.String()+" as string")
	}
	return v.s, nil
}

// KindOf returns the kind of a reference, KindNull for unknown ones.
func (r *Runtime) KindOf(ref vmbridge.Ref) vmbridge.Kind {
	v, ok := r.lookup(ref)
	if !ok {
		return vmbridge.KindNull
	}
	return v.kind
}

// Collector exposes the host-side heap bookkeeping.
func (r *Runtime) Collector() gc.Collector { return r.col }

// Tracker is the concrete collector, for tests and stats.
func (r *Runtime) Tracker() *gc.Tracker { return r.col }

// Close tears down the guest instance. The engine itself stays usable.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	instance := r.instance
	r.instance = nil
	r.values = make(map[vmbridge.Ref]hostValue)
	r.mu.Unlock()
	if instance == nil {
		return nil
	}
	return instance.Close(ctx)
}
