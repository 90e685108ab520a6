package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	vmbridge "github.com/hostbridge/vm-bridge"
	"github.com/hostbridge/vm-bridge/errors"
	"github.com/hostbridge/vm-bridge/gc"
	"github.com/hostbridge/vm-bridge/guest"
	"github.com/hostbridge/vm-bridge/value"
)

// State is the session lifecycle position.
type State uint8

const (
	StateCreated State = iota
	StateInitialized
	StateModuleLoaded
	StateEntryCalled
	StateClosed
	StateDestroyed
)

var stateNames = [...]string{
	StateCreated:     "Created",
	StateInitialized: "Initialized",
	StateModuleLoaded: "ModuleLoaded",
	StateEntryCalled: "EntryCalled",
	StateClosed:      "Closed",
	StateDestroyed:   "Destroyed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Mode selects how guest code shares threads with the host. It is fixed
// once the entry point has been invoked.
type Mode uint8

const (
	// ModeDirect runs guest code synchronously on the host's own
	// registered thread. The host must Pump periodically; guest entry
	// code that never returns will hang the host thread.
	ModeDirect Mode = iota

	// ModeDedicated gives guest code its own locked OS thread; the host
	// communicates only through SubmitSync/SubmitAsync. Unbounded guest
	// main loops are fine here as long as they drain the event loop.
	ModeDedicated
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "Direct"
	case ModeDedicated:
		return "Dedicated"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Config tunes a session. The zero value is usable: Direct mode, default
// queue capacity, shared process-wide registry, no-op logger.
type Config struct {
	// Name labels the session in collector-ownership errors and logs.
	Name string

	// Mode is the initial integration mode; it can be changed with
	// SetMode until the entry point is called.
	Mode Mode

	// QueueCapacity bounds the message queue in Dedicated mode.
	// Defaults to DefaultQueueCapacity.
	QueueCapacity int

	// Registry is the thread registration table. Defaults to
	// gc.DefaultRegistry; tests may inject a fresh one.
	Registry *gc.Registry

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Session is the per-embedding handle for one guest runtime instance.
//
// The collector underneath is process-wide, so at most one session may
// be live at a time: New fails with a collector_busy error while another
// session exists. Destroy fully, then create anew to restart.
type Session struct {
	mu       sync.Mutex
	cfg      Config
	log      *zap.Logger
	rt       guest.Runtime
	col      gc.Collector
	registry *gc.Registry
	lease    *gc.Lease
	handles  *value.Table

	state      State
	mode       Mode
	modeLocked bool
	lastErr    *errors.Error

	// hostReg is the registration of the thread that called Init; in
	// Direct mode it is the thread that executes guest code.
	hostReg *gc.Registration

	// Dedicated-thread machinery, nil until Start.
	mbox      *mailbox
	runCtx    context.Context
	cancelRun context.CancelFunc
	done      chan struct{}
	running   bool
}

// dedicatedKey marks contexts belonging to the dedicated execution
// thread, so guest-state operations can reject foreign threads.
type dedicatedKey struct{}

// New creates a session around rt and takes process-wide ownership of
// the collector. Fails if another live session holds it.
func New(rt guest.Runtime, cfg Config) (*Session, error) {
	if rt == nil {
		return nil, errors.InvalidInput(errors.PhaseLifecycle, "nil guest runtime")
	}
	if cfg.Name == "" {
		cfg.Name = "session"
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Registry == nil {
		cfg.Registry = gc.DefaultRegistry
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	lease, err := gc.Acquire(cfg.Name)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		log:      cfg.Logger.Named("session"),
		rt:       rt,
		col:      rt.Collector(),
		registry: cfg.Registry,
		lease:    lease,
		handles:  value.NewTable(),
		state:    StateCreated,
		mode:     cfg.Mode,
	}
	s.log.Debug("session created", zap.String("name", cfg.Name), zap.Stringer("mode", cfg.Mode))
	return s, nil
}

// fail records err as the session's error state and returns it.
func (s *Session) fail(err *errors.Error) error {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	return err
}

// clearErr resets the error state after a successful call.
func (s *Session) clearErr() {
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
}

// LastError returns the error recorded by the most recent failing
// operation, or nil after a successful one. The code/message pair is
// stable (errors.Kind.Code) and human-readable, respectively.
func (s *Session) LastError() *errors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode returns the integration mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode changes the integration mode. Rejected once the entry point
// has been called, for both mode values.
func (s *Session) SetMode(m Mode) error {
	if m != ModeDirect && m != ModeDedicated {
		return s.fail(errors.InvalidInput(errors.PhaseLifecycle, "unknown integration mode"))
	}
	s.mu.Lock()
	if s.modeLocked {
		s.mu.Unlock()
		return s.fail(errors.Mode("SetMode", "integration mode is fixed once the entry point has been called"))
	}
	if s.state >= StateClosed {
		st := s.state
		s.mu.Unlock()
		return s.fail(errors.Sequencing("SetMode", st.String(), "session is closed"))
	}
	s.mode = m
	s.mu.Unlock()
	s.clearErr()
	return nil
}

// Init brings the session from Created to Initialized: guest system
// setup plus registration of the calling thread with the collector. In
// Direct mode the calling thread is the one that will execute guest
// code; callers should pin it with runtime.LockOSThread for the
// session's lifetime.
func (s *Session) Init(args []string) error {
	s.mu.Lock()
	if s.state != StateCreated {
		st := s.state
		s.mu.Unlock()
		return s.fail(errors.Sequencing("Init", st.String(), "session already initialized"))
	}
	s.mu.Unlock()

	var marker gc.StackMarker
	reg, err := s.registry.Register(s.col, &marker)
	if err != nil {
		return s.fail(errors.Wrap(errors.PhaseGC, errors.KindUnregistered, err, "register host thread"))
	}

	s.mu.Lock()
	s.hostReg = reg
	s.state = StateInitialized
	s.mu.Unlock()
	s.clearErr()
	s.log.Debug("session initialized", zap.Int("args", len(args)))
	return nil
}

// LoadModule attaches compiled bytecode. Valid from Initialized (first
// load) and ModuleLoaded (replace before entry). On failure the state is
// unchanged.
func (s *Session) LoadModule(ctx context.Context, code []byte) error {
	s.mu.Lock()
	if s.state != StateInitialized && s.state != StateModuleLoaded {
		st := s.state
		s.mu.Unlock()
		return s.fail(errors.Sequencing("LoadModule", st.String(), "init the session first; entry must not have been called"))
	}
	reg := s.hostReg
	s.mu.Unlock()

	var marker gc.StackMarker
	reg.Correct(&marker)

	if err := s.rt.LoadModule(ctx, code); err != nil {
		return s.fail(errors.Load("guest rejected module", err))
	}

	s.mu.Lock()
	s.state = StateModuleLoaded
	s.mu.Unlock()
	s.clearErr()
	s.log.Info("module loaded", zap.Int("bytes", len(code)))
	return nil
}

// CallEntry invokes the guest entry point on the calling thread. Direct
// mode only; Dedicated mode enters through Start. Guest entry code that
// never returns will hang the caller; that is the documented cost of
// Direct mode.
func (s *Session) CallEntry(ctx context.Context) error {
	s.mu.Lock()
	if s.mode != ModeDirect {
		s.mu.Unlock()
		return s.fail(errors.Mode("CallEntry", "use Start in Dedicated mode"))
	}
	if s.state != StateModuleLoaded {
		st := s.state
		s.mu.Unlock()
		return s.fail(errors.Sequencing("CallEntry", st.String(), "load a module first"))
	}
	s.modeLocked = true
	s.state = StateEntryCalled
	reg := s.hostReg
	s.mu.Unlock()

	var marker gc.StackMarker
	reg.Correct(&marker)

	if err := s.rt.CallEntry(ctx, guest.NopLoop{}); err != nil {
		s.mu.Lock()
		s.state = StateModuleLoaded
		s.mu.Unlock()
		return s.fail(errors.Wrap(errors.PhaseCall, errors.KindInvalidInput, err, "guest entry failed"))
	}
	s.clearErr()
	s.log.Info("entry point returned")
	return nil
}

// Pump runs one non-blocking slice of the guest's internal event loop:
// due timers, pending async completions. Direct-mode hosts call this
// once per loop iteration. Skipping pumps delays guest-internal work; it
// is never lost.
func (s *Session) Pump(ctx context.Context) error {
	s.mu.Lock()
	if s.mode != ModeDirect {
		s.mu.Unlock()
		return s.fail(errors.Mode("Pump", "the dedicated thread pumps for itself"))
	}
	if s.state != StateEntryCalled {
		st := s.state
		s.mu.Unlock()
		return s.fail(errors.Sequencing("Pump", st.String(), "call the entry point first"))
	}
	reg := s.hostReg
	s.mu.Unlock()

	var marker gc.StackMarker
	reg.Correct(&marker)

	if err := s.rt.Tick(ctx); err != nil {
		return s.fail(errors.Wrap(errors.PhaseCall, errors.KindInvalidInput, err, "guest tick failed"))
	}
	s.clearErr()
	return nil
}

// HasPendingWork reports whether the guest has internal work a Pump
// would run.
func (s *Session) HasPendingWork() bool {
	return s.rt.HasPendingWork()
}

// guestCallCheck guards operations that touch guest globals. They
// require EntryCalled, and in Dedicated mode must run on the dedicated
// thread (inside a submitted Fn).
func (s *Session) guestCallCheck(ctx context.Context, op string) (*gc.Registration, *errors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEntryCalled {
		return nil, errors.Sequencing(op, s.state.String(), "guest globals unavailable before the entry point has run")
	}
	if s.mode == ModeDedicated {
		if ctx.Value(dedicatedKey{}) != s {
			return nil, errors.Mode(op, "guest state is owned by the dedicated thread; submit the call with SubmitSync or SubmitAsync")
		}
		return nil, nil // dedicated loop corrects its own origin per message
	}
	return s.hostReg, nil
}

// StaticCall invokes a static method on a guest class and returns the
// result as an unrooted handle (valid only until the next allocating
// call unless promoted with Root).
func (s *Session) StaticCall(ctx context.Context, class, method string, args ...*value.Handle) (*value.Handle, error) {
	reg, serr := s.guestCallCheck(ctx, "StaticCall")
	if serr != nil {
		return nil, s.fail(serr)
	}
	if reg != nil {
		var marker gc.StackMarker
		reg.Correct(&marker)
	}

	refs := make([]vmbridge.Ref, len(args))
	for i, h := range args {
		if h == nil {
			return nil, s.fail(errors.InvalidInput(errors.PhaseCall, "nil argument handle"))
		}
		if h.Released() {
			return nil, s.fail(errors.Released("StaticCall"))
		}
		refs[i] = h.Ref()
	}

	ref, kind, err := s.rt.StaticCall(ctx, class, method, refs...)
	if err != nil {
		return nil, s.fail(errors.Wrap(errors.PhaseCall, errors.KindInvalidInput, err, class+"."+method))
	}
	s.clearErr()
	if ref == vmbridge.NilRef {
		return nil, nil
	}
	return s.handles.Track(value.NewUnrooted(s.col, ref, kind)), nil
}

// NewObject constructs a guest object. The returned handle is rooted
// automatically; release it exactly once when done.
func (s *Session) NewObject(ctx context.Context, class string) (*value.Handle, error) {
	reg, serr := s.guestCallCheck(ctx, "NewObject")
	if serr != nil {
		return nil, s.fail(serr)
	}
	if reg != nil {
		var marker gc.StackMarker
		reg.Correct(&marker)
	}
	ref, err := s.rt.NewObject(ctx, class)
	if err != nil {
		return nil, s.fail(errors.Wrap(errors.PhaseCall, errors.KindInvalidInput, err, "construct "+class))
	}
	s.clearErr()
	return s.handles.Track(value.NewRooted(s.col, ref, vmbridge.KindObject)), nil
}

// Boxing helpers. Results are unrooted: consume them immediately or
// promote them with Root before the next allocating call.

func (s *Session) BoxInt(ctx context.Context, v int64) (*value.Handle, error) {
	return s.box(ctx, "BoxInt", vmbridge.KindInt, func(ctx context.Context) (vmbridge.Ref, error) {
		return s.rt.BoxInt(ctx, v)
	})
}

func (s *Session) BoxFloat(ctx context.Context, v float64) (*value.Handle, error) {
	return s.box(ctx, "BoxFloat", vmbridge.KindFloat, func(ctx context.Context) (vmbridge.Ref, error) {
		return s.rt.BoxFloat(ctx, v)
	})
}

func (s *Session) BoxBool(ctx context.Context, v bool) (*value.Handle, error) {
	return s.box(ctx, "BoxBool", vmbridge.KindBool, func(ctx context.Context) (vmbridge.Ref, error) {
		return s.rt.BoxBool(ctx, v)
	})
}

func (s *Session) BoxString(ctx context.Context, v string) (*value.Handle, error) {
	return s.box(ctx, "BoxString", vmbridge.KindString, func(ctx context.Context) (vmbridge.Ref, error) {
		return s.rt.BoxString(ctx, v)
	})
}

func (s *Session) box(ctx context.Context, op string, kind vmbridge.Kind, alloc func(context.Context) (vmbridge.Ref, error)) (*value.Handle, error) {
	reg, serr := s.guestCallCheck(ctx, op)
	if serr != nil {
		return nil, s.fail(serr)
	}
	if reg != nil {
		var marker gc.StackMarker
		reg.Correct(&marker)
	}
	ref, err := alloc(ctx)
	if err != nil {
		return nil, s.fail(errors.Wrap(errors.PhaseValue, errors.KindInvalidInput, err, op))
	}
	s.clearErr()
	return s.handles.Track(value.NewUnrooted(s.col, ref, kind)), nil
}

// Unboxing helpers.

func (s *Session) UnboxInt(ctx context.Context, h *value.Handle) (int64, error) {
	if h.Released() {
		return 0, s.fail(errors.Released("UnboxInt"))
	}
	return s.rt.UnboxInt(ctx, h.Ref())
}

func (s *Session) UnboxFloat(ctx context.Context, h *value.Handle) (float64, error) {
	if h.Released() {
		return 0, s.fail(errors.Released("UnboxFloat"))
	}
	return s.rt.UnboxFloat(ctx, h.Ref())
}

func (s *Session) UnboxBool(ctx context.Context, h *value.Handle) (bool, error) {
	if h.Released() {
		return false, s.fail(errors.Released("UnboxBool"))
	}
	return s.rt.UnboxBool(ctx, h.Ref())
}

func (s *Session) UnboxString(ctx context.Context, h *value.Handle) (string, error) {
	if h.Released() {
		return "", s.fail(errors.Released("UnboxString"))
	}
	return s.rt.UnboxString(ctx, h.Ref())
}

// Release ends a handle's lifetime and drops it from leak tracking.
func (s *Session) Release(h *value.Handle) error {
	if err := h.Release(); err != nil {
		return s.fail(errors.Released("Release"))
	}
	s.handles.Forget(h)
	return nil
}

// RegisterWorker registers the calling thread so it may make
// guest-allocating calls concurrently with others. The marker must be a
// local of the caller's frame. The returned registration must be
// Unregistered by the same thread before it exits, exactly once.
func (s *Session) RegisterWorker(m *gc.StackMarker) (*gc.Registration, error) {
	return s.registry.Register(s.col, m)
}

// BeginBlocking marks the host thread as entering a long operation that
// makes no guest calls, so the collector need not wait for it. Must be
// paired with EndBlocking; pairs do not nest.
func (s *Session) BeginBlocking() error {
	s.mu.Lock()
	reg := s.hostReg
	s.mu.Unlock()
	if reg == nil {
		return s.fail(errors.Sequencing("BeginBlocking", s.State().String(), "host thread not registered"))
	}
	if err := reg.BeginBlocking(); err != nil {
		return s.fail(errors.Unbalanced("BeginBlocking", "blocking region already open"))
	}
	return nil
}

// EndBlocking closes the region opened by BeginBlocking.
func (s *Session) EndBlocking() error {
	s.mu.Lock()
	reg := s.hostReg
	s.mu.Unlock()
	if reg == nil {
		return s.fail(errors.Sequencing("EndBlocking", s.State().String(), "host thread not registered"))
	}
	if err := reg.EndBlocking(); err != nil {
		return s.fail(errors.Unbalanced("EndBlocking", "no open blocking region"))
	}
	return nil
}

// GCStats reports the guest collector's heap bookkeeping.
func (s *Session) GCStats() gc.Stats {
	return s.col.Stats()
}

// Version returns the bridge library version.
func (s *Session) Version() string {
	return vmbridge.Version
}

// QueueDepth returns the number of queued messages, 0 outside Dedicated
// mode.
func (s *Session) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mbox == nil {
		return 0
	}
	return s.mbox.depth()
}

// Close stops the dedicated thread if running, releases leaked handles,
// shuts the guest down, unregisters the host thread and gives up
// collector ownership. The session can only be destroyed afterward.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state >= StateClosed {
		st := s.state
		s.mu.Unlock()
		return s.fail(errors.Sequencing("Close", st.String(), "session already closed"))
	}
	running := s.running
	s.mu.Unlock()

	if running {
		if err := s.Stop(); err != nil {
			return err
		}
	}

	if leaked := s.handles.Close(); leaked > 0 {
		s.log.Warn("session closed with leaked rooted handles", zap.Int("count", leaked))
	}

	var errClose error
	if err := s.rt.Close(ctx); err != nil {
		errClose = s.fail(errors.Wrap(errors.PhaseLifecycle, errors.KindInvalidInput, err, "guest close failed"))
	}

	s.mu.Lock()
	reg := s.hostReg
	s.hostReg = nil
	s.state = StateClosed
	s.mu.Unlock()

	if reg != nil {
		if err := reg.Unregister(); err != nil {
			s.log.Warn("host thread unregistration failed", zap.Error(err))
		}
	}
	s.lease.Release()
	if errClose != nil {
		return errClose
	}
	s.clearErr()
	s.log.Info("session closed")
	return nil
}

// Destroy finalizes the handle. Closes first if the caller has not.
// After Destroy a fresh session may be created (restart sequence).
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	if st == StateDestroyed {
		return s.fail(errors.Sequencing("Destroy", st.String(), "session already destroyed"))
	}
	if st < StateClosed {
		if err := s.Close(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.state = StateDestroyed
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.mu.Unlock()
	s.log.Debug("session destroyed")
	return nil
}
