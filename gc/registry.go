package gc

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hostbridge/vm-bridge/errors"
)

// Registry is the process-wide record of which threads are known to the
// collector. Register and Unregister must balance exactly per thread;
// the registry does not deduplicate re-entrant registration from the
// same thread; idempotence is the caller's responsibility.
type Registry struct {
	mu   sync.Mutex
	regs map[uint64]*Registration
	next uint64
}

// DefaultRegistry is the registry sessions use unless configured
// otherwise. Thread registration is inherently a whole-process concern
// because the underlying collector is a process-wide singleton.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registration table. Tests use fresh
// registries; production code should normally share DefaultRegistry.
func NewRegistry() *Registry {
	return &Registry{regs: make(map[uint64]*Registration)}
}

// Register marks the calling thread known to col and records it in the
// table. The returned Registration belongs to the calling thread and
// must be Unregistered by it before the thread exits.
//
// The marker must be a local of the registering function's frame so the
// initial scan origin points at real stack memory.
func (r *Registry) Register(col Collector, m *StackMarker) (*Registration, error) {
	if col == nil {
		return nil, errors.InvalidInput(errors.PhaseGC, "nil collector")
	}
	origin := Origin(m)
	if err := col.RegisterThread(origin); err != nil {
		return nil, errors.Wrap(errors.PhaseGC, errors.KindUnregistered, err, "collector rejected thread registration")
	}

	r.mu.Lock()
	r.next++
	reg := &Registration{
		registry:  r,
		collector: col,
		id:        r.next,
	}
	reg.origin.Store(uintptr(origin))
	r.regs[reg.id] = reg
	r.mu.Unlock()

	Logger().Debug("thread registered", zap.Uint64("id", reg.id))
	return reg, nil
}

// Count returns the number of currently registered threads.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs)
}

// ForEach visits every live registration. The visitor must not register
// or unregister.
func (r *Registry) ForEach(fn func(*Registration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.regs {
		fn(reg)
	}
}

// Registration is one thread's entry in the registry. All methods must
// be called from the thread that registered.
type Registration struct {
	registry   *Registry
	collector  Collector
	id         uint64
	origin     atomic.Uintptr
	blocking   atomic.Bool
	released   atomic.Bool
	corrections atomic.Uint64
}

// Correct re-points the thread's stack-scan origin at the frame holding
// m. Call it at the start of every bridge entry point that can allocate
// guest values: a single registration-time origin goes stale as soon as
// that frame returns, and the collector will not recompute it.
//
// After Correct runs, the scan range [origin, current SP] covers every
// live guest pointer held in this frame and its callees.
func (g *Registration) Correct(m *StackMarker) {
	if g.released.Load() {
		return
	}
	origin := Origin(m)
	g.origin.Store(uintptr(origin))
	g.corrections.Add(1)
	g.collector.SetStackOrigin(origin)
}

// Origin returns the last recorded scan origin. Diagnostic only.
func (g *Registration) Origin() StackOrigin {
	return StackOrigin(g.origin.Load())
}

// Corrections returns how many times the origin has been corrected.
// Diagnostic only.
func (g *Registration) Corrections() uint64 {
	return g.corrections.Load()
}

// BeginBlocking marks the start of an external blocking region (file
// I/O, sleep, network wait) so a concurrent collection does not wait on
// this thread. Non-reentrant. Code inside the region must not call back
// into the guest.
func (g *Registration) BeginBlocking() error {
	if g.released.Load() {
		return errors.Unbalanced("BeginBlocking", "thread already unregistered")
	}
	if !g.blocking.CompareAndSwap(false, true) {
		return errors.Unbalanced("BeginBlocking", "blocking region already open")
	}
	g.collector.SetBlocking(true)
	return nil
}

// EndBlocking closes the region opened by BeginBlocking. An unmatched
// BeginBlocking leaves the thread permanently marked blocked, which lets
// the collector skip scanning a stack that may later hold live guest
// pointers again, a safety violation, not just a leak.
func (g *Registration) EndBlocking() error {
	if g.released.Load() {
		return errors.Unbalanced("EndBlocking", "thread already unregistered")
	}
	if !g.blocking.CompareAndSwap(true, false) {
		return errors.Unbalanced("EndBlocking", "no blocking region open")
	}
	g.collector.SetBlocking(false)
	return nil
}

// Blocking reports whether the thread is inside a blocking region.
func (g *Registration) Blocking() bool {
	return g.blocking.Load()
}

// Unregister removes the thread from the table and tells the collector.
// Must be called exactly once, before the thread exits: skipping it
// risks the collector waiting forever on a thread that will never reach
// a safe point again.
func (g *Registration) Unregister() error {
	if !g.released.CompareAndSwap(false, true) {
		return errors.Unbalanced("Unregister", "registration already released")
	}
	if g.blocking.Load() {
		// Unregistering while marked blocked would leave collector
		// bookkeeping skewed; close the region first.
		g.blocking.Store(false)
		g.collector.SetBlocking(false)
		Logger().Warn("thread unregistered inside open blocking region", zap.Uint64("id", g.id))
	}

	g.registry.mu.Lock()
	delete(g.registry.regs, g.id)
	g.registry.mu.Unlock()

	if err := g.collector.UnregisterThread(); err != nil {
		return errors.Wrap(errors.PhaseGC, errors.KindUnbalanced, err, "collector rejected thread unregistration")
	}
	Logger().Debug("thread unregistered", zap.Uint64("id", g.id))
	return nil
}
