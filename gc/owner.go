package gc

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hostbridge/vm-bridge/errors"
)

// The collector is a process-wide singleton even though session handles
// are per-embedding. Guest globals, thread registration and root
// bookkeeping are all shared, so running two live sessions at once
// corrupts both. Acquire turns that constraint into an explicit,
// testable contract instead of caller discipline: the second acquirer
// fails loudly.
var owner struct {
	mu     sync.Mutex
	lease  *Lease
	holder string
}

// Lease represents ownership of the process-wide collector. Release it
// (normally via session Close) before creating another session; a full
// destroy-then-create restart sequence is supported.
type Lease struct {
	holder   string
	released atomic.Bool
}

// Acquire takes process-wide ownership of the collector on behalf of
// holder (a diagnostic label, typically the session name). It fails with
// a collector_busy error if another lease is outstanding.
func Acquire(holder string) (*Lease, error) {
	owner.mu.Lock()
	defer owner.mu.Unlock()

	if owner.lease != nil {
		return nil, errors.CollectorBusy(owner.holder)
	}
	l := &Lease{holder: holder}
	owner.lease = l
	owner.holder = holder
	Logger().Debug("collector acquired", zap.String("holder", holder))
	return l, nil
}

// Release gives up ownership. Safe to call more than once; only the
// first call has effect.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	owner.mu.Lock()
	if owner.lease == l {
		owner.lease = nil
		owner.holder = ""
	}
	owner.mu.Unlock()
	Logger().Debug("collector released", zap.String("holder", l.holder))
}

// Holder returns the label of the current lease holder, or "" when the
// collector is free. Diagnostic only; do not use it to gate Acquire.
func Holder() string {
	owner.mu.Lock()
	defer owner.mu.Unlock()
	return owner.holder
}
