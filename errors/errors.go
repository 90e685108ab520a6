package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the bridge the error occurred
type Phase string

const (
	PhaseLifecycle Phase = "lifecycle" // session create/init/close/destroy
	PhaseLoad      Phase = "load"      // bytecode module loading
	PhaseCall      Phase = "call"      // entry, static and instance calls
	PhaseThread    Phase = "thread"    // dedicated thread and message queue
	PhaseValue     Phase = "value"     // boxing and handle lifecycle
	PhaseGC        Phase = "gc"        // collector registration and roots
)

// Kind categorizes the error
type Kind string

const (
	KindSequencing     Kind = "sequencing"      // operation invalid in current state
	KindMode           Kind = "mode"            // operation valid only in the other mode
	KindQueueFull      Kind = "queue_full"      // message queue at capacity
	KindThreadStart    Kind = "thread_start"    // dedicated thread failed to start
	KindAlreadyRunning Kind = "already_running" // dedicated thread already running
	KindNotRunning     Kind = "not_running"     // dedicated thread not running
	KindCollectorBusy  Kind = "collector_busy"  // another session holds the collector
	KindUnregistered   Kind = "unregistered"    // thread not registered with collector
	KindUnbalanced     Kind = "unbalanced"      // register/unregister or begin/end mismatch
	KindReleased       Kind = "released"        // handle used after release
	KindInvalidInput   Kind = "invalid_input"
	KindNotFound       Kind = "not_found"
	KindUnsupported    Kind = "unsupported"
)

// Code returns the stable numeric code for a kind. Codes never change
// between releases; hosts may switch on them.
func (k Kind) Code() int {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return 1
}

var kindCodes = map[Kind]int{
	KindSequencing:     10,
	KindMode:           11,
	KindQueueFull:      20,
	KindThreadStart:    21,
	KindAlreadyRunning: 22,
	KindNotRunning:     23,
	KindCollectorBusy:  30,
	KindUnregistered:   31,
	KindUnbalanced:     32,
	KindReleased:       40,
	KindInvalidInput:   50,
	KindNotFound:       51,
	KindUnsupported:    52,
}

// Error is the structured error type used throughout the bridge
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Op     string // operation that failed, e.g. "Start", "SubmitSync"
	State  string // session state at the time, when relevant
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.State != "" {
		b.WriteString(" (state ")
		b.WriteString(e.State)
		b.WriteByte(')')
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Code returns the stable numeric code of this error's kind.
func (e *Error) Code() int { return e.Kind.Code() }

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Two bridge errors match
// when their phase and kind agree; an empty phase on the target acts as
// a wildcard so sentinels can compare by kind alone.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Phase != "" && e.Phase != t.Phase {
			return false
		}
		return e.Kind == t.Kind
	}
	return false
}

// IsKind reports whether err or anything it wraps is a bridge error of
// the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Op sets the failing operation name
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// State sets the session state observed when the error occurred
func (b *Builder) State(state string) *Builder {
	b.err.State = state
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Sequencing creates a wrong-state error. The session is left unchanged
// when one of these is returned.
func Sequencing(op, state, detail string) *Error {
	return &Error{
		Phase:  PhaseLifecycle,
		Kind:   KindSequencing,
		Op:     op,
		State:  state,
		Detail: detail,
	}
}

// Mode creates an error for an operation valid only in the other
// integration mode.
func Mode(op, detail string) *Error {
	return &Error{
		Phase:  PhaseThread,
		Kind:   KindMode,
		Op:     op,
		Detail: detail,
	}
}

// QueueFull creates a message-queue overflow error.
func QueueFull(capacity int) *Error {
	return &Error{
		Phase:  PhaseThread,
		Kind:   KindQueueFull,
		Detail: fmt.Sprintf("message queue at capacity (%d)", capacity),
	}
}

// ThreadStart creates a dedicated-thread startup error.
func ThreadStart(cause error, detail string) *Error {
	return &Error{
		Phase:  PhaseThread,
		Kind:   KindThreadStart,
		Detail: detail,
		Cause:  cause,
	}
}

// AlreadyRunning creates an error for starting a thread twice.
func AlreadyRunning() *Error {
	return &Error{
		Phase:  PhaseThread,
		Kind:   KindAlreadyRunning,
		Detail: "dedicated thread already running",
	}
}

// NotRunning creates an error for submitting to a stopped thread.
func NotRunning(op string) *Error {
	return &Error{
		Phase:  PhaseThread,
		Kind:   KindNotRunning,
		Op:     op,
		Detail: "dedicated thread not running",
	}
}

// CollectorBusy creates an error for acquiring the process-wide collector
// while another session holds it.
func CollectorBusy(holder string) *Error {
	return &Error{
		Phase:  PhaseGC,
		Kind:   KindCollectorBusy,
		Detail: fmt.Sprintf("collector already held by %q; destroy that session first", holder),
	}
}

// Unbalanced creates an error for mismatched register/unregister or
// begin/end blocking pairs.
func Unbalanced(op, detail string) *Error {
	return &Error{
		Phase:  PhaseGC,
		Kind:   KindUnbalanced,
		Op:     op,
		Detail: detail,
	}
}

// Released creates a use-after-release error for a value handle.
func Released(op string) *Error {
	return &Error{
		Phase:  PhaseValue,
		Kind:   KindReleased,
		Op:     op,
		Detail: "handle already released",
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidInput,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
