// Package errors provides structured error types for the vm-bridge library.
//
// Errors are categorized by Phase (where the error occurred) and Kind
// (error category). Every Kind maps to a stable numeric code that hosts
// can switch on; the human-readable detail is carried separately.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseThread, errors.KindQueueFull).
//		Op("SubmitAsync").
//		Detail("capacity %d reached", 256).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Sequencing("LoadModule", "Created", "init the session first")
//	err := errors.NotRunning("SubmitSync")
//
// All errors implement the standard error interface and support
// errors.Is/As. Sequencing, resource and mode errors are always
// recoverable by correcting the call sequence; the bridge never retries
// them itself.
package errors
