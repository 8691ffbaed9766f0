package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhasePayload     Phase = "payload"     // chunk decoding
	PhaseBind        Phase = "bind"        // import namespace construction
	PhaseInstantiate Phase = "instantiate" // module compile + instantiate
	PhaseRuntime     Phase = "runtime"     // host <-> guest calls
	PhaseConnect     Phase = "connect"     // network connections
	PhaseConfig      Phase = "config"      // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindConnection     Kind = "connection"
	KindPanic          Kind = "panic"
	KindAbnormalExit   Kind = "abnormal_exit"
	KindPostDeath      Kind = "post_death"
	KindInvalidInput   Kind = "invalid_input"
	KindInvalidData    Kind = "invalid_data"
	KindOutOfBounds    Kind = "out_of_bounds"
	KindNotFound       Kind = "not_found"
	KindNotInitialized Kind = "not_initialized"
	KindRegistration   Kind = "registration"
	KindInstantiation  Kind = "instantiation"
	KindMissingImport  Kind = "missing_import"
	KindState          Kind = "state"
	KindInterrupted    Kind = "interrupted"
)

// Fatal reports whether errors of this kind kill the instance.
func (k Kind) Fatal() bool {
	return k == KindPanic || k == KindAbnormalExit
}

// Sentinels for errors.Is. Phase is left empty so they match any phase.
var (
	ErrConnection   = &Error{Kind: KindConnection}
	ErrPanic        = &Error{Kind: KindPanic}
	ErrAbnormalExit = &Error{Kind: KindAbnormalExit}
	ErrPostDeath    = &Error{Kind: KindPostDeath}
	ErrInterrupted  = &Error{Kind: KindInterrupted}

	// ErrInstanceDead matches every error produced by or after instance death.
	ErrInstanceDead = &Error{Kind: "instance_dead"}
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Export string
	Import string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Phase != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Phase))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if e.Import != "" {
		b.WriteString(" in import ")
		b.WriteString(e.Import)
	} else if e.Export != "" {
		b.WriteString(" in export ")
		b.WriteString(e.Export)
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

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// An empty Phase on the target matches any phase.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t == ErrInstanceDead {
		return e.Kind.Fatal() || e.Kind == KindPostDeath
	}
	if t.Phase != "" && t.Phase != e.Phase {
		return false
	}
	return e.Kind == t.Kind
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

// Export sets the guest export involved
func (b *Builder) Export(name string) *Builder {
	b.err.Export = name
	return b
}

// Import sets the host import involved
func (b *Builder) Import(name string) *Builder {
	b.err.Import = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
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

// Connection creates a connection error for a descriptor.
func Connection(descriptor, detail string) *Error {
	return &Error{
		Phase:  PhaseConnect,
		Kind:   KindConnection,
		Value:  descriptor,
		Detail: fmt.Sprintf("%s: %q", detail, descriptor),
	}
}

// ConnectionCause wraps a dial failure.
func ConnectionCause(descriptor string, cause error) *Error {
	return &Error{
		Phase:  PhaseConnect,
		Kind:   KindConnection,
		Value:  descriptor,
		Detail: fmt.Sprintf("dial %q", descriptor),
		Cause:  cause,
	}
}

// Panic creates the error raised when the guest signals a panic.
func Panic(message string) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindPanic,
		Import: "panic",
		Detail: message,
	}
}

// AbnormalExit creates the error raised when the guest calls proc_exit.
func AbnormalExit(code uint32) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindAbnormalExit,
		Import: "proc_exit",
		Value:  code,
		Detail: fmt.Sprintf("proc_exit called: %d", code),
	}
}

// PostDeath creates the error raised by any import called after death.
func PostDeath(importName string) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindPostDeath,
		Import: importName,
		Detail: "instance is dead",
	}
}

// OutOfBounds creates a guest memory access error
func OutOfBounds(phase Phase, offset, length uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("memory access out of bounds: offset=%d, length=%d", offset, length),
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: detail,
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

// NotInitialized creates a not-initialized error
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
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

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Registration creates a registration error
func Registration(namespace, name string, cause error) *Error {
	return &Error{
		Phase:  PhaseBind,
		Kind:   KindRegistration,
		Detail: fmt.Sprintf("register %s#%s", namespace, name),
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindInstantiation,
		Detail: "failed to instantiate guest",
		Cause:  cause,
	}
}

// State creates an invalid lifecycle transition error
func State(from, to string) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindState,
		Detail: fmt.Sprintf("invalid transition %s -> %s", from, to),
	}
}

// Interrupted reports a guest call abandoned because ctx ended.
func Interrupted(export string, cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindInterrupted,
		Export: export,
		Cause:  cause,
		Detail: "call interrupted",
	}
}
