package faults

import (
	"errors"
	"fmt"
	"reflect"
)

// Well-known fault names raised by the runtime itself.
const (
	ActivityFailure       = "activityFailure"
	MissingRequest        = "missingRequest"
	ConflictingReceive    = "conflictingReceive"
	JoinFailure           = "joinFailure"
	SelectionFailure      = "selectionFailure"
	UninitializedVariable = "uninitializedVariable"
	CorrelationViolation  = "correlationViolation"
	InvocationFailure     = "invocationFailure"
	UncaughtFault         = "uncaughtFault"

	// SubLanguageExecutionFault is raised when an expression cannot be evaluated.
	SubLanguageExecutionFault = "subLanguageExecutionFault"
)

// Fault is a process-level fault. Faults travel up the activity tree through
// completion messages and are persisted with the instance state, so they have
// to survive a JSON round trip.
type Fault struct {
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`

	// Data is the optional fault payload, e.g. the fault message returned by a partner.
	Data any `json:"data,omitempty"`

	Cause      *Fault `json:"cause,omitempty"`
	Stacktrace string `json:"stacktrace,omitempty"`
}

func New(name, message string) *Fault {
	return &Fault{Name: name, Message: message}
}

func Newf(name, format string, args ...any) *Fault {
	return &Fault{Name: name, Message: fmt.Sprintf(format, args...)}
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return f.Name
	}

	return f.Name + ": " + f.Message
}

func (f *Fault) Unwrap() error {
	if f == nil || f.Cause == nil {
		return nil
	}

	return f.Cause
}

func (f *Fault) Stack() string {
	return f.Stacktrace
}

var _ error = (*Fault)(nil)

// FromError wraps the given error into a fault which can be persisted and restored
func FromError(name string, err error) *Fault {
	if err == nil {
		return nil
	}

	// If this is already a fault, just return it, do not wrap again
	var f *Fault
	if errors.As(err, &f) {
		return f
	}

	f = &Fault{
		Name:    name,
		Message: err.Error(),
	}

	if stackTracer, ok := err.(interface{ Stack() string }); ok {
		f.Stacktrace = stackTracer.Stack()
	}

	if cause := errors.Unwrap(err); cause != nil {
		f.Cause = FromError(errorType(cause), cause)
	}

	return f
}

// Is returns true if err is a fault with the given name
func Is(err error, name string) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Name == name
	}

	return false
}

// errorType returns the name of the given error type, returns "" for the built-in error type
func errorType(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.PkgPath() == "errors" && t.Name() == "errorString" {
		return ""
	}

	return t.Name()
}
