package device

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Kind categorises pipeline failures. Every kind is fatal to the operation
// that raised it.
type Kind int

const (
	KindNoPlatform Kind = iota + 1
	KindNoDevice
	KindFileNotFound
	KindShapeMismatch
	KindBuild
	KindAllocation
	KindSymbolNotFound
	KindRuntimeDispatch
)

func (k Kind) String() string {
	switch k {
	case KindNoPlatform:
		return "NoPlatformError"
	case KindNoDevice:
		return "NoDeviceError"
	case KindFileNotFound:
		return "FileNotFoundError"
	case KindShapeMismatch:
		return "ShapeMismatchError"
	case KindBuild:
		return "BuildError"
	case KindAllocation:
		return "AllocationError"
	case KindSymbolNotFound:
		return "SymbolNotFoundError"
	case KindRuntimeDispatch:
		return "RuntimeDispatchError"
	default:
		return "UnknownError"
	}
}

// Error is a failed expectation somewhere in the dispatch pipeline.
type Error struct {
	Kind     Kind
	Op       string // operation that failed
	Expected string // the expectation that did not hold
	Message  string // human-readable description
	Log      string // compiler diagnostics, set for KindBuild
	File     string // source file of the check
	Line     int    // source line of the check
	Err      error  // underlying cause, if any
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind, so errors.Is(err, ErrBuild) holds for any
// build failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

var (
	ErrNoPlatform      = &Error{Kind: KindNoPlatform}
	ErrNoDevice        = &Error{Kind: KindNoDevice}
	ErrFileNotFound    = &Error{Kind: KindFileNotFound}
	ErrShapeMismatch   = &Error{Kind: KindShapeMismatch}
	ErrBuild           = &Error{Kind: KindBuild}
	ErrAllocation      = &Error{Kind: KindAllocation}
	ErrSymbolNotFound  = &Error{Kind: KindSymbolNotFound}
	ErrRuntimeDispatch = &Error{Kind: KindRuntimeDispatch}
)

// ErrUnavailable is returned when a runtime is not compiled in or its
// driver cannot be loaded.
var ErrUnavailable = errors.New("device: runtime unavailable")

// NewError records a failed check together with the caller's source location.
func NewError(kind Kind, op, expected, message string, cause error) *Error {
	return newError(2, kind, op, expected, message, cause)
}

// Errorf is NewError with a formatted message.
func Errorf(kind Kind, op, expected string, cause error, format string, args ...any) *Error {
	return newError(2, kind, op, expected, fmt.Sprintf(format, args...), cause)
}

func newError(skip int, kind Kind, op, expected, message string, cause error) *Error {
	e := &Error{
		Kind:     kind,
		Op:       op,
		Expected: expected,
		Message:  message,
		Err:      cause,
	}
	if _, file, line, ok := runtime.Caller(skip); ok {
		e.File = filepath.Base(file)
		e.Line = line
	}
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Diagnostic renders err in the fatal layout used by the command line tool:
// the failed expectation, where it was checked, and what it means.
func Diagnostic(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return fmt.Sprintf("Error:\t\t%v\n", err)
	}

	var b strings.Builder
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Err)
	}
	fmt.Fprintf(&b, "Assert failed:\t%s\n", msg)
	if e.Expected != "" {
		fmt.Fprintf(&b, "Expected:\t%s\n", e.Expected)
	}
	if e.File != "" {
		fmt.Fprintf(&b, "Source:\t\t%s, line %d\n", e.File, e.Line)
	}
	fmt.Fprintf(&b, "Kind:\t\t%s\n", e.Kind)
	if e.Log != "" {
		b.WriteString("Build log:\n")
		b.WriteString(strings.TrimRight(e.Log, "\n"))
		b.WriteByte('\n')
	}
	return b.String()
}
