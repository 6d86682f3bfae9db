package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes shared by every package of the compile pipeline. A caller
// recovers from an error by switching on its code, never on its message.
const (
	EInternal = "internal error"
	EInvalid  = "invalid"
	ENotFound = "not found"

	// EPrecondition means an operation ran before a step it depends on,
	// e.g. compiling a layout before the runtime is materialized.
	EPrecondition = "precondition failed"
	// EDoubleInit means a once-per-session step ran a second time.
	EDoubleInit = "already initialized"
	// EUnresolvedLayout means a kernel references a layout tree that was
	// never compiled.
	EUnresolvedLayout = "unresolved layout"
	// EUnsupported means a configuration is valid but cannot be served,
	// e.g. an AOT export of a sparse layout.
	EUnsupported = "unsupported configuration"
	// ECacheIO means the disk tier of the kernel cache failed. It is never
	// fatal; callers fall back to memory-only behavior.
	ECacheIO = "cache i/o"
	// ECompile means the underlying kernel or runtime compiler failed.
	ECompile = "compile failed"
)

// Error is the error struct of the pipeline.
//
// Code targets automated handlers so that recovery can occur.
// Msg names the violated constraint for the operator.
// Op and Err chain errors together in a logical stack trace.
//
// To create a simple error,
//
//	&Error{
//	    Code: EPrecondition,
//	    Op:   "layout.Compile",
//	    Msg:  "runtime is not materialized",
//	}
//
// To wrap the error of a collaborator,
//
//	&Error{
//	    Code: ECompile,
//	    Err:  err,
//	}
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

// NewError returns an instance of an error.
func NewError(options ...func(*Error)) *Error {
	err := &Error{}
	for _, o := range options {
		o(err)
	}

	return err
}

// WithErrorErr sets the err on the error.
func WithErrorErr(err error) func(*Error) {
	return func(e *Error) {
		e.Err = err
	}
}

// WithErrorCode sets the code on the error.
func WithErrorCode(code string) func(*Error) {
	return func(e *Error) {
		e.Code = code
	}
}

// WithErrorMsg sets the message on the error.
func WithErrorMsg(msg string) func(*Error) {
	return func(e *Error) {
		e.Msg = msg
	}
}

// WithErrorOp sets the operation on the error.
func WithErrorOp(op string) func(*Error) {
	return func(e *Error) {
		e.Op = op
	}
}

// Error implements the error interface by writing out the recursive messages.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		fmt.Fprintf(&b, "<%s>", e.Code)
	}
	return b.String()
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the code of the outermost *Error in the chain that
// carries one. Errors that are not *Error report EInternal.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !errors.As(err, &e) || e == nil {
		return EInternal
	}

	if e.Code != "" {
		return e.Code
	}

	if e.Err != nil {
		return ErrorCode(e.Err)
	}

	return EInternal
}

// ErrorOp returns the op of the error, if available; otherwise return empty string.
func ErrorOp(err error) string {
	var e *Error
	if !errors.As(err, &e) || e == nil {
		return ""
	}

	if e.Op != "" {
		return e.Op
	}

	if e.Err != nil {
		return ErrorOp(e.Err)
	}

	return ""
}

// ErrorMessage returns the human-readable message of the error, if available.
// Otherwise returns a generic error message.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !errors.As(err, &e) || e == nil {
		return "An internal error has occurred."
	}

	if e.Msg != "" {
		return e.Msg
	}

	if e.Err != nil {
		return ErrorMessage(e.Err)
	}

	return "An internal error has occurred."
}
