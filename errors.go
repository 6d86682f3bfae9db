package kernelc

import (
	"fmt"

	"github.com/influxdata/kernelc/kit/platform/errors"
)

// NewPreconditionError is returned when op runs before a step it depends on.
func NewPreconditionError(op, msg string) error {
	return &errors.Error{
		Code: errors.EPrecondition,
		Op:   op,
		Msg:  msg,
	}
}

// NewDoubleInitError is returned when a once-per-session step runs again.
func NewDoubleInitError(op, msg string) error {
	return &errors.Error{
		Code: errors.EDoubleInit,
		Op:   op,
		Msg:  msg,
	}
}

// NewUnresolvedLayoutError is returned when a kernel references a layout
// tree that was never compiled.
func NewUnresolvedLayoutError(op string, id TreeID) error {
	return &errors.Error{
		Code: errors.EUnresolvedLayout,
		Op:   op,
		Msg:  fmt.Sprintf("layout tree %d has not been compiled", id),
	}
}

// NewUnsupportedError is returned when a request violates a structural
// restriction of the backend.
func NewUnsupportedError(op, msg string) error {
	return &errors.Error{
		Code: errors.EUnsupported,
		Op:   op,
		Msg:  msg,
	}
}

// NewCacheIOError wraps a failure of the disk tier of the kernel cache.
func NewCacheIOError(op string, err error) error {
	return &errors.Error{
		Code: errors.ECacheIO,
		Op:   op,
		Err:  err,
	}
}

// NewCompileError wraps a failure of the underlying compiler.
func NewCompileError(op string, err error) error {
	return &errors.Error{
		Code: errors.ECompile,
		Op:   op,
		Msg:  "compilation failed",
		Err:  err,
	}
}

// NewInvalidError is returned for malformed input such as an ill-formed
// layout tree.
func NewInvalidError(op, msg string) error {
	return &errors.Error{
		Code: errors.EInvalid,
		Op:   op,
		Msg:  msg,
	}
}

// NewInternalError wraps a failure of a collaborator, such as the device,
// that the caller cannot correct.
func NewInternalError(op, msg string, err error) error {
	return &errors.Error{
		Code: errors.EInternal,
		Op:   op,
		Msg:  msg,
		Err:  err,
	}
}
