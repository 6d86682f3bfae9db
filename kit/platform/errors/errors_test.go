package errors_test

import (
	"errors"
	"fmt"
	"testing"

	ierrors "github.com/influxdata/kernelc/kit/platform/errors"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	cases := []struct {
		name string
		err  error
		msg  string
	}{
		{
			name: "code only",
			err:  &ierrors.Error{Code: ierrors.ENotFound},
			msg:  "<not found>",
		},
		{
			name: "op and message",
			err:  &ierrors.Error{Code: ierrors.EPrecondition, Op: "layout.Compile", Msg: "runtime is not materialized"},
			msg:  "layout.Compile: runtime is not materialized",
		},
		{
			name: "message and wrapped error",
			err:  &ierrors.Error{Code: ierrors.ECompile, Msg: "compilation failed", Err: errors.New("bad IR")},
			msg:  "compilation failed: bad IR",
		},
		{
			name: "wrapped error only",
			err: &ierrors.Error{
				Op:  "cache.Dump",
				Err: &ierrors.Error{Code: ierrors.ECacheIO, Op: "bolt.Merge", Msg: "disk full"},
			},
			msg: "cache.Dump: bolt.Merge: disk full",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.msg, c.err.Error())
		})
	}
}

func TestErrorCode(t *testing.T) {
	require.Empty(t, ierrors.ErrorCode(nil))
	require.Equal(t, ierrors.EInternal, ierrors.ErrorCode(errors.New("plain")))
	require.Equal(t, ierrors.EInternal, ierrors.ErrorCode(&ierrors.Error{}))

	inner := &ierrors.Error{Code: ierrors.EUnsupported}
	require.Equal(t, ierrors.EUnsupported, ierrors.ErrorCode(&ierrors.Error{Err: inner}))
	require.Equal(t, ierrors.EUnsupported, ierrors.ErrorCode(fmt.Errorf("exporting: %w", inner)))

	outer := &ierrors.Error{Code: ierrors.EInvalid, Err: inner}
	require.Equal(t, ierrors.EInvalid, ierrors.ErrorCode(outer))
}

func TestErrorOpAndMessage(t *testing.T) {
	err := ierrors.NewError(
		ierrors.WithErrorCode(ierrors.EDoubleInit),
		ierrors.WithErrorOp("session.MaterializeRuntime"),
		ierrors.WithErrorMsg("runtime is already materialized"),
		ierrors.WithErrorErr(errors.New("second call")),
	)
	require.Equal(t, "session.MaterializeRuntime", ierrors.ErrorOp(err))
	require.Equal(t, "runtime is already materialized", ierrors.ErrorMessage(err))
	require.ErrorContains(t, errors.Unwrap(err), "second call")

	require.Empty(t, ierrors.ErrorOp(errors.New("plain")))
	require.Equal(t, "An internal error has occurred.", ierrors.ErrorMessage(errors.New("plain")))
	require.Equal(t, "nested", ierrors.ErrorMessage(&ierrors.Error{Err: &ierrors.Error{Msg: "nested"}}))
}
