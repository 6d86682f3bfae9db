// Package tracing wraps opentracing for the compile pipeline. Spans are
// named after the calling function so call sites stay one line long.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/log"
)

// LogError adds a span log for an error.
// Returns unchanged error, so useful to wrap as in:
//
// return 0, tracing.LogError(span, err)
func LogError(span opentracing.Span, err error) error {
	if err == nil {
		return nil
	}
	span.SetTag("error", true)
	span.LogFields(log.Error(err))
	return err
}

// StartSpanFromContext is an easier-to-use opentracing.StartSpanFromContext.
// Uses the calling function as the operation name, and logs the file:line.
func StartSpanFromContext(ctx context.Context) (opentracing.Span, context.Context) {
	if ctx == nil {
		panic("StartSpanFromContext called with nil context")
	}

	pc, _, _, ok := runtime.Caller(1)
	if !ok {
		span, ctx := opentracing.StartSpanFromContext(ctx, "unknown")
		span.LogFields(log.Error(errors.New("failed to get calling frame")))
		return span, ctx
	}

	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()

	span, ctx := opentracing.StartSpanFromContext(ctx, operationName(frame.Function))
	span.LogFields(log.String("location", fmt.Sprintf("%s:%d", frame.File, frame.Line)))

	return span, ctx
}

// operationName trims the import path from a fully qualified function name,
// so "github.com/influxdata/kernelc/cache.(*Manager).Clean" becomes
// "cache.(*Manager).Clean".
func operationName(fn string) string {
	if i := strings.LastIndexByte(fn, '/'); i >= 0 {
		return fn[i+1:]
	}
	return fn
}
