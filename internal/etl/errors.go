package etl

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorKind classifies why a run stopped or a batch was rejected.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindSourceUnavailable ErrorKind = "SourceUnavailable"
	KindMalformedRecord   ErrorKind = "MalformedRecord"
	KindCoercionError     ErrorKind = "CoercionError"
	KindSchemaMismatch    ErrorKind = "SchemaMismatch"
	KindSinkWriteError    ErrorKind = "SinkWriteError"
	KindCanceled          ErrorKind = "Canceled"
)

// Error is the single error type that crosses stage boundaries.
// Batch is -1 when the failure is not tied to a batch.
type Error struct {
	Kind     ErrorKind
	Batch    int
	FirstRow int64
	LastRow  int64
	Column   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Batch >= 0 {
		fmt.Fprintf(&b, " in batch %d", e.Batch)
	}
	switch {
	case e.FirstRow > 0 && e.LastRow > e.FirstRow:
		fmt.Fprintf(&b, " rows %d-%d", e.FirstRow, e.LastRow)
	case e.FirstRow > 0:
		fmt.Fprintf(&b, " row %d", e.FirstRow)
	}
	if e.Column != "" {
		fmt.Fprintf(&b, " column %q", e.Column)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Cause lets errors.Cause from pkg/errors walk through an Error.
func (e *Error) Cause() error { return e.Err }

// NewError builds an Error not tied to any batch.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Batch: -1, Err: err}
}

// Errorf builds an Error not tied to any batch from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return NewError(kind, errors.Errorf(format, args...))
}

// KindOf reports the ErrorKind carried by err. Context cancellation
// that did not pass through a stage is reported as KindCanceled.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindNone
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// withBatch annotates err with the batch it belongs to, keeping any kind
// already present and defaulting to def otherwise.
func withBatch(err error, def ErrorKind, index int, first, last int64) *Error {
	var e *Error
	if errors.As(err, &e) {
		if e.Batch < 0 {
			e.Batch = index
		}
		if e.FirstRow == 0 {
			e.FirstRow, e.LastRow = first, last
		}
		return e
	}
	return &Error{Kind: def, Batch: index, FirstRow: first, LastRow: last, Err: err}
}

// stageError maps a raw stage failure to its kind, preferring Canceled
// when the run context is done.
func stageError(ctx context.Context, err error, def ErrorKind) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return NewError(KindCanceled, err)
	}
	return NewError(def, err)
}
