package replication

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"powerdns.com/platform/snapsync/control"
	"powerdns.com/platform/snapsync/flowconn"
	"powerdns.com/platform/snapsync/storage"
	"powerdns.com/platform/snapsync/wire"
)

// Kind classifies why a transfer failed
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectFailed
	KindHandshakeRejected
	KindConnectionBroken
	KindMalformedLength
	KindDecompressionError
	KindMalformedBatch
	KindUnknownOperation
	KindApplyFailed
	KindCompletionRejected
	KindNoSnapshot
	KindStorageFailed
	KindCanceled
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindConnectFailed:      "connect_failed",
	KindHandshakeRejected:  "handshake_rejected",
	KindConnectionBroken:   "connection_broken",
	KindMalformedLength:    "malformed_length",
	KindDecompressionError: "decompression_error",
	KindMalformedBatch:     "malformed_batch",
	KindUnknownOperation:   "unknown_operation",
	KindApplyFailed:        "apply_failed",
	KindCompletionRejected: "completion_rejected",
	KindNoSnapshot:         "no_snapshot",
	KindStorageFailed:      "storage_failed",
	KindCanceled:           "canceled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a failed transfer
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the Kind of a transfer error. Errors that were not
// classified yet are classified by their cause.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classify(err)
}

// classify maps lower level errors to a Kind
func classify(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, wire.ErrMalformedLength):
		return KindMalformedLength
	case errors.Is(err, wire.ErrDecompression):
		return KindDecompressionError
	case errors.Is(err, wire.ErrMalformedBatch), errors.Is(err, wire.ErrFrameTooLarge),
		errors.Is(err, control.ErrMalformed):
		return KindMalformedBatch
	case errors.Is(err, wire.ErrUnknownOperation):
		return KindUnknownOperation
	case errors.Is(err, flowconn.ErrConnectionBroken), errors.Is(err, flowconn.ErrClosed),
		errors.Is(err, flowconn.ErrTimeout):
		return KindConnectionBroken
	case errors.Is(err, storage.ErrReleased):
		return KindNoSnapshot
	}
	return KindUnknown
}

// asError returns err as *Error, classifying it if needed
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(classify(err), err)
}
