package quicstream

import (
	"errors"
	"fmt"
)

// ErrorCode is an application error code carried by QUIC stream resets,
// STOP_SENDING and connection close frames.
type ErrorCode uint64

const (
	// ErrCodeNoError: graceful close.
	ErrCodeNoError ErrorCode = 0x0
	// ErrCodeInternalError: implementation fault.
	ErrCodeInternalError ErrorCode = 0x1
	// ErrCodeStopSending: the endpoint stopped reading its input.
	ErrCodeStopSending ErrorCode = 0x2
	// ErrCodeIdleTimeout: the stream made no progress within the idle timeout.
	ErrCodeIdleTimeout ErrorCode = 0x3
	// ErrCodeCancelled: the stream was aborted locally.
	ErrCodeCancelled ErrorCode = 0x4
)

func (e ErrorCode) String() string {
	switch e {
	case ErrCodeNoError:
		return "NO_ERROR"
	case ErrCodeInternalError:
		return "INTERNAL_ERROR"
	case ErrCodeStopSending:
		return "STOP_SENDING"
	case ErrCodeIdleTimeout:
		return "IDLE_TIMEOUT"
	case ErrCodeCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_CODE_%d", uint64(e))
	}
}

var (
	// ErrConnectionClosed is returned by Flush when the owning connection is closed.
	ErrConnectionClosed = errors.New("quic connection closed")
	// ErrIdleTimeout fails pending callbacks and closes the endpoint when the idle timer fires.
	ErrIdleTimeout = errors.New("stream idle timeout expired")
	// ErrEndpointClosed fails callbacks still pending when an endpoint closes.
	ErrEndpointClosed = errors.New("stream endpoint closed")
	// ErrOutputShutdown is returned by Flush after the output side was shut down.
	ErrOutputShutdown = fmt.Errorf("output shutdown: %w", ErrEndpointClosed)
	// ErrReadPending is returned when fill interest is already registered.
	ErrReadPending = errors.New("read pending")
	// ErrWritePending is returned when a write is already in progress.
	ErrWritePending = errors.New("write pending")
)

// EndOfInputError wraps a transport failure during Fill or Flush. The stream must be
// treated as terminated.
type EndOfInputError struct {
	StreamID int64
	Op       string
	Cause    error
}

func (e *EndOfInputError) Error() string {
	return fmt.Sprintf("end of input on stream %d during %s: %v", e.StreamID, e.Op, e.Cause)
}

// Unwrap returns the underlying transport error.
func (e *EndOfInputError) Unwrap() error {
	return e.Cause
}

// ShutdownError reports a failed shutdown side effect. Endpoints log it and carry on.
type ShutdownError struct {
	StreamID  int64
	Direction string // "input", "output" or "fin"
	Cause     error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("failed to shut down %s of stream %d: %v", e.Direction, e.StreamID, e.Cause)
}

// Unwrap returns the underlying transport error.
func (e *ShutdownError) Unwrap() error {
	return e.Cause
}
