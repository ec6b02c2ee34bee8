package netstack

import (
	"errors"
	"fmt"
)

// Errors returned by the socket and datagram APIs. Callers compare with
// errors.Is; the stack wraps them with context where useful.
var (
	ErrWouldBlock     = errors.New("operation would block")
	ErrInProgress     = errors.New("operation in progress")
	ErrNoBuffers      = errors.New("no buffer space available")
	ErrTableFull      = errors.New("no free table slot")
	ErrAddrInUse      = errors.New("address already in use")
	ErrBadSocket      = errors.New("bad socket handle")
	ErrInvalid        = errors.New("invalid argument")
	ErrNotConnected   = errors.New("socket is not connected")
	ErrIsConnected    = errors.New("socket is already connected")
	ErrNotReady       = errors.New("interface has no usable address")
	ErrConnReset      = errors.New("connection reset by peer")
	ErrTimedOut       = errors.New("connection timed out")
	ErrMessageSize    = errors.New("message too long")
	ErrRxQueueFull    = errors.New("receive queue full")
	ErrNotSupported   = errors.New("operation not supported on socket type")
	ErrHostUnresolved = fmt.Errorf("next hop unresolved: %w", ErrWouldBlock)
)

var errBadVersion = errors.New("bad ip version")

// IsTemporary reports whether err is a condition the caller should retry on a
// later poll rather than treat as a failure.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrWouldBlock) ||
		errors.Is(err, ErrInProgress) ||
		errors.Is(err, ErrNoBuffers) ||
		errors.Is(err, ErrRxQueueFull)
}
