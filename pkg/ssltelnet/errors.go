package ssltelnet

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds reported by a Conn.
var (
	// ErrTransport is a connect, read or write failure on the underlying stream.
	ErrTransport = errors.New("transport error")
	// ErrHandshake is a failed TLS wrap. The session is unusable afterwards.
	ErrHandshake = errors.New("tls handshake failure")
	// ErrProtocolViolation is malformed or out-of-order negotiation. It is
	// only ever logged; the session keeps going.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Error carries the kind of failure and the operation that produced it.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ssltelnet: %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("ssltelnet: %s: %v: %v", e.Op, e.Kind, e.Err)
}

// Cause makes Error usable with errors.Cause.
func (e *Error) Cause() error { return e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the kind of e.
func (e *Error) Is(target error) bool { return target == e.Kind }

func transportError(op string, err error) error {
	return &Error{Kind: ErrTransport, Op: op, Err: err}
}

func handshakeError(op string, err error) error {
	return &Error{Kind: ErrHandshake, Op: op, Err: err}
}

func protocolViolation(op, format string, args ...interface{}) error {
	return &Error{Kind: ErrProtocolViolation, Op: op, Err: errors.Errorf(format, args...)}
}

// IsTransportError reports whether err was caused by the byte stream.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransport)
}

// IsHandshakeFailure reports whether err comes from a failed TLS wrap.
func IsHandshakeFailure(err error) bool {
	return errors.Is(err, ErrHandshake)
}
