package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrLockLost is returned when a message is settled with a lock that was already
	// used, has expired or was never held (for example a peeked message).
	ErrLockLost = errors.New("message lock lost or expired")
	// ErrNilMessage is returned when a nil message or payload is handed to the transport.
	ErrNilMessage = errors.New("message is nil")
	// ErrNotSupported is returned when the underlying driver lacks a capability.
	ErrNotSupported = errors.New("operation not supported by queue driver")
	// ErrMessageNotFound is returned by dead-letter deletion for an unknown sequence number.
	ErrMessageNotFound = errors.New("message not found")
	// ErrClientClosed is returned by driver clients once Close has been called.
	ErrClientClosed = errors.New("queue client is closed")
	// ErrUnknownScheme is returned when no driver is registered for a queue URL scheme.
	ErrUnknownScheme = errors.New("no queue driver registered for scheme")
	// ErrKindNotAccepted is returned when a payload is sent to a queue that does not carry its kind.
	ErrKindNotAccepted = errors.New("payload kind is not carried by this queue")
	// ErrQueueNotFound is returned by the manager for an unregistered queue name.
	ErrQueueNotFound = errors.New("queue not found")
)

// TransportError wraps every failure surfaced by a Transport.
type TransportError struct {
	Op    string
	Queue string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("queue %s: %s: %v", e.Queue, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (t *Transport) wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var te *TransportError
	if errors.As(err, &te) {
		return err
	}

	return &TransportError{Op: op, Queue: t.name, Err: err}
}
