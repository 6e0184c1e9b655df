package dmq

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a publish or consume is attempted before Connect succeeded.
	ErrNotConnected = errors.New("not connected to the broker")

	// ErrShutdown is returned when an operation races a triggered shutdown.
	ErrShutdown = errors.New("broker client is shutting down")

	// ErrAlreadySubscribed is returned when a second handler is registered for the same queue.
	ErrAlreadySubscribed = errors.New("queue already has an active subscription")

	// ErrUnknownSubscription is returned by Unsubscribe for a consumer tag that isn't registered.
	ErrUnknownSubscription = errors.New("no subscription registered for consumer tag")
)

// ConnectionError indicates the broker could not be reached or the connection was lost.
// Fatal to startup - the owning process decides the retry policy.
type ConnectionError struct {
	URI string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker connection failed [%s]: %s", e.URI, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TopologyDeclarationError indicates a malformed or conflicting exchange/queue declaration.
// Fatal at startup.
type TopologyDeclarationError struct {
	Entity string
	Name   string
	Err    error
}

func (e *TopologyDeclarationError) Error() string {
	return fmt.Sprintf("declaring %s %q failed: %s", e.Entity, e.Name, e.Err)
}

func (e *TopologyDeclarationError) Unwrap() error { return e.Err }

// SerializationError indicates a wire payload that can't be parsed into an Envelope.
// Never retried - the content will not become parseable on redelivery.
type SerializationError struct {
	Queue string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("unparseable message on queue %q: %s", e.Queue, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// ValidationError indicates message content a domain handler rejected as permanently invalid.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "message failed validation: " + e.Reason
}

// transientError wraps an error a handler reported as transient infrastructure trouble.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return "transient: " + e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as retryable (a timeout talking to a dependency, a network blip).
// The error classifier routes transient failures through the bounded retry path.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err carries the transient marker.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
