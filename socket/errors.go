package socket

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrDuplicateSocket  = errors.New("socket already open")
	ErrSocketNotFound   = errors.New("socket not found")
	ErrBindingClosed    = errors.New("binding closed")
	ErrDuplicateServer  = errors.New("server already registered")
)

// ConfigurationError reports a handler registration that cannot be bound.
// It is returned at startup and never while firing.
type ConfigurationError struct {
	Event  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("socket: cannot register handler for %q: %s", e.Event, e.Reason)
}

// ProtocolError reports a frame that does not form a valid envelope. The frame
// is dropped and the connection stays open.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "socket: protocol error: " + e.Reason + ": " + e.Err.Error()
	}
	return "socket: protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a failure raised by application handler code.
type HandlerError struct {
	Event string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("socket: handler for %q failed: %v", e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// TransportTimeout reports a connection whose peer stopped sending heartbeats.
type TransportTimeout struct {
	Socket string
	After  string
}

func (e *TransportTimeout) Error() string {
	return fmt.Sprintf("socket: %s sent no heartbeat within %s", e.Socket, e.After)
}
