package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Invoke on a connection that has not
	// finished its handshake.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrClosed is returned for calls on, or pending on, a closed connection.
	ErrClosed = errors.New("realtime: connection closed")
)

// HandshakeError reports a failed negotiate or protocol handshake.
type HandshakeError struct {
	Stage string // "negotiate", "dial", "handshake"
	URL   string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("realtime: %s %s: %v", e.Stage, e.URL, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// InvocationError carries the error a hub method completed with.
type InvocationError struct {
	Target  string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("realtime: %s failed: %s", e.Target, e.Message)
}

// CloseError is the reason a server gave in its close message.
type CloseError struct {
	Message        string
	AllowReconnect bool
}

func (e *CloseError) Error() string {
	return "realtime: server closed connection: " + e.Message
}
