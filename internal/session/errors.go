package session

import "errors"

var (
	// ErrTransportDisconnected is returned when a message cannot be sent
	// because the connection is down.
	ErrTransportDisconnected = errors.New("session: transport disconnected")

	// ErrClosed is returned by operations on an abandoned machine.
	ErrClosed = errors.New("session: closed")
)
