package crestron

import "errors"

// Domain errors for the Crestron transport package.
var (
	// ErrDisabled is returned by Start when no host is configured.
	// An empty host means the integration is switched off.
	ErrDisabled = errors.New("crestron: integration disabled (no host configured)")

	// ErrNotConnected is returned when a command is sent while the
	// processor connection is down. The command is dropped.
	ErrNotConnected = errors.New("crestron: not connected to processor")

	// ErrConnectionFailed is returned when dialling the processor fails.
	ErrConnectionFailed = errors.New("crestron: connection to processor failed")

	// ErrSendFailed is returned when writing a command to the socket fails.
	ErrSendFailed = errors.New("crestron: command send failed")

	// ErrClosed is returned when an operation is attempted after Close.
	ErrClosed = errors.New("crestron: connection closed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("crestron: connection already started")

	// ErrInvalidCommand is returned when a command has no type or name.
	ErrInvalidCommand = errors.New("crestron: invalid command")
)
