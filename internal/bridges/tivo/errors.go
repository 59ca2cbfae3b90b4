package tivo

import "errors"

// Domain errors for the TiVo bridge package.
var (
	// ErrNotConnected is returned when an operation requires a connection
	// but the remote is not connected to the receiver.
	ErrNotConnected = errors.New("tivo: not connected to receiver")

	// ErrConnectionFailed is returned when the connection to the receiver fails.
	ErrConnectionFailed = errors.New("tivo: connection to receiver failed")

	// ErrSendFailed is returned when writing a command to the receiver fails.
	ErrSendFailed = errors.New("tivo: command send failed")

	// ErrInvalidCommand is returned when a command cannot be encoded for
	// the receiver's line protocol.
	ErrInvalidCommand = errors.New("tivo: invalid command")

	// ErrLineTooLong is returned when a status line exceeds the protocol
	// maximum. The stream is considered desynchronised and the connection
	// is re-established.
	ErrLineTooLong = errors.New("tivo: status line too long")

	// ErrLinkLost is returned when the receiver link is lost and bounded
	// reconnection has been exhausted. This is the only error class the
	// bridge escalates to process termination.
	ErrLinkLost = errors.New("tivo: receiver link lost")

	// ErrAlreadyStarted is returned when Start is called on a bridge that
	// has already left the created state.
	ErrAlreadyStarted = errors.New("tivo: bridge already started")
)
