package chatsync

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired means the bearer token is missing, malformed, expired or was
	// rejected by the server. It is fatal to the session.
	ErrAuthExpired = errors.New("chatsync: auth expired")

	// ErrTransientTransport wraps connect/disconnect failures that are not
	// attributable to authentication. They are retried with backoff.
	ErrTransientTransport = errors.New("chatsync: transient transport failure")

	// ErrProtocolAnomaly marks an inbound frame that is missing required fields
	// or carries an unknown event name. Such frames are logged and dropped.
	ErrProtocolAnomaly = errors.New("chatsync: protocol anomaly")

	// ErrNotConnected is returned by Emit when there is no live transport.
	ErrNotConnected = errors.New("chatsync: not connected")

	// ErrSessionClosed is returned once the session has been torn down.
	ErrSessionClosed = errors.New("chatsync: session closed")
)

// WriteError reports a failed durable call (send, mark-read, refresh).
type WriteError struct {
	Op     string
	RoomID string
	Err    error
}

func (e *WriteError) Error() string {
	if e.RoomID == "" {
		return fmt.Sprintf("chatsync: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("chatsync: %s in room %s failed: %v", e.Op, e.RoomID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// APIError is the error body returned by the REST API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

func anomaly(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolAnomaly, fmt.Sprintf(format, args...))
}
