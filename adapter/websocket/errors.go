package websocket

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a request is issued before the
	// session has completed its authorize handshake.
	ErrNotConnected = errors.New("websocket: session not authenticated")

	// ErrConnectTimeout is returned when the open-plus-authorize sequence
	// does not complete within the connect deadline.
	ErrConnectTimeout = errors.New("websocket: connect timed out")

	// ErrClosedDuringRequest is returned to request waiters when the
	// session closes before their response arrives.
	ErrClosedDuringRequest = errors.New("websocket: session closed during request")

	// ErrWrongSessionRole is returned when a subscribe URL is issued on a
	// session of the wrong role. No frame is sent.
	ErrWrongSessionRole = errors.New("websocket: subscription url does not match session role")

	// ErrTicketExhausted is returned when the pagination ticket loop
	// exceeds its replay cap without a terminal response.
	ErrTicketExhausted = errors.New("websocket: subscribe ticket replays exhausted")

	// ErrSupervisorClosed is returned to accessors and waiters after
	// CloseAll.
	ErrSupervisorClosed = errors.New("websocket: connection supervisor closed")
)

// AuthorizeRejectedError reports a non-200 status on the authorize handshake.
type AuthorizeRejectedError struct {
	Status int
	Reason string
}

func (e *AuthorizeRejectedError) Error() string {
	return fmt.Sprintf("websocket: authorize rejected with status %d: %s", e.Status, e.Reason)
}

// OperationRejectedError reports a non-200 status on a correlated request.
// Reason carries the server's d field verbatim.
type OperationRejectedError struct {
	URL    string
	Status int
	Reason string
}

func (e *OperationRejectedError) Error() string {
	return fmt.Sprintf("websocket: %s rejected with status %d: %s", e.URL, e.Status, e.Reason)
}
