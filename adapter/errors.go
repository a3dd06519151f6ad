package tradovate

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the token manager and REST client.
var (
	// ErrCredentialsMissing is returned when any of the seven credential
	// fields required for a full auth exchange is empty.
	ErrCredentialsMissing = errors.New("tradovate: credentials missing")

	// ErrThrottled is returned when a request is rejected with 429 even
	// after the single throttle retry.
	ErrThrottled = errors.New("tradovate: request throttled")
)

// AuthDeniedError reports that the server rejected the credentials or the
// access token. The token manager clears the cached token before this error
// surfaces, so the next acquire renegotiates from scratch.
type AuthDeniedError struct {
	Text string
}

func (e *AuthDeniedError) Error() string {
	return fmt.Sprintf("tradovate: authorization denied: %s", e.Text)
}

// AuthTransportError wraps a network failure during a credential exchange.
type AuthTransportError struct {
	Err error
}

func (e *AuthTransportError) Error() string {
	return fmt.Sprintf("tradovate: auth transport failure: %v", e.Err)
}

func (e *AuthTransportError) Unwrap() error { return e.Err }

// APIError reports a non-auth, non-throttle server error from a REST call.
type APIError struct {
	Status int
	Text   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tradovate: HTTP %d: %s", e.Status, e.Text)
}

// TransportError wraps a network failure on a REST call, keeping the endpoint
// for context.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("tradovate: request to %s failed: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
