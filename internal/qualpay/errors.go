package qualpay

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned before any network call when merchant credentials are missing.
var ErrNotConfigured = errors.New("qualpay: plugin not configured")

// ErrInvalidResponse means the gateway answered but the envelope or its details were missing.
var ErrInvalidResponse = errors.New("qualpay: invalid response")

// GatewayError is a response whose code is not CodeOK.
type GatewayError struct {
	Code       ResponseCode
	Message    string
	StatusCode int
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("qualpay: %s (code %d): %s", e.Code, int(e.Code), e.Message)
}

// TransportError covers network failures, an open breaker and HTTP errors whose
// body could not be read as a response envelope.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("qualpay: transport error (http %d): %v", e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("qualpay: transport error: %v", e.Err)
	default:
		return fmt.Sprintf("qualpay: transport error (http %d): %s", e.StatusCode, e.Body)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }
