// Package apperr holds the error taxonomy shared by the store, the delivery
// core and the transports. Callers wrap these values with fmt.Errorf("...: %w")
// and the HTTP and websocket layers translate them with errors.Is.
package apperr

import "errors"

var (
	// ErrValidation marks a request that can never succeed as sent
	// (empty body, missing receiver, sending to yourself).
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized is returned when a credential is missing, invalid or revoked.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when a referenced user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTransientStore wraps persistence failures the client may retry.
	ErrTransientStore = errors.New("message store unavailable")

	// ErrUpstream wraps failures of the external directory or auth services.
	ErrUpstream = errors.New("upstream service unavailable")

	// ErrConnectionOverflow is returned when a connection's outbound queue is full.
	// The connection is terminated.
	ErrConnectionOverflow = errors.New("connection send queue overflow")

	// ErrConnectionClosed is returned when writing to a connection that is closing or closed.
	ErrConnectionClosed = errors.New("connection closed")
)

// Code returns the short machine-readable code sent to clients for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransientStore):
		return "store_unavailable"
	case errors.Is(err, ErrUpstream):
		return "upstream_unavailable"
	default:
		return "internal"
	}
}
