// Package errs defines the gateway-wide error taxonomy.
//
// Components wrap these sentinels with fmt.Errorf("...: %w", ...) so callers
// can classify failures with errors.Is without depending on each other's
// internals. The HTTP layer maps them to status codes in one place.
package errs

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound means the session, record, or target does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized means the acting user does not own the record.
	ErrUnauthorized = errors.New("not authorized")
	// ErrQuotaExceeded means the per-(user, target, kind) session quota is full.
	ErrQuotaExceeded = errors.New("session quota exceeded")
	// ErrViewClosed means a child view was created after its parent view closed.
	ErrViewClosed = errors.New("parent view closed")
	// ErrConnection means the remote transport could not be established or used.
	ErrConnection = errors.New("connection failed")
	// ErrCommandFailed means a remote command exited with a non-zero status.
	ErrCommandFailed = errors.New("command failed")
	// ErrOverloaded means a concurrency permit could not be obtained in time.
	ErrOverloaded = errors.New("too many concurrent requests")
	// ErrInvalidArgument means a user-supplied identifier or path is malformed.
	ErrInvalidArgument = errors.New("invalid argument")
)

// HTTPStatus returns the status code for a classified error. Unclassified
// errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, ErrViewClosed):
		return http.StatusGone
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrOverloaded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrConnection):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrCommandFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
