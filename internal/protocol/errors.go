package protocol

import (
	"errors"
	"fmt"
)

// Error taxonomy. Components wrap these with their own prefix so callers
// can branch with errors.Is regardless of where the failure came from.
var (
	// ErrNotFound is returned for an unknown client id or path.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a registration collides with an online record.
	ErrConflict = errors.New("conflict")

	// ErrBadRequest is returned for malformed payloads, paths or attributes.
	ErrBadRequest = errors.New("bad request")

	// ErrTimeout settles a request whose deadline passed without a response.
	ErrTimeout = errors.New("timeout")

	// ErrCancelled settles a request that was torn down explicitly.
	ErrCancelled = errors.New("cancelled")

	// ErrUnauthorized is returned when the authorizer rejects a device.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMethodNotAllowed is returned when policy forbids the operation,
	// such as a new device joining while the network is closed.
	ErrMethodNotAllowed = errors.New("method not allowed")

	// ErrTransport wraps publish and subscribe failures. The core records
	// them and never retries on its own.
	ErrTransport = errors.New("transport error")

	// ErrTransactionIDsExhausted means every id in a device's window is in use.
	ErrTransactionIDsExhausted = errors.New("transaction ids exhausted")
)

func errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// StatusError is the failure a request settles with when the device
// answered with an error status.
type StatusError struct {
	Status Status
	Data   any
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("device responded %s", e.Status)
}

// Is matches the taxonomy sentinel that corresponds to the status, so
// errors.Is(err, ErrNotFound) holds for a device-side 404.
func (e *StatusError) Is(target error) bool {
	kind := KindForStatus(e.Status)
	return kind != nil && target == kind
}

// KindForStatus maps an error status to its taxonomy sentinel.
// Success statuses and unknown codes return nil.
func KindForStatus(s Status) error {
	switch s {
	case StatusBadRequest:
		return ErrBadRequest
	case StatusUnauthorized:
		return ErrUnauthorized
	case StatusNotFound:
		return ErrNotFound
	case StatusMethodNotAllowed:
		return ErrMethodNotAllowed
	case StatusTimeout:
		return ErrTimeout
	case StatusConflict:
		return ErrConflict
	default:
		return nil
	}
}

// StatusForError maps an error onto the status sent back to a device.
func StatusForError(err error) Status {
	var se *StatusError
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &se):
		return se.Status
	case errors.Is(err, ErrBadRequest):
		return StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrMethodNotAllowed):
		return StatusMethodNotAllowed
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrConflict):
		return StatusConflict
	default:
		return StatusInternalError
	}
}
