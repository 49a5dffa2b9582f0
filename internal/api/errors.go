package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lwmqn/shepherd-sub001/internal/protocol"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// DeviceStatus is the status the device answered with, for 502s.
	DeviceStatus protocol.Status `json:"device_status,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeConflict     = "conflict"
	ErrCodeTimeout      = "timeout"
	ErrCodeDevice       = "device_error"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeInternal     = "internal_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeRequestError maps a shepherd request failure to an HTTP response.
// A device-side error status wins over the sentinel it matches, so a
// device 404 is a 502, not a 404.
func writeRequestError(w http.ResponseWriter, err error) {
	var se *protocol.StatusError
	if errors.As(err, &se) {
		writeJSON(w, http.StatusBadGateway, Error{
			Status:       http.StatusBadGateway,
			Code:         ErrCodeDevice,
			Message:      err.Error(),
			DeviceStatus: se.Status,
		})
		return
	}

	status, code := http.StatusInternalServerError, ErrCodeInternal
	switch {
	case errors.Is(err, protocol.ErrNotFound):
		status, code = http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, protocol.ErrBadRequest):
		status, code = http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, protocol.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, ErrCodeTimeout
	case errors.Is(err, protocol.ErrCancelled), errors.Is(err, context.Canceled):
		status, code = http.StatusConflict, ErrCodeConflict
	case errors.Is(err, protocol.ErrTransport), errors.Is(err, protocol.ErrTransactionIDsExhausted):
		status, code = http.StatusServiceUnavailable, ErrCodeUnavailable
	}
	writeError(w, status, code, err.Error())
}
