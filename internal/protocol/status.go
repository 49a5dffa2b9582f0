package protocol

import "fmt"

// Status is a REST-like response code carried in response and ack messages.
type Status int

// Status codes used between the shepherd and its devices.
const (
	StatusOK               Status = 200
	StatusCreated          Status = 201
	StatusDeleted          Status = 202
	StatusChanged          Status = 204
	StatusContent          Status = 205
	StatusBadRequest       Status = 400
	StatusUnauthorized     Status = 401
	StatusNotFound         Status = 404
	StatusMethodNotAllowed Status = 405
	StatusTimeout          Status = 408
	StatusConflict         Status = 409
	StatusInternalError    Status = 500
)

var statusNames = map[Status]string{
	StatusOK:               "OK",
	StatusCreated:          "Created",
	StatusDeleted:          "Deleted",
	StatusChanged:          "Changed",
	StatusContent:          "Content",
	StatusBadRequest:       "BadRequest",
	StatusUnauthorized:     "Unauthorized",
	StatusNotFound:         "NotFound",
	StatusMethodNotAllowed: "MethodNotAllowed",
	StatusTimeout:          "Timeout",
	StatusConflict:         "Conflict",
	StatusInternalError:    "InternalServerError",
}

// IsSuccess reports whether the status settles a request successfully.
// Anything at or above 400 is a failure.
func (s Status) IsSuccess() bool {
	return s > 0 && s < 400
}

// String returns "205 Content" style text.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return fmt.Sprintf("%d %s", int(s), name)
	}
	return fmt.Sprintf("%d", int(s))
}
