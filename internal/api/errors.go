package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/quantsim/internal/encodings"
)

var (
	ErrInvalidRequest   = errors.New("invalid_request")
	ErrNoSim            = errors.New("no sim configured")
	ErrUnknownQuantizer = errors.New("unknown quantizer")
)

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// errorStatus maps an error onto the HTTP status and error type it is
// reported with.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ErrUnknownQuantizer):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, encodings.ErrEncodingMismatch):
		return http.StatusConflict, "encoding_mismatch_error"
	case errors.Is(err, ErrNoSim):
		return http.StatusServiceUnavailable, "server_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
