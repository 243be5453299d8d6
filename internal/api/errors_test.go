package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/samcharles93/quantsim/internal/encodings"
)

func TestErrorStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err     error
		status  int
		errType string
	}{
		{newInvalidRequest("bad"), http.StatusBadRequest, "invalid_request_error"},
		{fmt.Errorf("%w: %q", ErrUnknownQuantizer, "x"), http.StatusNotFound, "not_found_error"},
		{&encodings.MismatchError{Mismatches: []string{"x"}}, http.StatusConflict, "encoding_mismatch_error"},
		{ErrNoSim, http.StatusServiceUnavailable, "server_error"},
		{errors.New("boom"), http.StatusInternalServerError, "server_error"},
	}
	for _, tc := range tests {
		status, errType := errorStatus(tc.err)
		if status != tc.status || errType != tc.errType {
			t.Fatalf("%v: expected %d %s, got %d %s", tc.err, tc.status, tc.errType, status, errType)
		}
	}
}
