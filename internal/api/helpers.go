package api

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
)

// requestID tags every response with X-Request-Id, keeping one the client
// sent.
func requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().Header.Get(echo.HeaderXRequestID)
		if id == "" {
			id = "req_" + uuid.NewString()
		}
		c.Response().Header().Set(echo.HeaderXRequestID, id)
		return next(c)
	}
}

// writeError renders err with the status errorStatus picks for it.
func writeError(c *echo.Context, err error, mismatches []string) error {
	status, errType := errorStatus(err)
	return c.JSON(status, ErrorResponse{
		Error: ResponseError{
			Message:   err.Error(),
			Type:      errType,
			RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
		},
		Mismatches: mismatches,
	})
}

// boolParam reads an optional boolean query parameter.
func boolParam(c *echo.Context, name string, def bool) (bool, error) {
	q := strings.TrimSpace(c.QueryParam(name))
	if q == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(q)
	if err != nil {
		return false, newInvalidRequest(name + ": expected a boolean, got " + strconv.Quote(q))
	}
	return v, nil
}
