package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	errs "github.com/edgard/haven/internal/errors"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes a failure by code and human-readable message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusClientClosedRequest reports a request abandoned by its client.
const statusClientClosedRequest = 499

var statusByCode = map[string]int{
	errs.CodeValidation:   http.StatusBadRequest,
	errs.CodeUnauthorized: http.StatusForbidden,
	errs.CodeNotFound:     http.StatusNotFound,
	errs.CodeConflict:     http.StatusConflict,
	errs.CodeUpstream:     http.StatusBadGateway,
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, body := errorResponse(err)
	switch {
	case body.Error.Code == errs.CodeCanceled || body.Error.Code == errs.CodeTimeout:
		s.logger.DebugContext(c.Request().Context(), "Request abandoned",
			"method", c.Request().Method,
			"path", c.Path(),
			"error", err)
	case status >= http.StatusInternalServerError:
		s.logger.ErrorContext(c.Request().Context(), "Request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"error", err)
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, body)
	}
	if writeErr != nil {
		s.logger.Error("Failed to write error response", "error", writeErr)
	}
}

// errorResponse maps err to a status and body. Coded application errors are
// mapped by code; echo errors keep their status; context errors mean the
// request was cancelled or ran out of time. Internal failures are not
// described to the client.
func errorResponse(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, ErrorResponse{Error: ErrorBody{
			Code:    errs.CodeCanceled,
			Message: "request canceled",
		}}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, ErrorResponse{Error: ErrorBody{
			Code:    errs.CodeTimeout,
			Message: "request timed out",
		}}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, ErrorResponse{Error: ErrorBody{
			Code:    codeForStatus(he.Code),
			Message: fmt.Sprint(he.Message),
		}}
	}

	code := errs.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		return http.StatusInternalServerError, ErrorResponse{Error: ErrorBody{
			Code:    code,
			Message: http.StatusText(http.StatusInternalServerError),
		}}
	}
	return status, ErrorResponse{Error: ErrorBody{Code: code, Message: errs.Message(err)}}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return errs.CodeValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.CodeUnauthorized
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return errs.CodeNotFound
	case http.StatusConflict:
		return errs.CodeConflict
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return errs.CodeUpstream
	default:
		return errs.CodeUnknown
	}
}
