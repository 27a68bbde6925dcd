package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/greencloud/authserver/internal/service"
)

const (
	msgValidationFailed = "validation failed"
	msgMalformedBody    = "malformed request body"
	msgForbidden        = "forbidden"
	msgInternal         = "internal error"
)

// apiError carries a ready-made status and envelope for request-shape problems.
type apiError struct {
	Status  int
	Message string
	Data    any
	cause   error
}

func (e *apiError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *apiError) Unwrap() error { return e.cause }

func malformedBody(cause error) error {
	return &apiError{Status: http.StatusBadRequest, Message: msgMalformedBody, cause: cause}
}

func missingParam(name string) error {
	return &apiError{Status: http.StatusBadRequest, Message: "missing parameter: " + name}
}

func invalidFields(fields map[string]string) error {
	return &apiError{Status: http.StatusBadRequest, Message: msgValidationFailed, Data: fields}
}

// ErrorHandler is the only place errors become status codes.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, body := errorResponse(err)
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}

func errorResponse(err error) (int, APIResponse) {
	var (
		ae *apiError
		ve validator.ValidationErrors
		he *echo.HTTPError
	)
	switch {
	case errors.As(err, &ae):
		return ae.Status, fail(ae.Message, ae.Data)
	case errors.As(err, &ve):
		return http.StatusBadRequest, fail(msgValidationFailed, fieldErrors(ve))
	case errors.Is(err, service.ErrBadCredentials):
		return http.StatusUnauthorized, fail(service.ErrBadCredentials.Error(), nil)
	case errors.Is(err, service.ErrInvalidToken):
		return http.StatusUnauthorized, fail(service.ErrInvalidToken.Error(), nil)
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, fail(service.ErrNotFound.Error(), nil)
	case errors.Is(err, service.ErrDuplicateIdentity):
		return http.StatusConflict, fail(service.ErrDuplicateIdentity.Error(), nil)
	case errors.As(err, &he):
		return he.Code, fail(httpErrorMessage(he), nil)
	default:
		return http.StatusInternalServerError, fail(msgInternal, nil)
	}
}

func httpErrorMessage(he *echo.HTTPError) string {
	switch he.Code {
	case http.StatusForbidden:
		return msgForbidden
	case http.StatusInternalServerError:
		return msgInternal
	}
	if s, ok := he.Message.(string); ok && s != "" {
		return s
	}
	return http.StatusText(he.Code)
}
