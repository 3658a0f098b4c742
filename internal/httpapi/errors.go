package httpapi

import (
	"errors"
	"net/http"

	"consult-platform/internal/calls"
	"consult-platform/internal/directory"
	"consult-platform/internal/reporting"
	"consult-platform/internal/wallet"
	"consult-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, calls.ErrNotFound),
		errors.Is(err, directory.ErrNotFound),
		errors.Is(err, wallet.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, calls.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, calls.ErrUnavailable),
		errors.Is(err, directory.ErrBusy):
		return http.StatusConflict, "unavailable"
	case errors.Is(err, calls.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, directory.ErrEmailTaken):
		return http.StatusConflict, "email_taken"
	case errors.Is(err, calls.ErrInsufficientFunds),
		errors.Is(err, wallet.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, calls.ErrInvalidArgument),
		errors.Is(err, directory.ErrInvalidArgument),
		errors.Is(err, wallet.ErrInvalidArgument),
		errors.Is(err, reporting.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, calls.ErrCallLimit):
		return http.StatusTooManyRequests, "call_limit"
	case errors.Is(err, directory.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError maps domain errors to HTTP. Internal errors are logged and not echoed.
func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		logger.FromGin(c).Error("request failed", "error", err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, errorBody{Error: msg, Code: code})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: msg, Code: "invalid_argument"})
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "unauthorized"})
}
