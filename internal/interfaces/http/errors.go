package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/quote-approval/internal/domain/workflow"
	"github.com/garyjia/quote-approval/internal/webhook"
)

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, webhook.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, workflow.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrVersionConflict):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the error envelope. Internal errors are logged and their
// details withheld from the caller.
func (h *Handlers) fail(c *gin.Context, msg string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(msg, "path", c.Request.URL.Path, "error", err)
		c.JSON(code, Response{Success: false, Error: msg})
		return
	}
	c.JSON(code, Response{Success: false, Error: err.Error()})
}
