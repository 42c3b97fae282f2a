package httpapi

import (
	"errors"
	"net/http"

	"chatcall/internal/calls"

	"github.com/gin-gonic/gin"
)

// statusFor maps the call error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, calls.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, calls.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, calls.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, calls.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, calls.ErrBusy),
		errors.Is(err, calls.ErrNoActiveCall),
		errors.Is(err, calls.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, calls.ErrSignalingIO):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
