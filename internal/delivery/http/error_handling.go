package http

import (
	"errors"
	"net/http"

	"cyoa-server/internal/domain"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ErrCodeValidation  = "validation_error"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeUnavailable = "unavailable"
	ErrCodeInternal    = "internal_error"
)

// ErrorResponse тело ответа с ошибкой.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) handleServiceError(c *gin.Context, err error) {
	var statusCode int
	var errResp ErrorResponse

	switch {
	case errors.Is(err, domain.ErrValidation):
		statusCode = http.StatusBadRequest
		errResp = ErrorResponse{Code: ErrCodeValidation, Error: err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		notFound(c)
		return
	case errors.Is(err, domain.ErrJobNotCancellable):
		statusCode = http.StatusConflict
		errResp = ErrorResponse{Code: ErrCodeConflict, Error: "Job is already finished and cannot be cancelled"}
	case errors.Is(err, domain.ErrQueueFull):
		statusCode = http.StatusServiceUnavailable
		errResp = ErrorResponse{Code: ErrCodeUnavailable, Error: "Job queue is full, try again later"}
	default:
		h.logger.Error("Unhandled internal error", zap.Error(err), zap.String("path", c.FullPath()))
		statusCode = http.StatusInternalServerError
		errResp = ErrorResponse{Code: ErrCodeInternal, Error: "An unexpected internal error occurred"}
	}

	c.AbortWithStatusJSON(statusCode, errResp)
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: ErrCodeValidation, Error: message})
}

func notFound(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Code: ErrCodeNotFound, Error: "Resource not found"})
}
