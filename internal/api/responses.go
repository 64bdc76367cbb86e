package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// errorResponseFromError writes err with the status of its AppError type.
// Anything else is an unhandled 500.
func errorResponseFromError(c *gin.Context, logger *logging.Logger, err error) {
	if appErr, ok := errors.AsAppError(err); ok && appErr.Type != errors.ErrorTypeInternal {
		c.JSON(appErr.HTTPStatus(), ErrorResponse{Error: appErr.Message})
		return
	}

	logger.LogError(c.Request.Context(), err, "Unhandled error", nil)
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "Internal server error",
		Message: err.Error(),
	})
}

// badRequest writes a 400 with message
func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: message})
}

// notFound writes a 404 with message
func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, ErrorResponse{Error: message})
}
