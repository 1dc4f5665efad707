package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/feral-file/recycling-ledger/internal/api/shared/errors"
	"github.com/feral-file/recycling-ledger/internal/logger"
)

// respondBadRequest responds with a bad request error
func respondBadRequest(c *gin.Context, message string, details ...string) {
	c.JSON(http.StatusBadRequest, errors.NewBadRequestError(message, details...))
}

// respondValidationError responds with a validation error
func respondValidationError(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errors.NewValidationError(message))
}

// respondError maps err to its API error; server side failures are logged
func respondError(c *gin.Context, err error) {
	apiErr := errors.FromError(err)
	status := apiErr.StatusCode()
	if status >= http.StatusInternalServerError {
		logger.ErrorCtx(c.Request.Context(), err,
			zap.String("path", c.Request.URL.Path),
			zap.String("code", string(apiErr.Code)),
		)
	}
	_ = c.Error(err)
	c.JSON(status, apiErr)
}

var errForbiddenUser = errors.NewForbiddenError("Cannot register collections for another user")
