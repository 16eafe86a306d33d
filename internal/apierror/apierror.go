// Package apierror writes error responses for failed operations.
package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blocki/blocki/internal/errcode"
	"github.com/blocki/blocki/internal/logging"
)

// Respond writes err as JSON. Coded failures keep their code and name;
// anything else is logged and reported as an internal error.
func Respond(c *gin.Context, err error) {
	if code, ok := errcode.Of(err); ok {
		c.JSON(errcode.HTTPStatus(code), gin.H{
			"error":   code.String(),
			"code":    uint32(code),
			"message": err.Error(),
		})
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "timeout",
			"message": "request cancelled before the operation could run",
		})
		return
	}

	logging.L(c.Request.Context()).Error("operation failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "internal error",
	})
}

// BadRequest writes a 400 with the given error code.
func BadRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   code,
		"message": message,
	})
}
