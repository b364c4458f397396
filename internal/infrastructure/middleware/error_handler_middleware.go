package middleware

import (
	"net/http"

	"camgrid/pkg/errors"
	"camgrid/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error attached with c.Error as a JSON
// AppError. Core sentinel errors are mapped onto their HTTP status.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		appErr := errors.FromDomain(c.Errors.Last().Err)
		fields := []interface{}{
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"request_id", logger.RequestID(c.Request.Context()),
		}
		if appErr.Cause != nil {
			fields = append(fields, "error", appErr.Cause.Error())
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError && appErr.Code != errors.ErrCodeSourceUnavailable {
			log.Errorw("request failed", fields...)
		} else {
			log.Warnw("request rejected", fields...)
		}

		if c.Writer.Written() {
			return
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
