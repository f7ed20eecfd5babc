package middleware

import (
	"time"

	"swipe-companion/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequestLogger logs every request with a request-scoped logger.
// It expects RequestIDMiddleware to have run first.
func RequestLogger(base *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqLogger := base.WithRequestID(c.GetString(GinRequestID))
		c.Set(logger.ContextKey, reqLogger)

		start := time.Now()
		c.Next()

		// auth runs after this middleware, so the user id is attached afterwards
		if userID := CurrentUserID(c); userID != "" {
			reqLogger = reqLogger.WithUserID(userID)
		}

		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		reqLogger.LogRequest(method, path, c.Writer.Status(), time.Since(start))

		for _, ginErr := range c.Errors {
			reqLogger.LogError(ginErr.Err, "request error",
				"method", method,
				"path", path,
			)
		}
	}
}
