package logger

import (
	"github.com/gin-gonic/gin"
)

// ContextKey is the gin context key holding the request-scoped logger
const ContextKey = "logger"

// FromContext returns the request-scoped logger, or the global one
func FromContext(c *gin.Context) *Logger {
	if v, ok := c.Get(ContextKey); ok {
		if l, ok := v.(*Logger); ok {
			return l
		}
	}
	return GetGlobal()
}
