package middleware

import (
	"strings"

	"swipe-companion/backend/pkg/errors"
	"swipe-companion/backend/pkg/jwt"
	"swipe-companion/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// TokenValidator validates bearer tokens
type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// JWTAuthMiddleware checks that the request has a valid JWT and adds the user id to the context.
// Websocket clients cannot set headers, so a token query parameter is accepted as well.
func JWTAuthMiddleware(validator TokenValidator, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.Error(errors.NewUnauthorizedError(errors.CodeAuthRequired, "Authorization header is required"))
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(token)
		if err != nil {
			log.Warn("Invalid JWT token", "error", err.Error(), "path", c.Request.URL.Path)
			c.Error(errors.NewUnauthorizedError(errors.CodeInvalidToken, "Invalid or expired token"))
			c.Abort()
			return
		}

		c.Set(GinClaims, claims)
		c.Set(GinUserID, claims.UserID)
		c.Request = c.Request.WithContext(WithUserID(c.Request.Context(), claims.UserID))

		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
			return header[7:]
		}
		return header
	}
	return c.Query("token")
}
