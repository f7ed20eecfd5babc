package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"swipe-companion/backend/pkg/errors"
	"swipe-companion/backend/pkg/jwt"
	"swipe-companion/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(errors.ErrorHandler())
	r.Use(mw...)
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user":    CurrentUserID(c),
			"ctxUser": GetUserID(c.Request.Context()),
			"request": GetRequestID(c.Request.Context()),
		})
	})
	return r
}

func TestJWTAuthAcceptsHeaderAndQuery(t *testing.T) {
	tokens := jwt.NewService("secret", time.Hour, "")
	token, err := tokens.GenerateToken("alice")
	require.NoError(t, err)
	r := newEngine(JWTAuthMiddleware(tokens, logger.Discard()))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user":"alice"`)
	assert.Contains(t, w.Body.String(), `"ctxUser":"alice"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?token="+token, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), errors.CodeAuthRequired)
}

func TestRequestIDIsGeneratedOrPropagated(t *testing.T) {
	r := newEngine(RequestIDMiddleware())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	generated := w.Header().Get("X-Request-ID")
	assert.Len(t, generated, 36)
	assert.Contains(t, w.Body.String(), generated)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-Request-ID", "abc")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Header().Get("X-Request-ID"))
}

func TestRateLimiterPerKey(t *testing.T) {
	limiter := NewRateLimiter(logger.Discard(), RateLimiterOptions{
		Limit:          rate.Every(time.Hour),
		Burst:          1,
		ExpiryDuration: time.Minute,
		KeyFunc:        func(c *gin.Context) string { return c.GetHeader("X-Client") },
	})
	r := newEngine(limiter.Middleware())

	call := func(clientKey string) int {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("X-Client", clientKey)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("a"))
	assert.Equal(t, http.StatusTooManyRequests, call("a"))
	assert.Equal(t, http.StatusOK, call("b"))

	limiter.evictIdle(time.Now().Add(2 * time.Minute))
	assert.Equal(t, http.StatusOK, call("a"), "evicted clients start with a fresh bucket")
}
