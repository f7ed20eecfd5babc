// Package api is the HTTP surface of the backend
package api

import (
	"context"
	"net/http"
	"strings"

	"swipe-companion/backend/internal/session"
	"swipe-companion/backend/pkg/errors"
	"swipe-companion/backend/pkg/logger"
	"swipe-companion/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// Sessions resolves the handle of an authenticated user
type Sessions interface {
	Get(ctx context.Context, userID string) (*session.Handle, error)
}

// Deps are the collaborators of the router. Health, Metrics and WebSocket are optional.
type Deps struct {
	Sessions  Sessions
	Tokens    middleware.TokenValidator
	Logger    *logger.Logger
	Health    gin.HandlerFunc
	Metrics   http.Handler
	WebSocket gin.HandlerFunc
}

// Options configure the router
type Options struct {
	Production     bool
	AllowedOrigins []string
	MaxBodySize    int64
	RateLimit      *middleware.RateLimiterOptions
	// DisableValidation skips request validation against the embedded API document
	DisableValidation bool
}

// Router is the main router for the application
type Router struct {
	Engine      *gin.Engine
	RateLimiter *middleware.RateLimiter
	log         *logger.Logger
}

// NewRouter builds the engine and registers every route
func NewRouter(deps Deps, opts Options) (*Router, error) {
	log := logger.OrDiscard(deps.Logger)
	if opts.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	// request id first so the request logger can pick it up
	engine.Use(middleware.RequestIDMiddleware())
	engine.Use(middleware.RequestLogger(log))
	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())
	engine.Use(corsMiddleware(opts.AllowedOrigins))
	if opts.MaxBodySize > 0 {
		engine.Use(bodyLimit(opts.MaxBodySize))
	}

	var limiter *middleware.RateLimiter
	if opts.RateLimit != nil {
		limiter = middleware.NewRateLimiter(log, *opts.RateLimit)
	} else {
		limiter = middleware.NewRateLimiter(log)
	}

	r := &Router{Engine: engine, RateLimiter: limiter, log: log}

	jwtAuth := middleware.JWTAuthMiddleware(deps.Tokens, log)

	v1 := engine.Group("/api/v1")
	v1.Use(jwtAuth, limiter.Middleware())
	if !opts.DisableValidation {
		v, err := newValidator()
		if err != nil {
			return nil, err
		}
		v1.Use(v.Middleware())
	}

	NewHandler(deps.Sessions, log).RegisterRoutes(v1)
	engine.GET("/api/docs/openapi.yaml", serveDocument)

	if deps.WebSocket != nil {
		engine.GET("/ws", jwtAuth, deps.WebSocket)
	}
	if deps.Health != nil {
		engine.GET("/health", deps.Health)
	}
	if deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	return r, nil
}

// ServeHTTP makes the router usable as an http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Engine.ServeHTTP(w, req)
}

// bodyLimit caps request bodies at n bytes
func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

// corsMiddleware allows the configured origins and websocket upgrade headers
func corsMiddleware(allowed []string) gin.HandlerFunc {
	anyOrigin := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			anyOrigin = true
		}
		set[strings.TrimSuffix(o, "/")] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case origin == "":
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case anyOrigin:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		default:
			if _, ok := set[origin]; ok {
				c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
				c.Writer.Header().Add("Vary", "Origin")
			}
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Authorization, Origin, Upgrade, Connection, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Upgrade, Connection")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
