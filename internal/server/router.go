// Package server wires the HTTP API and the gRPC health server.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	healthhandler "github.com/kunihei/memocrm-docker/internal/health/handler"
	identityhandler "github.com/kunihei/memocrm-docker/internal/identity/handler"
	"github.com/kunihei/memocrm-docker/internal/server/middleware"
)

// HTTPDeps holds what the HTTP routes need.
type HTTPDeps struct {
	// Auth serves the credential routes.
	Auth *identityhandler.AuthHandler
	// Authenticator verifies bearer tokens for /logout and /me.
	Authenticator middleware.Authenticator
	// Health backs GET /health.
	Health *healthhandler.Checker
	// ServiceName is the otelgin server name.
	ServiceName string
	// CORSOrigins are the allowed origins; "*" allows any. Empty disables CORS headers.
	CORSOrigins []string
	// TrustedProxies may set X-Forwarded-For. Empty means the peer address is the client IP.
	TrustedProxies []string
	Logger         *zap.Logger
}

// NewRouter returns the gin engine with every route registered.
//
// Routes:
//   - POST /login    → identity handler Login (throttled)
//   - POST /refresh  → identity handler Refresh (throttled)
//   - POST /logout   → identity handler Logout (bearer)
//   - GET  /me       → identity handler Me (bearer)
//   - GET  /health   → health handler
func NewRouter(deps HTTPDeps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	if err := middleware.TrustProxies(r, deps.TrustedProxies); err != nil {
		logger.Error("invalid trusted proxies, ignoring forwarding headers", zap.Error(err))
		_ = middleware.TrustProxies(r, nil)
	}
	r.Use(gin.Recovery())
	if deps.ServiceName != "" {
		r.Use(otelgin.Middleware(deps.ServiceName))
	}
	r.Use(middleware.RequestLogger(logger, map[string]bool{"/health": true}))

	r.POST("/login", deps.Auth.Login)
	r.POST("/refresh", deps.Auth.Refresh)

	authed := r.Group("/", middleware.BearerAuth(deps.Authenticator, logger))
	authed.POST("/logout", deps.Auth.Logout)
	authed.GET("/me", deps.Auth.Me)

	r.GET("/health", healthhandler.HTTP(deps.Health, logger))
	return r
}

// NewHTTPHandler wraps the router with CORS.
func NewHTTPHandler(deps HTTPDeps) http.Handler {
	router := NewRouter(deps)
	if len(deps.CORSOrigins) == 0 {
		return router
	}
	c := cors.New(cors.Options{
		AllowedOrigins: deps.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{"Retry-After", middleware.RequestIDHeader},
	})
	return c.Handler(router)
}
