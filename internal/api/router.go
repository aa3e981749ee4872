package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/clinicore/clinicore/internal/auth"
	"github.com/clinicore/clinicore/internal/handlers"
	"github.com/clinicore/clinicore/internal/middleware"
)

// Options tunes router-level behaviour.
type Options struct {
	// RequestsPerMinute bounds each client IP per route. Zero disables
	// the limiter.
	RequestsPerMinute int
	// StrictLimitPerMinute applies to the credential-guessing surface
	// (login, password reset, two-factor).
	StrictLimitPerMinute int
	// ExposeMetrics mounts the Prometheus endpoint at /metrics.
	ExposeMetrics bool
}

// NewRouter builds the Gin engine, wires the middleware chain and
// registers the authentication routes under /api/v1/auth.
func NewRouter(db *gorm.DB, authService *iauth.Service, jwt *iauth.JWTService, opts Options) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if authService == nil {
		return nil, fmt.Errorf("auth service must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}

	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 120
	}
	if opts.StrictLimitPerMinute <= 0 {
		opts.StrictLimitPerMinute = 10
	}

	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.RateLimit(opts.RequestsPerMinute, 0))
	r.NoRoute(middleware.NotFoundHandler)

	r.GET("/health", handlers.Health(db))
	if opts.ExposeMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	authHandler := handlers.NewAuthHandler(authService)
	strict := middleware.RateLimit(opts.StrictLimitPerMinute, 0)

	public := r.Group("/api/v1/auth")
	{
		public.POST("/register", strict, authHandler.Register)
		public.POST("/verify-email", strict, authHandler.VerifyEmail)
		public.POST("/resend-verification", strict, authHandler.ResendVerification)
		public.POST("/login", strict, authHandler.Login)
		public.POST("/login/2fa", strict, authHandler.CompleteTwoFactorLogin)
		public.POST("/refresh", authHandler.Refresh)
		public.POST("/forgot-password", strict, authHandler.ForgotPassword)
		public.POST("/reset-password", strict, authHandler.ResetPassword)
		public.POST("/check-email", authHandler.CheckEmail)
	}

	requireAuth := middleware.Auth(jwt)
	private := r.Group("/api/v1/auth")
	private.Use(requireAuth)
	{
		private.GET("/me", authHandler.Me)
		private.POST("/logout", authHandler.Logout)
		private.GET("/sessions", authHandler.ListSessions)
		private.DELETE("/sessions/:id", authHandler.TerminateSession)
		private.POST("/change-password", authHandler.ChangePassword)
		private.POST("/2fa/setup", authHandler.SetupTwoFactor)
		private.POST("/2fa/enable", authHandler.EnableTwoFactor)
		private.POST("/2fa/disable", authHandler.DisableTwoFactor)
	}

	return r, nil
}
