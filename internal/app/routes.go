package app

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/campuslink/campuslink/internal/modules/auth"
	"github.com/campuslink/campuslink/internal/modules/mailer"
	"github.com/campuslink/campuslink/internal/modules/security"
)

// RegisterRoutes wires every module and registers its routes on the Echo
// instance. This is the single place where module dependencies are
// constructed.
func (a *App) RegisterRoutes() {
	// Health check for container orchestrators and load balancers.
	a.Echo.GET("/healthz", a.healthz)

	// Security event log, used by the auth flows.
	eventRepo := security.NewEventRepository(a.DB)
	recorder := security.NewRecorder(eventRepo)

	// Outbound mail for OTP codes and notifications.
	mail := mailer.New(a.Config.SMTP)

	// Auth module.
	authCfg := a.Config.Auth
	userRepo := auth.NewUserRepository(a.DB)
	otpService := auth.NewOTPService(a.Redis, authCfg.OTPTTL, authCfg.MaxOTPAttempts)
	tokenIssuer := auth.NewTokenIssuer(
		authCfg.AccessSecret, authCfg.RefreshSecret,
		authCfg.AccessTTL, authCfg.RefreshTTL,
	)
	sessionStore := auth.NewSessionStore(a.Redis, authCfg.RefreshTTL)
	handoffStore := auth.NewHandoffStore(a.Redis, authCfg.HandoffTTL)

	// The provider stays nil when OAuth is unconfigured; the service
	// rejects the oauth endpoints in that case.
	var provider auth.OAuthProvider
	if a.Config.OAuth.Enabled() {
		provider = auth.NewOAuthProvider(a.Config.OAuth)
	}

	authService := auth.NewAuthService(
		userRepo, otpService, tokenIssuer, sessionStore, handoffStore,
		provider, mail, recorder, authCfg,
	)
	authHandler := auth.NewHandler(authService, a.Config.FrontendURL)
	auth.RegisterRoutes(a.Echo, authHandler, authService)

	// Per-identity security timeline, behind the same bearer middleware.
	securityHandler := security.NewHandler(eventRepo, auth.GetUserID)
	a.Echo.GET("/api/auth/security-events", securityHandler.History, auth.RequireAuth(authService))
}

// healthz reports liveness of the server and its backing stores.
func (a *App) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"database": "ok", "redis": "ok"}

	if err := a.DB.PingContext(ctx); err != nil {
		checks["database"] = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = "unreachable"
		status = http.StatusServiceUnavailable
	}

	return c.JSON(status, checks)
}
