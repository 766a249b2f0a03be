package auth

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/campuslink/campuslink/internal/middleware"
)

// RegisterRoutes sets up the auth API under /api/auth. The credential and
// OTP endpoints are rate-limited per IP to slow brute-force and credential
// stuffing; the account lockout counter is the real backstop.
func RegisterRoutes(e *echo.Echo, h *Handler, service AuthService) {
	g := e.Group("/api/auth")

	// Public endpoints.
	g.POST("/register", h.Register, middleware.RateLimit(5, time.Minute))
	g.POST("/login", h.Login, middleware.RateLimit(10, time.Minute))
	g.POST("/send-otp", h.SendOTP, middleware.RateLimit(5, time.Minute))
	g.POST("/verify-otp", h.VerifyOTP, middleware.RateLimit(15, time.Minute))
	g.POST("/change-password", h.ChangePassword, middleware.RateLimit(5, time.Minute))
	g.POST("/refresh-token", h.Refresh)

	// OAuth bridge.
	g.GET("/oauth/start", h.OAuthStart)
	g.GET("/oauth/callback", h.OAuthCallback)
	g.POST("/oauth/exchange", h.OAuthExchange, middleware.RateLimit(10, time.Minute))

	// Authenticated endpoints.
	authed := g.Group("", RequireAuth(service))
	authed.GET("/me", h.Me)
	authed.GET("/sessions", h.Sessions)
	authed.POST("/logout", h.Logout)
	authed.POST("/logout-all", h.LogoutAll)
	authed.POST("/oauth/link", h.OAuthLink)
	authed.POST("/oauth/unlink", h.OAuthUnlink)
}
