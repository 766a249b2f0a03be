package auth

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/campuslink/campuslink/internal/apperror"
)

// Handler handles HTTP requests for authentication. Handlers are thin: they
// bind the request, call the service, and render JSON. No business logic
// lives here.
type Handler struct {
	service     AuthService
	frontendURL string
}

// NewHandler creates a new auth handler with the given service. frontendURL
// is where the OAuth callback redirects with the one-shot handoff code.
func NewHandler(service AuthService, frontendURL string) *Handler {
	return &Handler{service: service, frontendURL: frontendURL}
}

// requestMeta extracts device details for session entries and the security
// event log. RealIP respects the trusted-proxy configuration.
func requestMeta(c echo.Context) LoginMetadata {
	return LoginMetadata{
		IP:        c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	}
}

// Register handles POST /api/auth/register.
func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	resp, err := h.service.Register(c.Request().Context(), req, requestMeta(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, resp)
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	resp, err := h.service.Login(c.Request().Context(), req, requestMeta(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, resp)
}

// SendOTP handles POST /api/auth/send-otp.
func (h *Handler) SendOTP(c echo.Context) error {
	var req SendOTPRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	resp, err := h.service.SendOTP(c.Request().Context(), req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, resp)
}

// VerifyOTP handles POST /api/auth/verify-otp.
func (h *Handler) VerifyOTP(c echo.Context) error {
	var req VerifyOTPRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	result, err := h.service.VerifyOTP(c.Request().Context(), req, requestMeta(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// ChangePassword handles POST /api/auth/change-password.
func (h *Handler) ChangePassword(c echo.Context) error {
	var req ChangePasswordRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	if err := h.service.ChangePassword(c.Request().Context(), req); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "password changed"})
}

// Refresh handles POST /api/auth/refresh-token.
func (h *Handler) Refresh(c echo.Context) error {
	var req RefreshRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	access, err := h.service.Refresh(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"accessToken": access})
}

// Logout handles POST /api/auth/logout. It revokes the single session
// behind the presented refresh token.
func (h *Handler) Logout(c echo.Context) error {
	var req LogoutRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	if err := h.service.Logout(c.Request().Context(), req.RefreshToken, requestMeta(c)); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "logged out"})
}

// LogoutAll handles POST /api/auth/logout-all. Requires authentication.
func (h *Handler) LogoutAll(c echo.Context) error {
	revoked, err := h.service.LogoutAll(c.Request().Context(), GetUserID(c), requestMeta(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"message": "all sessions revoked",
		"revoked": revoked,
	})
}

// Me handles GET /api/auth/me. Requires authentication.
func (h *Handler) Me(c echo.Context) error {
	user, err := h.service.GetUser(c.Request().Context(), GetUserID(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, user)
}

// Sessions handles GET /api/auth/sessions. Requires authentication.
func (h *Handler) Sessions(c echo.Context) error {
	sessions, err := h.service.Sessions(c.Request().Context(), GetUserID(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

// OAuthStart handles GET /api/auth/oauth/start: redirects to the provider's
// consent screen with a fresh state parameter.
func (h *Handler) OAuthStart(c echo.Context) error {
	redirectURL, err := h.service.OAuthStart(c.Request().Context())
	if err != nil {
		return err
	}

	return c.Redirect(http.StatusFound, redirectURL)
}

// OAuthCallback handles GET /api/auth/oauth/callback. On success the browser
// is redirected to the frontend with only a one-shot handoff code in the
// query string -- tokens never ride a redirect URL.
func (h *Handler) OAuthCallback(c echo.Context) error {
	state := c.QueryParam("state")
	code := c.QueryParam("code")
	if state == "" || code == "" {
		return apperror.NewBadRequest("missing state or code")
	}

	handoffCode, err := h.service.OAuthCallback(c.Request().Context(), state, code, requestMeta(c))
	if err != nil {
		return err
	}

	target := h.frontendURL + "/oauth/complete?code=" + url.QueryEscape(handoffCode)
	return c.Redirect(http.StatusFound, target)
}

// OAuthExchange handles POST /api/auth/oauth/exchange: redeems the handoff
// code exactly once for the parked token pair.
func (h *Handler) OAuthExchange(c echo.Context) error {
	var req ExchangeRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	resp, err := h.service.OAuthExchange(c.Request().Context(), req.Code)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, resp)
}

// OAuthLink handles POST /api/auth/oauth/link. Requires authentication.
func (h *Handler) OAuthLink(c echo.Context) error {
	var req LinkRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	if err := h.service.LinkOAuth(c.Request().Context(), GetUserID(c), req.Code, requestMeta(c)); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "provider linked"})
}

// OAuthUnlink handles POST /api/auth/oauth/unlink. Requires authentication.
func (h *Handler) OAuthUnlink(c echo.Context) error {
	if err := h.service.UnlinkOAuth(c.Request().Context(), GetUserID(c), requestMeta(c)); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "provider unlinked"})
}
