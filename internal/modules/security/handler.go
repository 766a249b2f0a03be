package security

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/campuslink/campuslink/internal/apperror"
)

// defaultHistoryLimit caps how many events one request returns.
const defaultHistoryLimit = 50

// Handler serves the authenticated identity's own security timeline.
type Handler struct {
	repo EventRepository

	// userID resolves the authenticated user from the request context.
	// Injected so this package does not depend on the auth module.
	userID func(echo.Context) string
}

// NewHandler creates the security-event handler.
func NewHandler(repo EventRepository, userID func(echo.Context) string) *Handler {
	return &Handler{repo: repo, userID: userID}
}

// History handles GET /api/auth/security-events: the caller's recent
// logins, lockouts, and account changes, newest first.
func (h *Handler) History(c echo.Context) error {
	userID := h.userID(c)
	if userID == "" {
		return apperror.NewUnauthorized("authentication required")
	}

	limit := defaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > defaultHistoryLimit {
			return apperror.NewValidation("limit must be between 1 and 50")
		}
		limit = n
	}

	events, err := h.repo.ListByUser(c.Request().Context(), userID, limit)
	if err != nil {
		return apperror.NewInternal(err)
	}

	return c.JSON(http.StatusOK, map[string]any{"events": events})
}
