package auth

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/campuslink/campuslink/internal/apperror"
)

// Context keys for storing the authenticated identity in Echo context.
// Other modules use the exported getters below rather than these keys.
const (
	contextKeyUserID = "auth_user_id"
	contextKeyRole   = "auth_role"
)

// RequireAuth returns middleware that validates the Authorization bearer
// token and injects the identity into the request context. Access tokens
// are validated by signature and expiry only; the session store governs
// refresh, not individual requests.
func RequireAuth(service AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := bearerToken(c)
			if token == "" {
				return apperror.NewUnauthorized("authentication required")
			}

			claims, err := service.DecodeAccess(token)
			if err != nil {
				return err
			}

			c.Set(contextKeyUserID, claims.Subject)
			c.Set(contextKeyRole, claims.Role)

			return next(c)
		}
	}
}

// RequireRole returns middleware that restricts a route group to the given
// roles. Must run after RequireAuth.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role := GetRole(c)
			for _, r := range roles {
				if role == r {
					return next(c)
				}
			}
			return apperror.NewForbidden("insufficient permissions")
		}
	}
}

// --- Exported getters for other modules ---

// GetUserID retrieves the authenticated user's ID from the Echo context.
// Returns empty string if the request is not authenticated.
func GetUserID(c echo.Context) string {
	id, ok := c.Get(contextKeyUserID).(string)
	if !ok {
		return ""
	}
	return id
}

// GetRole retrieves the authenticated user's role from the Echo context.
func GetRole(c echo.Context) Role {
	role, ok := c.Get(contextKeyRole).(Role)
	if !ok {
		return ""
	}
	return role
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
