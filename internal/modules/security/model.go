// Package security records authentication security events: the login
// history the identity record promises, plus lockouts, password changes,
// and provider links. Recording is fire-and-forget from the auth flows --
// a failed insert never fails a login.
package security

import "time"

// Event type constants follow the "resource.verb" pattern so history views
// can filter and group consistently.
const (
	EventLoginSuccess    = "login.success"
	EventLoginFailed     = "login.failed"
	EventAccountLocked   = "account.locked"
	EventLogout          = "logout"
	EventLogoutAll       = "logout.all"
	EventPasswordChanged = "password.changed"
	EventOAuthLogin      = "oauth.login"
	EventOAuthLinked     = "oauth.linked"
	EventOAuthUnlinked   = "oauth.unlinked"
)

// Event is a single security event on an identity's timeline.
type Event struct {
	ID        int64          `json:"id"`
	EventType string         `json:"eventType"`
	UserID    string         `json:"userId,omitempty"`
	IPAddress string         `json:"ipAddress"`
	UserAgent string         `json:"userAgent,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
