// Package auth owns authentication and session security for CampusLink:
// credential verification, account lockout, OTP step-up verification,
// access/refresh token issuance and revocation, and third-party identity
// linking with a one-shot token handoff.
//
// Other subsystems (chat servers, AI chat, materials) only ever see the
// sanitized PublicUser projection -- never password hashes, lockout state,
// or session lists.
package auth

import (
	"time"
)

// Role classifies an identity within the college.
type Role string

const (
	RoleStudent Role = "student"
	RoleFaculty Role = "faculty"
	RoleAdmin   Role = "admin"
)

// validRole reports whether r is one of the known roles.
func validRole(r Role) bool {
	switch r {
	case RoleStudent, RoleFaculty, RoleAdmin:
		return true
	}
	return false
}

// Provider identifies an authentication method linked to an identity.
// An identity carries a capability set of providers rather than a subtype
// per provider: has-password and has-oauth-link are independent flags.
type Provider string

const (
	ProviderLocal Provider = "local"
	ProviderOAuth Provider = "oauth"
)

// Purpose names what an OTP challenge authorizes once verified. The
// post-verification behavior is dispatched on this tag in the service.
type Purpose string

const (
	PurposeEmailVerification Purpose = "email_verification"
	PurposePhoneVerification Purpose = "phone_verification"
	PurposePasswordReset     Purpose = "password_reset"
	PurposeTwoFactor         Purpose = "two_factor"
)

// validPurpose reports whether p is one of the known OTP purposes.
func validPurpose(p Purpose) bool {
	switch p {
	case PurposeEmailVerification, PurposePhoneVerification, PurposePasswordReset, PurposeTwoFactor:
		return true
	}
	return false
}

// User is the identity record. Database scanning uses this struct directly.
// PasswordHash is non-nil iff the "local" provider is linked; ExternalID is
// non-nil iff the "oauth" provider is linked.
type User struct {
	ID                 string                 `json:"id"`
	Name               string                 `json:"name"`
	Email              string                 `json:"email"`
	PasswordHash       *string                `json:"-"` // Never expose.
	Role               Role                   `json:"role"`
	ExternalID         *string                `json:"-"` // Provider subject, never expose.
	AvatarURL          *string                `json:"avatar_url,omitempty"`
	EmailVerified      bool                   `json:"email_verified"`
	PhoneVerified      bool                   `json:"phone_verified"`
	TwoFactorEnabled   bool                   `json:"two_factor_enabled"`
	MustChangePassword bool                   `json:"-"`
	FailedAttempts     int                    `json:"-"`
	LockUntil          *time.Time             `json:"-"`
	PasswordHistory    []PasswordHistoryEntry `json:"-"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// PasswordHistoryEntry records a superseded password hash. History is
// stored (capped at the 5 most recent) but reuse is not currently rejected.
type PasswordHistoryEntry struct {
	Hash      string    `json:"hash"`
	ChangedAt time.Time `json:"changed_at"`
}

// HasPassword reports whether the local provider is linked.
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// OAuthLinked reports whether a third-party identity is linked.
func (u *User) OAuthLinked() bool {
	return u.ExternalID != nil && *u.ExternalID != ""
}

// Providers returns the linked authentication methods.
func (u *User) Providers() []Provider {
	var out []Provider
	if u.HasPassword() {
		out = append(out, ProviderLocal)
	}
	if u.OAuthLinked() {
		out = append(out, ProviderOAuth)
	}
	return out
}

// Locked reports whether the account is inside an active lock window.
// A lock_until in the past means unlocked -- no sweeper required.
func (u *User) Locked(now time.Time) bool {
	return u.LockUntil != nil && now.Before(*u.LockUntil)
}

// Sanitized returns the projection of this identity that the chat and
// materials subsystems are allowed to see.
func (u *User) Sanitized() *PublicUser {
	return &PublicUser{
		ID:               u.ID,
		Name:             u.Name,
		Email:            u.Email,
		Role:             u.Role,
		AvatarURL:        u.AvatarURL,
		EmailVerified:    u.EmailVerified,
		PhoneVerified:    u.PhoneVerified,
		TwoFactorEnabled: u.TwoFactorEnabled,
		Providers:        u.Providers(),
	}
}

// PublicUser is the sanitized identity projection. This is the only user
// shape that leaves the auth module in API responses.
type PublicUser struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Email            string     `json:"email"`
	Role             Role       `json:"role"`
	AvatarURL        *string    `json:"avatarUrl,omitempty"`
	EmailVerified    bool       `json:"emailVerified"`
	PhoneVerified    bool       `json:"phoneVerified"`
	TwoFactorEnabled bool       `json:"twoFactorEnabled"`
	Providers        []Provider `json:"providers"`
}

// SessionInfo describes one live device session (one issued refresh token).
type SessionInfo struct {
	TokenID   string    `json:"tokenId"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// LoginMetadata carries per-request device details into session entries and
// the security-event log.
type LoginMetadata struct {
	IP        string
	UserAgent string
}

// --- Request DTOs (bound from HTTP requests) ---

// RegisterRequest holds the registration payload.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     Role   `json:"role,omitempty"`
}

// LoginRequest holds the login payload.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SendOTPRequest asks for a fresh one-time code for the given purpose.
// Delivery is email-only: codes for every purpose, phone_verification
// included, go to the account's email address. Number is accepted so the
// client payload keeps its shape, but no SMS transport exists.
type SendOTPRequest struct {
	Purpose Purpose `json:"purpose"`
	Email   string  `json:"email,omitempty"`
	Number  string  `json:"number,omitempty"`
}

// VerifyOTPRequest submits a candidate code against a live challenge.
type VerifyOTPRequest struct {
	VerificationID string `json:"verificationId"`
	OTP            string `json:"otp"`
}

// ChangePasswordRequest sets a new password after a password_reset OTP
// verification granted permission.
type ChangePasswordRequest struct {
	UserID      string `json:"userId"`
	NewPassword string `json:"newPassword"`
}

// RefreshRequest exchanges a refresh token for a fresh access token.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// LogoutRequest revokes the session behind one refresh token.
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// ExchangeRequest redeems a one-shot OAuth handoff code for tokens.
type ExchangeRequest struct {
	Code string `json:"code"`
}

// LinkRequest links a third-party identity to the authenticated account.
// Code is the provider authorization code from the client-side dance.
type LinkRequest struct {
	Code string `json:"code"`
}

// --- Response DTOs ---

// AuthResponse is the terminal success payload: sanitized user plus a
// fresh token pair. Exactly one device session exists per refresh token.
type AuthResponse struct {
	User         *PublicUser `json:"user"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
}

// LoginResponse is either a terminal AuthResponse or, when 2FA is on, just
// the verification id of the emailed challenge -- never both.
type LoginResponse struct {
	*AuthResponse
	VerificationID string `json:"verificationId,omitempty"`
}

// OTPResponse acknowledges a dispatched challenge.
type OTPResponse struct {
	VerificationID string `json:"verificationId"`
}

// VerifyOTPResult is the purpose-tagged outcome of a successful OTP
// verification. Exactly one of the optional fields is populated, keyed by
// Purpose.
type VerifyOTPResult struct {
	Purpose Purpose `json:"purpose"`

	// Auth is set for two_factor: the completed login.
	Auth *AuthResponse `json:"auth,omitempty"`

	// User is set for email_verification / phone_verification: the
	// updated identity.
	User *PublicUser `json:"user,omitempty"`

	// ResetGranted is set for password_reset: change-password may now be
	// called for this subject within the grant window.
	ResetGranted bool   `json:"resetGranted,omitempty"`
	UserID       string `json:"userId,omitempty"`
}
