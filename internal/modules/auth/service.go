package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/campuslink/campuslink/internal/apperror"
	"github.com/campuslink/campuslink/internal/config"
	"github.com/campuslink/campuslink/internal/modules/mailer"
	"github.com/campuslink/campuslink/internal/modules/security"
	"github.com/campuslink/campuslink/internal/sanitize"
)

// passwordHistoryCap bounds the stored history list. Reuse against it is
// not currently enforced.
const passwordHistoryCap = 5

// invalidCredentialsMsg is deliberately identical for unknown email, wrong
// password, and password-less accounts, so responses don't reveal which.
const invalidCredentialsMsg = "invalid email or password"

// AuthService defines the business logic contract for authentication.
// Handlers call these methods -- they never touch the repositories or
// stores directly.
type AuthService interface {
	Register(ctx context.Context, input RegisterRequest, meta LoginMetadata) (*AuthResponse, error)
	Login(ctx context.Context, input LoginRequest, meta LoginMetadata) (*LoginResponse, error)
	SendOTP(ctx context.Context, input SendOTPRequest) (*OTPResponse, error)
	VerifyOTP(ctx context.Context, input VerifyOTPRequest, meta LoginMetadata) (*VerifyOTPResult, error)
	ChangePassword(ctx context.Context, input ChangePasswordRequest) error
	Refresh(ctx context.Context, refreshToken string) (string, error)
	Logout(ctx context.Context, refreshToken string, meta LoginMetadata) error
	LogoutAll(ctx context.Context, userID string, meta LoginMetadata) (int, error)
	Sessions(ctx context.Context, userID string) ([]SessionInfo, error)
	GetUser(ctx context.Context, userID string) (*PublicUser, error)

	// DecodeAccess validates a bearer token for the auth middleware.
	DecodeAccess(token string) (*Claims, error)

	// OAuth bridge.
	OAuthStart(ctx context.Context) (string, error)
	OAuthCallback(ctx context.Context, state, code string, meta LoginMetadata) (string, error)
	OAuthExchange(ctx context.Context, code string) (*AuthResponse, error)
	LinkOAuth(ctx context.Context, userID, providerCode string, meta LoginMetadata) error
	UnlinkOAuth(ctx context.Context, userID string, meta LoginMetadata) error
}

// authService implements AuthService by orchestrating the credential
// repository, lockout policy, OTP service, token issuer, session store,
// and OAuth bridge.
type authService struct {
	repo     UserRepository
	otp      *OTPService
	tokens   *TokenIssuer
	sessions *SessionStore
	handoff  *HandoffStore
	provider OAuthProvider
	mail     mailer.MailService
	events   security.Recorder
	cfg      config.AuthConfig
}

// NewAuthService creates the auth facade with the given dependencies.
// provider may be nil when OAuth is not configured.
func NewAuthService(
	repo UserRepository,
	otp *OTPService,
	tokens *TokenIssuer,
	sessions *SessionStore,
	handoff *HandoffStore,
	provider OAuthProvider,
	mail mailer.MailService,
	events security.Recorder,
	cfg config.AuthConfig,
) AuthService {
	return &authService{
		repo:     repo,
		otp:      otp,
		tokens:   tokens,
		sessions: sessions,
		handoff:  handoff,
		provider: provider,
		mail:     mail,
		events:   events,
		cfg:      cfg,
	}
}

// --- Registration ---

// Register creates a new local identity. Two-factor is on by default for
// every new account; an email-verification code is dispatched immediately.
func (s *authService) Register(ctx context.Context, input RegisterRequest, meta LoginMetadata) (*AuthResponse, error) {
	name := sanitize.DisplayName(input.Name)
	if name == "" {
		return nil, apperror.NewValidation("name is required")
	}
	if len(input.Password) < 8 {
		return nil, apperror.NewValidation("password must be at least 8 characters")
	}

	email, err := s.normalizeEmail(input.Email)
	if err != nil {
		return nil, err
	}

	role := input.Role
	if role == "" {
		role = RoleStudent
	}
	if !validRole(role) {
		return nil, apperror.NewValidation("unknown role")
	}

	// Check for duplicates before doing expensive hashing.
	exists, err := s.repo.EmailExists(ctx, email)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("checking email: %w", err))
	}
	if exists {
		return nil, apperror.NewConflict("an account with this email already exists")
	}

	hash, err := hashSecret(input.Password)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("hashing password: %w", err))
	}

	now := time.Now().UTC()
	user := &User{
		ID:               uuid.NewString(),
		Name:             name,
		Email:            email,
		PasswordHash:     &hash,
		Role:             role,
		TwoFactorEnabled: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.repo.Create(ctx, user); err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperror.NewInternal(fmt.Errorf("creating user: %w", err))
	}

	// Dispatch the email-verification code; registration never blocks on it.
	if challengeID, code, err := s.otp.CreateChallenge(ctx, user.ID, PurposeEmailVerification); err != nil {
		slog.Warn("failed to create verification challenge",
			slog.String("user_id", user.ID),
			slog.Any("error", err),
		)
	} else {
		s.dispatchChallengeMail(user.Email, PurposeEmailVerification, code)
		slog.Debug("verification challenge created", slog.String("challenge_id", challengeID))
	}

	resp, err := s.issueTokens(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	slog.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
		slog.String("role", string(user.Role)),
	)

	return resp, nil
}

// --- Login ---

// Login authenticates by email and password. With 2FA off the response is
// terminal (tokens + session); with 2FA on only a verification id leaves
// the server and the login completes in VerifyOTP.
func (s *authService) Login(ctx context.Context, input LoginRequest, meta LoginMetadata) (*LoginResponse, error) {
	email, err := s.normalizeEmail(input.Email)
	if err != nil {
		return nil, apperror.NewBadRequest(invalidCredentialsMsg)
	}

	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if apperror.SafeCode(err) == 404 {
			return nil, apperror.NewBadRequest(invalidCredentialsMsg)
		}
		return nil, apperror.NewInternal(fmt.Errorf("finding user: %w", err))
	}

	// Lock window check comes first: even the correct password is rejected
	// while the account is locked.
	if user.Locked(time.Now()) {
		return nil, apperror.NewBadRequest("account is temporarily locked, try again later")
	}

	if !user.HasPassword() || !verifySecret(input.Password, *user.PasswordHash) {
		return nil, s.handleFailedLogin(ctx, user, meta)
	}

	if err := s.repo.ResetLoginState(ctx, user.ID); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("resetting login state: %w", err))
	}

	if user.TwoFactorEnabled {
		challengeID, code, err := s.otp.CreateChallenge(ctx, user.ID, PurposeTwoFactor)
		if err != nil {
			return nil, apperror.NewInternal(fmt.Errorf("creating 2fa challenge: %w", err))
		}
		s.dispatchChallengeMail(user.Email, PurposeTwoFactor, code)

		slog.Info("2fa challenge issued", slog.String("user_id", user.ID))
		return &LoginResponse{VerificationID: challengeID}, nil
	}

	resp, err := s.issueTokens(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	s.events.Record(ctx, security.EventLoginSuccess, user.ID, meta.IP, meta.UserAgent, nil)
	slog.Info("user logged in", slog.String("user_id", user.ID))

	return &LoginResponse{AuthResponse: resp}, nil
}

// handleFailedLogin applies the lockout counter transition and builds the
// rejection. The attempt that trips the threshold still reports a plain
// credential mismatch -- the lock announces itself on the next request.
func (s *authService) handleFailedLogin(ctx context.Context, user *User, meta LoginMetadata) error {
	refreshed, err := s.repo.RecordFailedAttempt(ctx, user.ID, s.cfg.MaxLoginAttempts, s.cfg.LockDuration)
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("recording failed attempt: %w", err))
	}

	s.events.Record(ctx, security.EventLoginFailed, user.ID, meta.IP, meta.UserAgent, nil)

	if refreshed.Locked(time.Now()) && !user.Locked(time.Now()) {
		s.events.Record(ctx, security.EventAccountLocked, user.ID, meta.IP, meta.UserAgent,
			map[string]any{"lock_until": refreshed.LockUntil})
		slog.Warn("account locked after repeated failures",
			slog.String("user_id", user.ID),
			slog.String("ip", meta.IP),
		)
	}

	return apperror.NewBadRequest(invalidCredentialsMsg)
}

// --- OTP ---

// SendOTP creates a fresh challenge for the given purpose and emails the
// code. Any prior live challenge for the same (subject, purpose) dies.
func (s *authService) SendOTP(ctx context.Context, input SendOTPRequest) (*OTPResponse, error) {
	if !validPurpose(input.Purpose) {
		return nil, apperror.NewValidation("unknown purpose")
	}

	email, err := s.normalizeEmail(input.Email)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if apperror.SafeCode(err) == 404 {
			return nil, apperror.NewBadRequest("no account with this email")
		}
		return nil, apperror.NewInternal(fmt.Errorf("finding user: %w", err))
	}

	challengeID, code, err := s.otp.CreateChallenge(ctx, user.ID, input.Purpose)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("creating challenge: %w", err))
	}

	s.dispatchChallengeMail(user.Email, input.Purpose, code)

	return &OTPResponse{VerificationID: challengeID}, nil
}

// VerifyOTP checks a candidate code and dispatches the purpose-specific
// follow-up: completed login for two_factor, flag flip for the verification
// purposes, a change-password grant for password_reset.
func (s *authService) VerifyOTP(ctx context.Context, input VerifyOTPRequest, meta LoginMetadata) (*VerifyOTPResult, error) {
	if input.VerificationID == "" || input.OTP == "" {
		return nil, apperror.NewValidation("verificationId and otp are required")
	}

	subjectID, purpose, err := s.otp.Verify(ctx, input.VerificationID, input.OTP)
	switch {
	case errors.Is(err, errChallengeNotFound):
		return nil, apperror.NewBadRequest("verification expired or not found")
	case errors.Is(err, errCodeMismatch):
		return nil, apperror.NewBadRequest("incorrect code")
	case errors.Is(err, errAttemptsExceeded):
		return nil, apperror.NewTooManyRequests("too many attempts, request a new code")
	case err != nil:
		return nil, apperror.NewInternal(fmt.Errorf("verifying otp: %w", err))
	}

	user, err := s.repo.FindByID(ctx, subjectID)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("loading subject: %w", err))
	}

	result := &VerifyOTPResult{Purpose: purpose}

	switch purpose {
	case PurposeTwoFactor:
		resp, err := s.issueTokens(ctx, user, meta)
		if err != nil {
			return nil, err
		}
		s.events.Record(ctx, security.EventLoginSuccess, user.ID, meta.IP, meta.UserAgent,
			map[string]any{"second_factor": true})
		slog.Info("user logged in with 2fa", slog.String("user_id", user.ID))
		result.Auth = resp

	case PurposeEmailVerification, PurposePhoneVerification:
		if err := s.repo.SetVerified(ctx, user.ID, purpose); err != nil {
			return nil, apperror.NewInternal(fmt.Errorf("setting verified flag: %w", err))
		}
		refreshed, err := s.repo.FindByID(ctx, user.ID)
		if err != nil {
			return nil, apperror.NewInternal(fmt.Errorf("reloading user: %w", err))
		}
		result.User = refreshed.Sanitized()

	case PurposePasswordReset:
		if err := s.otp.GrantPasswordReset(ctx, user.ID); err != nil {
			return nil, apperror.NewInternal(err)
		}
		result.ResetGranted = true
		result.UserID = user.ID
	}

	return result, nil
}

// --- Password change ---

// ChangePassword sets a new password. It requires a live reset grant --
// written only by a successful password_reset OTP verification -- so the
// unauthenticated endpoint cannot be used to take over accounts.
func (s *authService) ChangePassword(ctx context.Context, input ChangePasswordRequest) error {
	if len(input.NewPassword) < 8 {
		return apperror.NewValidation("password must be at least 8 characters")
	}

	granted, err := s.otp.ConsumePasswordResetGrant(ctx, input.UserID)
	if err != nil {
		return apperror.NewInternal(err)
	}
	if !granted {
		return apperror.NewBadRequest("password change not authorized, verify a reset code first")
	}

	user, err := s.repo.FindByID(ctx, input.UserID)
	if err != nil {
		if apperror.SafeCode(err) == 404 {
			return apperror.NewBadRequest("unknown user")
		}
		return apperror.NewInternal(fmt.Errorf("finding user: %w", err))
	}

	hash, err := hashSecret(input.NewPassword)
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("hashing password: %w", err))
	}

	// Retire the old hash into history, newest first, capped.
	history := user.PasswordHistory
	if user.HasPassword() {
		history = append([]PasswordHistoryEntry{{
			Hash:      *user.PasswordHash,
			ChangedAt: time.Now().UTC(),
		}}, history...)
		if len(history) > passwordHistoryCap {
			history = history[:passwordHistoryCap]
		}
	}

	if err := s.repo.UpdatePassword(ctx, user.ID, hash, history); err != nil {
		return apperror.NewInternal(fmt.Errorf("updating password: %w", err))
	}

	// A changed password invalidates every device session.
	if _, err := s.sessions.RevokeAll(ctx, user.ID); err != nil {
		slog.Warn("failed to revoke sessions after password change",
			slog.String("user_id", user.ID),
			slog.Any("error", err),
		)
	}

	s.events.Record(ctx, security.EventPasswordChanged, user.ID, "", "", nil)
	s.dispatchMail(user.Email, "Your CampusLink password was changed",
		"Your password was just changed. If this wasn't you, contact support immediately.")

	slog.Info("password changed", slog.String("user_id", user.ID))
	return nil
}

// --- Token lifecycle ---

// Refresh validates a refresh token against both its signature and the
// session store, then issues a fresh access token. The session store wins:
// a revoked session kills a cryptographically valid token.
func (s *authService) Refresh(ctx context.Context, refreshToken string) (string, error) {
	claims, err := s.tokens.DecodeRefresh(refreshToken)
	if errors.Is(err, errTokenExpired) {
		return "", apperror.NewUnauthorized("refresh token expired")
	}
	if err != nil {
		return "", apperror.NewUnauthorized("invalid refresh token")
	}

	live, err := s.sessions.Has(ctx, claims.Subject, claims.ID)
	if err != nil {
		return "", apperror.NewInternal(fmt.Errorf("checking session: %w", err))
	}
	if !live {
		return "", apperror.NewForbidden("session revoked")
	}

	access, err := s.tokens.IssueAccess(claims.Subject, claims.Role)
	if err != nil {
		return "", apperror.NewInternal(fmt.Errorf("issuing access token: %w", err))
	}

	return access, nil
}

// Logout revokes the single session behind the presented refresh token.
func (s *authService) Logout(ctx context.Context, refreshToken string, meta LoginMetadata) error {
	claims, err := s.tokens.DecodeRefresh(refreshToken)
	if err != nil {
		return apperror.NewUnauthorized("invalid refresh token")
	}

	if err := s.sessions.RevokeOne(ctx, claims.Subject, claims.ID); err != nil {
		return apperror.NewInternal(fmt.Errorf("revoking session: %w", err))
	}

	s.events.Record(ctx, security.EventLogout, claims.Subject, meta.IP, meta.UserAgent, nil)
	return nil
}

// LogoutAll revokes every device session for the identity.
func (s *authService) LogoutAll(ctx context.Context, userID string, meta LoginMetadata) (int, error) {
	n, err := s.sessions.RevokeAll(ctx, userID)
	if err != nil {
		return 0, apperror.NewInternal(fmt.Errorf("revoking sessions: %w", err))
	}

	s.events.Record(ctx, security.EventLogoutAll, userID, meta.IP, meta.UserAgent,
		map[string]any{"revoked": n})
	return n, nil
}

// Sessions lists the identity's live device sessions.
func (s *authService) Sessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	sessions, err := s.sessions.List(ctx, userID)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("listing sessions: %w", err))
	}
	return sessions, nil
}

// GetUser returns the sanitized projection for /me and the other
// subsystems.
func (s *authService) GetUser(ctx context.Context, userID string) (*PublicUser, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.Sanitized(), nil
}

// DecodeAccess validates a bearer token for the auth middleware.
func (s *authService) DecodeAccess(token string) (*Claims, error) {
	claims, err := s.tokens.DecodeAccess(token)
	if errors.Is(err, errTokenExpired) {
		return nil, apperror.NewUnauthorized("access token expired")
	}
	if err != nil {
		return nil, apperror.NewUnauthorized("invalid access token")
	}
	return claims, nil
}

// --- OAuth bridge ---

// OAuthStart returns the provider redirect URL with a fresh CSRF state.
func (s *authService) OAuthStart(ctx context.Context) (string, error) {
	if s.provider == nil {
		return "", apperror.NewBadRequest("oauth sign-in is not configured")
	}

	state, err := s.handoff.IssueState(ctx)
	if err != nil {
		return "", apperror.NewInternal(err)
	}

	return s.provider.AuthCodeURL(state), nil
}

// OAuthCallback validates the provider response, finds or creates the local
// identity, issues tokens, and parks them behind a one-shot handoff code.
// Only that code is returned for the redirect.
func (s *authService) OAuthCallback(ctx context.Context, state, code string, meta LoginMetadata) (string, error) {
	if s.provider == nil {
		return "", apperror.NewBadRequest("oauth sign-in is not configured")
	}

	ok, err := s.handoff.ConsumeState(ctx, state)
	if err != nil {
		return "", apperror.NewInternal(err)
	}
	if !ok {
		return "", apperror.NewUnauthorized("invalid or expired oauth state")
	}

	assertion, err := s.provider.Exchange(ctx, code)
	if err != nil {
		slog.Warn("oauth exchange failed", slog.Any("error", err))
		return "", apperror.NewUnauthorized("provider sign-in failed")
	}

	if !s.emailDomainAllowed(assertion.Email) {
		return "", apperror.NewForbidden("this email domain is not allowed on CampusLink")
	}

	user, err := s.findOrCreateFromAssertion(ctx, assertion, meta)
	if err != nil {
		return "", err
	}

	resp, err := s.issueTokens(ctx, user, meta)
	if err != nil {
		return "", err
	}

	handoffCode, err := s.handoff.Save(ctx, resp)
	if err != nil {
		return "", apperror.NewInternal(err)
	}

	s.events.Record(ctx, security.EventOAuthLogin, user.ID, meta.IP, meta.UserAgent, nil)
	slog.Info("oauth login", slog.String("user_id", user.ID))

	return handoffCode, nil
}

// findOrCreateFromAssertion resolves the local identity for a provider
// assertion: by external id first, then by email (linking the external id
// to the existing account), else a fresh oauth-only identity.
func (s *authService) findOrCreateFromAssertion(ctx context.Context, assertion *Assertion, meta LoginMetadata) (*User, error) {
	user, err := s.repo.FindByExternalID(ctx, assertion.ExternalID)
	if err == nil {
		// Keep the avatar fresh from the provider profile.
		if assertion.AvatarURL != "" && (user.AvatarURL == nil || *user.AvatarURL != assertion.AvatarURL) {
			if err := s.repo.UpdateAvatar(ctx, user.ID, assertion.AvatarURL); err != nil {
				slog.Warn("failed to update avatar", slog.String("user_id", user.ID), slog.Any("error", err))
			} else {
				user.AvatarURL = &assertion.AvatarURL
			}
		}
		return user, nil
	}
	if apperror.SafeCode(err) != 404 {
		return nil, apperror.NewInternal(fmt.Errorf("finding user by external id: %w", err))
	}

	user, err = s.repo.FindByEmail(ctx, assertion.Email)
	if err == nil {
		// Same campus address, first provider sign-in: link it.
		if err := s.repo.LinkExternalID(ctx, user.ID, assertion.ExternalID); err != nil {
			return nil, err
		}
		s.events.Record(ctx, security.EventOAuthLinked, user.ID, meta.IP, meta.UserAgent, nil)
		return s.repo.FindByID(ctx, user.ID)
	}
	if apperror.SafeCode(err) != 404 {
		return nil, apperror.NewInternal(fmt.Errorf("finding user by email: %w", err))
	}

	name := sanitize.DisplayName(assertion.Name)
	if name == "" {
		name = strings.SplitN(assertion.Email, "@", 2)[0]
	}

	now := time.Now().UTC()
	user = &User{
		ID:               uuid.NewString(),
		Name:             name,
		Email:            assertion.Email,
		Role:             RoleStudent,
		ExternalID:       &assertion.ExternalID,
		EmailVerified:    assertion.EmailVerified,
		TwoFactorEnabled: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if assertion.AvatarURL != "" {
		user.AvatarURL = &assertion.AvatarURL
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("creating oauth user: %w", err))
	}

	slog.Info("user created from oauth",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
	)

	return user, nil
}

// OAuthExchange redeems a handoff code exactly once.
func (s *authService) OAuthExchange(ctx context.Context, code string) (*AuthResponse, error) {
	if code == "" {
		return nil, apperror.NewValidation("code is required")
	}

	bundle, err := s.handoff.Consume(ctx, code)
	if errors.Is(err, errHandoffNotFound) {
		return nil, apperror.NewUnauthorized("code expired or already used")
	}
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	return bundle, nil
}

// LinkOAuth attaches a provider identity to the authenticated account. The
// asserted email must match the account's email.
func (s *authService) LinkOAuth(ctx context.Context, userID, providerCode string, meta LoginMetadata) error {
	if s.provider == nil {
		return apperror.NewBadRequest("oauth sign-in is not configured")
	}

	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.OAuthLinked() {
		return apperror.NewConflict("a provider account is already linked")
	}

	assertion, err := s.provider.Exchange(ctx, providerCode)
	if err != nil {
		slog.Warn("oauth link exchange failed", slog.Any("error", err))
		return apperror.NewUnauthorized("provider sign-in failed")
	}

	if assertion.Email != user.Email {
		return apperror.NewBadRequest("provider email does not match your account email")
	}

	if other, err := s.repo.FindByExternalID(ctx, assertion.ExternalID); err == nil && other.ID != user.ID {
		return apperror.NewConflict("this provider account is already linked to another user")
	}

	if err := s.repo.LinkExternalID(ctx, user.ID, assertion.ExternalID); err != nil {
		return err
	}

	s.events.Record(ctx, security.EventOAuthLinked, user.ID, meta.IP, meta.UserAgent, nil)
	return nil
}

// UnlinkOAuth removes the provider link. Refused when it would leave the
// account with no way to authenticate.
func (s *authService) UnlinkOAuth(ctx context.Context, userID string, meta LoginMetadata) error {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.OAuthLinked() {
		return apperror.NewBadRequest("no provider account is linked")
	}
	if !user.HasPassword() {
		return apperror.NewPreconditionFailed("set a password before unlinking your only sign-in method")
	}

	if err := s.repo.UnlinkExternalID(ctx, user.ID); err != nil {
		return err
	}

	s.events.Record(ctx, security.EventOAuthUnlinked, user.ID, meta.IP, meta.UserAgent, nil)
	return nil
}

// --- Helpers ---

// issueTokens signs an access/refresh pair and appends the device session
// keyed by the refresh token id.
func (s *authService) issueTokens(ctx context.Context, user *User, meta LoginMetadata) (*AuthResponse, error) {
	access, err := s.tokens.IssueAccess(user.ID, user.Role)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("issuing access token: %w", err))
	}

	refresh, tokenID, err := s.tokens.IssueRefresh(user.ID, user.Role)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("issuing refresh token: %w", err))
	}

	if err := s.sessions.Add(ctx, user.ID, tokenID, meta); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("storing session: %w", err))
	}

	return &AuthResponse{
		User:         user.Sanitized(),
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}

// normalizeEmail lowercases, trims, and applies the campus domain policy.
func (s *authService) normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", apperror.NewValidation("invalid email address")
	}
	if !s.emailDomainAllowed(email) {
		return "", apperror.NewValidation("email must use a campus domain")
	}
	return email, nil
}

// emailDomainAllowed checks the address against the configured campus
// domains. An empty allow-list allows everything.
func (s *authService) emailDomainAllowed(email string) bool {
	if len(s.cfg.AllowedEmailDomains) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := email[at+1:]
	for _, allowed := range s.cfg.AllowedEmailDomains {
		if domain == allowed || strings.HasSuffix(domain, "."+allowed) {
			return true
		}
	}
	return false
}

// dispatchChallengeMail emails a fresh OTP code without blocking the
// request. The plaintext code exists only in this message.
func (s *authService) dispatchChallengeMail(email string, purpose Purpose, code string) {
	var subject, intro string
	switch purpose {
	case PurposeTwoFactor:
		subject = "Your CampusLink sign-in code"
		intro = "Use this code to finish signing in"
	case PurposePasswordReset:
		subject = "Reset your CampusLink password"
		intro = "Use this code to reset your password"
	case PurposePhoneVerification:
		subject = "Verify your phone number"
		intro = "Use this code to verify your phone number"
	default:
		subject = "Verify your CampusLink email"
		intro = "Use this code to verify your email address"
	}

	body := fmt.Sprintf("%s: %s\n\nThe code expires in %d minutes. If you didn't request it, ignore this message.",
		intro, code, int(s.cfg.OTPTTL.Minutes()))

	s.dispatchMail(email, subject, body)
}

// dispatchMail sends fire-and-forget, detached from the request context.
func (s *authService) dispatchMail(to, subject, body string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := s.mail.Send(ctx, to, subject, body); err != nil {
			slog.Warn("failed to send mail",
				slog.String("to", to),
				slog.String("subject", subject),
				slog.Any("error", err),
			)
		}
	}()
}
