package auth

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/campuslink/campuslink/internal/apperror"
	"github.com/campuslink/campuslink/internal/config"
)

// --- Mock repository ---

// mockUserRepo implements UserRepository for testing.
type mockUserRepo struct {
	createFn              func(ctx context.Context, user *User) error
	findByIDFn            func(ctx context.Context, id string) (*User, error)
	findByEmailFn         func(ctx context.Context, email string) (*User, error)
	findByExternalIDFn    func(ctx context.Context, externalID string) (*User, error)
	emailExistsFn         func(ctx context.Context, email string) (bool, error)
	recordFailedAttemptFn func(ctx context.Context, id string, threshold int, lockFor time.Duration) (*User, error)
	resetLoginStateFn     func(ctx context.Context, id string) error
	updatePasswordFn      func(ctx context.Context, id, passwordHash string, history []PasswordHistoryEntry) error
	setVerifiedFn         func(ctx context.Context, id string, purpose Purpose) error
	linkExternalIDFn      func(ctx context.Context, id, externalID string) error
	unlinkExternalIDFn    func(ctx context.Context, id string) error
	updateAvatarFn        func(ctx context.Context, id, avatarURL string) error
}

func (m *mockUserRepo) Create(ctx context.Context, user *User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockUserRepo) FindByExternalID(ctx context.Context, externalID string) (*User, error) {
	if m.findByExternalIDFn != nil {
		return m.findByExternalIDFn(ctx, externalID)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockUserRepo) EmailExists(ctx context.Context, email string) (bool, error) {
	if m.emailExistsFn != nil {
		return m.emailExistsFn(ctx, email)
	}
	return false, nil
}

func (m *mockUserRepo) RecordFailedAttempt(ctx context.Context, id string, threshold int, lockFor time.Duration) (*User, error) {
	if m.recordFailedAttemptFn != nil {
		return m.recordFailedAttemptFn(ctx, id, threshold, lockFor)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockUserRepo) ResetLoginState(ctx context.Context, id string) error {
	if m.resetLoginStateFn != nil {
		return m.resetLoginStateFn(ctx, id)
	}
	return nil
}

func (m *mockUserRepo) UpdatePassword(ctx context.Context, id, passwordHash string, history []PasswordHistoryEntry) error {
	if m.updatePasswordFn != nil {
		return m.updatePasswordFn(ctx, id, passwordHash, history)
	}
	return nil
}

func (m *mockUserRepo) SetVerified(ctx context.Context, id string, purpose Purpose) error {
	if m.setVerifiedFn != nil {
		return m.setVerifiedFn(ctx, id, purpose)
	}
	return nil
}

func (m *mockUserRepo) LinkExternalID(ctx context.Context, id, externalID string) error {
	if m.linkExternalIDFn != nil {
		return m.linkExternalIDFn(ctx, id, externalID)
	}
	return nil
}

func (m *mockUserRepo) UnlinkExternalID(ctx context.Context, id string) error {
	if m.unlinkExternalIDFn != nil {
		return m.unlinkExternalIDFn(ctx, id)
	}
	return nil
}

func (m *mockUserRepo) UpdateAvatar(ctx context.Context, id, avatarURL string) error {
	if m.updateAvatarFn != nil {
		return m.updateAvatarFn(ctx, id, avatarURL)
	}
	return nil
}

// --- Mock collaborators ---

type sentMail struct {
	To      string
	Subject string
	Body    string
}

// mockMailer records outbound mail on a channel so tests can wait for the
// fire-and-forget goroutine.
type mockMailer struct {
	mails chan sentMail
}

func newMockMailer() *mockMailer {
	return &mockMailer{mails: make(chan sentMail, 16)}
}

func (m *mockMailer) Send(_ context.Context, to, subject, body string) error {
	m.mails <- sentMail{To: to, Subject: subject, Body: body}
	return nil
}

var otpCodePattern = regexp.MustCompile(`[0-9]{6}`)

// waitForCode blocks until a mail arrives and extracts the OTP code from it.
func (m *mockMailer) waitForCode(t *testing.T) string {
	t.Helper()
	select {
	case mail := <-m.mails:
		code := otpCodePattern.FindString(mail.Body)
		if code == "" {
			t.Fatalf("no otp code in mail body: %q", mail.Body)
		}
		return code
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mail")
		return ""
	}
}

// mockRecorder collects security events for assertions.
type mockRecorder struct {
	mu     sync.Mutex
	events []string
}

func (m *mockRecorder) Record(_ context.Context, eventType, _, _, _ string, _ map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
}

func (m *mockRecorder) has(eventType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e == eventType {
			return true
		}
	}
	return false
}

// mockProvider returns a canned assertion.
type mockProvider struct {
	assertion *Assertion
	err       error
}

var _ OAuthProvider = (*mockProvider)(nil)

func (m *mockProvider) AuthCodeURL(state string) string {
	return "https://provider.example/authorize?state=" + url.QueryEscape(state)
}

func (m *mockProvider) Exchange(context.Context, string) (*Assertion, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.assertion, nil
}

// --- Harness ---

type testHarness struct {
	service  AuthService
	repo     *mockUserRepo
	mailer   *mockMailer
	recorder *mockRecorder
	provider *mockProvider
	sessions *SessionStore
	otp      *OTPService
}

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		AccessSecret:     "access-secret-for-tests",
		RefreshSecret:    "refresh-secret-for-tests",
		AccessTTL:        15 * time.Minute,
		RefreshTTL:       7 * 24 * time.Hour,
		OTPTTL:           5 * time.Minute,
		MaxLoginAttempts: 5,
		LockDuration:     5 * time.Minute,
		MaxOTPAttempts:   5,
		HandoffTTL:       5 * time.Minute,
	}
}

// newHarness wires the service with a mock repository and real Redis-backed
// stores on an in-process server.
func newHarness(t *testing.T, repo *mockUserRepo) *testHarness {
	t.Helper()

	cfg := testAuthConfig()
	rdb := newTestRedis(t)

	otp := NewOTPService(rdb, cfg.OTPTTL, cfg.MaxOTPAttempts)
	tokens := NewTokenIssuer(cfg.AccessSecret, cfg.RefreshSecret, cfg.AccessTTL, cfg.RefreshTTL)
	sessions := NewSessionStore(rdb, cfg.RefreshTTL)
	handoff := NewHandoffStore(rdb, cfg.HandoffTTL)

	mail := newMockMailer()
	recorder := &mockRecorder{}
	provider := &mockProvider{}

	service := NewAuthService(repo, otp, tokens, sessions, handoff, provider, mail, recorder, cfg)

	return &testHarness{
		service:  service,
		repo:     repo,
		mailer:   mail,
		recorder: recorder,
		provider: provider,
		sessions: sessions,
		otp:      otp,
	}
}

// testUser builds an identity with the given password, 2FA off unless a
// test flips it.
func testUser(t *testing.T, password string) *User {
	t.Helper()

	user := &User{
		ID:    "user-1",
		Name:  "Amy Santiago",
		Email: "amy@campus.edu",
		Role:  RoleStudent,
	}
	if password != "" {
		hash, err := hashSecret(password)
		if err != nil {
			t.Fatalf("hashSecret: %v", err)
		}
		user.PasswordHash = &hash
	}
	return user
}

func assertAppError(t *testing.T, err error, wantCode int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with status %d, got nil", wantCode)
	}
	if got := apperror.SafeCode(err); got != wantCode {
		t.Fatalf("status = %d (%v), want %d", got, err, wantCode)
	}
}

var meta = LoginMetadata{IP: "10.0.0.1", UserAgent: "test-agent"}

// --- Registration ---

func TestRegisterSuccess(t *testing.T) {
	var created *User
	repo := &mockUserRepo{
		createFn: func(_ context.Context, user *User) error {
			created = user
			return nil
		},
	}
	h := newHarness(t, repo)

	resp, err := h.service.Register(context.Background(), RegisterRequest{
		Name:     "  Amy <b>Santiago</b> ",
		Email:    "Amy@Campus.edu",
		Password: "hunter2hunter2",
	}, meta)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if created == nil {
		t.Fatal("user was not persisted")
	}
	if created.Name != "Amy Santiago" {
		t.Errorf("name = %q, want sanitized %q", created.Name, "Amy Santiago")
	}
	if created.Email != "amy@campus.edu" {
		t.Errorf("email = %q, want normalized lowercase", created.Email)
	}
	if !created.TwoFactorEnabled {
		t.Error("two-factor should default on for new accounts")
	}
	if created.Role != RoleStudent {
		t.Errorf("role = %q, want student default", created.Role)
	}
	if !created.HasPassword() || !verifySecret("hunter2hunter2", *created.PasswordHash) {
		t.Error("stored hash does not verify the password")
	}

	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Error("expected a token pair")
	}
	if resp.User.ID != created.ID {
		t.Errorf("response user = %q, want %q", resp.User.ID, created.ID)
	}

	// Registration dispatches an email-verification code.
	h.mailer.waitForCode(t)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	repo := &mockUserRepo{
		emailExistsFn: func(context.Context, string) (bool, error) { return true, nil },
	}
	h := newHarness(t, repo)

	_, err := h.service.Register(context.Background(), RegisterRequest{
		Name:     "Amy",
		Email:    "amy@campus.edu",
		Password: "hunter2hunter2",
	}, meta)
	assertAppError(t, err, 409)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	h := newHarness(t, &mockUserRepo{})

	cases := []struct {
		name string
		req  RegisterRequest
	}{
		{"empty name", RegisterRequest{Email: "a@campus.edu", Password: "hunter2hunter2"}},
		{"short password", RegisterRequest{Name: "Amy", Email: "a@campus.edu", Password: "short"}},
		{"no at-sign", RegisterRequest{Name: "Amy", Email: "not-an-email", Password: "hunter2hunter2"}},
		{"unknown role", RegisterRequest{Name: "Amy", Email: "a@campus.edu", Password: "hunter2hunter2", Role: "janitor"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.service.Register(context.Background(), tc.req, meta)
			assertAppError(t, err, 400)
		})
	}
}

func TestRegisterEnforcesDomainPolicy(t *testing.T) {
	repo := &mockUserRepo{}
	cfg := testAuthConfig()
	cfg.AllowedEmailDomains = []string{"campus.edu"}

	rdb := newTestRedis(t)
	service := NewAuthService(repo,
		NewOTPService(rdb, cfg.OTPTTL, cfg.MaxOTPAttempts),
		NewTokenIssuer(cfg.AccessSecret, cfg.RefreshSecret, cfg.AccessTTL, cfg.RefreshTTL),
		NewSessionStore(rdb, cfg.RefreshTTL),
		NewHandoffStore(rdb, cfg.HandoffTTL),
		nil, newMockMailer(), &mockRecorder{}, cfg)

	_, err := service.Register(context.Background(), RegisterRequest{
		Name:     "Mallory",
		Email:    "mallory@gmail.com",
		Password: "hunter2hunter2",
	}, meta)
	assertAppError(t, err, 400)

	// Subdomains of an allowed domain pass.
	_, err = service.Register(context.Background(), RegisterRequest{
		Name:     "Amy",
		Email:    "amy@cs.campus.edu",
		Password: "hunter2hunter2",
	}, meta)
	if err != nil {
		t.Fatalf("subdomain register: %v", err)
	}
}

// --- Login ---

func TestLoginSuccessWithout2FA(t *testing.T) {
	user := testUser(t, "hunter2hunter2")
	resetCalled := false
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*User, error) { return user, nil },
		resetLoginStateFn: func(context.Context, string) error {
			resetCalled = true
			return nil
		},
	}
	h := newHarness(t, repo)

	resp, err := h.service.Login(context.Background(), LoginRequest{
		Email:    "amy@campus.edu",
		Password: "hunter2hunter2",
	}, meta)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if resp.AuthResponse == nil || resp.AccessToken == "" {
		t.Fatal("expected a terminal token response")
	}
	if resp.VerificationID != "" {
		t.Error("verification id must be empty when 2FA is off")
	}
	if !resetCalled {
		t.Error("successful login must reset the failure counter")
	}
	if !h.recorder.has("login.success") {
		t.Error("expected a login.success event")
	}
}

func TestLoginWith2FAWithholdsTokens(t *testing.T) {
	user := testUser(t, "hunter2hunter2")
	user.TwoFactorEnabled = true
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*User, error) { return user, nil },
		findByIDFn:    func(context.Context, string) (*User, error) { return user, nil },
	}
	h := newHarness(t, repo)

	resp, err := h.service.Login(context.Background(), LoginRequest{
		Email:    "amy@campus.edu",
		Password: "hunter2hunter2",
	}, meta)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if resp.AuthResponse != nil {
		t.Fatal("tokens must not leave the server before the second factor")
	}
	if resp.VerificationID == "" {
		t.Fatal("expected a verification id")
	}

	// Complete the login with the emailed code.
	code := h.mailer.waitForCode(t)
	result, err := h.service.VerifyOTP(context.Background(), VerifyOTPRequest{
		VerificationID: resp.VerificationID,
		OTP:            code,
	}, meta)
	if err != nil {
		t.Fatalf("VerifyOTP: %v", err)
	}

	if result.Purpose != PurposeTwoFactor {
		t.Errorf("purpose = %q, want two_factor", result.Purpose)
	}
	if result.Auth == nil || result.Auth.RefreshToken == "" {
		t.Fatal("expected the completed login's token pair")
	}
	if !h.recorder.has("login.success") {
		t.Error("expected a login.success event")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	user := testUser(t, "hunter2hunter2")
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*User, error) { return user, nil },
		recordFailedAttemptFn: func(_ context.Context, _ string, _ int, _ time.Duration) (*User, error) {
			bumped := *user
			bumped.FailedAttempts = 1
			return &bumped, nil
		},
	}
	h := newHarness(t, repo)

	_, err := h.service.Login(context.Background(), LoginRequest{
		Email:    "amy@campus.edu",
		Password: "wrong",
	}, meta)
	assertAppError(t, err, 400)

	if !strings.Contains(apperror.SafeMessage(err), "invalid email or password") {
		t.Errorf("message = %q, want generic mismatch", apperror.SafeMessage(err))
	}
	if !h.recorder.has("login.failed") {
		t.Error("expected a login.failed event")
	}
	if h.recorder.has("account.locked") {
		t.Error("one failure must not lock the account")
	}
}

func TestLoginUnknownEmailLooksLikeMismatch(t *testing.T) {
	h := newHarness(t, &mockUserRepo{})

	_, err := h.service.Login(context.Background(), LoginRequest{
		Email:    "nobody@campus.edu",
		Password: "whatever",
	}, meta)
	assertAppError(t, err, 400)
	if !strings.Contains(apperror.SafeMessage(err), "invalid email or password") {
		t.Errorf("unknown email must be indistinguishable from a wrong password, got %q", apperror.SafeMessage(err))
	}
}

func TestLoginFifthFailureLocksButReportsMismatch(t *testing.T) {
	user := testUser(t, "hunter2hunter2")
	user.FailedAttempts = 4
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*User, error) { return user, nil },
		recordFailedAttemptFn: func(_ context.Context, _ string, _ int, lockFor time.Duration) (*User, error) {
			locked := *user
			locked.FailedAttempts = 0
			until := time.Now().Add(lockFor)
			locked.LockUntil = &until
			return &locked, nil
		},
	}
	h := newHarness(t, repo)

	_, err := h.service.Login(context.Background(), LoginRequest{
		Email:    "amy@campus.edu",
		Password: "wrong",
	}, meta)

	// The tripping attempt itself still reads as a plain mismatch.
	assertAppError(t, err, 400)
	if !strings.Contains(apperror.SafeMessage(err), "invalid email or password") {
		t.Errorf("message = %q, want generic mismatch", apperror.SafeMessage(err))
	}
	if !h.recorder.has("account.locked") {
		t.Error("expected an account.locked event")
	}
}

func TestLoginWhileLockedRejectsCorrectPassword(t *testing.T) {
	user := testUser(t, "hunter2hunter2")
	until := time.Now().Add(3 * time.Minute)
	user.LockUntil = &until
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*User, error) { return user, nil },
	}
	h := newHarness(t, repo)

	_, err := h.service.Login(context.Background(), LoginRequest{
		Email:    "amy@campus.edu",
		Password: "hunter2hunter2",
	}, meta)
	assertAppError(t, err, 400)
	if !strings.Contains(apperror.SafeMessage(err), "locked") {
		t.Errorf("message = %q, want lock notice", apperror.SafeMessage(err))
	}
}

func TestLoginExpiredLockAdmits(t *testing.T) {
	user := testUser(t, "hunter2hunter2")
	until := time.Now().Add(-time.Minute)
	user.LockUntil = &until
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*User, error) { return user, nil },
	}
	h := newHarness(t, repo)

	resp, err := h.service.Login(context.Background(), LoginRequest{
		Email:    "amy@campus.edu",
		Password: "hunter2hunter2",
	}, meta)
	if err != nil {
		t.Fatalf("login after lock expiry: %v", err)
	}
	if resp.AuthResponse == nil {
		t.Fatal("expected tokens once the lock window has passed")
	}
}

func TestLoginOAuthOnlyAccount(t *testing.T) {
	user := testUser(t, "")
	externalID := "google-sub-1"
	user.ExternalID = &externalID
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*User, error) { return user, nil },
		recordFailedAttemptFn: func(_ context.Context, _ string, _ int, _ time.Duration) (*User, error) {
			return user, nil
		},
	}
	h := newHarness(t, repo)

	_, err := h.service.Login(context.Background(), LoginRequest{
		Email:    "amy@campus.edu",
		Password: "anything",
	}, meta)
	assertAppError(t, err, 400)
}

// --- Password reset ---

func TestPasswordResetFlow(t *testing.T) {
	user := testUser(t, "old-password-1")
	var newHash string
	var savedHistory []PasswordHistoryEntry
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*User, error) { return user, nil },
		findByIDFn:    func(context.Context, string) (*User, error) { return user, nil },
		updatePasswordFn: func(_ context.Context, _ string, hash string, history []PasswordHistoryEntry) error {
			newHash = hash
			savedHistory = history
			return nil
		},
	}
	h := newHarness(t, repo)
	ctx := context.Background()

	// Seed a session that the password change must revoke.
	if err := h.sessions.Add(ctx, user.ID, "stale-token", meta); err != nil {
		t.Fatalf("seeding session: %v", err)
	}

	otpResp, err := h.service.SendOTP(ctx, SendOTPRequest{
		Purpose: PurposePasswordReset,
		Email:   "amy@campus.edu",
	})
	if err != nil {
		t.Fatalf("SendOTP: %v", err)
	}

	code := h.mailer.waitForCode(t)
	result, err := h.service.VerifyOTP(ctx, VerifyOTPRequest{
		VerificationID: otpResp.VerificationID,
		OTP:            code,
	}, meta)
	if err != nil {
		t.Fatalf("VerifyOTP: %v", err)
	}
	if !result.ResetGranted || result.UserID != user.ID {
		t.Fatal("expected a reset grant for the subject")
	}

	err = h.service.ChangePassword(ctx, ChangePasswordRequest{
		UserID:      user.ID,
		NewPassword: "brand-new-password",
	})
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if !verifySecret("brand-new-password", newHash) {
		t.Error("stored hash does not verify the new password")
	}
	if len(savedHistory) != 1 || !verifySecret("old-password-1", savedHistory[0].Hash) {
		t.Error("old hash should be retired into history")
	}

	live, err := h.sessions.Has(ctx, user.ID, "stale-token")
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if live {
		t.Error("password change must revoke existing sessions")
	}
	if !h.recorder.has("password.changed") {
		t.Error("expected a password.changed event")
	}
}

func TestChangePasswordWithoutGrant(t *testing.T) {
	user := testUser(t, "old-password-1")
	repo := &mockUserRepo{
		findByIDFn: func(context.Context, string) (*User, error) { return user, nil },
	}
	h := newHarness(t, repo)

	err := h.service.ChangePassword(context.Background(), ChangePasswordRequest{
		UserID:      user.ID,
		NewPassword: "brand-new-password",
	})
	assertAppError(t, err, 400)
}

func TestChangePasswordGrantIsSingleUse(t *testing.T) {
	user := testUser(t, "old-password-1")
	repo := &mockUserRepo{
		findByIDFn: func(context.Context, string) (*User, error) { return user, nil },
	}
	h := newHarness(t, repo)
	ctx := context.Background()

	if err := h.otp.GrantPasswordReset(ctx, user.ID); err != nil {
		t.Fatalf("GrantPasswordReset: %v", err)
	}

	if err := h.service.ChangePassword(ctx, ChangePasswordRequest{
		UserID:      user.ID,
		NewPassword: "brand-new-password",
	}); err != nil {
		t.Fatalf("first ChangePassword: %v", err)
	}

	err := h.service.ChangePassword(ctx, ChangePasswordRequest{
		UserID:      user.ID,
		NewPassword: "another-password-1",
	})
	assertAppError(t, err, 400)
}

// --- OTP dispatch on verification purposes ---

func TestVerifyOTPEmailVerification(t *testing.T) {
	user := testUser(t, "hunter2hunter2")
	verified := false
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*User, error) { return user, nil },
		findByIDFn: func(context.Context, string) (*User, error) {
			u := *user
			u.EmailVerified = verified
			return &u, nil
		},
		setVerifiedFn: func(_ context.Context, _ string, purpose Purpose) error {
			if purpose == PurposeEmailVerification {
				verified = true
			}
			return nil
		},
	}
	h := newHarness(t, repo)
	ctx := context.Background()

	otpResp, err := h.service.SendOTP(ctx, SendOTPRequest{
		Purpose: PurposeEmailVerification,
		Email:   "amy@campus.edu",
	})
	if err != nil {
		t.Fatalf("SendOTP: %v", err)
	}

	code := h.mailer.waitForCode(t)
	result, err := h.service.VerifyOTP(ctx, VerifyOTPRequest{
		VerificationID: otpResp.VerificationID,
		OTP:            code,
	}, meta)
	if err != nil {
		t.Fatalf("VerifyOTP: %v", err)
	}

	if result.User == nil || !result.User.EmailVerified {
		t.Error("expected the refreshed identity with the flag set")
	}
	if result.Auth != nil {
		t.Error("verification purposes must not issue tokens")
	}
}

// Codes are delivered by email for every purpose; a phone number in the
// payload does not change the transport.
func TestSendOTPPhoneVerificationDeliversByEmail(t *testing.T) {
	user := testUser(t, "hunter2hunter2")
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*User, error) { return user, nil },
	}
	h := newHarness(t, repo)

	_, err := h.service.SendOTP(context.Background(), SendOTPRequest{
		Purpose: PurposePhoneVerification,
		Email:   "amy@campus.edu",
		Number:  "+15555550123",
	})
	if err != nil {
		t.Fatalf("SendOTP: %v", err)
	}

	select {
	case mail := <-h.mailer.mails:
		if mail.To != user.Email {
			t.Errorf("code sent to %q, want the account email %q", mail.To, user.Email)
		}
		if otpCodePattern.FindString(mail.Body) == "" {
			t.Errorf("no otp code in mail body: %q", mail.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mail")
	}
}

func TestVerifyOTPWrongCodeAndExhaustion(t *testing.T) {
	user := testUser(t, "hunter2hunter2")
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*User, error) { return user, nil },
		findByIDFn:    func(context.Context, string) (*User, error) { return user, nil },
	}
	h := newHarness(t, repo)
	ctx := context.Background()

	otpResp, err := h.service.SendOTP(ctx, SendOTPRequest{
		Purpose: PurposeTwoFactor,
		Email:   "amy@campus.edu",
	})
	if err != nil {
		t.Fatalf("SendOTP: %v", err)
	}
	code := h.mailer.waitForCode(t)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	for i := 0; i < 5; i++ {
		_, err := h.service.VerifyOTP(ctx, VerifyOTPRequest{
			VerificationID: otpResp.VerificationID,
			OTP:            wrong,
		}, meta)
		assertAppError(t, err, 400)
	}

	// Budget spent: the correct code now reports exhaustion, not success.
	_, err = h.service.VerifyOTP(ctx, VerifyOTPRequest{
		VerificationID: otpResp.VerificationID,
		OTP:            code,
	}, meta)
	assertAppError(t, err, 429)
}

func TestVerifyOTPUnknownChallenge(t *testing.T) {
	h := newHarness(t, &mockUserRepo{})

	_, err := h.service.VerifyOTP(context.Background(), VerifyOTPRequest{
		VerificationID: "no-such-challenge",
		OTP:            "123456",
	}, meta)
	assertAppError(t, err, 400)
}

// --- Token lifecycle ---

// loginFor runs a full no-2FA login and returns the token pair.
func loginFor(t *testing.T, h *testHarness, user *User, password string) *AuthResponse {
	t.Helper()
	resp, err := h.service.Login(context.Background(), LoginRequest{
		Email:    user.Email,
		Password: password,
	}, meta)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.AuthResponse == nil {
		t.Fatal("expected a terminal login")
	}
	return resp.AuthResponse
}

func TestRefreshIssuesNewAccessToken(t *testing.T) {
	user := testUser(t, "hunter2hunter2")
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*User, error) { return user, nil },
	}
	h := newHarness(t, repo)

	auth := loginFor(t, h, user, "hunter2hunter2")

	access, err := h.service.Refresh(context.Background(), auth.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	claims, err := h.service.DecodeAccess(access)
	if err != nil {
		t.Fatalf("DecodeAccess: %v", err)
	}
	if claims.Subject != user.ID {
		t.Errorf("subject = %q, want %q", claims.Subject, user.ID)
	}
}

func TestRefreshAfterLogoutIsForbidden(t *testing.T) {
	user := testUser(t, "hunter2hunter2")
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*User, error) { return user, nil },
	}
	h := newHarness(t, repo)
	ctx := context.Background()

	auth := loginFor(t, h, user, "hunter2hunter2")

	if err := h.service.Logout(ctx, auth.RefreshToken, meta); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	// Signature still valid, session gone: the store wins.
	_, err := h.service.Refresh(ctx, auth.RefreshToken)
	assertAppError(t, err, 403)

	if !h.recorder.has("logout") {
		t.Error("expected a logout event")
	}
}

func TestRefreshGarbageToken(t *testing.T) {
	h := newHarness(t, &mockUserRepo{})

	_, err := h.service.Refresh(context.Background(), "not-a-token")
	assertAppError(t, err, 401)
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	user := testUser(t, "hunter2hunter2")
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*User, error) { return user, nil },
	}
	h := newHarness(t, repo)
	ctx := context.Background()

	first := loginFor(t, h, user, "hunter2hunter2")
	second := loginFor(t, h, user, "hunter2hunter2")

	n, err := h.service.LogoutAll(ctx, user.ID, meta)
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if n != 2 {
		t.Errorf("revoked = %d, want 2", n)
	}

	if _, err := h.service.Refresh(ctx, first.RefreshToken); apperror.SafeCode(err) != 403 {
		t.Errorf("first session should be dead, got %v", err)
	}
	if _, err := h.service.Refresh(ctx, second.RefreshToken); apperror.SafeCode(err) != 403 {
		t.Errorf("second session should be dead, got %v", err)
	}
}

// --- OAuth ---

func TestOAuthCallbackCreatesUserAndHandsOff(t *testing.T) {
	var created *User
	repo := &mockUserRepo{
		createFn: func(_ context.Context, user *User) error {
			created = user
			return nil
		},
	}
	h := newHarness(t, repo)
	h.provider.assertion = &Assertion{
		ExternalID:    "google-sub-1",
		Email:         "amy@campus.edu",
		Name:          "Amy Santiago",
		EmailVerified: true,
	}
	ctx := context.Background()

	startURL, err := h.service.OAuthStart(ctx)
	if err != nil {
		t.Fatalf("OAuthStart: %v", err)
	}
	parsed, err := url.Parse(startURL)
	if err != nil {
		t.Fatalf("parsing start url: %v", err)
	}
	state := parsed.Query().Get("state")
	if state == "" {
		t.Fatal("start url carries no state")
	}

	handoffCode, err := h.service.OAuthCallback(ctx, state, "provider-code", meta)
	if err != nil {
		t.Fatalf("OAuthCallback: %v", err)
	}

	if created == nil {
		t.Fatal("expected a fresh oauth identity")
	}
	if !created.OAuthLinked() || *created.ExternalID != "google-sub-1" {
		t.Error("external id not linked on the created identity")
	}
	if created.HasPassword() {
		t.Error("oauth-only identity must not carry a password hash")
	}

	// The handoff code redeems exactly once.
	bundle, err := h.service.OAuthExchange(ctx, handoffCode)
	if err != nil {
		t.Fatalf("OAuthExchange: %v", err)
	}
	if bundle.RefreshToken == "" || bundle.User.ID != created.ID {
		t.Error("handoff bundle incomplete")
	}

	_, err = h.service.OAuthExchange(ctx, handoffCode)
	assertAppError(t, err, 401)
}

func TestOAuthCallbackRejectsReplayedState(t *testing.T) {
	h := newHarness(t, &mockUserRepo{})
	h.provider.assertion = &Assertion{ExternalID: "sub", Email: "amy@campus.edu"}

	_, err := h.service.OAuthCallback(context.Background(), "forged-state", "code", meta)
	assertAppError(t, err, 401)
}

func TestOAuthCallbackLinksExistingEmail(t *testing.T) {
	user := testUser(t, "hunter2hunter2")
	linked := ""
	repo := &mockUserRepo{
		findByEmailFn: func(context.Context, string) (*User, error) { return user, nil },
		findByIDFn: func(context.Context, string) (*User, error) {
			u := *user
			if linked != "" {
				u.ExternalID = &linked
			}
			return &u, nil
		},
		linkExternalIDFn: func(_ context.Context, _ string, externalID string) error {
			linked = externalID
			return nil
		},
	}
	h := newHarness(t, repo)
	h.provider.assertion = &Assertion{ExternalID: "google-sub-1", Email: "amy@campus.edu"}
	ctx := context.Background()

	startURL, _ := h.service.OAuthStart(ctx)
	parsed, _ := url.Parse(startURL)

	_, err := h.service.OAuthCallback(ctx, parsed.Query().Get("state"), "provider-code", meta)
	if err != nil {
		t.Fatalf("OAuthCallback: %v", err)
	}

	if linked != "google-sub-1" {
		t.Error("existing account with the same email should gain the link")
	}
	if !h.recorder.has("oauth.linked") {
		t.Error("expected an oauth.linked event")
	}
}

func TestLinkOAuthEmailMismatch(t *testing.T) {
	user := testUser(t, "hunter2hunter2")
	repo := &mockUserRepo{
		findByIDFn: func(context.Context, string) (*User, error) { return user, nil },
	}
	h := newHarness(t, repo)
	h.provider.assertion = &Assertion{ExternalID: "sub", Email: "other@campus.edu"}

	err := h.service.LinkOAuth(context.Background(), user.ID, "code", meta)
	assertAppError(t, err, 400)
}

func TestLinkOAuthAlreadyLinked(t *testing.T) {
	user := testUser(t, "hunter2hunter2")
	externalID := "existing-sub"
	user.ExternalID = &externalID
	repo := &mockUserRepo{
		findByIDFn: func(context.Context, string) (*User, error) { return user, nil },
	}
	h := newHarness(t, repo)
	h.provider.assertion = &Assertion{ExternalID: "new-sub", Email: user.Email}

	err := h.service.LinkOAuth(context.Background(), user.ID, "code", meta)
	assertAppError(t, err, 409)
}

func TestUnlinkOAuthRequiresPassword(t *testing.T) {
	user := testUser(t, "")
	externalID := "google-sub-1"
	user.ExternalID = &externalID
	repo := &mockUserRepo{
		findByIDFn: func(context.Context, string) (*User, error) { return user, nil },
	}
	h := newHarness(t, repo)

	// Unlinking the only sign-in method would strand the account.
	err := h.service.UnlinkOAuth(context.Background(), user.ID, meta)
	assertAppError(t, err, 412)
}

func TestUnlinkOAuthSuccess(t *testing.T) {
	user := testUser(t, "hunter2hunter2")
	externalID := "google-sub-1"
	user.ExternalID = &externalID
	unlinked := false
	repo := &mockUserRepo{
		findByIDFn: func(context.Context, string) (*User, error) { return user, nil },
		unlinkExternalIDFn: func(context.Context, string) error {
			unlinked = true
			return nil
		},
	}
	h := newHarness(t, repo)

	if err := h.service.UnlinkOAuth(context.Background(), user.ID, meta); err != nil {
		t.Fatalf("UnlinkOAuth: %v", err)
	}
	if !unlinked {
		t.Error("repository unlink was not called")
	}
	if !h.recorder.has("oauth.unlinked") {
		t.Error("expected an oauth.unlinked event")
	}
}
