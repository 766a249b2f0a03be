package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campuslink/campuslink/internal/config"
)

// Redis key prefixes for the OAuth dance.
const (
	// oauthStateKeyPrefix + state -> "1". CSRF guard for the callback.
	oauthStateKeyPrefix = "oauth:state:"

	// oauthHandoffKeyPrefix + code -> JSON AuthResponse. One-shot: tokens
	// never ride in a redirect URL where browser history, referrers, and
	// access logs would capture them.
	oauthHandoffKeyPrefix = "oauth:handoff:"
)

// oauthStateTTL bounds how long a provider round-trip may take.
const oauthStateTTL = 10 * time.Minute

// opaqueCodeBytes is the entropy behind states and handoff codes.
// 32 bytes, base64url-encoded to 43 characters.
const opaqueCodeBytes = 32

var errHandoffNotFound = errors.New("handoff code expired or already used")

// Assertion is the validated identity claim extracted from a provider
// profile: a stable external subject plus the basics we project onto the
// local identity.
type Assertion struct {
	ExternalID    string
	Email         string
	Name          string
	AvatarURL     string
	EmailVerified bool
}

// OAuthProvider abstracts the third-party identity provider. The concrete
// implementation speaks the OIDC-style authorize/token/userinfo triple over
// plain HTTP; tests substitute a stub.
type OAuthProvider interface {
	// AuthCodeURL builds the provider redirect carrying our CSRF state.
	AuthCodeURL(state string) string

	// Exchange trades an authorization code for a validated Assertion.
	Exchange(ctx context.Context, code string) (*Assertion, error)
}

// oidcProvider implements OAuthProvider against configured endpoints.
type oidcProvider struct {
	cfg    config.OAuthConfig
	client *http.Client
}

// NewOAuthProvider creates the HTTP-backed provider client.
func NewOAuthProvider(cfg config.OAuthConfig) OAuthProvider {
	return &oidcProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// AuthCodeURL builds the authorization redirect.
func (p *oidcProvider) AuthCodeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURL)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(p.cfg.Scopes, " "))
	q.Set("state", state)
	return p.cfg.AuthURL + "?" + q.Encode()
}

// Exchange performs the code-for-token exchange and fetches the profile.
func (p *oidcProvider) Exchange(ctx context.Context, code string) (*Assertion, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)
	form.Set("redirect_uri", p.cfg.RedirectURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("provider token endpoint returned %d: %s", resp.StatusCode, body)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("provider returned no access token")
	}

	return p.userInfo(ctx, tokenResp.AccessToken)
}

// userInfo pulls the profile behind a provider access token.
func (p *oidcProvider) userInfo(ctx context.Context, accessToken string) (*Assertion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider userinfo endpoint returned %d", resp.StatusCode)
	}

	var profile struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decoding userinfo: %w", err)
	}
	if profile.Sub == "" || profile.Email == "" {
		return nil, fmt.Errorf("provider profile missing subject or email")
	}

	return &Assertion{
		ExternalID:    profile.Sub,
		Email:         strings.ToLower(strings.TrimSpace(profile.Email)),
		Name:          profile.Name,
		AvatarURL:     profile.Picture,
		EmailVerified: profile.EmailVerified,
	}, nil
}

// generateOpaqueCode creates a high-entropy URL-safe random string.
func generateOpaqueCode() (string, error) {
	b := make([]byte, opaqueCodeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating opaque code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HandoffStore keeps the ephemeral OAuth state and the one-shot token
// handoff bundles in Redis.
type HandoffStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewHandoffStore creates a handoff store with the configured bundle TTL.
func NewHandoffStore(rdb *redis.Client, handoffTTL time.Duration) *HandoffStore {
	return &HandoffStore{
		redis: rdb,
		ttl:   handoffTTL,
	}
}

// IssueState stores a fresh CSRF state for the provider round-trip.
func (h *HandoffStore) IssueState(ctx context.Context) (string, error) {
	state, err := generateOpaqueCode()
	if err != nil {
		return "", err
	}
	if err := h.redis.Set(ctx, oauthStateKeyPrefix+state, "1", oauthStateTTL).Err(); err != nil {
		return "", fmt.Errorf("storing oauth state: %w", err)
	}
	return state, nil
}

// ConsumeState redeems a callback state exactly once.
func (h *HandoffStore) ConsumeState(ctx context.Context, state string) (bool, error) {
	err := h.redis.GetDel(ctx, oauthStateKeyPrefix+state).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consuming oauth state: %w", err)
	}
	return true, nil
}

// Save stores a token bundle behind a fresh opaque code. The redirect
// carries only the code; the bundle is retrievable once via Consume.
func (h *HandoffStore) Save(ctx context.Context, bundle *AuthResponse) (string, error) {
	code, err := generateOpaqueCode()
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("encoding handoff bundle: %w", err)
	}

	if err := h.redis.Set(ctx, oauthHandoffKeyPrefix+code, data, h.ttl).Err(); err != nil {
		return "", fmt.Errorf("storing handoff bundle: %w", err)
	}

	return code, nil
}

// Consume redeems a handoff code with an atomic read-and-delete, so a code
// can never be exchanged twice even under concurrent requests. Expired and
// already-used codes both report errHandoffNotFound.
func (h *HandoffStore) Consume(ctx context.Context, code string) (*AuthResponse, error) {
	data, err := h.redis.GetDel(ctx, oauthHandoffKeyPrefix+code).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errHandoffNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming handoff bundle: %w", err)
	}

	var bundle AuthResponse
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("decoding handoff bundle: %w", err)
	}

	return &bundle, nil
}
