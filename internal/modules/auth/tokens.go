package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Sentinel errors for token decoding. Expired is distinguished from all
// other failures (bad signature, malformed structure, wrong signing method)
// so the refresh endpoint can report 401 vs 403 accurately.
var (
	errTokenExpired = errors.New("token expired")
	errTokenInvalid = errors.New("token invalid")
)

// Claims is the signed payload carried by both token kinds: subject id,
// role, a unique token id (the session key for refresh tokens), issued-at
// and expiry.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates access and refresh tokens. The two kinds
// use independent HS256 secrets and lifetimes: access tokens are short-lived
// bearer credentials, refresh tokens are long-lived and only as good as
// their Redis session entry.
type TokenIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

// NewTokenIssuer creates a token issuer from the configured secrets.
func NewTokenIssuer(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
	}
}

// RefreshTTL exposes the refresh lifetime so session entries can mirror it.
func (t *TokenIssuer) RefreshTTL() time.Duration {
	return t.refreshTTL
}

// IssueAccess signs a short-lived access token for the given identity.
func (t *TokenIssuer) IssueAccess(userID string, role Role) (string, error) {
	return t.sign(userID, role, uuid.NewString(), t.accessSecret, t.accessTTL)
}

// IssueRefresh signs a refresh token and returns it with its token id,
// which keys the device-session entry in Redis.
func (t *TokenIssuer) IssueRefresh(userID string, role Role) (string, string, error) {
	jti := uuid.NewString()
	token, err := t.sign(userID, role, jti, t.refreshSecret, t.refreshTTL)
	return token, jti, err
}

// DecodeAccess validates an access token and returns its claims.
func (t *TokenIssuer) DecodeAccess(token string) (*Claims, error) {
	return decode(token, t.accessSecret)
}

// DecodeRefresh validates a refresh token and returns its claims. A valid
// signature is necessary but not sufficient -- the session store remains
// authoritative for revocation.
func (t *TokenIssuer) DecodeRefresh(token string) (*Claims, error) {
	return decode(token, t.refreshSecret)
}

func (t *TokenIssuer) sign(userID string, role Role, jti string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	return signed, nil
}

func decode(token string, secret []byte) (*Claims, error) {
	claims := &Claims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, errTokenExpired
	}
	if err != nil || !parsed.Valid {
		return nil, errTokenInvalid
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, errTokenInvalid
	}

	return claims, nil
}
