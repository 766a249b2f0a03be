package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// sessionKeyPrefix is the Redis key prefix for device sessions. Full key:
// session:<user_id>:<token_id>, so revoke-all is a prefix scan and keys for
// different identities never contend.
const sessionKeyPrefix = "session:"

// sessionEntry is the Redis value behind one device session.
type sessionEntry struct {
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore tracks the live refresh-token sessions per identity. The
// store -- not the token signature -- is authoritative for revocation: a
// validly signed, unexpired refresh token whose entry is gone is dead.
// Entry TTLs mirror the refresh-token lifetime, so passive expiry needs no
// sweeper.
type SessionStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewSessionStore creates a session store whose entries expire on the
// refresh-token clock.
func NewSessionStore(rdb *redis.Client, refreshTTL time.Duration) *SessionStore {
	return &SessionStore{
		redis: rdb,
		ttl:   refreshTTL,
	}
}

// Add appends a device session for the given refresh token id.
func (s *SessionStore) Add(ctx context.Context, userID, tokenID string, meta LoginMetadata) error {
	entry := sessionEntry{
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	if err := s.redis.Set(ctx, s.key(userID, tokenID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}

	return nil
}

// Has reports whether the session behind this refresh token id is live.
func (s *SessionStore) Has(ctx context.Context, userID, tokenID string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.key(userID, tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking session: %w", err)
	}
	return n > 0, nil
}

// RevokeOne removes a single device session.
func (s *SessionStore) RevokeOne(ctx context.Context, userID, tokenID string) error {
	if err := s.redis.Del(ctx, s.key(userID, tokenID)).Err(); err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// RevokeAll removes every device session for the identity and returns how
// many were dropped.
func (s *SessionStore) RevokeAll(ctx context.Context, userID string) (int, error) {
	keys, err := s.scanKeys(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("revoking sessions: %w", err)
	}

	return len(keys), nil
}

// List returns the identity's live device sessions with their metadata.
func (s *SessionStore) List(ctx context.Context, userID string) ([]SessionInfo, error) {
	keys, err := s.scanKeys(ctx, userID)
	if err != nil {
		return nil, err
	}

	sessions := make([]SessionInfo, 0, len(keys))
	for _, key := range keys {
		data, err := s.redis.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue // Expired between scan and read.
		}
		if err != nil {
			return nil, fmt.Errorf("reading session: %w", err)
		}

		var entry sessionEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("decoding session: %w", err)
		}

		sessions = append(sessions, SessionInfo{
			TokenID:   strings.TrimPrefix(key, sessionKeyPrefix+userID+":"),
			IP:        entry.IP,
			UserAgent: entry.UserAgent,
			CreatedAt: entry.CreatedAt,
		})
	}

	return sessions, nil
}

// scanKeys collects all session keys for one identity via SCAN (never KEYS,
// which blocks the server).
func (s *SessionStore) scanKeys(ctx context.Context, userID string) ([]string, error) {
	var keys []string
	iter := s.redis.Scan(ctx, 0, sessionKeyPrefix+userID+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning sessions: %w", err)
	}
	return keys, nil
}

func (s *SessionStore) key(userID, tokenID string) string {
	return sessionKeyPrefix + userID + ":" + tokenID
}
