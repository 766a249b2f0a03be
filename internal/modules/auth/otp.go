package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for OTP state.
const (
	// otpChallengeKeyPrefix + challenge id -> JSON challengeRecord.
	otpChallengeKeyPrefix = "otp:challenge:"

	// otpLiveKeyPrefix + subject + ":" + purpose -> live challenge id.
	// Enforces at most one live challenge per (subject, purpose).
	otpLiveKeyPrefix = "otp:live:"

	// resetGrantKeyPrefix + user id -> "1". Written when a password_reset
	// challenge verifies; consumed once by change-password.
	resetGrantKeyPrefix = "pwreset:grant:"
)

// otpCodeLength is the number of digits in a generated code.
const otpCodeLength = 6

// resetGrantTTL is how long a verified password_reset authorization stays
// redeemable.
const resetGrantTTL = 10 * time.Minute

// Sentinel errors for OTP verification outcomes. The facade maps these to
// client-facing apperror values.
var (
	errChallengeNotFound = errors.New("challenge not found or expired")
	errCodeMismatch      = errors.New("code mismatch")
	errAttemptsExceeded  = errors.New("challenge attempts exceeded")
)

// challengeRecord is the Redis value behind a verification challenge. Only
// the argon2id hash of the code is stored -- the plaintext goes to the
// delivery channel once and is never persisted.
type challengeRecord struct {
	SubjectID string  `json:"subject_id"`
	Purpose   Purpose `json:"purpose"`
	CodeHash  string  `json:"code_hash"`
	Attempts  int     `json:"attempts"`
	ExpiresAt int64   `json:"expires_at"`
}

// OTPService generates, stores, and verifies short-lived one-time codes.
// All state lives in Redis under passive TTLs; attempt counting is applied
// inside a WATCH transaction so concurrent submissions against the same
// challenge cannot lose increments.
type OTPService struct {
	redis       *redis.Client
	ttl         time.Duration
	maxAttempts int
}

// NewOTPService creates an OTP service with the given challenge TTL and
// wrong-code budget.
func NewOTPService(rdb *redis.Client, ttl time.Duration, maxAttempts int) *OTPService {
	return &OTPService{
		redis:       rdb,
		ttl:         ttl,
		maxAttempts: maxAttempts,
	}
}

// generateCode produces a cryptographically unpredictable numeric string.
func generateCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < otpCodeLength; i++ {
		limit.Mul(limit, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generating otp: %w", err)
	}

	return fmt.Sprintf("%0*d", otpCodeLength, n), nil
}

// CreateChallenge issues a fresh challenge for (subject, purpose), deleting
// any prior live challenge for the same pair. Returns the challenge id and
// the plaintext code for the delivery channel.
func (s *OTPService) CreateChallenge(ctx context.Context, subjectID string, purpose Purpose) (string, string, error) {
	code, err := generateCode()
	if err != nil {
		return "", "", err
	}

	codeHash, err := hashSecret(code)
	if err != nil {
		return "", "", fmt.Errorf("hashing otp: %w", err)
	}

	challengeID := uuid.NewString()
	record := challengeRecord{
		SubjectID: subjectID,
		Purpose:   purpose,
		CodeHash:  codeHash,
		Attempts:  0,
		ExpiresAt: time.Now().Add(s.ttl).Unix(),
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return "", "", fmt.Errorf("encoding challenge: %w", err)
	}

	liveKey := s.liveKey(subjectID, purpose)

	// Supersede any prior live challenge for this (subject, purpose).
	if prior, err := s.redis.Get(ctx, liveKey).Result(); err == nil && prior != "" {
		s.redis.Del(ctx, otpChallengeKeyPrefix+prior)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, otpChallengeKeyPrefix+challengeID, encoded, s.ttl)
	pipe.Set(ctx, liveKey, challengeID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", "", fmt.Errorf("storing challenge: %w", err)
	}

	return challengeID, code, nil
}

// Verify checks a candidate code against a live challenge. On mismatch the
// attempt counter is incremented atomically; once the budget is spent the
// challenge is terminal and even the correct code fails. On match the
// challenge is consumed and the subject and purpose are returned.
func (s *OTPService) Verify(ctx context.Context, challengeID, candidate string) (string, Purpose, error) {
	const maxRetries = 4
	key := otpChallengeKeyPrefix + challengeID

	for i := 0; i < maxRetries; i++ {
		var record challengeRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			if err := json.Unmarshal(data, &record); err != nil {
				return fmt.Errorf("decoding challenge: %w", err)
			}

			if time.Now().Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errChallengeNotFound
			}

			// Terminal: the budget was spent on earlier attempts. The
			// record is left for the TTL to reap so repeated submissions
			// keep reporting the terminal state, not "not found".
			if record.Attempts >= s.maxAttempts {
				return errAttemptsExceeded
			}

			if !verifySecret(candidate, record.CodeHash) {
				record.Attempts++

				ttl := time.Until(time.Unix(record.ExpiresAt, 0))
				if ttl <= 0 {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						return nil
					})
					if err != nil {
						return err
					}
					return errChallengeNotFound
				}

				updated, err := json.Marshal(record)
				if err != nil {
					return fmt.Errorf("encoding challenge: %w", err)
				}

				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					return nil
				})
				if err != nil {
					return err
				}
				return errCodeMismatch
			}

			// Match: consume the challenge and its live index.
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.Del(ctx, s.liveKey(record.SubjectID, record.Purpose))
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			// Concurrent mutation of the same challenge; retry.
			continue
		}
		if errors.Is(err, redis.Nil) {
			return "", "", errChallengeNotFound
		}
		if err != nil {
			return "", "", err
		}

		return record.SubjectID, record.Purpose, nil
	}

	return "", "", fmt.Errorf("verifying challenge: transaction contention")
}

// GrantPasswordReset marks the subject as allowed to change their password
// without a bearer token. Written after a password_reset OTP verifies.
func (s *OTPService) GrantPasswordReset(ctx context.Context, userID string) error {
	if err := s.redis.Set(ctx, resetGrantKeyPrefix+userID, "1", resetGrantTTL).Err(); err != nil {
		return fmt.Errorf("storing reset grant: %w", err)
	}
	return nil
}

// ConsumePasswordResetGrant redeems a reset authorization exactly once.
func (s *OTPService) ConsumePasswordResetGrant(ctx context.Context, userID string) (bool, error) {
	err := s.redis.GetDel(ctx, resetGrantKeyPrefix+userID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consuming reset grant: %w", err)
	}
	return true, nil
}

func (s *OTPService) liveKey(subjectID string, purpose Purpose) string {
	return otpLiveKeyPrefix + subjectID + ":" + string(purpose)
}
