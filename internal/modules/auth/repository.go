package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/campuslink/campuslink/internal/apperror"
)

// UserRepository defines the data access contract for identity records.
// All SQL lives in the concrete implementation -- no SQL leaks out.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByExternalID(ctx context.Context, externalID string) (*User, error)
	EmailExists(ctx context.Context, email string) (bool, error)

	// RecordFailedAttempt applies the lockout counter transition in a single
	// atomic statement and returns the refreshed record.
	RecordFailedAttempt(ctx context.Context, id string, threshold int, lockFor time.Duration) (*User, error)

	// ResetLoginState zeroes failed_attempts and clears lock_until after a
	// successful authentication.
	ResetLoginState(ctx context.Context, id string) error

	UpdatePassword(ctx context.Context, id, passwordHash string, history []PasswordHistoryEntry) error
	SetVerified(ctx context.Context, id string, purpose Purpose) error
	LinkExternalID(ctx context.Context, id, externalID string) error
	UnlinkExternalID(ctx context.Context, id string) error
	UpdateAvatar(ctx context.Context, id, avatarURL string) error
}

// userRepository implements UserRepository with hand-written MariaDB queries.
type userRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new user repository backed by the given DB pool.
func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{db: db}
}

// userColumns is the canonical SELECT list, kept in scan order.
const userColumns = `id, name, email, password_hash, role, external_id, avatar_url,
	email_verified, phone_verified, two_factor_enabled, must_change_password,
	failed_attempts, lock_until, password_history, created_at, updated_at`

// Create inserts a new identity row.
func (r *userRepository) Create(ctx context.Context, user *User) error {
	history, err := marshalHistory(user.PasswordHistory)
	if err != nil {
		return err
	}

	query := `INSERT INTO users (id, name, email, password_hash, role, external_id,
	          avatar_url, email_verified, phone_verified, two_factor_enabled,
	          must_change_password, failed_attempts, lock_until, password_history,
	          created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		user.ID,
		user.Name,
		user.Email,
		user.PasswordHash,
		user.Role,
		user.ExternalID,
		user.AvatarURL,
		user.EmailVerified,
		user.PhoneVerified,
		user.TwoFactorEnabled,
		user.MustChangePassword,
		history,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if isDuplicateKey(err) {
		return apperror.NewConflict("an account with this email already exists")
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}

	return nil
}

// FindByID retrieves an identity by UUID.
// Returns apperror.NotFound if no user exists with this ID.
func (r *userRepository) FindByID(ctx context.Context, id string) (*User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// FindByEmail retrieves an identity by normalized email.
func (r *userRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
}

// FindByExternalID retrieves an identity by its third-party subject id.
func (r *userRepository) FindByExternalID(ctx context.Context, externalID string) (*User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = ?`, externalID)
}

func (r *userRepository) findOne(ctx context.Context, query string, arg any) (*User, error) {
	user := &User{}
	var historyRaw []byte

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.ExternalID,
		&user.AvatarURL,
		&user.EmailVerified,
		&user.PhoneVerified,
		&user.TwoFactorEnabled,
		&user.MustChangePassword,
		&user.FailedAttempts,
		&user.LockUntil,
		&historyRaw,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	if len(historyRaw) > 0 {
		if err := json.Unmarshal(historyRaw, &user.PasswordHistory); err != nil {
			return nil, fmt.Errorf("decoding password history: %w", err)
		}
	}

	return user, nil
}

// EmailExists returns true if a user with the given email already exists.
// Used during registration to check for duplicates before hashing the password.
func (r *userRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, email).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking email existence: %w", err)
	}

	return exists, nil
}

// RecordFailedAttempt bumps failed_attempts and, when the incremented value
// reaches the threshold, sets lock_until and resets the counter to 0 -- all
// in one statement under the row lock. Two concurrent failures can therefore
// never both observe "reached threshold" or skip the lock.
//
// The SET order matters: MariaDB applies assignments left to right, so
// lock_until must be computed from the pre-update counter before
// failed_attempts is reassigned.
func (r *userRepository) RecordFailedAttempt(ctx context.Context, id string, threshold int, lockFor time.Duration) (*User, error) {
	query := `UPDATE users
	          SET lock_until = IF(failed_attempts + 1 >= ?, DATE_ADD(NOW(3), INTERVAL ? SECOND), lock_until),
	              failed_attempts = IF(failed_attempts + 1 >= ?, 0, failed_attempts + 1)
	          WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, threshold, int(lockFor.Seconds()), threshold, id)
	if err != nil {
		return nil, fmt.Errorf("recording failed attempt: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, apperror.NewNotFound("user not found")
	}

	return r.FindByID(ctx, id)
}

// ResetLoginState clears the failure counter and any lock window.
func (r *userRepository) ResetLoginState(ctx context.Context, id string) error {
	query := `UPDATE users SET failed_attempts = 0, lock_until = NULL WHERE id = ?`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("resetting login state: %w", err)
	}

	return nil
}

// UpdatePassword sets a new password hash and replaces the stored history.
// Also clears must_change_password -- the forced-change obligation is met.
func (r *userRepository) UpdatePassword(ctx context.Context, id, passwordHash string, history []PasswordHistoryEntry) error {
	raw, err := marshalHistory(history)
	if err != nil {
		return err
	}

	query := `UPDATE users SET password_hash = ?, password_history = ?,
	          must_change_password = FALSE WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, passwordHash, raw, id)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperror.NewNotFound("user not found")
	}

	return nil
}

// SetVerified flips the verification flag matching the OTP purpose.
func (r *userRepository) SetVerified(ctx context.Context, id string, purpose Purpose) error {
	var column string
	switch purpose {
	case PurposeEmailVerification:
		column = "email_verified"
	case PurposePhoneVerification:
		column = "phone_verified"
	default:
		return apperror.NewBadRequest("purpose does not carry a verification flag")
	}

	// column comes from the switch above, never from input.
	query := fmt.Sprintf(`UPDATE users SET %s = TRUE WHERE id = ?`, column)

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("setting %s: %w", column, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperror.NewNotFound("user not found")
	}

	return nil
}

// LinkExternalID attaches a third-party subject to this identity. The
// unique index on external_id makes a double-link a Conflict.
func (r *userRepository) LinkExternalID(ctx context.Context, id, externalID string) error {
	query := `UPDATE users SET external_id = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, externalID, id)
	if isDuplicateKey(err) {
		return apperror.NewConflict("this provider account is already linked to another user")
	}
	if err != nil {
		return fmt.Errorf("linking external id: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperror.NewNotFound("user not found")
	}

	return nil
}

// UnlinkExternalID removes the third-party link. The caller must have
// verified a password remains -- this method does not re-check.
func (r *userRepository) UnlinkExternalID(ctx context.Context, id string) error {
	query := `UPDATE users SET external_id = NULL WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("unlinking external id: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperror.NewNotFound("user not found")
	}

	return nil
}

// UpdateAvatar stores the avatar URL pulled from a provider profile.
func (r *userRepository) UpdateAvatar(ctx context.Context, id, avatarURL string) error {
	query := `UPDATE users SET avatar_url = ? WHERE id = ?`

	if _, err := r.db.ExecContext(ctx, query, avatarURL, id); err != nil {
		return fmt.Errorf("updating avatar: %w", err)
	}

	return nil
}

// marshalHistory encodes password history for the JSON column. NULL for empty.
func marshalHistory(history []PasswordHistoryEntry) ([]byte, error) {
	if len(history) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("encoding password history: %w", err)
	}
	return raw, nil
}

// isDuplicateKey detects MariaDB error 1062 (duplicate entry on a unique key).
func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
