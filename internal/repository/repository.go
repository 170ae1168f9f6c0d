package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"classhive/auth-sessions/internal/model"
)

// Store is the single credential store of the service. Missing rows are
// reported as pgx.ErrNoRows.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const userColumns = `
	id, username, phone, email, password_hash, school_id, role_id,
	is_active, is_phone_verified, is_email_verified,
	phone_verified_at, password_changed_at, created_at, updated_at
`

func scanUser(row pgx.Row) (model.User, error) {
	var user model.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Phone,
		&user.Email,
		&user.PasswordHash,
		&user.SchoolID,
		&user.RoleID,
		&user.IsActive,
		&user.IsPhoneVerified,
		&user.IsEmailVerified,
		&user.PhoneVerifiedAt,
		&user.PasswordChangedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	return scanUser(row)
}

func (s *Store) GetUserByUsernameAndSchool(ctx context.Context, username, schoolID string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1 AND school_id = $2`, username, schoolID)
	return scanUser(row)
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	return scanUser(row)
}

func (s *Store) CreateUser(ctx context.Context, user model.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (
			id, username, phone, email, password_hash, school_id, role_id,
			is_active, is_phone_verified, is_email_verified,
			phone_verified_at, password_changed_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		user.ID, user.Username, user.Phone, user.Email, user.PasswordHash,
		user.SchoolID, user.RoleID, user.IsActive, user.IsPhoneVerified,
		user.IsEmailVerified, user.PhoneVerifiedAt, user.PasswordChangedAt,
		user.CreatedAt, user.UpdatedAt,
	)
	return err
}

func (s *Store) MarkPhoneVerified(ctx context.Context, userID string, verifiedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users
		SET is_phone_verified = TRUE, phone_verified_at = $1, updated_at = $1
		WHERE id = $2
	`, verifiedAt, userID)
	return err
}

func (s *Store) UpdatePassword(ctx context.Context, userID, passwordHash string, changedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users
		SET password_hash = $1, password_changed_at = $2, updated_at = $2
		WHERE id = $3
	`, passwordHash, changedAt, userID)
	return err
}

func (s *Store) GetRole(ctx context.Context, roleID string) (model.Role, error) {
	var role model.Role
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, description, permissions, school_id
		FROM roles
		WHERE id = $1
	`, roleID)
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.Permissions, &role.SchoolID)
	return role, err
}

// GetRoleByName resolves a platform-level role by name. School-scoped roles
// are looked up by id only.
func (s *Store) GetRoleByName(ctx context.Context, name string) (model.Role, error) {
	var role model.Role
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, description, permissions, school_id
		FROM roles
		WHERE name = $1 AND school_id IS NULL
	`, name)
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.Permissions, &role.SchoolID)
	return role, err
}

func (s *Store) CreateRefreshToken(ctx context.Context, rt model.RefreshToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (token, user_id, expires_at, ip_address, user_agent, device_type, is_revoked, last_used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rt.Token, rt.UserID, rt.ExpiresAt, rt.IPAddress, rt.UserAgent, rt.DeviceType, rt.IsRevoked, rt.LastUsedAt, rt.CreatedAt)
	return err
}

func (s *Store) GetRefreshToken(ctx context.Context, token string) (model.RefreshToken, error) {
	var rt model.RefreshToken
	row := s.pool.QueryRow(ctx, `
		SELECT token, user_id, expires_at, ip_address, user_agent, device_type, is_revoked, last_used_at, created_at
		FROM refresh_tokens
		WHERE token = $1
	`, token)
	err := row.Scan(&rt.Token, &rt.UserID, &rt.ExpiresAt, &rt.IPAddress, &rt.UserAgent, &rt.DeviceType, &rt.IsRevoked, &rt.LastUsedAt, &rt.CreatedAt)
	return rt, err
}

// RotateRefreshToken replaces the token string and expiry in place, guarded by
// the old token still being live. A concurrent rotation of the same token
// loses the race and sees pgx.ErrNoRows.
func (s *Store) RotateRefreshToken(ctx context.Context, oldToken, newToken string, expiresAt, now time.Time) error {
	row := s.pool.QueryRow(ctx, `
		UPDATE refresh_tokens
		SET token = $2, expires_at = $3, last_used_at = $4
		WHERE token = $1 AND NOT is_revoked AND expires_at > $4
		RETURNING user_id
	`, oldToken, newToken, expiresAt, now)
	var userID string
	return row.Scan(&userID)
}

func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE token = $1`, token)
	return err
}

func (s *Store) DeleteUserRefreshTokens(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	return err
}

// PurgeUserRefreshTokens drops the user's expired and revoked rows. Called
// opportunistically after login.
func (s *Store) PurgeUserRefreshTokens(ctx context.Context, userID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM refresh_tokens
		WHERE user_id = $1 AND (is_revoked OR expires_at <= $2)
	`, userID, now)
	return err
}

func (s *Store) CreateOTP(ctx context.Context, otp model.OTP) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO otps (id, user_id, code, purpose, school_id, expires_at, is_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, otp.ID, otp.UserID, otp.Code, otp.Purpose, otp.SchoolID, otp.ExpiresAt, otp.IsUsed, otp.CreatedAt)
	return err
}

// ConsumeOTP flips the matching code to used in the same statement that
// checks it, so a code verifies at most once. No match (wrong code, expired,
// already used, wrong purpose or tenant) is pgx.ErrNoRows.
func (s *Store) ConsumeOTP(ctx context.Context, userID, code, purpose string, schoolID *string, now time.Time) error {
	row := s.pool.QueryRow(ctx, `
		UPDATE otps
		SET is_used = TRUE
		WHERE user_id = $1 AND code = $2 AND purpose = $3
		  AND school_id IS NOT DISTINCT FROM $4
		  AND NOT is_used AND expires_at > $5
		RETURNING id
	`, userID, code, purpose, schoolID, now)
	var id string
	return row.Scan(&id)
}

func (s *Store) DeleteUnusedOTPs(ctx context.Context, userID, purpose string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM otps
		WHERE user_id = $1 AND purpose = $2 AND NOT is_used
	`, userID, purpose)
	return err
}
