// Package session orchestrates the account and session lifecycle:
// registration with OTP verification, login, refresh-token rotation, logout
// and password reset. It composes the credential store, the token codec, the
// OTP issuer and the permission check; HTTP concerns stay in internal/http.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"classhive/auth-sessions/internal/crypto"
	"classhive/auth-sessions/internal/model"
	"classhive/auth-sessions/internal/otp"
	"classhive/auth-sessions/internal/permission"
	"classhive/auth-sessions/internal/ratelimit"
	"classhive/auth-sessions/internal/token"
)

// DefaultRoleName is the platform role assigned to self-registered accounts.
// The role is seeded by platform provisioning; its absence is a deployment
// fault, not a client error.
const DefaultRoleName = "DEFAULT"

// Store is the credential-store surface the service depends on. Missing rows
// are reported as pgx.ErrNoRows.
type Store interface {
	GetUserByUsername(ctx context.Context, username string) (model.User, error)
	GetUserByUsernameAndSchool(ctx context.Context, username, schoolID string) (model.User, error)
	GetUserByID(ctx context.Context, userID string) (model.User, error)
	CreateUser(ctx context.Context, user model.User) error
	MarkPhoneVerified(ctx context.Context, userID string, verifiedAt time.Time) error
	UpdatePassword(ctx context.Context, userID, passwordHash string, changedAt time.Time) error

	GetRole(ctx context.Context, roleID string) (model.Role, error)
	GetRoleByName(ctx context.Context, name string) (model.Role, error)

	CreateRefreshToken(ctx context.Context, rt model.RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenString string) (model.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldToken, newToken string, expiresAt, now time.Time) error
	DeleteRefreshToken(ctx context.Context, tokenString string) error
	DeleteUserRefreshTokens(ctx context.Context, userID string) error
	PurgeUserRefreshTokens(ctx context.Context, userID string, now time.Time) error
}

type Service struct {
	store   Store
	tokens  *token.Codec
	otp     *otp.Issuer
	logins  *ratelimit.Limiter
	resends *ratelimit.Limiter
}

func NewService(store Store, tokens *token.Codec, issuer *otp.Issuer, logins, resends *ratelimit.Limiter) *Service {
	return &Service{store: store, tokens: tokens, otp: issuer, logins: logins, resends: resends}
}

// ClientInfo is request metadata recorded on refresh-token rows.
type ClientInfo struct {
	IP        string
	UserAgent string
}

type UserSummary struct {
	ID       string `json:"id"`
	RoleID   string `json:"roleId"`
	RoleName string `json:"roleName"`
}

type LoginResult struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	User         UserSummary `json:"user"`
}

type RefreshResult struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenRotated bool   `json:"tokenRotated"`
}

// Register creates an unverified platform account and dispatches a
// registration OTP. A delivery failure after the user row is created is
// surfaced as an error; the caller recovers through resend-otp.
func (s *Service) Register(ctx context.Context, username, phone, password string, tc model.TenantContext) error {
	if tc.Context != model.ContextPlatform {
		return ErrInvalidContext
	}

	_, err := s.store.GetUserByUsername(ctx, username)
	if err == nil {
		return ErrUsernameTaken
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lookup user: %w", err)
	}

	role, err := s.store.GetRoleByName(ctx, DefaultRoleName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: default role %q not seeded", ErrRoleMissing, DefaultRoleName)
		}
		return fmt.Errorf("lookup default role: %w", err)
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	user := model.User{
		ID:           uuid.NewString(),
		Username:     username,
		Phone:        phone,
		PasswordHash: hash,
		RoleID:       role.ID,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	return s.otp.Issue(ctx, user.ID, user.Phone, model.PurposeRegistration, nil)
}

// VerifyRegistrationOTP consumes the registration code and flips the account
// to phone-verified. Verification is not reusable once the flag is set.
func (s *Service) VerifyRegistrationOTP(ctx context.Context, username, code string, tc model.TenantContext) error {
	if tc.Context != model.ContextPlatform {
		return ErrInvalidContext
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lookup user: %w", err)
	}
	if user.IsPhoneVerified {
		return ErrAlreadyVerified
	}

	if err := s.otp.Verify(ctx, user.ID, code, model.PurposeRegistration, nil); err != nil {
		if errors.Is(err, otp.ErrInvalid) {
			return ErrInvalidOTP
		}
		return err
	}

	return s.store.MarkPhoneVerified(ctx, user.ID, time.Now().UTC())
}

// ResendOTP reissues the code for the given purpose and redelivers it.
func (s *Service) ResendOTP(ctx context.Context, username, purpose string, tc model.TenantContext) error {
	if purpose != model.PurposeRegistration && purpose != model.PurposePasswordReset {
		return ErrInvalidPurpose
	}
	if !s.resends.Allow(ctx, "resend:"+username) {
		return ErrTooManyAttempts
	}

	user, err := s.resolveUser(ctx, username, tc)
	if err != nil {
		return err
	}
	if purpose == model.PurposeRegistration && user.IsPhoneVerified {
		return ErrAlreadyVerified
	}

	return s.otp.Issue(ctx, user.ID, user.Phone, purpose, scopeFrom(tc))
}

// Login authenticates credentials inside the tenant context and opens a
// session: a short-lived access token plus a persisted, rotated refresh
// token. Role permissions are embedded in the tokens as a snapshot; later
// role edits take effect on the next refresh or login.
func (s *Service) Login(ctx context.Context, username, password string, tc model.TenantContext, client ClientInfo) (LoginResult, error) {
	if !s.logins.Allow(ctx, "login:"+username) {
		return LoginResult{}, ErrTooManyAttempts
	}

	user, err := s.resolveUser(ctx, username, tc)
	if err != nil {
		return LoginResult{}, err
	}
	if !user.IsActive {
		return LoginResult{}, ErrAccountInactive
	}
	if !user.IsPhoneVerified {
		return LoginResult{}, ErrPhoneNotVerified
	}

	role, err := s.loadRole(ctx, user.RoleID)
	if err != nil {
		return LoginResult{}, err
	}
	if tc.Context == model.ContextPlatform && !permission.Has(permission.PlatformLogin, role.Permissions) {
		return LoginResult{}, ErrPermissionDenied
	}

	if err := crypto.CheckPassword(user.PasswordHash, password); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	claims := token.SessionClaims{
		UserID:      user.ID,
		RoleID:      role.ID,
		RoleName:    role.Name,
		Permissions: role.Permissions,
	}
	accessToken, err := s.tokens.NewAccessToken(claims)
	if err != nil {
		return LoginResult{}, fmt.Errorf("mint access token: %w", err)
	}
	refreshToken, err := s.tokens.NewRefreshToken(claims)
	if err != nil {
		return LoginResult{}, fmt.Errorf("mint refresh token: %w", err)
	}

	now := time.Now().UTC()
	row := model.RefreshToken{
		Token:      refreshToken,
		UserID:     user.ID,
		ExpiresAt:  now.Add(s.tokens.RefreshTTL()),
		DeviceType: DeviceType(client.UserAgent),
		LastUsedAt: now,
		CreatedAt:  now,
	}
	if client.IP != "" {
		row.IPAddress = &client.IP
	}
	if client.UserAgent != "" {
		row.UserAgent = &client.UserAgent
	}
	if err := s.store.CreateRefreshToken(ctx, row); err != nil {
		return LoginResult{}, fmt.Errorf("persist refresh token: %w", err)
	}

	// Opportunistic cleanup of this user's dead sessions.
	_ = s.store.PurgeUserRefreshTokens(ctx, user.ID, now)

	return LoginResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         UserSummary{ID: user.ID, RoleID: role.ID, RoleName: role.Name},
	}, nil
}

// Refresh exchanges a live refresh token for a new access token. Rotation is
// unconditional: the stored row moves to a new token string in one guarded
// update, so the submitted token is unusable afterwards and concurrent
// refreshes of the same token cannot both win.
func (s *Service) Refresh(ctx context.Context, refreshToken string, tc model.TenantContext) (RefreshResult, error) {
	claims, err := s.tokens.ParseRefreshToken(refreshToken)
	if err != nil {
		return RefreshResult{}, ErrInvalidRefreshToken
	}

	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RefreshResult{}, ErrInvalidRefreshToken
		}
		return RefreshResult{}, fmt.Errorf("lookup user: %w", err)
	}

	role, err := s.loadRole(ctx, user.RoleID)
	if err != nil {
		return RefreshResult{}, err
	}

	switch tc.Context {
	case model.ContextPlatform:
		if !permission.Has(permission.PlatformLogin, role.Permissions) {
			return RefreshResult{}, ErrPermissionDenied
		}
	case model.ContextSchool:
		if user.SchoolID == nil || *user.SchoolID != tc.SchoolID {
			return RefreshResult{}, ErrInvalidRefreshToken
		}
	default:
		return RefreshResult{}, ErrInvalidContext
	}

	row, err := s.store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RefreshResult{}, ErrInvalidRefreshToken
		}
		return RefreshResult{}, fmt.Errorf("lookup refresh token: %w", err)
	}
	if row.UserID != claims.UserID || row.IsRevoked {
		return RefreshResult{}, ErrInvalidRefreshToken
	}

	now := time.Now().UTC()
	if !row.ExpiresAt.After(now) {
		_ = s.store.DeleteRefreshToken(ctx, refreshToken)
		return RefreshResult{}, ErrRefreshTokenExpired
	}

	newClaims := token.SessionClaims{
		UserID:      user.ID,
		RoleID:      role.ID,
		RoleName:    role.Name,
		Permissions: role.Permissions,
	}
	accessToken, err := s.tokens.NewAccessToken(newClaims)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("mint access token: %w", err)
	}
	newRefreshToken, err := s.tokens.NewRefreshToken(newClaims)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("mint refresh token: %w", err)
	}

	if err := s.store.RotateRefreshToken(ctx, refreshToken, newRefreshToken, now.Add(s.tokens.RefreshTTL()), now); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost a concurrent rotation of the same token.
			return RefreshResult{}, ErrInvalidRefreshToken
		}
		return RefreshResult{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	return RefreshResult{AccessToken: accessToken, RefreshToken: newRefreshToken, TokenRotated: true}, nil
}

// Logout drops the session row if it exists. It never reports whether the
// token was known.
func (s *Service) Logout(ctx context.Context, refreshToken string) {
	_ = s.store.DeleteRefreshToken(ctx, refreshToken)
}

// ForgotPassword starts a reset flow: it issues a password-reset OTP and
// returns the masked phone number the code was sent to.
func (s *Service) ForgotPassword(ctx context.Context, username string, tc model.TenantContext) (string, error) {
	user, err := s.resolveUser(ctx, username, tc)
	if err != nil {
		return "", err
	}
	if !user.IsActive {
		return "", ErrAccountInactive
	}
	if !user.IsPhoneVerified {
		return "", ErrPhoneNotVerified
	}
	if user.Phone == "" {
		return "", ErrMissingPhone
	}

	if err := s.otp.Issue(ctx, user.ID, user.Phone, model.PurposePasswordReset, scopeFrom(tc)); err != nil {
		return "", err
	}
	return maskPhone(user.Phone), nil
}

// VerifyResetOTP consumes the reset code and mints the single-purpose reset
// token. The token is a capability for exactly one ResetPassword call; it is
// not a session.
func (s *Service) VerifyResetOTP(ctx context.Context, username, code string, tc model.TenantContext) (string, error) {
	user, err := s.resolveUser(ctx, username, tc)
	if err != nil {
		return "", err
	}

	if err := s.otp.Verify(ctx, user.ID, code, model.PurposePasswordReset, scopeFrom(tc)); err != nil {
		if errors.Is(err, otp.ErrInvalid) {
			return "", ErrInvalidOTP
		}
		return "", err
	}

	return s.tokens.NewResetToken(user.ID)
}

// ResetPassword sets a new password against a valid reset token and revokes
// every outstanding refresh token for the user, so sessions opened before the
// reset cannot outlive it.
func (s *Service) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	claims, err := s.tokens.ParseResetToken(resetToken)
	if err != nil {
		return ErrInvalidResetToken
	}

	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lookup user: %w", err)
	}

	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdatePassword(ctx, user.ID, hash, time.Now().UTC()); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	return s.store.DeleteUserRefreshTokens(ctx, user.ID)
}

// CurrentUser resolves the authenticated user and its role for profile reads.
func (s *Service) CurrentUser(ctx context.Context, userID string) (model.User, model.Role, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, model.Role{}, ErrUserNotFound
		}
		return model.User{}, model.Role{}, fmt.Errorf("lookup user: %w", err)
	}
	role, err := s.loadRole(ctx, user.RoleID)
	if err != nil {
		return model.User{}, model.Role{}, err
	}
	return user, role, nil
}

// resolveUser matches a username inside the tenant context. School context
// never matches accounts of another school, platform context matches by
// username alone.
func (s *Service) resolveUser(ctx context.Context, username string, tc model.TenantContext) (model.User, error) {
	var (
		user model.User
		err  error
	)
	switch tc.Context {
	case model.ContextPlatform:
		user, err = s.store.GetUserByUsername(ctx, username)
	case model.ContextSchool:
		user, err = s.store.GetUserByUsernameAndSchool(ctx, username, tc.SchoolID)
	default:
		return model.User{}, ErrInvalidContext
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrUserNotFound
		}
		return model.User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

// loadRole treats a missing role as a data-integrity fault, not a client
// error: every user row references a role by construction.
func (s *Service) loadRole(ctx context.Context, roleID string) (model.Role, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Role{}, ErrRoleMissing
		}
		return model.Role{}, fmt.Errorf("lookup role: %w", err)
	}
	return role, nil
}

func scopeFrom(tc model.TenantContext) *string {
	if tc.Context == model.ContextSchool {
		schoolID := tc.SchoolID
		return &schoolID
	}
	return nil
}

func maskPhone(phone string) string {
	if len(phone) <= 3 {
		return phone
	}
	masked := []byte(phone)
	for i := 0; i < len(masked)-3; i++ {
		masked[i] = '*'
	}
	return string(masked)
}
