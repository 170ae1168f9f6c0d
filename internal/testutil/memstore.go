// Package testutil provides an in-memory credential store used by session and
// HTTP tests in place of Postgres. It honors the store contract: missing rows
// are pgx.ErrNoRows.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"classhive/auth-sessions/internal/model"
)

type MemStore struct {
	mu            sync.Mutex
	users         map[string]model.User
	roles         map[string]model.Role
	refreshTokens map[string]model.RefreshToken
	otps          []model.OTP
}

func NewMemStore() *MemStore {
	return &MemStore{
		users:         make(map[string]model.User),
		roles:         make(map[string]model.Role),
		refreshTokens: make(map[string]model.RefreshToken),
	}
}

func (m *MemStore) AddRole(role model.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role.ID] = role
}

func (m *MemStore) AddUser(user model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
}

// User returns the stored user row by id for assertions.
func (m *MemStore) User(userID string) (model.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	return user, ok
}

// RefreshTokenCount reports the number of live session rows for a user.
func (m *MemStore) RefreshTokenCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rt := range m.refreshTokens {
		if rt.UserID == userID {
			count++
		}
	}
	return count
}

// LastOTP returns the most recently created code for (userID, purpose).
func (m *MemStore) LastOTP(userID, purpose string) (model.OTP, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.otps) - 1; i >= 0; i-- {
		if m.otps[i].UserID == userID && m.otps[i].Purpose == purpose {
			return m.otps[i], true
		}
	}
	return model.OTP{}, false
}

// ExpireOTPs backdates every stored code for a user, for expiry tests.
func (m *MemStore) ExpireOTPs(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.otps {
		if m.otps[i].UserID == userID {
			m.otps[i].ExpiresAt = time.Now().UTC().Add(-time.Minute)
		}
	}
}

// ExpireRefreshToken backdates a session row, for expiry tests.
func (m *MemStore) ExpireRefreshToken(tokenString string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.refreshTokens[tokenString]; ok {
		rt.ExpiresAt = time.Now().UTC().Add(-time.Minute)
		m.refreshTokens[tokenString] = rt
	}
}

func (m *MemStore) GetUserByUsername(_ context.Context, username string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == username {
			return user, nil
		}
	}
	return model.User{}, pgx.ErrNoRows
}

func (m *MemStore) GetUserByUsernameAndSchool(_ context.Context, username, schoolID string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == username && user.SchoolID != nil && *user.SchoolID == schoolID {
			return user, nil
		}
	}
	return model.User{}, pgx.ErrNoRows
}

func (m *MemStore) GetUserByID(_ context.Context, userID string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return model.User{}, pgx.ErrNoRows
	}
	return user, nil
}

func (m *MemStore) CreateUser(_ context.Context, user model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *MemStore) MarkPhoneVerified(_ context.Context, userID string, verifiedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return pgx.ErrNoRows
	}
	user.IsPhoneVerified = true
	user.PhoneVerifiedAt = &verifiedAt
	user.UpdatedAt = verifiedAt
	m.users[userID] = user
	return nil
}

func (m *MemStore) UpdatePassword(_ context.Context, userID, passwordHash string, changedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return pgx.ErrNoRows
	}
	user.PasswordHash = passwordHash
	user.PasswordChangedAt = &changedAt
	user.UpdatedAt = changedAt
	m.users[userID] = user
	return nil
}

func (m *MemStore) GetRole(_ context.Context, roleID string) (model.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[roleID]
	if !ok {
		return model.Role{}, pgx.ErrNoRows
	}
	return role, nil
}

func (m *MemStore) GetRoleByName(_ context.Context, name string) (model.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, role := range m.roles {
		if role.Name == name && role.SchoolID == nil {
			return role, nil
		}
	}
	return model.Role{}, pgx.ErrNoRows
}

func (m *MemStore) CreateRefreshToken(_ context.Context, rt model.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshTokens[rt.Token] = rt
	return nil
}

func (m *MemStore) GetRefreshToken(_ context.Context, tokenString string) (model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refreshTokens[tokenString]
	if !ok {
		return model.RefreshToken{}, pgx.ErrNoRows
	}
	return rt, nil
}

func (m *MemStore) RotateRefreshToken(_ context.Context, oldToken, newToken string, expiresAt, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refreshTokens[oldToken]
	if !ok || rt.IsRevoked || !rt.ExpiresAt.After(now) {
		return pgx.ErrNoRows
	}
	delete(m.refreshTokens, oldToken)
	rt.Token = newToken
	rt.ExpiresAt = expiresAt
	rt.LastUsedAt = now
	m.refreshTokens[newToken] = rt
	return nil
}

func (m *MemStore) DeleteRefreshToken(_ context.Context, tokenString string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refreshTokens, tokenString)
	return nil
}

func (m *MemStore) DeleteUserRefreshTokens(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tokenString, rt := range m.refreshTokens {
		if rt.UserID == userID {
			delete(m.refreshTokens, tokenString)
		}
	}
	return nil
}

func (m *MemStore) PurgeUserRefreshTokens(_ context.Context, userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tokenString, rt := range m.refreshTokens {
		if rt.UserID == userID && (rt.IsRevoked || !rt.ExpiresAt.After(now)) {
			delete(m.refreshTokens, tokenString)
		}
	}
	return nil
}

func (m *MemStore) CreateOTP(_ context.Context, otp model.OTP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.otps = append(m.otps, otp)
	return nil
}

func (m *MemStore) ConsumeOTP(_ context.Context, userID, code, purpose string, schoolID *string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, otp := range m.otps {
		if otp.UserID != userID || otp.Code != code || otp.Purpose != purpose {
			continue
		}
		if !sameScope(otp.SchoolID, schoolID) {
			continue
		}
		if otp.IsUsed || !otp.ExpiresAt.After(now) {
			continue
		}
		m.otps[i].IsUsed = true
		return nil
	}
	return pgx.ErrNoRows
}

func (m *MemStore) DeleteUnusedOTPs(_ context.Context, userID, purpose string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.otps[:0]
	for _, otp := range m.otps {
		if otp.UserID == userID && otp.Purpose == purpose && !otp.IsUsed {
			continue
		}
		kept = append(kept, otp)
	}
	m.otps = kept
	return nil
}

func sameScope(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
