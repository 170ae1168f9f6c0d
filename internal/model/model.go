package model

import "time"

const (
	ContextPlatform = "platform"
	ContextSchool   = "school"
)

const (
	PurposeRegistration  = "registration"
	PurposePasswordReset = "password_reset"
)

const (
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceDesktop = "desktop"
	DeviceUnknown = "unknown"
)

// TenantContext is the resolved scope of a request, set upstream by the
// gateway. SchoolID is only meaningful when Context is ContextSchool.
type TenantContext struct {
	Context  string
	SchoolID string
}

type User struct {
	ID                string
	Username          string
	Phone             string
	Email             *string
	PasswordHash      string
	SchoolID          *string
	RoleID            string
	IsActive          bool
	IsPhoneVerified   bool
	IsEmailVerified   bool
	PhoneVerifiedAt   *time.Time
	PasswordChangedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Role struct {
	ID          string
	Name        string
	Description string
	Permissions []string
	SchoolID    *string
}

// RefreshToken is a persisted session handle. The signed token string itself
// is the lookup key; rotation rewrites it in place.
type RefreshToken struct {
	Token      string
	UserID     string
	ExpiresAt  time.Time
	IPAddress  *string
	UserAgent  *string
	DeviceType string
	IsRevoked  bool
	LastUsedAt time.Time
	CreatedAt  time.Time
}

type OTP struct {
	ID        string
	UserID    string
	Code      string
	Purpose   string
	SchoolID  *string
	ExpiresAt time.Time
	IsUsed    bool
	CreatedAt time.Time
}
