package session

import "errors"

// Sentinel errors returned by the lifecycle operations. The HTTP layer maps
// these onto status codes; messages that could aid enumeration (credentials,
// OTP causes) are deliberately uniform.
var (
	ErrInvalidContext      = errors.New("invalid context")
	ErrInvalidPurpose      = errors.New("invalid otp purpose")
	ErrUserNotFound        = errors.New("user not found")
	ErrUsernameTaken       = errors.New("username already registered")
	ErrAlreadyVerified     = errors.New("phone already verified")
	ErrAccountInactive     = errors.New("account is not active")
	ErrPhoneNotVerified    = errors.New("phone not verified")
	ErrMissingPhone        = errors.New("no phone number on record")
	ErrInvalidCredentials  = errors.New("invalid username or password")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrInvalidOTP          = errors.New("invalid or expired otp")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrInvalidResetToken   = errors.New("invalid or expired reset token")
	ErrRoleMissing         = errors.New("user role not found")
	ErrTooManyAttempts     = errors.New("too many attempts")
)
