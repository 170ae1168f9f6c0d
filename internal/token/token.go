package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ResetTokenType is the discriminator carried by password-reset tokens. Reset
// tokens share the access secret, so the type field is what keeps the two
// token kinds from being interchangeable.
const ResetTokenType = "reset-password"

var ErrInvalidToken = errors.New("invalid token")

// SessionClaims is the payload of both access and refresh tokens. Permissions
// are a snapshot taken at mint time; they only change on the next login or
// refresh.
type SessionClaims struct {
	UserID      string   `json:"id"`
	RoleID      string   `json:"role_id"`
	RoleName    string   `json:"role_name"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

type ResetClaims struct {
	UserID    string `json:"id"`
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

// Codec signs and verifies the three token kinds. Access and refresh tokens
// use independent secrets; reset tokens reuse the access secret.
type Codec struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	resetTTL      time.Duration
}

func NewCodec(accessSecret, refreshSecret, issuer string, accessTTL, refreshTTL, resetTTL time.Duration) *Codec {
	return &Codec{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		issuer:        issuer,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		resetTTL:      resetTTL,
	}
}

func (c *Codec) RefreshTTL() time.Duration {
	return c.refreshTTL
}

func (c *Codec) NewAccessToken(claims SessionClaims) (string, error) {
	return c.signSession(claims, c.accessSecret, c.accessTTL)
}

func (c *Codec) NewRefreshToken(claims SessionClaims) (string, error) {
	return c.signSession(claims, c.refreshSecret, c.refreshTTL)
}

func (c *Codec) NewResetToken(userID string) (string, error) {
	now := time.Now().UTC()
	claims := ResetClaims{
		UserID:    userID,
		TokenType: ResetTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.resetTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.accessSecret)
}

func (c *Codec) ParseAccessToken(tokenString string) (*SessionClaims, error) {
	return parseSession(tokenString, c.accessSecret)
}

func (c *Codec) ParseRefreshToken(tokenString string) (*SessionClaims, error) {
	return parseSession(tokenString, c.refreshSecret)
}

func (c *Codec) ParseResetToken(tokenString string) (*ResetClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ResetClaims{}, func(token *jwt.Token) (interface{}, error) {
		return c.accessSecret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*ResetClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != ResetTokenType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (c *Codec) signSession(claims SessionClaims, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.UserID,
		Issuer:    c.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseSession(tokenString string, secret []byte) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
