// Package otp issues and verifies the short-lived one-time codes used by
// registration and password-reset flows. Codes are persisted through the
// credential store and delivered out of band through a Sender.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"classhive/auth-sessions/internal/model"
)

// ErrInvalid covers every verification failure: unknown code, expired code,
// already-used code, wrong purpose or wrong tenant. Callers must not be able
// to tell these apart.
var ErrInvalid = errors.New("invalid or expired otp")

// Store is the slice of the credential store the issuer needs. Missing rows
// are reported as pgx.ErrNoRows.
type Store interface {
	CreateOTP(ctx context.Context, otp model.OTP) error
	ConsumeOTP(ctx context.Context, userID, code, purpose string, schoolID *string, now time.Time) error
	DeleteUnusedOTPs(ctx context.Context, userID, purpose string) error
}

// Sender delivers a code out of band (SMS or email). Delivery is external;
// implementations are expected to be best-effort.
type Sender interface {
	Send(ctx context.Context, phone, code, purpose string) error
}

type Issuer struct {
	store       Store
	sender      Sender
	ttl         time.Duration
	digits      int
	sendTimeout time.Duration
}

func NewIssuer(store Store, sender Sender, ttl time.Duration, digits int, sendTimeout time.Duration) *Issuer {
	if digits <= 0 {
		digits = 6
	}
	return &Issuer{store: store, sender: sender, ttl: ttl, digits: digits, sendTimeout: sendTimeout}
}

// Issue creates a fresh code for (userID, purpose) and dispatches it to the
// phone. Outstanding unused codes for the same purpose are dropped first, so
// only one code is live at a time. The code row is persisted before delivery
// is attempted; a delivery error leaves the row in place so the caller can
// retry via resend.
func (i *Issuer) Issue(ctx context.Context, userID, phone, purpose string, schoolID *string) error {
	if err := i.store.DeleteUnusedOTPs(ctx, userID, purpose); err != nil {
		return fmt.Errorf("invalidate previous otps: %w", err)
	}

	code, err := generateCode(i.digits)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	record := model.OTP{
		ID:        uuid.NewString(),
		UserID:    userID,
		Code:      code,
		Purpose:   purpose,
		SchoolID:  schoolID,
		ExpiresAt: now.Add(i.ttl),
		IsUsed:    false,
		CreatedAt: now,
	}
	if err := i.store.CreateOTP(ctx, record); err != nil {
		return fmt.Errorf("persist otp: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, i.sendTimeout)
	defer cancel()
	if err := i.sender.Send(sendCtx, phone, code, purpose); err != nil {
		return fmt.Errorf("deliver otp: %w", err)
	}
	return nil
}

// Verify consumes a matching unused, unexpired code. All failure causes
// collapse to ErrInvalid.
func (i *Issuer) Verify(ctx context.Context, userID, code, purpose string, schoolID *string) error {
	err := i.store.ConsumeOTP(ctx, userID, code, purpose, schoolID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvalid
		}
		return err
	}
	return nil
}

func generateCode(digits int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
