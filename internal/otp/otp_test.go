package otp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"classhive/auth-sessions/internal/model"
)

type fakeStore struct {
	otps []model.OTP
}

func (f *fakeStore) CreateOTP(_ context.Context, otp model.OTP) error {
	f.otps = append(f.otps, otp)
	return nil
}

func (f *fakeStore) ConsumeOTP(_ context.Context, userID, code, purpose string, schoolID *string, now time.Time) error {
	for i, otp := range f.otps {
		if otp.UserID != userID || otp.Code != code || otp.Purpose != purpose {
			continue
		}
		if !equalScope(otp.SchoolID, schoolID) {
			continue
		}
		if otp.IsUsed || !otp.ExpiresAt.After(now) {
			continue
		}
		f.otps[i].IsUsed = true
		return nil
	}
	return pgx.ErrNoRows
}

func (f *fakeStore) DeleteUnusedOTPs(_ context.Context, userID, purpose string) error {
	kept := f.otps[:0]
	for _, otp := range f.otps {
		if otp.UserID == userID && otp.Purpose == purpose && !otp.IsUsed {
			continue
		}
		kept = append(kept, otp)
	}
	f.otps = kept
	return nil
}

func equalScope(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type captureSender struct {
	phone string
	code  string
	err   error
}

func (c *captureSender) Send(_ context.Context, phone, code, _ string) error {
	c.phone = phone
	c.code = code
	return c.err
}

func newIssuer(store *fakeStore, sender Sender) *Issuer {
	return NewIssuer(store, sender, 10*time.Minute, 6, time.Second)
}

func TestIssueAndVerify(t *testing.T) {
	store := &fakeStore{}
	sender := &captureSender{}
	issuer := newIssuer(store, sender)
	ctx := context.Background()

	if err := issuer.Issue(ctx, "user-1", "9876543210", model.PurposeRegistration, nil); err != nil {
		t.Fatalf("issue error: %v", err)
	}
	if len(sender.code) != 6 || strings.Trim(sender.code, "0123456789") != "" {
		t.Fatalf("expected 6-digit numeric code, got %q", sender.code)
	}

	if err := issuer.Verify(ctx, "user-1", sender.code, model.PurposeRegistration, nil); err != nil {
		t.Fatalf("verify error: %v", err)
	}
}

func TestCodeIsSingleUse(t *testing.T) {
	store := &fakeStore{}
	sender := &captureSender{}
	issuer := newIssuer(store, sender)
	ctx := context.Background()

	if err := issuer.Issue(ctx, "user-1", "9876543210", model.PurposeRegistration, nil); err != nil {
		t.Fatalf("issue error: %v", err)
	}
	if err := issuer.Verify(ctx, "user-1", sender.code, model.PurposeRegistration, nil); err != nil {
		t.Fatalf("first verify error: %v", err)
	}
	if err := issuer.Verify(ctx, "user-1", sender.code, model.PurposeRegistration, nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid on reuse, got %v", err)
	}
}

func TestCodeScopedByPurpose(t *testing.T) {
	store := &fakeStore{}
	sender := &captureSender{}
	issuer := newIssuer(store, sender)
	ctx := context.Background()

	if err := issuer.Issue(ctx, "user-1", "9876543210", model.PurposeRegistration, nil); err != nil {
		t.Fatalf("issue error: %v", err)
	}
	if err := issuer.Verify(ctx, "user-1", sender.code, model.PurposePasswordReset, nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("registration code must not verify a password-reset request, got %v", err)
	}
}

func TestCodeScopedByTenant(t *testing.T) {
	store := &fakeStore{}
	sender := &captureSender{}
	issuer := newIssuer(store, sender)
	ctx := context.Background()

	// Platform-scoped code must not validate a school-scoped request.
	if err := issuer.Issue(ctx, "user-1", "9876543210", model.PurposeRegistration, nil); err != nil {
		t.Fatalf("issue error: %v", err)
	}
	school := "school-1"
	if err := issuer.Verify(ctx, "user-1", sender.code, model.PurposeRegistration, &school); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected tenant scope mismatch, got %v", err)
	}
}

func TestReissueInvalidatesPreviousCode(t *testing.T) {
	store := &fakeStore{}
	sender := &captureSender{}
	issuer := newIssuer(store, sender)
	ctx := context.Background()

	if err := issuer.Issue(ctx, "user-1", "9876543210", model.PurposeRegistration, nil); err != nil {
		t.Fatalf("issue error: %v", err)
	}
	first := sender.code
	if err := issuer.Issue(ctx, "user-1", "9876543210", model.PurposeRegistration, nil); err != nil {
		t.Fatalf("reissue error: %v", err)
	}
	if first != sender.code {
		if err := issuer.Verify(ctx, "user-1", first, model.PurposeRegistration, nil); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected stale code to be invalid, got %v", err)
		}
	}
	if err := issuer.Verify(ctx, "user-1", sender.code, model.PurposeRegistration, nil); err != nil {
		t.Fatalf("fresh code verify error: %v", err)
	}
}

func TestDeliveryFailureKeepsCode(t *testing.T) {
	store := &fakeStore{}
	sender := &captureSender{err: errors.New("gateway down")}
	issuer := newIssuer(store, sender)
	ctx := context.Background()

	if err := issuer.Issue(ctx, "user-1", "9876543210", model.PurposeRegistration, nil); err == nil {
		t.Fatalf("expected delivery error")
	}
	// The persisted code is still verifiable; resend covers re-delivery.
	if err := issuer.Verify(ctx, "user-1", sender.code, model.PurposeRegistration, nil); err != nil {
		t.Fatalf("verify error: %v", err)
	}
}

func TestMaskDigits(t *testing.T) {
	if got := maskDigits("9876543210"); got != "*******210" {
		t.Fatalf("unexpected mask: %q", got)
	}
	if got := maskDigits("12"); got != "12" {
		t.Fatalf("short numbers pass through, got %q", got)
	}
}
