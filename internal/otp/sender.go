package otp

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogSender writes codes to the service log instead of dispatching them.
// Stands in for the platform's SMS/email channel in development and tests.
type LogSender struct {
	Log *logrus.Logger
}

func (s LogSender) Send(_ context.Context, phone, code, purpose string) error {
	s.Log.WithFields(logrus.Fields{
		"phone":   maskDigits(phone),
		"purpose": purpose,
		"code":    code,
	}).Info("otp issued")
	return nil
}

func maskDigits(phone string) string {
	if len(phone) <= 3 {
		return phone
	}
	masked := []byte(phone)
	for i := 0; i < len(masked)-3; i++ {
		masked[i] = '*'
	}
	return string(masked)
}
