package sms

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/quickgig/auth-service/internal/phone"
)

// MockSender logs sends instead of delivering them. The code itself is never
// logged, only the masked destination.
type MockSender struct {
	log *slog.Logger
}

// NewMockSender creates the mock SMS sender.
func NewMockSender(log *slog.Logger) *MockSender {
	return &MockSender{log: log}
}

func (m *MockSender) SendVerificationCode(_ context.Context, phoneE164, _ string) (string, error) {
	messageID := "mock-" + uuid.NewString()
	m.log.Info("mock SMS send", "phone", phone.Mask(phoneE164), "message_id", messageID)
	return messageID, nil
}

func (m *MockSender) IsValidPhoneNumber(phoneE164 string) bool {
	return basicE164(phoneE164)
}
