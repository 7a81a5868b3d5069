package testutil

import (
	"context"
	"sync"
	"time"
)

// SentMail is one message captured by MockMailer.
type SentMail struct {
	Kind      string // "email_verification" or "magic_link"
	To        string
	Token     string
	ExpiresIn time.Duration
	Vars      map[string]string
}

// MockMailer records outbound mail instead of sending it.
// Err, when set, is returned from every send after recording.
type MockMailer struct {
	Err error

	sent []SentMail
	mu   sync.Mutex
}

func (m *MockMailer) record(kind, to, token string, expiresIn time.Duration, vars map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMail{Kind: kind, To: to, Token: token, ExpiresIn: expiresIn, Vars: vars})
	return m.Err
}

func (m *MockMailer) SendEmailVerification(_ context.Context, to, token string, expiresIn time.Duration, vars map[string]string) error {
	return m.record("email_verification", to, token, expiresIn, vars)
}

func (m *MockMailer) SendMagicLink(_ context.Context, to, token string, expiresIn time.Duration, vars map[string]string) error {
	return m.record("magic_link", to, token, expiresIn, vars)
}

// Sent returns a copy of everything sent so far.
func (m *MockMailer) Sent() []SentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMail(nil), m.sent...)
}

// Last returns the most recent message of kind, ok=false if none.
func (m *MockMailer) Last(kind string) (SentMail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].Kind == kind {
			return m.sent[i], true
		}
	}
	return SentMail{}, false
}
