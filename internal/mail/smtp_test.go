// smtp_test.go
//
// Unit tests for message composition + integration tests for SMTPMailer.
// Integration tests require real SMTP credentials and skip gracefully if unset.
package mail

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// --- Unit tests (no SMTP required) ---

func TestApplyVars(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars map[string]string
		want string
	}{
		{
			name: "substitutes known keys",
			tmpl: "Hello %%name%%, your link is %%url%%",
			vars: map[string]string{"name": "Ada", "url": "https://vln.gg"},
			want: "Hello Ada, your link is https://vln.gg",
		},
		{
			name: "strips unresolved placeholders",
			tmpl: "Hello %%name%%, click %%url%%",
			vars: map[string]string{"name": "Ada"},
			want: "Hello Ada, click ",
		},
		{
			name: "nil vars strips all placeholders",
			tmpl: "%%greeting%%",
			vars: nil,
			want: "",
		},
		{
			name: "no placeholders passes through unchanged",
			tmpl: "Hello there, click the link.",
			vars: map[string]string{"name": "Ada"},
			want: "Hello there, click the link.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyVars(tt.tmpl, tt.vars)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{time.Minute, "1 minute"},
		{15 * time.Minute, "15 minutes"},
		{time.Hour, "1 hour"},
		{2 * time.Hour, "2 hours"},
		{24 * time.Hour, "1 day"},
		{30 * 24 * time.Hour, "30 days"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := formatDuration(tt.d)
			if got != tt.want {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestCompose(t *testing.T) {
	links := Links{
		VerifyURLBase:    "https://vln.gg/auth/verify-email",
		MagicLinkURLBase: "https://vln.gg/auth/magic-link",
	}

	t.Run("magic link points at the magic link page", func(t *testing.T) {
		msg, err := links.compose(KindMagicLink, "a@x.com", "tok+/=", 15*time.Minute, nil)
		if err != nil {
			t.Fatalf("compose: %v", err)
		}
		if !strings.Contains(msg.Body, "https://vln.gg/auth/magic-link?token=tok%2B%2F%3D") {
			t.Errorf("body missing escaped magic link url:\n%s", msg.Body)
		}
		if !strings.Contains(msg.Body, "15 minutes") {
			t.Errorf("body missing expiry:\n%s", msg.Body)
		}
		if msg.To != "a@x.com" {
			t.Errorf("to: got %q", msg.To)
		}
	})

	t.Run("verification uses name or a neutral greeting", func(t *testing.T) {
		msg, _ := links.compose(KindEmailVerification, "a@x.com", "tok", 24*time.Hour, map[string]string{"name": "Ada"})
		if !strings.HasPrefix(msg.Body, "Hi Ada,") {
			t.Errorf("greeting: %q", msg.Body[:20])
		}
		if !strings.Contains(msg.Body, "https://vln.gg/auth/verify-email?token=tok") {
			t.Errorf("body missing verify url:\n%s", msg.Body)
		}

		msg, _ = links.compose(KindEmailVerification, "a@x.com", "tok", 24*time.Hour, nil)
		if !strings.HasPrefix(msg.Body, "Hi there,") {
			t.Errorf("default greeting: %q", msg.Body[:20])
		}
	})

	t.Run("reserved vars cannot be overridden", func(t *testing.T) {
		msg, _ := links.compose(KindMagicLink, "user@x.com", "abc", time.Hour, map[string]string{
			"url":       "https://phishing.example.com",
			"expiresIn": "never",
			"toEmail":   "attacker@evil.com",
		})
		if strings.Contains(msg.Body, "phishing") || strings.Contains(msg.Body, "never") {
			t.Errorf("caller overrode a reserved var:\n%s", msg.Body)
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		if _, err := links.compose("password_reset", "a@x.com", "t", time.Hour, nil); err == nil {
			t.Error("expected error for unknown kind")
		}
	})
}

// --- Integration tests (require SMTP credentials) ---

// smtpTestMailer returns a configured SMTPMailer and recipient, or skips if env vars are missing.
func smtpTestMailer(t *testing.T) (*SMTPMailer, string) {
	t.Helper()
	host := os.Getenv("SMTP_HOST")
	port := os.Getenv("SMTP_PORT")
	from := os.Getenv("MAIL_FROM")
	to := os.Getenv("TEST_SMTP_TO")

	if host == "" || port == "" || from == "" || to == "" {
		t.Skip("smtp integration test: set SMTP_HOST, SMTP_PORT, MAIL_FROM and TEST_SMTP_TO to run")
	}

	return NewSMTPMailer(SMTPConfig{
		Host:        host,
		Port:        port,
		Username:    os.Getenv("SMTP_USERNAME"),
		Password:    os.Getenv("SMTP_PASSWORD"),
		FromAddress: from,
		Links: Links{
			VerifyURLBase:    "https://example.com/verify-email",
			MagicLinkURLBase: "https://example.com/magic-link",
		},
	}), to
}

func TestSMTPMailer_SendEmailVerification(t *testing.T) {
	mailer, to := smtpTestMailer(t)

	if err := mailer.SendEmailVerification(context.Background(), to, "test-verify-token", 24*time.Hour, map[string]string{"name": "Tester"}); err != nil {
		t.Fatalf("SendEmailVerification: %v", err)
	}
}

func TestSMTPMailer_SendMagicLink(t *testing.T) {
	mailer, to := smtpTestMailer(t)

	if err := mailer.SendMagicLink(context.Background(), to, "test-magic-token", 15*time.Minute, nil); err != nil {
		t.Fatalf("SendMagicLink: %v", err)
	}
}

func TestSMTPMailer_DialFailure(t *testing.T) {
	// Nothing listens on port 1
	m := NewSMTPMailer(SMTPConfig{Host: "127.0.0.1", Port: "1", FromAddress: "noreply@vln.gg"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := m.SendMagicLink(ctx, "a@x.com", "tok", time.Minute, nil)
	if err == nil || !strings.Contains(err.Error(), "smtp dial") {
		t.Errorf("expected dial error, got %v", err)
	}
}
