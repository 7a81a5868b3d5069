// mail.go
//
// Mailer interface, shared message composition and NopMailer.
// Transports live in their own files (smtp.go, sendgrid.go, queue.go).
package mail

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/vln-gg/vlnauth/internal/metrics"
)

// Mailer sends transactional emails.
type Mailer interface {
	// SendEmailVerification sends an email verification link containing the raw token.
	// vars is a map of %%key%% placeholder names to replacement values (e.g. "name": "Ada").
	// Unresolved placeholders are stripped rather than left in the email.
	// Reserved keys (url, toEmail, expiresIn) are owned by the mailer and cannot be overridden via vars.
	SendEmailVerification(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error

	// SendMagicLink sends a one-time sign-in link containing the raw token.
	// Same vars rules as SendEmailVerification.
	SendMagicLink(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error
}

// Message kinds, also used as queue job types and metric labels.
const (
	KindEmailVerification = "email_verification"
	KindMagicLink         = "magic_link"
)

// Links holds the frontend pages the emailed tokens point at.
// The raw token is appended as ?token=.
type Links struct {
	VerifyURLBase    string
	MagicLinkURLBase string
}

// message is a rendered email, transport agnostic.
type message struct {
	To      string
	Subject string
	Body    string
}

type template struct {
	subject string
	body    string
}

var templates = map[string]template{
	KindEmailVerification: {
		subject: "Confirm your email address",
		body: "Hi %%name%%,\n\n" +
			"Please verify your email address to finish setting up your VLN account.\n\n" +
			"%%url%%\n\n" +
			"This link expires in %%expiresIn%%. If you did not create an account, ignore this email.",
	},
	KindMagicLink: {
		subject: "Your VLN sign-in link",
		body: "Click the link below to sign in to VLN:\n\n" +
			"%%url%%\n\n" +
			"This link expires in %%expiresIn%% and works once. If you did not request it, ignore this email.",
	},
}

// compose renders kind for toEmail. Caller vars never override reserved keys.
func (l Links) compose(kind, toEmail, token string, expiresIn time.Duration, vars map[string]string) (message, error) {
	tmpl, ok := templates[kind]
	if !ok {
		return message{}, fmt.Errorf("unknown mail kind %q", kind)
	}
	base := l.VerifyURLBase
	if kind == KindMagicLink {
		base = l.MagicLinkURLBase
	}

	merged := make(map[string]string, len(vars)+3)
	for k, v := range vars {
		if !reservedVars[k] {
			merged[k] = v
		}
	}
	if merged["name"] == "" {
		merged["name"] = "there"
	}
	merged["toEmail"] = toEmail
	merged["expiresIn"] = formatDuration(expiresIn)
	merged["url"] = base + "?token=" + url.QueryEscape(token)

	return message{
		To:      toEmail,
		Subject: applyVars(tmpl.subject, merged),
		Body:    applyVars(tmpl.body, merged),
	}, nil
}

// NopMailer discards all outbound email. Used when no provider is configured.
type NopMailer struct{}

func (NopMailer) SendEmailVerification(_ context.Context, _, _ string, _ time.Duration, _ map[string]string) error {
	return nil
}

func (NopMailer) SendMagicLink(_ context.Context, _, _ string, _ time.Duration, _ map[string]string) error {
	return nil
}

// reservedVars holds placeholder keys owned by the mailer.
// Caller-supplied vars with these keys are silently dropped to prevent override.
var reservedVars = map[string]bool{
	"url":       true,
	"toEmail":   true,
	"expiresIn": true,
}

// unresolvedPlaceholder matches any %%word%% placeholder left after substitution.
var unresolvedPlaceholder = regexp.MustCompile(`%%\w+%%`)

// applyVars substitutes %%key%% placeholders in tmpl using vars, then strips any
// that remain unresolved rather than leaving them in the output.
func applyVars(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "%%"+key+"%%", value)
	}
	substituted := strings.NewReplacer(pairs...).Replace(tmpl)
	return unresolvedPlaceholder.ReplaceAllString(substituted, "")
}

// formatDuration renders a duration as a human-readable expiry string.
// e.g. time.Hour → "1 hour", 48*time.Hour → "2 days", 15*time.Minute → "15 minutes".
func formatDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	case d >= time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	default:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", mins)
	}
}

// countDispatch records one send attempt.
func countDispatch(transport, kind string, err error) {
	outcome := "sent"
	if err != nil {
		outcome = "error"
	}
	metrics.MailDispatch.WithLabelValues(transport, kind, outcome).Inc()
}
