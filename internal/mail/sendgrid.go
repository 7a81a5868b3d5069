// sendgrid.go -- SendGrid HTTP API transport behind a circuit breaker.
//
// When SendGrid is failing the breaker opens and sends fail fast with
// gobreaker.ErrOpenState instead of stacking up 30s timeouts.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sony/gobreaker"
)

// SendGridConfig holds the API key, sender identity and link targets.
type SendGridConfig struct {
	APIKey      string
	FromAddress string
	FromName    string
	Links
}

// SendGridMailer sends through the SendGrid v3 mail API.
type SendGridMailer struct {
	cfg     SendGridConfig
	breaker *gobreaker.CircuitBreaker

	// send delivers one message and returns the HTTP status. Swapped in tests.
	send func(ctx context.Context, m *sgmail.SGMailV3) (int, error)
}

// NewSendGridMailer validates cfg and returns a mailer with a fresh breaker.
func NewSendGridMailer(cfg SendGridConfig) (*SendGridMailer, error) {
	if cfg.APIKey == "" || cfg.FromAddress == "" {
		return nil, errors.New("sendgrid: api key and from address are required")
	}
	client := sendgrid.NewSendClient(cfg.APIKey)
	return &SendGridMailer{
		cfg:     cfg,
		breaker: newBreaker("sendgrid"),
		send: func(ctx context.Context, m *sgmail.SGMailV3) (int, error) {
			resp, err := client.SendWithContext(ctx, m)
			if err != nil {
				return 0, err
			}
			return resp.StatusCode, nil
		},
	}, nil
}

// newBreaker trips after 5 consecutive failures and probes again after 30s.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// SendEmailVerification emails a verification link to toEmail.
func (m *SendGridMailer) SendEmailVerification(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	return m.deliver(ctx, KindEmailVerification, toEmail, token, expiresIn, vars)
}

// SendMagicLink emails a one-time sign-in link to toEmail.
func (m *SendGridMailer) SendMagicLink(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	return m.deliver(ctx, KindMagicLink, toEmail, token, expiresIn, vars)
}

func (m *SendGridMailer) deliver(ctx context.Context, kind, toEmail, token string, expiresIn time.Duration, vars map[string]string) (err error) {
	defer func() { countDispatch("sendgrid", kind, err) }()

	msg, err := m.cfg.compose(kind, toEmail, token, expiresIn, vars)
	if err != nil {
		return err
	}
	from := sgmail.NewEmail(m.cfg.FromName, m.cfg.FromAddress)
	to := sgmail.NewEmail("", msg.To)
	sg := sgmail.NewSingleEmail(from, msg.Subject, to, msg.Body, "")

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err = m.breaker.Execute(func() (interface{}, error) {
		status, err := m.send(ctx, sg)
		if err != nil {
			return nil, err
		}
		if status != http.StatusAccepted && status != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d", status)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("sendgrid %s: %w", kind, err)
	}
	return nil
}
