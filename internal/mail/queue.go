// queue.go
//
// Redis-backed async mail queue. QueuedMailer implements Mailer and enqueues
// jobs instead of sending synchronously; StartWorker drains the queue in a
// background goroutine and hands each job to the inner Mailer.
package mail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vln-gg/vlnauth/internal/aead"
	"github.com/vln-gg/vlnauth/internal/metrics"
)

// QueueKey is the Redis list used as the outbound mail queue.
const QueueKey = "vlnauth:mail:queue"

// DefaultMaxQueueSize caps the queue so a dead provider can't grow it without bound. 0 = unlimited.
const DefaultMaxQueueSize int64 = 1000

// ErrQueueFull is returned by enqueue when the queue has reached its size cap.
var ErrQueueFull = errors.New("mail queue full")

// EmailJob is the serialized payload pushed onto the queue.
type EmailJob struct {
	Type      string            `json:"type"`
	ToEmail   string            `json:"to_email"`
	Token     string            `json:"token"`
	ExpiresIn int64             `json:"expires_in"` // nanoseconds
	Vars      map[string]string `json:"vars"`
	Encrypted bool              `json:"encrypted,omitempty"` // Token is base64 AES-GCM ciphertext
}

// QueuedMailer enqueues email jobs to Redis so request handlers return
// without waiting on the provider. Callers are unaware of async dispatch.
type QueuedMailer struct {
	inner        Mailer
	rdb          *redis.Client
	maxQueueSize int64
	encKey       []byte // optional 32-byte key; tokens sit in Redis encrypted when set
	logger       *slog.Logger
}

// NewQueuedMailer wraps inner with a Redis-backed async queue.
// encKey may be nil, otherwise it must be 32 bytes (AES-256).
func NewQueuedMailer(inner Mailer, rdb *redis.Client, maxSize int64, encKey []byte, logger *slog.Logger) (*QueuedMailer, error) {
	if encKey != nil && len(encKey) != aead.KeySize {
		return nil, errors.New("mail queue encryption key must be 32 bytes")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueuedMailer{inner: inner, rdb: rdb, maxQueueSize: maxSize, encKey: encKey, logger: logger}, nil
}

// enqueueScript atomically checks the queue length and pushes the job only if
// under the cap. Returns 1 if enqueued, 0 if rejected (queue full).
// KEYS[1] = queue key, ARGV[1] = max size (0 = skip check), ARGV[2] = payload.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// SendEmailVerification enqueues an email verification job.
func (q *QueuedMailer) SendEmailVerification(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	return q.enqueue(ctx, EmailJob{
		Type:      KindEmailVerification,
		ToEmail:   toEmail,
		Token:     token,
		ExpiresIn: int64(expiresIn),
		Vars:      vars,
	})
}

// SendMagicLink enqueues a magic link job.
func (q *QueuedMailer) SendMagicLink(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	return q.enqueue(ctx, EmailJob{
		Type:      KindMagicLink,
		ToEmail:   toEmail,
		Token:     token,
		ExpiresIn: int64(expiresIn),
		Vars:      vars,
	})
}

// enqueue serializes job to JSON and appends it to the Redis queue.
func (q *QueuedMailer) enqueue(ctx context.Context, job EmailJob) error {
	if q.encKey != nil {
		sealed, err := aead.Seal(q.encKey, []byte(job.Token))
		if err != nil {
			return fmt.Errorf("encrypting email job token: %w", err)
		}
		job.Token = encodeSealed(sealed)
		job.Encrypted = true
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling email job: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{QueueKey}, q.maxQueueSize, data).Int64()
	if err != nil {
		metrics.MailDispatch.WithLabelValues("queue", job.Type, "error").Inc()
		return fmt.Errorf("enqueuing email job: %w", err)
	}
	if ok == 0 {
		metrics.MailDispatch.WithLabelValues("queue", job.Type, "queue_full").Inc()
		return ErrQueueFull
	}
	metrics.MailDispatch.WithLabelValues("queue", job.Type, "enqueued").Inc()
	return nil
}

// StartWorker drains the mail queue in a loop, dispatching each job to inner.
// Blocks until ctx is cancelled. Call in a goroutine.
func (q *QueuedMailer) StartWorker(ctx context.Context) {
	for {
		// BLPop blocks up to 2s then returns redis.Nil, keeps the loop responsive to ctx
		res, err := q.rdb.BLPop(ctx, 2*time.Second, QueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			q.logger.Error("mail worker: queue pop failed", "error", err)
			// Back off so a Redis outage doesn't spin
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// res[0] = key name, res[1] = payload
		var job EmailJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.logger.Error("mail worker: bad job payload", "error", err)
			continue
		}
		q.dispatch(ctx, job)
	}
}

// dispatch calls the inner Mailer method for job.Type.
// Errors are logged and dropped, no retry.
func (q *QueuedMailer) dispatch(ctx context.Context, job EmailJob) {
	if job.Encrypted {
		token, err := q.openToken(job.Token)
		if err != nil {
			q.logger.Error("mail worker: cannot decrypt job token", "type", job.Type, "error", err)
			return
		}
		job.Token = token
	}
	expiresIn := time.Duration(job.ExpiresIn)
	var err error
	switch job.Type {
	case KindEmailVerification:
		err = q.inner.SendEmailVerification(ctx, job.ToEmail, job.Token, expiresIn, job.Vars)
	case KindMagicLink:
		err = q.inner.SendMagicLink(ctx, job.ToEmail, job.Token, expiresIn, job.Vars)
	default:
		q.logger.Error("mail worker: unknown job type", "type", job.Type)
		return
	}
	if err != nil {
		q.logger.Error("mail worker: send failed", "type", job.Type, "to", job.ToEmail, "error", err)
	}
}

func (q *QueuedMailer) openToken(encoded string) (string, error) {
	if q.encKey == nil {
		return "", errors.New("encrypted job but no key configured")
	}
	sealed, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(q.encKey, sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func encodeSealed(sealed []byte) string {
	return base64.RawStdEncoding.EncodeToString(sealed)
}
