// Package notification delivers LUMA notifications to the care-team system.
package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/recoverlution/luma/internal/domain/notification"
	"github.com/recoverlution/luma/pkg/circuitbreaker"
	"github.com/recoverlution/luma/pkg/logger"
	"github.com/recoverlution/luma/pkg/retry"
)

// Header names set on every webhook request.
const (
	HeaderSignature      = "X-Luma-Signature"
	HeaderNotificationID = "X-Luma-Notification-Id"
	HeaderDeliveryTry    = "X-Luma-Delivery-Attempt"
)

// WebhookConfig configures the care-team webhook.
type WebhookConfig struct {
	// URL receives a JSON POST per notification.
	URL string

	// Secret signs the body with HMAC-SHA256 when set.
	Secret string

	// Timeout bounds one HTTP attempt.
	Timeout time.Duration

	// UserAgent identifies the engine to the receiver.
	UserAgent string
}

// DefaultWebhookConfig returns defaults without a URL.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Timeout:   10 * time.Second,
		UserAgent: "luma-engine/1",
	}
}

// statusError is a non-2xx response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook responded %d", e.code)
}

// WebhookSender implements notification.Sender over HTTP.
type WebhookSender struct {
	client  *resty.Client
	config  WebhookConfig
	breaker *circuitbreaker.CircuitBreaker
	retrier *retry.Retrier
	log     *logger.Logger
}

// WebhookOption customises a WebhookSender.
type WebhookOption func(*WebhookSender)

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) WebhookOption {
	return func(s *WebhookSender) { s.breaker = cb }
}

// WithRetrier replaces the default retrier.
func WithRetrier(r *retry.Retrier) WebhookOption {
	return func(s *WebhookSender) { s.retrier = r }
}

// NewWebhookSender creates a sender. It returns an error when the URL is empty.
func NewWebhookSender(config WebhookConfig, log *logger.Logger, opts ...WebhookOption) (*WebhookSender, error) {
	if config.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	def := DefaultWebhookConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.With(logger.Component("webhook_sender"))

	s := &WebhookSender{
		client: resty.New().
			SetTimeout(config.Timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", config.UserAgent),
		config: config,
		log:    log,
	}
	s.breaker = circuitbreaker.WebhookBreaker(func(name string, from, to circuitbreaker.State) {
		log.Warn("circuit breaker state changed",
			logger.String("breaker", name),
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
	}, circuitbreaker.WithIsFailure(countsAgainstReceiver))
	s.retrier = retry.WebhookRetrier(retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		log.Warn("webhook attempt failed, retrying",
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Err(err),
		)
	}))
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ notification.Sender = (*WebhookSender)(nil)

// Channel implements notification.Sender.
func (s *WebhookSender) Channel() notification.Channel {
	return notification.ChannelWebhook
}

// Breaker exposes the breaker for health reporting.
func (s *WebhookSender) Breaker() *circuitbreaker.CircuitBreaker {
	return s.breaker
}

// Send posts n. Network errors, 429 and 5xx are retried; other 4xx and an
// open circuit end delivery at once.
func (s *WebhookSender) Send(ctx context.Context, n *notification.Notification) notification.DeliveryResult {
	res := notification.DeliveryResult{Channel: notification.ChannelWebhook}

	body, err := json.Marshal(n)
	if err != nil {
		res.Error = fmt.Errorf("marshal notification: %w", err)
		return res
	}

	attempt := 0
	err = s.retrier.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := s.breaker.Execute(ctx, func(ctx context.Context) error {
			code, err := s.post(ctx, n.ID, body, attempt)
			res.StatusCode = code
			return err
		})
		return classify(err)
	})
	if err != nil {
		res.Error = err
		res.Retryable = isTransient(err)
		return res
	}

	res.Success = true
	res.DeliveredAt = time.Now().UTC()
	return res
}

func (s *WebhookSender) post(ctx context.Context, id string, body []byte, attempt int) (int, error) {
	req := s.client.R().
		SetContext(ctx).
		SetHeader(HeaderNotificationID, id).
		SetHeader(HeaderDeliveryTry, fmt.Sprint(attempt)).
		SetBody(body)
	if s.config.Secret != "" {
		req.SetHeader(HeaderSignature, Sign(s.config.Secret, body))
	}

	resp, err := req.Post(s.config.URL)
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return resp.StatusCode(), &statusError{code: resp.StatusCode()}
	}
	return resp.StatusCode(), nil
}

// Sign returns the hex HMAC-SHA256 of body under secret, prefixed "sha256=".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// classify wraps err for the retrier.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return retry.Permanent(err)
	}
	if isTransient(err) {
		return retry.Retryable(err)
	}
	return retry.Permanent(err)
}

func isTransient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !errors.Is(err, circuitbreaker.ErrCircuitOpen) && !errors.Is(err, circuitbreaker.ErrTooManyRequests)
}

// countsAgainstReceiver keeps client-side rejections (4xx other than 429)
// from opening the circuit.
func countsAgainstReceiver(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return !errors.Is(err, context.Canceled)
}
