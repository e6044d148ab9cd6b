// Package notify delivers outbound SMS text to the user.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lightfriend/internal/constants"
	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/metrics"
	"lightfriend/internal/models"
	"lightfriend/internal/privacy"
	"lightfriend/internal/retry"
	"lightfriend/internal/service"
	"lightfriend/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

// Notifier sends one SMS-sized text to a user.
type Notifier interface {
	Notify(ctx context.Context, userID, text string) error
}

// New returns a webhook notifier when a URL is configured, otherwise one
// that only logs.
func New(config models.NotifyConfig, logger *logrus.Logger) Notifier {
	if config.WebhookURL == "" {
		return NewLogNotifier(logger)
	}
	return NewWebhookNotifier(config, nil, logger)
}

// LogNotifier writes messages to the log instead of delivering them.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, userID, text string) error {
	service.LogWithContext(ctx, n.logger, logrus.Fields{
		service.LogFieldUserID: userID,
		service.LogFieldSize:   len(text),
	}).Info("Outbound SMS (log only)")
	return nil
}

// Payload is the JSON body posted to the webhook.
type Payload struct {
	UserID string    `json:"user_id"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// WebhookNotifier posts messages to an SMS relay.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	backoff retry.BackoffConfig
	logger  *logrus.Logger
}

func NewWebhookNotifier(config models.NotifyConfig, httpClient *http.Client, logger *logrus.Logger) *WebhookNotifier {
	if httpClient == nil {
		timeout := time.Duration(config.TimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = constants.DefaultNotifyTimeoutSec * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	backoff := retry.DefaultBackoffConfig()
	backoff.MaxAttempts = 3
	return &WebhookNotifier{
		url:     config.WebhookURL,
		client:  httpClient,
		breaker: circuitbreaker.NewWithLogger("sms-webhook", 5, 30*time.Second, logger),
		backoff: backoff,
		logger:  logger,
	}
}

// statusError is a non-2xx webhook response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.code)
}

// retryable keeps retrying server errors and transport failures only.
func retryable(err error) bool {
	if se, ok := err.(*statusError); ok {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return !circuitbreaker.IsCircuitBreakerError(err)
}

func (n *WebhookNotifier) Notify(ctx context.Context, userID, text string) error {
	body, err := json.Marshal(Payload{UserID: userID, Text: text, SentAt: time.Now().UTC()})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrCodeNotifyFailed, "failed to encode notification")
	}

	logger := n.logger.WithField(service.LogFieldUserID, privacy.MaskUserID(userID))
	backoff := retry.NewBackoff(n.backoff).OnRetry(func(attempt int, err error, delay time.Duration) {
		logger.WithError(err).WithField(service.LogFieldAttempt, attempt).Warn("Retrying SMS webhook")
	})

	start := time.Now()
	err = backoff.RetryWithPredicate(ctx, func() error {
		return n.breaker.Execute(ctx, func(ctx context.Context) error {
			return n.post(ctx, body)
		})
	}, retryable)

	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.RecordTimer("notify_webhook_duration", time.Since(start), map[string]string{"status": status}, "SMS webhook latency")
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrCodeNotifyFailed, "failed to deliver notification").
			WithUserMessage("Sorry, I couldn't send you a text message right now.")
	}
	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}
