// Package webhook delivers retry alerts to an HTTP endpoint as JSON.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultRetryMax     = 3
	defaultRetryWaitMin = 500 * time.Millisecond
	defaultRetryWaitMax = 5 * time.Second
	maxErrorBody        = 512
)

// Config configures a Sink.
type Config struct {
	// URL is the alert endpoint (required)
	URL string

	// Timeout bounds each HTTP attempt (default: 10s)
	Timeout time.Duration

	// RetryMax is the number of retries on connection errors, 429 and 5xx (default: 3)
	RetryMax int

	// RetryWaitMin and RetryWaitMax bound the backoff between attempts
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// Logger is optional; defaults to NoopLogger
	Logger reconcile.Logger
}

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("alert webhook returned status %d: %s", e.StatusCode, e.Body)
}

// Sink posts alerts to a webhook.
type Sink struct {
	url    string
	client *retryablehttp.Client
}

var _ reconcile.AlertSink = (*Sink)(nil)

// New creates a Sink.
func New(config Config) (*Sink, error) {
	url := strings.TrimSpace(config.URL)
	if url == "" {
		return nil, errors.New("alert webhook url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("alert webhook url must be http or https, got %q", url)
	}

	logger := config.Logger
	if logger == nil {
		logger = &reconcile.NoopLogger{}
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = durationOr(config.Timeout, defaultTimeout)
	client.RetryMax = defaultRetryMax
	if config.RetryMax > 0 {
		client.RetryMax = config.RetryMax
	}
	client.RetryWaitMin = durationOr(config.RetryWaitMin, defaultRetryWaitMin)
	client.RetryWaitMax = durationOr(config.RetryWaitMax, defaultRetryWaitMax)
	client.Logger = &leveledLogger{logger: logger}

	return &Sink{url: url, client: client}, nil
}

// Send posts the alert body {"title","failures","count"} to the endpoint.
func (s *Sink) Send(ctx context.Context, alert reconcile.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, body)
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// leveledLogger adapts reconcile.Logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger reconcile.Logger
}

var _ retryablehttp.LeveledLogger = (*leveledLogger)(nil)

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, fields(keysAndValues)...)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, fields(keysAndValues)...)
}

func fields(keysAndValues []interface{}) []reconcile.Field {
	out := make([]reconcile.Field, 0, len(keysAndValues)/2+1)
	out = append(out, reconcile.F("component", "alert_webhook"))
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		out = append(out, reconcile.F(key, keysAndValues[i+1]))
	}
	return out
}
