// Package notify delivers operator notifications. The engine only depends on
// the Notifier interface; the concrete sink is a Discord webhook, with a
// no-op fallback when no webhook is configured.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"saxo-fx-bot/internal/metrics"
)

// Notifier is the outbound operator-notification contract. Implementations
// must be safe for concurrent use; delivery failures are logged, never fatal.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Discord posts messages to a Discord webhook.
type Discord struct {
	http       *resty.Client
	webhookURL string
	logger     *slog.Logger
}

// NewDiscord creates a webhook notifier.
func NewDiscord(webhookURL string, logger *slog.Logger) *Discord {
	httpClient := resty.New().
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Discord{
		http:       httpClient,
		webhookURL: webhookURL,
		logger:     logger.With("component", "notify"),
	}
}

// Notify posts a single message. Discord returns 204 on success.
func (d *Discord) Notify(ctx context.Context, message string) error {
	resp, err := d.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"content": message}).
		Post(d.webhookURL)
	if err != nil {
		d.logger.Warn("discord notify failed", "error", err)
		return fmt.Errorf("discord notify: %w", err)
	}
	if resp.StatusCode() != http.StatusNoContent && resp.StatusCode() != http.StatusOK {
		d.logger.Warn("discord notify rejected", "status", resp.StatusCode())
		return fmt.Errorf("discord notify: status %d", resp.StatusCode())
	}
	metrics.NotificationsSent.Inc()
	return nil
}

// Nop discards all notifications. Used in tests and when no webhook is set.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

// FromConfig picks the sink for the given webhook URL.
func FromConfig(webhookURL string, logger *slog.Logger) Notifier {
	if webhookURL == "" {
		logger.Info("no discord webhook configured, notifications disabled")
		return Nop{}
	}
	return NewDiscord(webhookURL, logger)
}
