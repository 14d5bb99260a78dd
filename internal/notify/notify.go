// Package notify posts subscription notifications when a package is ready
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/fairdata/download-service/config"
	"github.com/fairdata/download-service/internal/database"
	apphttp "github.com/fairdata/download-service/internal/http"
	"github.com/fairdata/download-service/internal/http/ratelimit"
	"github.com/fairdata/download-service/internal/metrics"
)

type payload struct {
	SubscriptionData string `json:"subscriptionData"`
}

// Notifier delivers one POST per subscription without retrying
type Notifier struct {
	client  *apphttp.Client
	metrics *metrics.Recorder
	logger  *zerolog.Logger
}

// New creates a notifier
func New(cfg config.NotifyConfig, rec *metrics.Recorder, logger *zerolog.Logger) *Notifier {
	return NewWithClient(apphttp.NewClient(ratelimit.DefaultConfig(), apphttp.WithTimeout(cfg.Timeout)), rec, logger)
}

// NewWithClient creates a notifier using client
func NewWithClient(client *apphttp.Client, rec *metrics.Recorder, logger *zerolog.Logger) *Notifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "notify").Logger()
	return &Notifier{client: client, metrics: rec, logger: &l}
}

// Notify posts the subscription's data to its URL. Any response below 400
// counts as delivered.
func (n *Notifier) Notify(ctx context.Context, sub database.Subscription) error {
	body, err := json.Marshal(payload{SubscriptionData: sub.SubscriptionData})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	n.logger.Debug().Str("notify_url", sub.NotifyURL).Str("task_id", sub.TaskID).Msg("Posting subscription notification")

	resp, err := n.client.PostJSON(ctx, sub.NotifyURL, body)
	if err != nil {
		n.metrics.RecordNotification(false)
		return fmt.Errorf("failed to post notification to %s: %w", sub.NotifyURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		n.metrics.RecordNotification(false)
		return fmt.Errorf("notification to %s returned status %d", sub.NotifyURL, resp.StatusCode)
	}

	n.metrics.RecordNotification(true)
	return nil
}

// NotifyAll notifies every subscription, logging failures
func (n *Notifier) NotifyAll(ctx context.Context, subs []database.Subscription) (sent int) {
	for _, sub := range subs {
		if err := n.Notify(ctx, sub); err != nil {
			n.logger.Error().Err(err).
				Str("task_id", sub.TaskID).
				Str("notify_url", sub.NotifyURL).
				Msg("Error posting subscription notification")
			continue
		}
		sent++
	}
	return sent
}
