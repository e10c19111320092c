package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"timeline_tracker/internal/domain"
)

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Source  string
}

// Webhook POSTs one JSON event per item. Any non-2xx response is a failure.
type Webhook struct {
	client *http.Client
	url    string
	source string
	logger *slog.Logger
}

func NewWebhook(cfg WebhookConfig, logger *slog.Logger) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Webhook{
		client: &http.Client{Timeout: cfg.Timeout},
		url:    cfg.URL,
		source: cfg.Source,
		logger: logger.With("sink", "webhook"),
	}
}

func (w *Webhook) Name() string {
	return "webhook"
}

func (w *Webhook) Deliver(ctx context.Context, item *domain.Item) error {
	body, err := json.Marshal(newEvent(w.source, item))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TimelineTracker/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	w.logger.Debug("delivered item", "entity", item.EntityName, "item_id", item.ID)
	return nil
}

func (w *Webhook) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
