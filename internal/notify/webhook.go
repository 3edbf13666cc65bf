package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/makt28/vigil/internal/model"
)

// WebhookSender posts alerts as JSON to the destination URL.
type WebhookSender struct {
	Client *http.Client
	Now    func() time.Time
}

func (w *WebhookSender) Type() model.ChannelType { return model.ChannelWebhook }

func (w *WebhookSender) Validate() error { return nil }

func (w *WebhookSender) Send(ctx context.Context, url string, p Payload) (string, error) {
	if url == "" {
		return "", errors.New("webhook: url is required")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}

	body, err := json.Marshal(map[string]interface{}{
		"text":      p.Summary,
		"title":     p.Title,
		"timestamp": now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient(w.Client).Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return "", nil
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 10 * time.Second}
}
