package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/makt28/vigil/internal/model"
)

const resendAPIBase = "https://api.resend.com"

// EmailSender delivers alerts through the Resend HTTP API.
type EmailSender struct {
	APIKey  string
	From    string
	APIBase string
	Client  *http.Client
}

func (e *EmailSender) Type() model.ChannelType { return model.ChannelEmail }

func (e *EmailSender) Validate() error {
	if e.APIKey == "" || e.From == "" {
		return errors.New("email: missing RESEND_API_KEY or ALERT_EMAIL_FROM")
	}
	return nil
}

func (e *EmailSender) Send(ctx context.Context, to string, p Payload) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]interface{}{
		"from":    e.From,
		"to":      []string{to},
		"subject": p.Title,
		"text":    p.Summary,
	})
	if err != nil {
		return "", fmt.Errorf("email: marshal payload: %w", err)
	}

	base := e.APIBase
	if base == "" {
		base = resendAPIBase
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("email: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient(e.Client).Do(req)
	if err != nil {
		return "", fmt.Errorf("email: send request: %w", err)
	}
	defer resp.Body.Close()

	text, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("email: resend failed: %d %s", resp.StatusCode, text)
	}

	var out struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(text, &out) != nil {
		return "", nil
	}
	return out.ID, nil
}
