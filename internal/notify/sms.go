package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/makt28/vigil/internal/model"
)

const (
	twilioAPIBase = "https://api.twilio.com"
	maxSMSLength  = 1500
)

// SMSSender delivers alerts through the Twilio Messages API.
type SMSSender struct {
	AccountSID string
	AuthToken  string
	From       string
	APIBase    string
	Client     *http.Client
}

func (s *SMSSender) Type() model.ChannelType { return model.ChannelSMS }

func (s *SMSSender) Validate() error {
	if s.AccountSID == "" || s.AuthToken == "" || s.From == "" {
		return errors.New("sms: missing TWILIO_ACCOUNT_SID/TWILIO_AUTH_TOKEN/TWILIO_FROM_NUMBER")
	}
	return nil
}

func (s *SMSSender) Send(ctx context.Context, to string, p Payload) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}

	text := p.Title + "\n" + p.Summary
	if r := []rune(text); len(r) > maxSMSLength {
		text = string(r[:maxSMSLength])
	}
	form := url.Values{
		"To":   {to},
		"From": {s.From},
		"Body": {text},
	}

	base := s.APIBase
	if base == "" {
		base = twilioAPIBase
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", base, url.PathEscape(s.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("sms: create request: %w", err)
	}
	req.SetBasicAuth(s.AccountSID, s.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient(s.Client).Do(req)
	if err != nil {
		return "", fmt.Errorf("sms: send request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("sms: twilio failed: %d %s", resp.StatusCode, raw)
	}

	var out struct {
		SID string `json:"sid"`
	}
	if json.Unmarshal(raw, &out) != nil {
		return "", nil
	}
	return out.SID, nil
}
