package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"

	"github.com/makt28/vigil/internal/model"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramSender sends alerts via the Telegram Bot API. The destination is
// the chat id.
type TelegramSender struct {
	BotToken string
	APIBase  string
	Client   *http.Client
}

func (t *TelegramSender) Type() model.ChannelType { return model.ChannelTelegram }

func (t *TelegramSender) Validate() error {
	if t.BotToken == "" {
		return errors.New("telegram: missing TELEGRAM_BOT_TOKEN")
	}
	return nil
}

func (t *TelegramSender) Send(ctx context.Context, chatID string, p Payload) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	if chatID == "" {
		return "", errors.New("telegram: chat id is required")
	}

	body, err := json.Marshal(map[string]interface{}{
		"chat_id":    chatID,
		"text":       formatTelegramMessage(p),
		"parse_mode": "HTML",
	})
	if err != nil {
		return "", fmt.Errorf("telegram: marshal payload: %w", err)
	}

	base := t.APIBase
	if base == "" {
		base = telegramAPIBase
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient(t.Client).Do(req)
	if err != nil {
		return "", fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Result struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Result.MessageID == 0 {
		return "", nil
	}
	return strconv.FormatInt(out.Result.MessageID, 10), nil
}

func formatTelegramMessage(p Payload) string {
	return fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(p.Title), html.EscapeString(p.Summary))
}
