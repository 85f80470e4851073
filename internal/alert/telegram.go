package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

// TelegramNotifier posts plain-text messages through the Bot API
// sendMessage method.
type TelegramNotifier struct {
	enabled  bool
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

func NewTelegramNotifier(enabled bool, botToken, chatID, baseURL string, timeout time.Duration) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultTelegramBaseURL
	}
	return &TelegramNotifier{
		enabled:  enabled && botToken != "" && chatID != "",
		botToken: botToken,
		chatID:   chatID,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
	}
}

func (t *TelegramNotifier) Enabled() bool { return t != nil && t.enabled }

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if !t.Enabled() {
		return nil
	}
	body, err := json.Marshal(sendMessageRequest{ChatID: t.chatID, Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/bot"+t.botToken+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The token is part of the URL; keep it out of logged errors.
		return fmt.Errorf("telegram send: %s", strings.ReplaceAll(err.Error(), t.botToken, "***"))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	var parsed sendMessageResponse
	if len(respBody) == 0 || json.Unmarshal(respBody, &parsed) != nil {
		return nil
	}
	if !parsed.OK {
		return fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return nil
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}
