package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
	"github.com/Xie-Hui/solana-validator-switch/internal/errs"
)

// TelegramSender posts alert messages to a Telegram bot chat, the one
// built-in transport variant. The core only ever sees Send's
// success/failure.
type TelegramSender struct {
	BotToken string
	ChatID   string
	HTTP     *http.Client
}

// NewTelegramSender returns a TelegramSender with a sane default client.
func NewTelegramSender(botToken, chatID string) *TelegramSender {
	return &TelegramSender{
		BotToken: botToken,
		ChatID:   chatID,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramSender) Send(ctx context.Context, a domain.Alert) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.BotToken)
	payload := map[string]any{
		"chat_id":                  t.ChatID,
		"text":                     formatMessage(a),
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errs.New(errs.AlertTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errs.New(errs.AlertTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return errs.New(errs.AlertTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.New(errs.AlertTransport, fmt.Errorf("telegram API returned status %d", resp.StatusCode))
	}
	return nil
}

func formatMessage(a domain.Alert) string {
	switch a.Kind {
	case domain.AlertDelinquency:
		return fmt.Sprintf("*VALIDATOR DELINQUENCY ALERT*\n\npair: %d\n%s", a.PairIndex, a.Message)
	case domain.AlertSshFailure:
		return fmt.Sprintf("*SSH FAILURE*\n\npair: %d\n%s", a.PairIndex, a.Message)
	case domain.AlertRpcFailure:
		return fmt.Sprintf("*RPC FAILURE*\n\npair: %d\n%s", a.PairIndex, a.Message)
	case domain.AlertSwitchSuccess:
		return fmt.Sprintf("*VALIDATOR SWITCH SUCCESSFUL*\n\npair: %d\n%s", a.PairIndex, a.Message)
	case domain.AlertSwitchFailure:
		return fmt.Sprintf("*VALIDATOR SWITCH FAILED*\n\npair: %d\n%s\n\nManual intervention may be required.", a.PairIndex, a.Message)
	case domain.AlertTest:
		return fmt.Sprintf("*SVS ALERT TEST*\n\n%s", a.Message)
	default:
		return a.Message
	}
}

// BuildTestMessage enumerates every configured pair's vote/identity pair,
// per the original's send_test_alert, rather than sending a bare ping.
func BuildTestMessage(pairs []*domain.ValidatorPair) string {
	msg := "This is a test message from the validator switch tool.\n\nMonitoring validators:\n"
	for _, p := range pairs {
		activeIdentity := p.NodeA.LastIdentity
		if activeIdentity == "" {
			activeIdentity = p.NodeB.LastIdentity
		}
		msg += fmt.Sprintf("- pair %d: vote=%s identity=%s\n", p.Index, p.VoteAccountPubkey, activeIdentity)
	}
	return msg
}
