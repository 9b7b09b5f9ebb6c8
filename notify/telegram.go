package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// telegramMaxText is the Bot API limit for one message, in characters.
const telegramMaxText = 4096

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	// Silent mutes the sink entirely: Send succeeds without a request.
	Silent  bool
	APIBase string        // Default: DefaultTelegramAPI.
	Timeout time.Duration // Default: 10s.
	Client  *http.Client
}

func (c *TelegramConfig) defaults() {
	if c.APIBase == "" {
		c.APIBase = DefaultTelegramAPI
	}
	c.APIBase = strings.TrimRight(c.APIBase, "/")
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: c.Timeout}
	}
}

// Telegram sends messages with the Bot API sendMessage method in HTML mode.
type Telegram struct {
	config TelegramConfig
}

// NewTelegram creates a Telegram sink. BotToken and ChatID are required.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram: bot_token is required")
	}
	if cfg.ChatID == "" {
		return nil, fmt.Errorf("telegram: chat_id is required")
	}
	cfg.defaults()
	return &Telegram{config: cfg}, nil
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts msg to the configured chat.
func (t *Telegram) Send(ctx context.Context, msg Message) error {
	if t.config.Silent {
		return nil
	}
	form := url.Values{
		"chat_id":                  {t.config.ChatID},
		"text":                     {truncate(msg.Text, telegramMaxText)},
		"parse_mode":               {"HTML"},
		"disable_web_page_preview": {"true"},
	}
	endpoint := t.config.APIBase + "/bot" + t.config.BotToken + "/sendMessage"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return t.fail(msg, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.config.Client.Do(req)
	if err != nil {
		// The error string carries the URL, which carries the token.
		return t.fail(msg, fmt.Errorf("http post: %s", redact(err.Error(), t.config.BotToken)))
	}
	defer resp.Body.Close()

	var body telegramResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return t.fail(msg, fmt.Errorf("http %d: decode: %w", resp.StatusCode, err))
	}
	if resp.StatusCode != http.StatusOK || !body.OK {
		return t.fail(msg, fmt.Errorf("http %d: %s", resp.StatusCode, body.Description))
	}
	return nil
}

func (t *Telegram) fail(msg Message, cause error) error {
	return &ErrSendFailed{Sink: "telegram", Kind: msg.Kind, Cause: cause}
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "***")
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
