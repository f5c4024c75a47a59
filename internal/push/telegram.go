// Package push delivers cards through the outbox: Telegram client,
// dispatcher loop and DLQ recovery.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// MaxTextChars is the channel's hard message length limit.
const MaxTextChars = 4096

// SendResult is the normalized send outcome.
type SendResult struct {
	OK         bool
	MessageID  int64
	Error      string
	ErrorCode  int
	StatusCode int
	RetryAfter time.Duration
}

// Messenger is the channel contract the dispatcher sends through.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, text string) SendResult
	TestConnection(ctx context.Context) error
}

// TelegramConfig holds bot credentials and pacing.
type TelegramConfig struct {
	BotToken  string
	ChannelID string
	RateLimit float64 // messages per second, client-side pacing
	Timeout   time.Duration
	Sandbox   bool
	BaseURL   string
}

// TelegramConfigFromEnv reads the TG_* variables. Sandbox mode swaps the
// channel id for the sandbox one.
func TelegramConfigFromEnv() TelegramConfig {
	cfg := TelegramConfig{
		BotToken:  os.Getenv("TG_BOT_TOKEN"),
		ChannelID: os.Getenv("TG_CHANNEL_ID"),
		RateLimit: 20,
		Timeout:   10 * time.Second,
		BaseURL:   "https://api.telegram.org",
	}
	if v := os.Getenv("TG_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.RateLimit = f
		}
	}
	if v := os.Getenv("TG_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Timeout = time.Duration(n) * time.Second
		}
	}
	if strings.ToLower(os.Getenv("TG_SANDBOX")) == "true" || os.Getenv("TG_SANDBOX") == "1" {
		cfg.Sandbox = true
		if v := os.Getenv("TG_SANDBOX_CHANNEL_ID"); v != "" {
			cfg.ChannelID = v
		}
	}
	return cfg
}

// TelegramClient sends messages through the bot API with client-side
// pacing on top of the cross-process window limiter.
type TelegramClient struct {
	cfg     TelegramConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewTelegramClient builds the client. A missing token fails construction.
func NewTelegramClient(cfg TelegramConfig) (*TelegramClient, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram client requires TG_BOT_TOKEN")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	return &TelegramClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
	}, nil
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Parameters struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendMessage posts one message, truncating to the channel limit.
func (c *TelegramClient) SendMessage(ctx context.Context, chatID, text string) SendResult {
	if runes := []rune(text); len(runes) > MaxTextChars {
		text = string(runes[:MaxTextChars-1]) + "…"
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return SendResult{Error: err.Error()}
	}

	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("text", text)
	form.Set("disable_web_page_preview", "true")

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", c.cfg.BaseURL, c.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return SendResult{Error: err.Error()}
	}
	defer resp.Body.Close()

	var parsed telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return SendResult{StatusCode: resp.StatusCode, Error: "unparseable response"}
	}
	out := SendResult{
		OK:         parsed.OK,
		MessageID:  parsed.Result.MessageID,
		StatusCode: resp.StatusCode,
		ErrorCode:  parsed.ErrorCode,
		Error:      parsed.Description,
	}
	if parsed.Parameters.RetryAfter > 0 {
		out.RetryAfter = time.Duration(parsed.Parameters.RetryAfter) * time.Second
	}
	return out
}

// TestConnection verifies the bot token against getMe.
func (c *TelegramClient) TestConnection(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/bot%s/getMe", c.cfg.BaseURL, c.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		OK     bool `json:"ok"`
		Result struct {
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("telegram getMe: unparseable response")
	}
	if !parsed.OK {
		return fmt.Errorf("telegram getMe: status %d", resp.StatusCode)
	}
	return nil
}

// ChannelID returns the configured destination channel.
func (c *TelegramClient) ChannelID() string { return c.cfg.ChannelID }
