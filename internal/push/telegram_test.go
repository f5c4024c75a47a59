package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTelegram(t *testing.T, handler http.HandlerFunc) *TelegramClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewTelegramClient(TelegramConfig{
		BotToken:  "test-token",
		ChannelID: "@chan",
		RateLimit: 1000,
		BaseURL:   srv.URL,
	})
	require.NoError(t, err)
	return client
}

func TestNewTelegramClient_RequiresToken(t *testing.T) {
	_, err := NewTelegramClient(TelegramConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TG_BOT_TOKEN")
}

func TestTelegramClient_SendMessage_OK(t *testing.T) {
	var gotText, gotChat string
	client := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotText = r.FormValue("text")
		gotChat = r.FormValue("chat_id")
		assert.True(t, strings.HasSuffix(r.URL.Path, "/bottest-token/sendMessage"))
		w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`))
	})

	res := client.SendMessage(context.Background(), "@chan", "hello")
	assert.True(t, res.OK)
	assert.Equal(t, int64(42), res.MessageID)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "hello", gotText)
	assert.Equal(t, "@chan", gotChat)
}

func TestTelegramClient_SendMessage_RateLimited(t *testing.T) {
	client := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":7}}`))
	})

	res := client.SendMessage(context.Background(), "@chan", "hi")
	assert.False(t, res.OK)
	assert.Equal(t, 429, res.StatusCode)
	assert.Equal(t, 429, res.ErrorCode)
	assert.Equal(t, 7*time.Second, res.RetryAfter)
}

func TestTelegramClient_SendMessage_TruncatesOversize(t *testing.T) {
	var gotText string
	client := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotText = r.FormValue("text")
		w.Write([]byte(`{"ok":true}`))
	})

	client.SendMessage(context.Background(), "@chan", strings.Repeat("字", 5000))
	runes := []rune(gotText)
	assert.Len(t, runes, MaxTextChars)
	assert.Equal(t, '…', runes[MaxTextChars-1])
}

func TestTelegramClient_SendMessage_NetworkError(t *testing.T) {
	client, err := NewTelegramClient(TelegramConfig{
		BotToken:  "t",
		RateLimit: 1000,
		BaseURL:   "http://127.0.0.1:1",
		Timeout:   200 * time.Millisecond,
	})
	require.NoError(t, err)

	res := client.SendMessage(context.Background(), "@chan", "hi")
	assert.False(t, res.OK)
	assert.Zero(t, res.StatusCode)
	assert.NotEmpty(t, res.Error)
}

func TestTelegramClient_TestConnection(t *testing.T) {
	client := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/getMe"))
		w.Write([]byte(`{"ok":true,"result":{"username":"chainpulse_bot"}}`))
	})
	assert.NoError(t, client.TestConnection(context.Background()))

	bad := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"ok":false}`))
	})
	assert.Error(t, bad.TestConnection(context.Background()))
}
