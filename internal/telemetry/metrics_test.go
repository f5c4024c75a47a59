package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Value(t *testing.T) {
	r := NewRegistry()

	v, ok := r.Value("up", nil)
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	r.CardsDegradeCount.Inc()
	r.CardsDegradeCount.Inc()
	v, ok = r.Value("cards_degrade_count", nil)
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	r.TelegramSendTotal.WithLabelValues("ok", "2xx").Inc()
	v, ok = r.Value("telegram_send_total", map[string]string{"status": "ok", "code": "2xx"})
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	_, ok = r.Value("telegram_send_total", map[string]string{"status": "fail", "code": "5xx"})
	assert.False(t, ok)

	r.OnchainProcessMS.Observe(42)
	v, ok = r.Value("onchain_process_ms", nil)
	require.True(t, ok)
	assert.Equal(t, 1.0, v, "histograms report their sample count")

	_, ok = r.Value("no_such_metric", nil)
	assert.False(t, ok)
}

func TestRegistry_SetConfigVersion(t *testing.T) {
	r := NewRegistry()

	r.SetConfigVersion("abc123def456")
	_, ok := r.Value("config_version", map[string]string{"sha": "abc123def456"})
	assert.True(t, ok)

	// A new version clears the previous label.
	r.SetConfigVersion("fedcba654321")
	_, ok = r.Value("config_version", map[string]string{"sha": "abc123def456"})
	assert.False(t, ok)
	_, ok = r.Value("config_version", map[string]string{"sha": "fedcba654321"})
	assert.True(t, ok)
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	srv := httptest.NewServer(r.Handler(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "up 1")

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
