package push

import (
	"context"
	"database/sql/driver"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpulse/chainpulse/internal/kv"
	"github.com/chainpulse/chainpulse/internal/store"
	"github.com/chainpulse/chainpulse/internal/telemetry"
)

type scriptedMessenger struct {
	res   SendResult
	calls int
}

func (m *scriptedMessenger) SendMessage(ctx context.Context, chatID, text string) SendResult {
	m.calls++
	return m.res
}

func (m *scriptedMessenger) TestConnection(ctx context.Context) error { return nil }

func newTestDispatcher(t *testing.T, client Messenger) (*Dispatcher, sqlmock.Sqlmock, *kv.Store, *telemetry.Registry, string) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.FromDB(sqlx.NewDb(db, "postgres"), store.Config{QueryTimeout: 5 * time.Second})

	mr := miniredis.RunT(t)
	kvStore := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	snapDir := t.TempDir()
	metrics := telemetry.NewRegistry()
	d := NewDispatcher(Config{
		ChannelID:   "@chan",
		TemplateV:   "1",
		RatePerSec:  100,
		SnapshotDir: snapDir,
	}, st, kvStore, client, metrics)
	return d, mock, kvStore, metrics, snapDir
}

func outboxCols() []string {
	return []string{
		"id", "channel_id", "thread_id", "event_key", "payload",
		"status", "attempt", "next_try_at", "last_error", "created_at", "updated_at",
	}
}

func outboxRow(id int64, eventKey string) []driver.Value {
	now := time.Now()
	return []driver.Value{
		id, "@chan", nil, eventKey, []byte(`{"summary":"pepe"}`),
		store.OutboxSending, 0, now, nil, now, now,
	}
}

func expectDispatchDequeue(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery("WITH picked AS").
		WithArgs(store.OutboxPending, store.OutboxRetry, store.OutboxSending, BatchLimit, sqlmock.AnyArg()).
		WillReturnRows(rows)
}

func expectBacklog(mock sqlmock.Sqlmock, n int) {
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM push_outbox").
		WithArgs(store.OutboxPending, store.OutboxRetry).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(n))
}

func TestDispatcher_RunOnce_SendsThenDedupes(t *testing.T) {
	client := &scriptedMessenger{res: SendResult{OK: true, StatusCode: 200}}
	d, mock, _, metrics, _ := newTestDispatcher(t, client)
	ctx := context.Background()

	expectDispatchDequeue(mock, sqlmock.NewRows(outboxCols()).
		AddRow(outboxRow(1, "TOKEN:PEPE:0001")...))
	mock.ExpectExec("UPDATE push_outbox").
		WithArgs(store.OutboxDone, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectBacklog(mock, 0)

	stats, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dequeued)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 1, client.calls)

	v, ok := metrics.Value("telegram_send_total", map[string]string{"status": "ok", "code": "2xx"})
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	// A replayed row for the same card is marked done without another
	// send; the idempotency key outlives the first delivery.
	expectDispatchDequeue(mock, sqlmock.NewRows(outboxCols()).
		AddRow(outboxRow(2, "TOKEN:PEPE:0001")...))
	mock.ExpectExec("UPDATE push_outbox").
		WithArgs(store.OutboxDone, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectBacklog(mock, 0)

	stats, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deduped)
	assert.Zero(t, stats.Sent)
	assert.Equal(t, 1, client.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_RunOnce_BadRequestMovesToDLQ(t *testing.T) {
	client := &scriptedMessenger{res: SendResult{StatusCode: 400, Error: "telegram 400"}}
	d, mock, kvStore, _, snapDir := newTestDispatcher(t, client)
	ctx := context.Background()

	expectDispatchDequeue(mock, sqlmock.NewRows(outboxCols()).
		AddRow(outboxRow(1, "TOKEN:PEPE:0001")...))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT payload FROM push_outbox").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(`{"summary":"pepe"}`)))
	mock.ExpectExec("UPDATE push_outbox").
		WithArgs(store.OutboxDLQ, "telegram 400", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO dlq_snapshots").
		WithArgs(int64(1), []byte(`{"summary":"pepe"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectBacklog(mock, 0)

	stats, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DLQ)
	assert.NoError(t, mock.ExpectationsWereMet())

	// Failed sends must not burn the idempotency key.
	_, exists := kvStore.Get(ctx, idempotencyKey("TOKEN:PEPE:0001", "@chan", "1"))
	assert.False(t, exists)

	entries, err := os.ReadDir(snapDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		res  SendResult
		want outcome
	}{
		{"ok", SendResult{OK: true, StatusCode: 200}, outcomeOK},
		{"rate limited", SendResult{StatusCode: 429}, outcomeRetry},
		{"server error", SendResult{StatusCode: 502}, outcomeRetry},
		{"bad request", SendResult{StatusCode: http.StatusBadRequest}, outcomeDLQ},
		{"forbidden", SendResult{StatusCode: http.StatusForbidden}, outcomeDLQ},
		{"network failure", SendResult{Error: "connection refused"}, outcomeRetry},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.res))
		})
	}
}

func TestRetryDelay_HonorsRetryAfter(t *testing.T) {
	d := retryDelay(SendResult{StatusCode: 429, RetryAfter: 7 * time.Second}, 0)
	assert.Equal(t, 7*time.Second, d)
}

func TestRetryDelay_RandomizedFor429WithoutHint(t *testing.T) {
	for i := 0; i < 20; i++ {
		d := retryDelay(SendResult{StatusCode: 429}, 0)
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.Less(t, d, 5*time.Second)
	}
}

func TestRetryDelay_ExponentialWithJitter(t *testing.T) {
	for attempt, base := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		d := retryDelay(SendResult{StatusCode: 500}, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.7))
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.3))
	}

	// Large attempts hit the cap, jitter included.
	d := retryDelay(SendResult{StatusCode: 500}, 30)
	assert.LessOrEqual(t, d, time.Duration(float64(MaxBackoff)*1.3))
	assert.GreaterOrEqual(t, d, time.Duration(float64(MaxBackoff)*0.7))
}

func TestCodeClass(t *testing.T) {
	assert.Equal(t, "429", codeClass(SendResult{StatusCode: 429}))
	assert.Equal(t, "5xx", codeClass(SendResult{StatusCode: 503}))
	assert.Equal(t, "4xx", codeClass(SendResult{StatusCode: 404}))
	assert.Equal(t, "network", codeClass(SendResult{}))
	assert.Equal(t, "2xx", codeClass(SendResult{StatusCode: 200}))
}

func TestIdempotencyKey(t *testing.T) {
	a := idempotencyKey("EVT:A", "chan1", "1")
	b := idempotencyKey("EVT:A", "chan1", "1")
	assert.Equal(t, a, b)
	assert.Contains(t, a, "cards:idemp:")
	assert.Len(t, a, len("cards:idemp:")+40)

	assert.NotEqual(t, a, idempotencyKey("EVT:B", "chan1", "1"))
	assert.NotEqual(t, a, idempotencyKey("EVT:A", "chan2", "1"))
	assert.NotEqual(t, a, idempotencyKey("EVT:A", "chan1", "2"))
}

func TestMessageText(t *testing.T) {
	t.Run("prefers rendered telegram text", func(t *testing.T) {
		payload := []byte(`{"summary":"s","rendered":{"telegram_text":"rendered body"}}`)
		assert.Equal(t, "rendered body", messageText(payload))
	})

	t.Run("falls back to summary", func(t *testing.T) {
		payload := []byte(`{"summary":"just the summary"}`)
		assert.Equal(t, "just the summary", messageText(payload))
	})

	t.Run("raw payload last", func(t *testing.T) {
		assert.Equal(t, "not json", messageText([]byte("not json")))
	})
}
