package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventsRepo_Upsert_PreservesIdentityColumns(t *testing.T) {
	st, mock := newMockStore(t)

	// The conflict clause rewrites only the mutable columns; type,
	// start_ts and the topic columns keep their first-writer values, so a
	// second upsert with a different type leaves the original intact.
	pattern := `ON CONFLICT \(event_key\) DO UPDATE SET\s+` +
		`summary = EXCLUDED\.summary,\s+` +
		`score = EXCLUDED\.score,\s+` +
		`evidence = EXCLUDED\.evidence,\s+` +
		`last_ts = GREATEST\(events\.last_ts, EXCLUDED\.last_ts\),\s+` +
		`heat_10m = EXCLUDED\.heat_10m,\s+` +
		`heat_30m = EXCLUDED\.heat_30m$`
	now := time.Now()
	mock.ExpectExec(pattern).
		WithArgs("TOKEN:PEPE:0001", EventToken, "pepe is moving", 0.8,
			[]byte(`{}`), []byte(`["PEPE"]`), now, now, 3, 5,
			nil, []byte(`[]`), 0.8, "0xabc", "PEPE").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.Events.Upsert(context.Background(), &Event{
		EventKey:       "TOKEN:PEPE:0001",
		Type:           EventToken,
		Summary:        "pepe is moving",
		Score:          0.8,
		Evidence:       json.RawMessage(`{}`),
		ImpactedAssets: json.RawMessage(`["PEPE"]`),
		StartTS:        now,
		LastTS:         now,
		Heat10M:        3,
		Heat30M:        5,
		TopicEntities:  json.RawMessage(`[]`),
		CandidateScore: sql.NullFloat64{Float64: 0.8, Valid: true},
		TokenCA:        sql.NullString{String: "0xabc", Valid: true},
		Symbol:         sql.NullString{String: "PEPE", Valid: true},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsRepo_Get_NotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM events WHERE event_key = $1`)).
		WithArgs("TOKEN:MISSING:0001").
		WillReturnError(sql.ErrNoRows)

	_, err := st.Events.Get(context.Background(), "TOKEN:MISSING:0001")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventsRepo_MergeEvidence(t *testing.T) {
	st, mock := newMockStore(t)

	existing := []byte(`{"goplus":{"risk":"red"},"posts":[{"post_id":1}]}`)
	merged := []byte(`{"goplus":{"lp_lock_days":30,"risk":"red"},"posts":[{"post_id":1}]}`)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT evidence FROM events").
		WithArgs("TOKEN:PEPE:0001").
		WillReturnRows(sqlmock.NewRows([]string{"evidence"}).AddRow(existing))
	mock.ExpectExec("UPDATE events SET evidence").
		WithArgs(merged, "TOKEN:PEPE:0001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.Events.MergeEvidence(context.Background(), "TOKEN:PEPE:0001",
		"goplus", json.RawMessage(`{"lp_lock_days":30}`))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsRepo_MergeEvidence_MissingEvent(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT evidence FROM events").
		WithArgs("TOKEN:MISSING:0001").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := st.Events.MergeEvidence(context.Background(), "TOKEN:MISSING:0001",
		"goplus", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMergeEvidenceJSON(t *testing.T) {
	t.Run("new section lands verbatim", func(t *testing.T) {
		out, err := mergeEvidenceJSON([]byte(`{}`), "dex", json.RawMessage(`{"price_usd":0.5}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"dex":{"price_usd":0.5}}`, string(out))
	})

	t.Run("dict patch keeps untouched keys", func(t *testing.T) {
		out, err := mergeEvidenceJSON(
			[]byte(`{"goplus":{"risk":"red","buy_tax":1}}`),
			"goplus", json.RawMessage(`{"buy_tax":2}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"goplus":{"risk":"red","buy_tax":2}}`, string(out))
	})

	t.Run("list patch appends, never replaces", func(t *testing.T) {
		out, err := mergeEvidenceJSON(
			[]byte(`{"posts":[{"post_id":1}]}`),
			"posts", json.RawMessage(`[{"post_id":2}]`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"posts":[{"post_id":1},{"post_id":2}]}`, string(out))
	})

	t.Run("scalar patch appends to a list section", func(t *testing.T) {
		out, err := mergeEvidenceJSON([]byte(`{"notes":["a"]}`), "notes", json.RawMessage(`"b"`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"notes":["a","b"]}`, string(out))
	})

	t.Run("scalar section is replaced", func(t *testing.T) {
		out, err := mergeEvidenceJSON([]byte(`{"note":"a"}`), "note", json.RawMessage(`"b"`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"note":"b"}`, string(out))
	})

	t.Run("unparseable existing evidence errors", func(t *testing.T) {
		_, err := mergeEvidenceJSON([]byte(`{not json`), "dex", json.RawMessage(`{}`))
		assert.Error(t, err)
	})
}
