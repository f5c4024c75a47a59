package enrich

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/providers"
	"github.com/chainpulse/chainpulse/internal/store"
)

func newRiskRegistry(t *testing.T, body string) *config.Registry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "risk_rules.yml"), []byte(body), 0o644))
	reg, err := config.NewRegistry(config.Config{Dir: dir, Namespaces: []string{"risk_rules"}}, nil)
	require.NoError(t, err)
	return reg
}

func TestSecurityScanner_Scan_RulesBackend(t *testing.T) {
	st, mock := newMockStore(t)
	reg := newRiskRegistry(t, `
risk_thresholds:
  buy_tax_red: 10
blacklist:
  - "0xbadbadbadbadbadbadbadbadbadbadbadbadbad0"
`)
	provider, err := providers.NewSecurityProvider(
		providers.SecurityConfig{Backend: "rules"}, nil, nil, reg)
	require.NoError(t, err)

	secCfg := providers.SecurityConfig{TaxRedPct: 10, LPYellowDays: 30, HoneypotRed: true}
	scanner := NewSecurityScanner(Config{BatchSize: 50, Chain: "1", Enabled: true}, st, provider, secCfg, reg)

	mock.ExpectQuery("goplus_risk IS NULL OR goplus_risk = 'unknown'").
		WithArgs(store.StateCandidate, 50).
		WillReturnRows(sqlmock.NewRows(signalColumns()).
			AddRow(signalRow("TOKEN:BAD:0001", "0xbadbadbadbadbadbadbadbadbadbadbadbadbad0")...).
			AddRow(signalRow("TOPIC:NOCA:0002", nil)...))

	// The local-rules payload asserts its label directly; blacklisted
	// contracts come back red with no tax or honeypot fields.
	mock.ExpectExec("UPDATE signals").
		WithArgs(providers.RiskRed, nil, nil, nil, "TOKEN:BAD:0001").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT evidence FROM events").
		WithArgs("TOKEN:BAD:0001").
		WillReturnRows(sqlmock.NewRows([]string{"evidence"}).AddRow([]byte(`{}`)))
	mock.ExpectExec("UPDATE events SET evidence").
		WithArgs(sqlmock.AnyArg(), "TOKEN:BAD:0001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stats, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Degraded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSecurityScanner_Drain_PagesUntilUnsaturated(t *testing.T) {
	st, mock := newMockStore(t)
	reg := newRiskRegistry(t, `
blacklist:
  - "0xbadbadbadbadbadbadbadbadbadbadbadbadbad0"
`)
	provider, err := providers.NewSecurityProvider(
		providers.SecurityConfig{Backend: "rules"}, nil, nil, reg)
	require.NoError(t, err)

	scanner := NewSecurityScanner(
		Config{BatchSize: 1, Chain: "1", Interval: time.Millisecond, Enabled: true},
		st, provider, providers.SecurityConfig{}, reg)

	// First page fills its batch, so a second page is fetched; that one
	// comes back empty and ends the drain.
	mock.ExpectQuery("goplus_risk IS NULL OR goplus_risk = 'unknown'").
		WithArgs(store.StateCandidate, 1).
		WillReturnRows(sqlmock.NewRows(signalColumns()).
			AddRow(signalRow("TOKEN:BAD:0001", "0xbadbadbadbadbadbadbadbadbadbadbadbadbad0")...))
	mock.ExpectExec("UPDATE signals").
		WithArgs(providers.RiskRed, nil, nil, nil, "TOKEN:BAD:0001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT evidence FROM events").
		WithArgs("TOKEN:BAD:0001").
		WillReturnRows(sqlmock.NewRows([]string{"evidence"}).AddRow([]byte(`{}`)))
	mock.ExpectExec("UPDATE events SET evidence").
		WithArgs(sqlmock.AnyArg(), "TOKEN:BAD:0001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("goplus_risk IS NULL OR goplus_risk = 'unknown'").
		WithArgs(store.StateCandidate, 1).
		WillReturnRows(sqlmock.NewRows(signalColumns()))

	stats, err := scanner.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scanned)
	assert.Equal(t, 1, stats.Updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSecurityScanner_DisabledIsNoop(t *testing.T) {
	st, mock := newMockStore(t)
	scanner := NewSecurityScanner(Config{Enabled: false}, st, nil, providers.SecurityConfig{}, nil)

	stats, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Scanned)
	assert.NoError(t, mock.ExpectationsWereMet())
}
