package telemetry

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds all Prometheus metrics for the ChainPulse pipeline.
type Registry struct {
	reg *prometheus.Registry

	Up                prometheus.Gauge
	PipelineLatencyMS prometheus.Histogram
	CardsDegradeCount prometheus.Counter

	TelegramSendTotal   *prometheus.CounterVec
	TelegramSendLatency prometheus.Histogram
	TelegramRetryTotal  prometheus.Counter
	CardsPushFailTotal  *prometheus.CounterVec
	OutboxBacklog       prometheus.Gauge
	DLQRecoveredCount   prometheus.Counter
	DLQDiscardedCount   prometheus.Counter

	ConfigReloadTotal       prometheus.Counter
	ConfigReloadErrorsTotal prometheus.Counter
	ConfigVersion           *prometheus.GaugeVec
	ConfigLastSuccessTime   prometheus.Gauge

	BeatHeartbeat           prometheus.Counter
	BeatHeartbeatTimestamp  prometheus.Gauge
	BeatHeartbeatAgeSeconds prometheus.Gauge
	QueueBacklog            *prometheus.GaugeVec
	QueueBacklogWarnTotal   prometheus.Counter

	OnchainLockAcquireTotal *prometheus.CounterVec
	OnchainLockReleaseTotal *prometheus.CounterVec
	OnchainCASConflictTotal prometheus.Counter
	OnchainCooldownHitTotal prometheus.Counter
	OnchainProcessMS        prometheus.Histogram
	OnchainLockHoldMS       prometheus.Histogram
	OnchainLockWaitMS       prometheus.Histogram
}

var latencyBuckets = []float64{50, 100, 200, 500, 1000, 2000, 5000}

// NewRegistry creates a registry with every pipeline metric registered.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.Up = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "up",
		Help: "Whether the process is up (always 1 while serving)",
	})
	r.PipelineLatencyMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_latency_ms",
		Help:    "End-to-end pipeline stage latency in milliseconds",
		Buckets: latencyBuckets,
	})
	r.CardsDegradeCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cards_degrade_count",
		Help: "Total cards built with degrade=true",
	})

	r.TelegramSendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_send_total",
		Help: "Total Telegram send attempts by status and code class",
	}, []string{"status", "code"})
	r.TelegramSendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "telegram_send_latency_ms",
		Help:    "Telegram send latency in milliseconds",
		Buckets: latencyBuckets,
	})
	r.TelegramRetryTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telegram_retry_total",
		Help: "Total Telegram sends scheduled for retry",
	})
	r.CardsPushFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cards_push_fail_total",
		Help: "Total card pushes failed permanently by code class",
	}, []string{"code"})
	r.OutboxBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_backlog",
		Help: "Outbox rows in a dispatchable state",
	})
	r.DLQRecoveredCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlq_recovered_count",
		Help: "DLQ rows reset back to retry",
	})
	r.DLQDiscardedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlq_discarded_count",
		Help: "DLQ rows discarded past the recovery window",
	})

	r.ConfigReloadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "config_reload_total",
		Help: "Total rule snapshot reloads",
	})
	r.ConfigReloadErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "config_reload_errors_total",
		Help: "Total rule reload failures",
	})
	r.ConfigVersion = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "config_version",
		Help: "Current combined rules version (value is always 1; sha in label)",
	}, []string{"sha"})
	r.ConfigLastSuccessTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "config_last_success_unixtime",
		Help: "Unix time of the last successful rules reload",
	})

	r.BeatHeartbeat = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beat_heartbeat",
		Help: "Scheduler ticks observed",
	})
	r.BeatHeartbeatTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beat_heartbeat_timestamp",
		Help: "Unix time of the last scheduler tick",
	})
	r.BeatHeartbeatAgeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beat_heartbeat_age_seconds",
		Help: "Seconds since the last scheduler tick",
	})
	r.QueueBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "celery_queue_backlog",
		Help: "Task queue backlog depth by queue",
	}, []string{"queue"})
	r.QueueBacklogWarnTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "celery_queue_backlog_warn_total",
		Help: "Times the backlog exceeded the warn threshold",
	})

	r.OnchainLockAcquireTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "onchain_lock_acquire_total",
		Help: "Verifier lock acquisition attempts by status",
	}, []string{"status"})
	r.OnchainLockReleaseTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "onchain_lock_release_total",
		Help: "Verifier lock releases by status",
	}, []string{"status"})
	r.OnchainCASConflictTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "onchain_state_cas_conflict_total",
		Help: "Verifier state CAS conflicts",
	})
	r.OnchainCooldownHitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "onchain_cooldown_hit_total",
		Help: "Verifier scans skipped due to per-key cooldown",
	})
	r.OnchainProcessMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "onchain_process_ms",
		Help:    "Verifier total processing time per candidate in ms",
		Buckets: latencyBuckets,
	})
	r.OnchainLockHoldMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "onchain_lock_hold_ms",
		Help:    "Verifier lock hold time in ms",
		Buckets: latencyBuckets,
	})
	r.OnchainLockWaitMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "onchain_lock_wait_ms",
		Help:    "Verifier lock wait time in ms",
		Buckets: latencyBuckets,
	})

	r.reg.MustRegister(
		r.Up, r.PipelineLatencyMS, r.CardsDegradeCount,
		r.TelegramSendTotal, r.TelegramSendLatency, r.TelegramRetryTotal,
		r.CardsPushFailTotal, r.OutboxBacklog, r.DLQRecoveredCount, r.DLQDiscardedCount,
		r.ConfigReloadTotal, r.ConfigReloadErrorsTotal, r.ConfigVersion, r.ConfigLastSuccessTime,
		r.BeatHeartbeat, r.BeatHeartbeatTimestamp, r.BeatHeartbeatAgeSeconds,
		r.QueueBacklog, r.QueueBacklogWarnTotal,
		r.OnchainLockAcquireTotal, r.OnchainLockReleaseTotal, r.OnchainCASConflictTotal,
		r.OnchainCooldownHitTotal, r.OnchainProcessMS, r.OnchainLockHoldMS, r.OnchainLockWaitMS,
	)

	r.Up.Set(1)
	return r
}

// Gatherer exposes the underlying registry for tests and custom handlers.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Value reads one sample from the registry by metric name and label set.
// Missing metrics read as 0, false.
func (r *Registry) Value(name string, labels map[string]string) (float64, bool) {
	families, err := r.reg.Gather()
	if err != nil {
		return 0, false
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m.GetLabel(), labels) {
				continue
			}
			return sampleValue(mf.GetType(), m), true
		}
	}
	return 0, false
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if want[p.GetName()] != p.GetValue() {
			return false
		}
	}
	return true
}

func sampleValue(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		return float64(m.GetHistogram().GetSampleCount())
	default:
		return 0
	}
}

// SetConfigVersion publishes the current rules sha, clearing prior labels.
func (r *Registry) SetConfigVersion(sha string) {
	r.ConfigVersion.Reset()
	r.ConfigVersion.WithLabelValues(sha).Set(1)
}

// Handler returns an HTTP handler serving /metrics and /healthz.
func (r *Registry) Handler(healthz http.HandlerFunc) http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	if healthz != nil {
		router.HandleFunc("/healthz", healthz)
	}
	return router
}
