package main

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chainpulse/chainpulse/internal/cards"
	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/enrich"
	"github.com/chainpulse/chainpulse/internal/ingest"
	"github.com/chainpulse/chainpulse/internal/kv"
	"github.com/chainpulse/chainpulse/internal/logging"
	"github.com/chainpulse/chainpulse/internal/pipeline"
	"github.com/chainpulse/chainpulse/internal/providers"
	"github.com/chainpulse/chainpulse/internal/push"
	"github.com/chainpulse/chainpulse/internal/rules"
	"github.com/chainpulse/chainpulse/internal/sched"
	"github.com/chainpulse/chainpulse/internal/store"
	"github.com/chainpulse/chainpulse/internal/verify"

	"github.com/chainpulse/chainpulse/internal/telemetry"
)

// app bundles the wired components shared by the subcommands.
type app struct {
	kv       *kv.Store
	st       *store.Store
	registry *config.Registry
	metrics  *telemetry.Registry
	security *providers.SecurityProvider
	market   *providers.MarketProvider
	engine   *rules.Engine
	builder  *cards.Builder
}

func dsnFromEnv() string {
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		return v
	}
	return os.Getenv("DATABASE_URL")
}

// bootstrap wires the shared components. withDB controls whether the
// relational store is opened.
func bootstrap(withDB bool) (*app, error) {
	a := &app{metrics: telemetry.NewRegistry()}

	kvCfg := kv.DefaultConfig()
	kvCfg.URL = os.Getenv("REDIS_URL")
	kvStore, err := kv.New(kvCfg)
	if err != nil {
		return nil, err
	}
	a.kv = kvStore

	if withDB {
		stCfg := store.DefaultConfig()
		stCfg.DSN = dsnFromEnv()
		st, err := store.Open(stCfg)
		if err != nil {
			return nil, err
		}
		a.st = st
	}

	rulesDir := os.Getenv("RULES_DIR")
	if rulesDir == "" {
		rulesDir = "config"
	}
	registry, err := config.NewRegistry(config.Config{Dir: rulesDir}, nil)
	if err != nil {
		return nil, err
	}
	registry.OnReload = func(version string) {
		a.metrics.ConfigReloadTotal.Inc()
		a.metrics.SetConfigVersion(version)
		a.metrics.ConfigLastSuccessTime.Set(float64(time.Now().Unix()))
	}
	registry.OnError = func(ns string, err error) {
		a.metrics.ConfigReloadErrorsTotal.Inc()
	}
	a.metrics.SetConfigVersion(registry.SnapshotVersion())
	a.metrics.ConfigLastSuccessTime.Set(float64(time.Now().Unix()))
	a.registry = registry

	secCfg := providers.SecurityConfigFromEnv()
	security, err := providers.NewSecurityProvider(secCfg, a.kv, providerCacheRepo(a.st), registry)
	if err != nil {
		// No credentials: fall back to the local rules backend.
		log.Warn().Err(err).Msg("security provider degraded to rules backend")
		secCfg.Backend = "rules"
		security, err = providers.NewSecurityProvider(secCfg, a.kv, providerCacheRepo(a.st), registry)
		if err != nil {
			return nil, err
		}
	}
	a.security = security

	primary := providers.NewHTTPMarketUpstream("dexscreener",
		envOr("DEX_PRIMARY_URL", "https://api.dexscreener.com/latest/dex/tokens/%s"),
		providers.MarketConfigFromEnv().TimeoutS)
	var secondary providers.MarketUpstream
	if u := os.Getenv("DEX_SECONDARY_URL"); u != "" {
		secondary = providers.NewHTTPMarketUpstream("dex-secondary", u, providers.MarketConfigFromEnv().TimeoutS)
	}
	a.market = providers.NewMarketProvider(providers.MarketConfigFromEnv(), primary, secondary, a.kv)

	engine, err := rules.NewEngine(registry, nil)
	if err != nil {
		return nil, err
	}
	a.engine = engine

	gen := cards.NewGenerator(cards.GenConfigFromEnv(), nil)
	a.builder = cards.NewBuilder(a.st, a.security, a.market, a.engine, gen, a.metrics, os.Getenv("SCAN_CHAIN"))
	return a, nil
}

func providerCacheRepo(st *store.Store) *store.ProviderCacheRepo {
	if st == nil {
		return nil
	}
	return st.ProviderCache
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envEnabled(name string, def bool) bool {
	v := strings.ToLower(os.Getenv(name))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "on"
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the full pipeline: ingest, refine, enrich, verify, push",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(ctx context.Context) error {
	a, err := bootstrap(true)
	if err != nil {
		return err
	}
	defer a.st.DB.Close()

	a.registry.InstallSignalHandler()
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := a.registry.Watch(stopWatch); err != nil {
		log.Warn().Err(err).Msg("rules watcher unavailable, relying on mtime polling")
	}

	if envEnabled("METRICS_EXPOSED", true) {
		addr := envOr("METRICS_ADDR", ":9090")
		go func() {
			handler := a.metrics.Handler(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			if err := http.ListenAndServe(addr, handler); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("addr", addr).Msg("metrics listener failed")
			}
		}()
	}

	// Social ingestion.
	registry := map[string]providers.SocialSource{}
	if base := os.Getenv("X_API_BASE_URL"); base != "" {
		if src, err := providers.NewAPISource("api", base, os.Getenv("X_API_TOKEN"), 8000); err == nil {
			registry["api"] = src
		}
	}
	registry["mock"] = &providers.MockSource{}
	social := providers.NewMultiSource(providers.SocialConfigFromEnv(), registry)

	handles := splitHandles(os.Getenv("X_KOL_HANDLES"))
	poller := ingest.New(ingest.DefaultConfig(handles), social, a.kv, a.st)

	// Refinement.
	var classifier providers.SentimentClassifier
	if u := os.Getenv("SENTIMENT_URL"); u != "" {
		classifier = providers.NewHTTPClassifier(u, 5000)
	}
	sentiment := providers.NewSentimentProvider(classifier, providers.SentimentConfigFromEnv())
	processor := pipeline.New(pipeline.DefaultConfig(), a.st, a.kv, sentiment, a.registry)

	// Enrichment.
	secScanner := enrich.NewSecurityScanner(enrich.SecurityConfigFromEnv(), a.st, a.security, providers.SecurityConfigFromEnv(), a.registry)
	mktScanner := enrich.NewMarketScanner(enrich.MarketScanConfigFromEnv(), a.st, a.market)

	// Verification.
	var onchain *providers.OnchainProvider
	if base := os.Getenv("WAREHOUSE_URL"); base != "" {
		querier := providers.NewHTTPWarehouseQuerier(base, envOr("WAREHOUSE_VIEW", "chainpulse.features.token_window"), 15000)
		onchain = providers.NewOnchainProvider(querier, envOr("WAREHOUSE_VIEW", "chainpulse.features.token_window"))
	}
	var verifier *verify.Verifier
	if onchain != nil {
		verifier = verify.New(verify.ConfigFromEnv(), a.st, a.kv, onchain, a.registry, a.metrics)
	}

	// Delivery.
	tgCfg := push.TelegramConfigFromEnv()
	var messenger push.Messenger
	if client, err := push.NewTelegramClient(tgCfg); err == nil {
		messenger = client
	} else {
		log.Warn().Err(err).Msg("telegram client unavailable, delivery disabled")
	}
	producer := push.NewProducer(a.st, a.kv, a.builder, tgCfg.ChannelID, 20)
	recovery := push.NewRecovery(a.st, a.metrics, 0)

	scheduler := sched.New(sched.ConfigFromEnv(), a.kv, a.metrics)
	if envEnabled("ENABLE_X_INGESTOR", true) && len(handles) > 0 {
		scheduler.Register(&sched.Job{Name: "ingest_poll", Queue: "ingest", Interval: 60 * time.Second, Fn: func(ctx context.Context) error {
			stats := poller.PollAll(logging.WithTrace(ctx))
			log.Debug().Int("fetched", stats.Fetched).Int("inserted", stats.Inserted).Msg("poll pass")
			return nil
		}})
		scheduler.Register(&sched.Job{Name: "profile_refresh", Queue: "ingest", Interval: 6 * time.Hour, Fn: func(ctx context.Context) error {
			poller.RefreshProfiles(ctx)
			return nil
		}})
	}
	scheduler.Register(&sched.Job{Name: "refine_posts", Queue: "pipeline", Interval: 30 * time.Second, Fn: func(ctx context.Context) error {
		_, err := processor.ProcessNew(ctx)
		return err
	}})
	scheduler.Register(&sched.Job{Name: "security_scan", Queue: "enrich", Interval: 60 * time.Second, Fn: func(ctx context.Context) error {
		_, err := secScanner.Drain(ctx)
		return err
	}})
	scheduler.Register(&sched.Job{Name: "market_scan", Queue: "enrich", Interval: 60 * time.Second, Fn: func(ctx context.Context) error {
		_, err := mktScanner.Drain(ctx)
		return err
	}})
	if verifier != nil {
		scheduler.Register(&sched.Job{Name: "onchain_verify", Queue: "verify", Interval: 120 * time.Second, Fn: func(ctx context.Context) error {
			_, err := verifier.Run(ctx)
			return err
		}})
	}
	scheduler.Register(&sched.Job{Name: "card_produce", Queue: "push", Interval: 30 * time.Second, Fn: func(ctx context.Context) error {
		_, err := producer.RunOnce(ctx)
		return err
	}})
	if messenger != nil {
		dispatcher := push.NewDispatcher(push.Config{
			ChannelID:   tgCfg.ChannelID,
			TemplateV:   cards.SchemaVersion,
			RatePerSec:  int(tgCfg.RateLimit),
			SnapshotDir: envOr("CARD_SNAPSHOT_DIR", "/tmp/chainpulse-snapshots"),
		}, a.st, a.kv, messenger, a.metrics)
		scheduler.Register(&sched.Job{Name: "outbox_dispatch", Queue: "push", Interval: push.DispatchInterval, Fn: func(ctx context.Context) error {
			_, err := dispatcher.RunOnce(ctx)
			return err
		}})
		scheduler.Register(&sched.Job{Name: "dlq_recover", Queue: "push", Interval: 10 * time.Minute, Fn: func(ctx context.Context) error {
			_, err := recovery.RunOnce(ctx)
			return err
		}})
	}
	scheduler.Register(&sched.Job{Name: "rules_reload", Queue: "default", Interval: 15 * time.Second, Fn: func(ctx context.Context) error {
		a.registry.ReloadIfStale(false)
		return nil
	}})
	scheduler.Register(&sched.Job{Name: "outbox_backlog", Queue: "default", Interval: 30 * time.Second, Fn: func(ctx context.Context) error {
		backlog, err := a.st.Outbox.Backlog(ctx)
		if err != nil {
			return err
		}
		a.metrics.OutboxBacklog.Set(float64(backlog))
		return nil
	}})

	log.Info().Str("rules_version", a.registry.SnapshotVersion()).Msg("worker starting")
	scheduler.Run(ctx)
	log.Info().Msg("worker stopped")
	return nil
}

func splitHandles(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
