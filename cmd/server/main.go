package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"charter/internal/audit"
	"charter/internal/audit/classifier"
	"charter/internal/audit/filter"
	auditmetrics "charter/internal/audit/metrics"
	"charter/internal/audit/router"
	"charter/internal/audit/spillover"
	"charter/internal/decision"
	"charter/internal/decision/cache"
	"charter/internal/decision/handler"
	decisionmetrics "charter/internal/decision/metrics"
	"charter/internal/evaluator"
	"charter/internal/platform/config"
	"charter/internal/platform/httpserver"
	"charter/internal/platform/kafka"
	"charter/internal/platform/logger"
	"charter/internal/platform/middleware"
	platformredis "charter/internal/platform/redis"
	"charter/internal/ruleset"
	"charter/internal/tier"
	"charter/internal/tier/pending"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(slog.LevelInfo)

	snap, err := ruleset.Load(cfg.Ruleset.Path)
	if err != nil {
		log.Error("load ruleset", "path", cfg.Ruleset.Path, "error", err)
		os.Exit(1)
	}
	rules := ruleset.NewProvider(snap)
	log.Info("ruleset loaded", "version", snap.Version, "path", cfg.Ruleset.Path)

	dMetrics := decisionmetrics.New()
	aMetrics := auditmetrics.New()

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("redis", "error", err)
		os.Exit(1)
	}

	var dedup filter.DedupStore
	var pendingStore pending.Store
	if redisClient != nil {
		dedup = filter.NewRedisDedup(redisClient.Client)
		pendingStore = pending.NewRedisStore(redisClient.Client)
	} else {
		dedup = filter.NewMemoryDedup()
		pendingStore = pending.NewMemoryStore()
		log.Warn("redis not configured; dedup window and pending reviews are process-local")
	}

	spill, err := spillover.Open(cfg.Audit.SpilloverPath)
	if err != nil {
		log.Error("open spillover store", "path", cfg.Audit.SpilloverPath, "error", err)
		os.Exit(1)
	}
	defer spill.Close()

	var publisher router.Publisher
	var producer *kafka.Producer
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err = kafka.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			log.Error("kafka", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = producer
	} else {
		publisher = &logPublisher{logger: log}
		log.Warn("kafka not configured; audit events are logged locally")
	}

	qualityFilter := filter.New(filter.Config{
		SampleEvery: cfg.Audit.SampleEvery,
		DedupWindow: cfg.Audit.DedupWindow,
	}, dedup, log)
	auditRouter := router.New(publisher, spill, log, aMetrics)
	pipeline := audit.NewPipeline(cfg.Audit.QueueSize, classifier.Classify, qualityFilter, auditRouter, log, aMetrics)

	eval := evaluator.New()
	decisionCache := cache.New(cfg.Decision.CacheTTL, dMetrics)
	tiers := tier.New(eval, pendingStore, tier.Config{
		ComplianceThreshold: cfg.Decision.ComplianceThreshold,
		EnhancedThreshold:   cfg.Decision.EnhancedThreshold,
		ConsensusSize:       cfg.Decision.ConsensusSize,
		ConsensusTimeout:    cfg.Decision.ConsensusTimeout,
		ReviewTimeout:       cfg.Decision.ReviewTimeout,
		MaxRevisions:        cfg.Decision.MaxRevisions,
	}, log, dMetrics)
	defer tiers.Close()

	service := decision.New(rules, decisionCache, eval, tiers, pipeline, log, dMetrics)

	if err := tiers.ResumePending(context.Background()); err != nil {
		log.Error("resume pending reviews", "error", err)
	}

	h := handler.New(service, cfg.Auth.ReviewerJWTKey, log)
	if redisClient != nil {
		h.AddHealthCheck("redis", redisClient.Health)
	}
	if producer != nil {
		h.AddHealthCheck("kafka", producer.Health)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Handle("/metrics", promhttp.Handler())
	h.Register(r)

	srv := httpserver.New(cfg.Server.Addr, r)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(pipeline.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(decisionCache.Run(gctx)) })
	if cfg.Ruleset.WatchReload {
		watcher := ruleset.NewWatcher(cfg.Ruleset.Path, rules, log)
		g.Go(func() error { return ignoreCancel(watcher.Run(gctx)) })
	}
	g.Go(func() error { return replayLoop(gctx, auditRouter, cfg.Audit.ReplayEvery, log) })

	g.Go(func() error {
		log.Info("starting charter", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("shutdown", "error", err)
		os.Exit(1)
	}
}

// replayLoop periodically drains the spillover queue back through the
// transport.
func replayLoop(ctx context.Context, r *router.Router, every time.Duration, log *slog.Logger) error {
	// Drain anything left over from the previous run before the first tick.
	replayOnce(ctx, r, log)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			replayOnce(ctx, r, log)
		}
	}
}

func replayOnce(ctx context.Context, r *router.Router, log *slog.Logger) {
	n, err := r.ReplaySpillover(ctx)
	if n > 0 {
		log.Info("replayed spillover events", "count", n)
	}
	if err != nil {
		log.Warn("spillover replay stopped", "replayed", n, "error", err)
	}
}

// logPublisher stands in for the transport when kafka is not configured.
type logPublisher struct {
	logger *slog.Logger
}

func (p *logPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.logger.Info("audit event", "topic", topic, "key", key, "event", json.RawMessage(value))
	return nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
