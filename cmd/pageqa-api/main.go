// Command pageqa-api serves page question answering over HTTP: documents are
// cached per tab with POST /api/documents and questioned with POST /api/ask.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/WessleyAI/pageqa/engine/chunker"
	"github.com/WessleyAI/pageqa/engine/embedding"
	"github.com/WessleyAI/pageqa/engine/events"
	"github.com/WessleyAI/pageqa/engine/rag"
	"github.com/WessleyAI/pageqa/engine/tabcache"
	"github.com/WessleyAI/pageqa/pkg/compute"
	"github.com/WessleyAI/pageqa/pkg/config"
	"github.com/WessleyAI/pageqa/pkg/metrics"
	"github.com/WessleyAI/pageqa/pkg/mid"
	"github.com/WessleyAI/pageqa/pkg/natsutil"
	"github.com/WessleyAI/pageqa/pkg/ollama"
	"github.com/WessleyAI/pageqa/pkg/resilience"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("PAGEQA_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	bus := events.NewBus(logger)

	// --- Compute service ---
	computeCfg := compute.Config{
		BaseURL:   cfg.Compute.URL,
		Timeout:   cfg.Compute.Timeout,
		PollRate:  cfg.Compute.PollRate,
		PollBurst: cfg.Compute.PollBurst,
	}
	if cfg.Compute.HealthGRPC != "" {
		probe, err := compute.DialHealth(cfg.Compute.HealthGRPC, cfg.Compute.HealthService)
		if err != nil {
			return fmt.Errorf("compute health probe: %w", err)
		}
		defer probe.Close()
		computeCfg.Health = probe
	}
	computeClient := compute.New(computeCfg)

	// --- Push channel (optional) ---
	var push embedding.Push
	if cfg.NATS.URL != "" {
		nc, err := natsutil.Connect(cfg.NATS.URL, "pageqa-api", logger, func(connected bool, err error) {
			ev := events.ConnectionStatus{Connected: connected, At: time.Now()}
			if err != nil {
				ev.Error = err.Error()
			}
			bus.Publish(ev)
		})
		if err != nil {
			logger.Warn("push channel unavailable, polling only", "err", err)
			bus.Publish(events.ConnectionStatus{Connected: false, Error: err.Error(), At: time.Now()})
		} else {
			defer nc.Drain()
			push = compute.NewNATSPush(nc, cfg.NATS.PushPrefix, logger)
			go events.ForwardToNATS(ctx, bus, nc, cfg.NATS.EventsPrefix, logger)
		}
	}

	// --- Engine ---
	orch := embedding.New(computeClient, push, bus, reg, embedding.Options{
		BatchSize:       cfg.Embedding.BatchSize,
		TaskTimeout:     cfg.Embedding.TaskTimeout,
		PollInterval:    cfg.Embedding.PollInterval,
		JobTimeout:      cfg.Embedding.JobTimeout,
		MetricsCapacity: cfg.Embedding.MetricsCapacity,
	}, logger)

	gen := ollama.New(ollama.Config{
		Addresses: cfg.Generation.Addresses,
		Model:     cfg.Generation.Model,
		Timeout:   cfg.Generation.Timeout,
		Breaker:   resilience.DefaultBreakerOpts,
	}, reg, logger)

	ragOpts := rag.DefaultOptions()
	ragOpts.PromptBudget = cfg.Generation.PromptBudget
	ragOpts.Temperature = cfg.Generation.Temperature
	ragOpts.MaxTokens = cfg.Generation.MaxTokens
	ragOpts.ContextWindow = cfg.Generation.ContextWindow
	ragOpts.CacheTimeout = orch.Options().JobTimeout + 30*time.Second

	svc := rag.New(
		tabcache.New(cfg.Cache.TTL),
		chunker.New(chunker.Options{
			MaxChars:     cfg.Chunker.MaxChars,
			MaxWords:     cfg.Chunker.MaxWords,
			OverlapWords: cfg.Chunker.OverlapWords,
		}),
		orch, gen, reg, ragOpts, logger,
	)

	reg.GaugeFunc("pageqa_embed_tasks_pending", "Embedding tasks awaiting settlement.", func() float64 { return float64(orch.Pending()) })
	reg.GaugeFunc("pageqa_events_dropped", "Events dropped for slow subscribers.", func() float64 { return float64(bus.Dropped()) })
	reg.GaugeFunc("pageqa_events_subscribers", "Active event subscribers.", func() float64 { return float64(bus.Subscribers()) })

	// --- HTTP server ---
	api := &server{docs: svc, tasks: orch, bus: bus, logger: logger}
	handler := mid.Chain(api.routes(reg),
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.Metrics(reg),
		mid.CORS(cfg.HTTP.CORSOrigin),
		mid.OTel("pageqa-api"),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Embedding a page can take TaskTimeout plus submission time.
		WriteTimeout: cfg.Embedding.TaskTimeout + 60*time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.HTTP.Port, "compute", cfg.Compute.URL, "push", push != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
