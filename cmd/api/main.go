// Package main is the entry point for the relay server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/support-relay/internal/config"
	"github.com/capitalize-ai/support-relay/internal/enrich"
	"github.com/capitalize-ai/support-relay/internal/handler"
	"github.com/capitalize-ai/support-relay/internal/llm"
	"github.com/capitalize-ai/support-relay/internal/maintenance"
	natsclient "github.com/capitalize-ai/support-relay/internal/nats"
	"github.com/capitalize-ai/support-relay/internal/queue"
	"github.com/capitalize-ai/support-relay/internal/realtime"
	"github.com/capitalize-ai/support-relay/internal/service"
	"github.com/capitalize-ai/support-relay/internal/storage"
	"github.com/capitalize-ai/support-relay/internal/trace"
	"github.com/capitalize-ai/support-relay/pkg/logger"
	"github.com/capitalize-ai/support-relay/pkg/tracing"
)

const gaugeInterval = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	log.Info("starting relay server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "support-relay", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	// Storage chain: sql, file, memory
	tiers, file := buildTiers(ctx, cfg, log)
	engine := storage.NewEngine(nil, tiers,
		storage.WithTierTimeout(cfg.TierTimeout),
		storage.WithLogger(log),
	)
	defer func() { _ = engine.Close() }()
	log.Info("storage chain ready", zap.Strings("tiers", engine.TierNames()))

	queueStore := queue.NewStore(engine, log)
	ring := trace.NewRing(cfg.TraceCapacity)
	hub := realtime.NewHub(cfg.StreamBufferSize, log)

	// Fan-out, optionally bridged across instances
	var publisher realtime.Publisher = hub
	var natsHealth handler.ConnectionChecker
	if cfg.NATSURL != "" {
		natsClient, err := natsclient.Connect(natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Warn("NATS unavailable, fan-out stays local", zap.Error(err))
		} else {
			defer natsClient.Close()
			bridge := natsclient.NewBridge(natsClient.Conn(), hub, log)
			if err := bridge.Start(); err != nil {
				log.Warn("failed to start NATS bridge, fan-out stays local", zap.Error(err))
			} else {
				defer func() { _ = bridge.Close() }()
				publisher = bridge
				natsHealth = natsClient
			}
		}
	}

	// Enrichment collaborators
	var crm enrich.CRM
	if cfg.CRMBaseURL != "" {
		crm = enrich.NewHTTPCRM(cfg.CRMBaseURL, cfg.CRMAPIKey)
	}
	worker := buildEnrichment(cfg, engine, publisher, log)
	defer worker.Wait()

	// Initialize services
	messageSvc := service.NewMessageService(service.MessageServiceConfig{
		Store:     engine,
		Queue:     queueStore,
		Publisher: publisher,
		Enricher:  worker,
		CRM:       crm,
		Ring:      ring,
		Logger:    log,
	})
	conversationSvc := service.NewConversationService(engine, queueStore, publisher, log)

	// Initialize handlers
	limits := handler.Limits{Default: cfg.DefaultReadLimit, Max: cfg.MaxReadLimit}
	router := handler.NewRouter(handler.RouterConfig{
		Health:           handler.NewHealthHandler(engine, natsHealth),
		Messages:         handler.NewMessageHandler(messageSvc, limits, log),
		Conversations:    handler.NewConversationHandler(conversationSvc, limits, log),
		Streams:          handler.NewStreamHandler(hub, messageSvc, cfg.StreamHeartbeat, log),
		Admin:            handler.NewAdminHandler(engine, ring, log),
		WebhookSecret:    cfg.WebhookSecret,
		EnforceSignature: cfg.WebhookEnforceSignature,
		AdminToken:       cfg.AdminToken,
		RateLimit:        cfg.RateLimitRequests,
		RateWindow:       cfg.RateLimitWindow,
		Logger:           log,
	})

	// Maintenance jobs
	sched, err := maintenance.NewScheduler(log)
	if err != nil {
		return err
	}
	if file != nil {
		if err := sched.AddCompaction(file, cfg.CompactionInterval); err != nil {
			return err
		}
	}
	if err := sched.AddMemoryGauge(engine.Memory(), gaugeInterval); err != nil {
		return err
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		return sched.Shutdown()
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}

// buildTiers opens the configured durable tiers. The SQL tier joins the chain
// even when the database is down at startup and connects once it answers. A
// misconfigured tier or an unopenable file log is skipped.
func buildTiers(ctx context.Context, cfg *config.Config, log *logger.Logger) ([]storage.Tier, *storage.FileTier) {
	var tiers []storage.Tier

	if cfg.DatabaseDSN != "" {
		sqlTier, err := storage.OpenLazySQLTier(cfg.DatabaseDriver, cfg.DatabaseDSN, cfg.DatabaseMigrate)
		if err != nil {
			log.Warn("SQL tier misconfigured, skipping", zap.String("driver", cfg.DatabaseDriver), zap.Error(err))
		} else {
			sqlTier.SetLogger(log)
			readyCtx, cancel := context.WithTimeout(ctx, cfg.TierTimeout)
			if err := sqlTier.Ready(readyCtx); err != nil {
				log.Warn("database unreachable at startup, SQL tier will reconnect on use",
					zap.String("driver", cfg.DatabaseDriver), zap.Error(err))
			}
			cancel()
			tiers = append(tiers, storage.NewBreakerTier(sqlTier, storage.BreakerConfig{
				MaxFailures: cfg.BreakerMaxFailures,
				OpenTimeout: cfg.BreakerOpenTimeout,
			}, log.Logger))
		}
	}

	var file *storage.FileTier
	if cfg.FileStorePath != "" {
		f, err := storage.NewFileTier(cfg.FileStorePath)
		if err != nil {
			log.Warn("file tier unavailable, skipping", zap.String("path", cfg.FileStorePath), zap.Error(err))
		} else {
			if n := f.Skipped(); n > 0 {
				log.Warn("skipped malformed file tier records", zap.Int("count", n))
			}
			file = f
			tiers = append(tiers, f)
		}
	}

	return tiers, file
}

func buildEnrichment(cfg *config.Config, store enrich.Store, publisher realtime.Publisher, log *logger.Logger) *enrich.Worker {
	var client llm.Client
	var err error
	switch {
	case cfg.DefaultLLM == string(llm.ProviderAnthropic) && cfg.AnthropicAPIKey != "":
		client, err = llm.NewClient(llm.ProviderAnthropic, cfg.AnthropicAPIKey)
	case cfg.DefaultLLM == string(llm.ProviderOpenAI) && cfg.OpenAIAPIKey != "":
		client, err = llm.NewClient(llm.ProviderOpenAI, cfg.OpenAIAPIKey)
	case cfg.AnthropicAPIKey != "":
		client, err = llm.NewClient(llm.ProviderAnthropic, cfg.AnthropicAPIKey)
	case cfg.OpenAIAPIKey != "":
		client, err = llm.NewClient(llm.ProviderOpenAI, cfg.OpenAIAPIKey)
	}
	if err != nil {
		log.Warn("failed to create LLM client, enrichment disabled", zap.Error(err))
		client = nil
	}

	var translator enrich.Translator
	var suggester enrich.Suggester
	if client != nil {
		suggester = enrich.NewLLMSuggester(client, "")
		if cfg.TranslateTargetLang != "" {
			translator = enrich.NewLLMTranslator(client, "")
		}
		log.Info("enrichment enabled", zap.String("provider", client.Name()), zap.Int("workers", cfg.EnrichmentWorkers))
	}

	return enrich.NewWorker(translator, suggester, store, publisher, enrich.WorkerConfig{
		Workers:    cfg.EnrichmentWorkers,
		Timeout:    cfg.EnrichmentTimeout,
		TargetLang: cfg.TranslateTargetLang,
	}, log)
}
