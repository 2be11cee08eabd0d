package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/api/handlers"
	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/builder"
	cacheredis "github.com/trimodal-rag/backend/internal/cache/redis"
	"github.com/trimodal-rag/backend/internal/capability"
	"github.com/trimodal-rag/backend/internal/corpus"
	"github.com/trimodal-rag/backend/internal/enforcement"
	"github.com/trimodal-rag/backend/internal/evaluation"
	"github.com/trimodal-rag/backend/internal/feedback"
	"github.com/trimodal-rag/backend/internal/graphcomm"
	"github.com/trimodal-rag/backend/internal/ingestion"
	"github.com/trimodal-rag/backend/internal/kg/neo4j"
	"github.com/trimodal-rag/backend/internal/knowledge"
	"github.com/trimodal-rag/backend/internal/learning"
	"github.com/trimodal-rag/backend/internal/llm"
	"github.com/trimodal-rag/backend/internal/metrics"
	"github.com/trimodal-rag/backend/internal/middleware/ratelimit"
	"github.com/trimodal-rag/backend/internal/middleware/security"
	"github.com/trimodal-rag/backend/internal/middleware/validation"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/internal/negotiation"
	"github.com/trimodal-rag/backend/internal/params"
	"github.com/trimodal-rag/backend/internal/perf"
	"github.com/trimodal-rag/backend/internal/pipeline"
	"github.com/trimodal-rag/backend/internal/provider"
	"github.com/trimodal-rag/backend/internal/search"
	"github.com/trimodal-rag/backend/internal/statebridge"
	"github.com/trimodal-rag/backend/internal/storage/objectstore"
	"github.com/trimodal-rag/backend/internal/storage/sqlite"
	"github.com/trimodal-rag/backend/internal/training"
	"github.com/trimodal-rag/backend/internal/vector/milvus"
	"github.com/trimodal-rag/backend/pkg/config"
	appLogger "github.com/trimodal-rag/backend/pkg/logger"
)

// aggregateHorizon caps how many log rows one performance derivation reads.
const aggregateHorizon = 500

type pinger func(ctx context.Context) error

func (p pinger) HealthCheck(ctx context.Context) capability.HealthStatus {
	return capability.Probe(ctx, p)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting tri-modal retrieval API server",
		zap.String("enforcement_mode", cfg.Enforcement.Mode),
		zap.String("bus_identity", cfg.Bus.Identity),
	)
	metrics.Init()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	enforcer, err := enforcement.NewEnforcer(cfg.Enforcement.Mode, cfg.Enforcement.ForbiddenPatterns, appLogger.Named("enforcement"))
	if err != nil {
		appLogger.Fatal("Failed to create enforcer", zap.Error(err))
	}

	registry := params.Standard()
	bridge := statebridge.New(rdb, enforcer, statebridge.Options{
		KeyPrefix:    cfg.StateBridge.KeyPrefix,
		HistoryLimit: cfg.StateBridge.HistoryLimit,
		LockTTL:      cfg.StateBridge.LockTTL,
	}, appLogger.Named("statebridge"))

	prov := provider.New(provider.Options{
		Registry:    registry,
		Store:       bridge,
		Performance: perf.NewAggregates(sqliteClient, aggregateHorizon),
		Enforcer:    enforcer,
		Logger:      appLogger.Named("provider"),
	})
	bridge.OnCommit(prov.Invalidate)

	monitor := perf.NewMonitor(sqliteClient, prov, registry, appLogger.Named("perf"))

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)
	embedder := cacheredis.NewEmbeddingCache(rdb, llmClient, cfg.LLM.EmbeddingModel, cfg.LLM.EmbeddingTTL, appLogger.Named("embedding_cache"))

	milvusClient, err := milvus.NewClient(ctx, cfg.Milvus.Address, cfg.Milvus.APIKey, cfg.Milvus.CollectionName, cfg.Milvus.VectorDim)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	if err := milvusClient.EnsureCollection(ctx); err != nil {
		appLogger.Fatal("Failed to ensure collection", zap.Error(err))
	}

	neo4jClient, err := neo4j.NewClient(
		cfg.Neo4j.URI,
		cfg.Neo4j.Username,
		cfg.Neo4j.Password,
		cfg.Neo4j.Database,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
	}
	defer neo4jClient.Close(context.Background())

	var bus *graphcomm.Bus
	if cfg.Bus.Enabled {
		bus = graphcomm.New(rdb, graphcomm.Options{
			StreamPrefix:     cfg.Bus.StreamPrefix,
			Identity:         cfg.Bus.Identity,
			PeerIdentity:     cfg.Bus.PeerIdentity,
			HandshakeTimeout: cfg.Bus.HandshakeTimeout,
			RequestTimeout:   cfg.Bus.RequestTimeout,
			BlockTimeout:     cfg.Bus.BlockTimeout,
			BatchSize:        cfg.Bus.BatchSize,
		}, enforcer, appLogger.Named("graphcomm"))
	}

	tokenizer := corpus.ProseTokenizer{}
	negotiator := negotiation.New(prov, sqliteClient, registry, tokenizer, appLogger.Named("negotiation"))
	queryEntities := knowledge.NewProseExtractor(appLogger.Named("query_entities"))

	searchOpts := search.Options{
		Negotiator: negotiator,
		Tracker:    monitor,
		Legs: []search.Leg{
			search.NewVectorLeg(embedder, milvusClient),
			search.NewGraphLeg(queryEntities, neo4jClient),
			search.NewGNNLeg(queryEntities, neo4jClient, embedder),
		},
		Relevance: evaluation.NewEvaluator(embedder, appLogger.Named("evaluation")),
		Logger:    appLogger.Named("search"),
	}
	if bus != nil {
		searchOpts.Telemetry = bus
	}
	orchestrator := search.New(searchOpts)

	var extractor knowledge.Extractor = knowledge.NewProseExtractor(appLogger.Named("extraction"))
	if cfg.LLM.APIKey != "" {
		extractor = knowledge.NewLLMExtractor(llmClient, capability.CompletionParams{
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		}, appLogger.Named("extraction"))
	}

	objects := objectstore.New(afero.NewOsFs(), cfg.Corpus.Root)
	stages := pipeline.Stages{
		Loader: ingestion.NewProcessor(objects, cfg.Corpus.ChunkSize, cfg.Corpus.ChunkOverlap, appLogger.Named("ingestion")),
		Analyzer: corpus.NewAnalyzer(corpus.Config{
			MinDocumentTokens: cfg.Corpus.MinDocumentTokens,
			Tokenizer:         tokenizer,
			Embedder:          embedder,
			Logger:            appLogger.Named("corpus"),
		}),
		Learner:   learning.NewLearner(cfg.Corpus.MinReliableDocuments, appLogger.Named("learning")),
		Builder:   builder.NewBuilder(registry, enforcer, appLogger.Named("builder")),
		Configs:   bridge,
		Analyses:  sqliteClient,
		Extractor: extractor,
		Graph:     knowledge.NewGraphBuilder(neo4jClient, knowledge.NewValidator(), embedder, appLogger.Named("graph_builder")),
		Embedder:  embedder,
		Index:     milvusClient,
		Seeder:    negotiator,
	}
	if bus != nil {
		stages.Publisher = bus
	}

	healthChecks := map[string]capability.HealthChecker{
		"sqlite":      pinger(sqliteClient.Ping),
		"statebridge": pinger(bridge.Ping),
		"milvus":      milvusClient,
		"neo4j":       neo4jClient,
		"embeddings":  embedder,
		"corpus":      objects,
	}

	var coordinator *training.Coordinator
	if cfg.Training.Enabled {
		queue := training.NewRedisQueue(rdb, cfg.Training.QueueName, 0)
		coordinator = training.NewCoordinator(queue, training.Options{
			PollInterval: cfg.Training.PollInterval,
			Timeout:      cfg.Training.JobTimeout,
		}, appLogger.Named("training"))
		stages.Trainer = coordinator
		healthChecks["training"] = queue
	}

	learner, err := pipeline.New(stages, appLogger.Named("pipeline"))
	if err != nil {
		appLogger.Fatal("Failed to create learning pipeline", zap.Error(err))
	}

	var loopPublisher feedback.StatusPublisher
	if bus != nil {
		loopPublisher = bus
	}
	loop := feedback.NewLoop(monitor, bridge, builder.NewBuilder(registry, enforcer, appLogger.Named("builder")), loopPublisher, feedback.Windows{
		Analysis: cfg.Feedback.Window,
		Baseline: cfg.Feedback.Baseline,
		Recent:   cfg.Feedback.Recent,
	}, appLogger.Named("feedback"), feedback.WithExecutionLog(sqliteClient))

	busDone := make(chan struct{})
	if bus != nil {
		wireBus(bus, prov, bridge, monitor, loop)
		healthChecks["graphcomm"] = pinger(bus.Ping)

		go func() {
			defer close(busDone)
			if err := bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Error("Message bus stopped", zap.Error(err))
			}
		}()
		go func() {
			if err := bus.Handshake(ctx, cfg.Bus.PeerIdentity); err != nil {
				appLogger.Warn("Peer handshake failed; messages will queue until it connects",
					zap.String("peer", cfg.Bus.PeerIdentity),
					zap.Error(err),
				)
			}
		}()
	} else {
		close(busDone)
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
		Logger:               appLogger.Named("ratelimit"),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.Server.AllowedOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))
	app.Use(limiter.Middleware(func(c *fiber.Ctx) bool {
		switch c.Path() {
		case "/api/v1/health", "/api/v1/ready", "/metrics":
			return true
		}
		return false
	}))
	app.Use(validation.Middleware(validation.Config{
		MaxBodySize: cfg.Server.BodyLimit,
		QueryPaths:  []string{"/api/v1/search"},
		Logger:      appLogger.Named("validation"),
	}))

	var forwarder handlers.FeedbackForwarder
	if bus != nil {
		forwarder = bus
	}
	searchHandler := handlers.NewSearchHandler(orchestrator, monitor, forwarder)
	configHandler := handlers.NewConfigHandler(prov, bridge, sqliteClient, learner)
	healthHandler := handlers.NewHealthHandler(healthChecks, 3*time.Second)
	wsHandler := handlers.NewWebSocketHandler(orchestrator)

	api := app.Group("/api/v1")

	api.Post("/search", searchHandler.Search)
	api.Post("/feedback", searchHandler.Feedback)

	api.Get("/domains", configHandler.ListDomains)
	api.Post("/domains/:domain/learn", configHandler.Learn)
	api.Get("/config/:domain", configHandler.GetConfig)
	api.Get("/config/:domain/history", configHandler.GetHistory)

	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/search", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	stop()
	<-busDone
	if coordinator != nil {
		coordinator.Wait()
	}
	appLogger.Info("Server stopped")
}

// wireBus registers both sides of the config workflow conversation. A
// process only receives the message types its peer sends to it.
func wireBus(bus *graphcomm.Bus, prov *provider.Provider, bridge *statebridge.Bridge, monitor *perf.Monitor, loop *feedback.Loop) {
	bus.ServeConfigs(bridge)

	bus.OnStatus(func(ctx context.Context, domain string, s graphcomm.StatusPayload) error {
		appLogger.Info("Peer status received", zap.String("domain", domain), zap.String("status", s.Status))
		if s.Status == feedback.StatusConfigUpdated {
			prov.Invalidate(ctx, domain, nil)
		}
		return nil
	})

	bus.OnTelemetry(func(ctx context.Context, m *models.ExecutionMetrics) error {
		_, err := loop.Ingest(ctx, m)
		if settled(err) {
			return nil
		}
		return err
	})

	bus.OnFeedback(func(ctx context.Context, domain string, fb models.UserFeedback) error {
		err := monitor.RecordUserFeedback(ctx, fb.ExecutionID, fb.Relevance, fb.Helpful, fb.Comment)
		if err == nil || settled(err) || errors.Is(err, sqlite.ErrExecutionNotFound) {
			if err != nil {
				appLogger.Warn("Dropping forwarded feedback",
					zap.String("domain", domain),
					zap.String("execution_id", fb.ExecutionID),
					zap.Error(err),
				)
			}
			return nil
		}
		return err
	})
}

// settled reports errors that a redelivery cannot fix.
func settled(err error) bool {
	if err == nil || errors.Is(err, perf.ErrNoExecutions) {
		return true
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindConfigurationNotAvailable, apperrors.KindInvalidInput, apperrors.KindConfigEnforcement:
		return true
	}
	return false
}
