package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/claybowl/AiPex-sub000/pkg/blob"
	"github.com/claybowl/AiPex-sub000/pkg/config"
	"github.com/claybowl/AiPex-sub000/pkg/db"
	"github.com/claybowl/AiPex-sub000/pkg/llm"
	"github.com/claybowl/AiPex-sub000/pkg/logger"
	"github.com/claybowl/AiPex-sub000/pkg/metrics"
	"github.com/claybowl/AiPex-sub000/pkg/telemetry"
	"github.com/claybowl/AiPex-sub000/services/chain"
	"github.com/claybowl/AiPex-sub000/services/workflow"
)

func main() {
	configPath := os.Getenv("AIPEX_CONFIG_FILE")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.NewLoader().
		WithConfigPath(configPath).
		WithEnvFiles(".env").
		WithEnvPrefix("AIPEX").
		Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, cfg.Telemetry, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector("aipex")

	repo, closeRepo, err := openRepository(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer closeRepo()

	runs, closeRuns, err := openRunStore(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}
	defer closeRuns()

	store, err := openBlobStore(ctx, cfg.Blob, log)
	if err != nil {
		return err
	}

	llmClient := llm.NewClient(llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		DefaultModel:   cfg.LLM.DefaultModel,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Timeout:        cfg.LLM.Timeout,
		RequestsPerSec: cfg.LLM.RequestsPerSec,
	}, log)
	tokens := llm.NewTiktokenCounter(cfg.LLM.DefaultModel)

	registry := workflow.NewDefaultRegistry(workflow.Dependencies{
		LLM:     llmClient,
		Blob:    store,
		Tokens:  tokens,
		Metrics: collector,
		Logger:  log,
	})
	engine := workflow.NewEngine(registry,
		workflow.WithLogger(log),
		workflow.WithMetrics(collector),
		workflow.WithTracer(tp.Tracer()),
		workflow.WithNodeTimeout(cfg.Engine.NodeTimeout),
	)
	workflowService := workflow.NewService(repo, engine, runs, log)

	chainExecutor := chain.NewExecutor(chain.NewLLMStepRunner(llmClient),
		chain.WithLogger(log),
		chain.WithMetrics(collector),
		chain.WithTokenCounter(tokens),
	)
	chainService := chain.NewService(chainExecutor, log)

	mainRouter := mux.NewRouter()
	mainRouter.Handle("/metrics", collector.Handler()).Methods("GET")

	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()
	workflowService.LoadRoutes(apiRouter)
	chainService.LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     corsHandler,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("could not stop server gracefully", zap.Error(err))
			return srv.Close()
		}
		return nil
	})
	return g.Wait()
}

// openRepository connects to Postgres when a URL is configured and falls back
// to the in-memory repository otherwise.
func openRepository(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (workflow.WorkflowRepo, func(), error) {
	if cfg.URL == "" {
		log.Warn("database url not set, workflows and executions are kept in memory")
		return workflow.NewMemoryRepository(), func() {}, nil
	}

	pool, err := db.Connect(ctx, cfg.URL, log)
	if err != nil {
		return nil, nil, err
	}
	if err := workflow.InitDB(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return workflow.NewRepository(pool), pool.Close, nil
}

func openRunStore(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (workflow.RunStore, func(), error) {
	if cfg.Addr == "" {
		log.Warn("redis addr not set, run records are kept in memory")
		return workflow.NewMemoryRunStore(cfg.RunTTL), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info("redis connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return workflow.NewRedisRunStore(client, "aipex:", cfg.RunTTL), func() { client.Close() }, nil
}

func openBlobStore(ctx context.Context, cfg config.BlobConfig, log *zap.Logger) (blob.Store, error) {
	if cfg.Bucket == "" {
		log.Warn("blob bucket not set, storage nodes use process memory")
		return blob.NewMemoryStore(), nil
	}
	store, err := blob.NewS3Store(ctx, blob.S3Config{
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
	})
	if err != nil {
		return nil, err
	}
	log.Info("blob store ready", zap.String("bucket", cfg.Bucket))
	return store, nil
}
