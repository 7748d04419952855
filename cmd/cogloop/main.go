package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lexobe/CogLoop/internal/api"
	"github.com/lexobe/CogLoop/internal/config"
	"github.com/lexobe/CogLoop/internal/embedding"
	"github.com/lexobe/CogLoop/internal/gateway"
	"github.com/lexobe/CogLoop/internal/journal"
	"github.com/lexobe/CogLoop/internal/memory"
	"github.com/lexobe/CogLoop/internal/provider"
	"github.com/lexobe/CogLoop/internal/scheduler"
	"github.com/lexobe/CogLoop/internal/think"
	"github.com/lexobe/CogLoop/internal/vectorstore"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/cogloop.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("config is invalid", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx := context.Background()

	// Completion providers
	router := provider.NewRouter(cfg.Providers.Retry, logger.Named("router"))
	for _, pc := range cfg.Providers.List {
		p, err := provider.New(pc, logger.Named("provider"))
		if err != nil {
			logger.Fatal("failed to create provider", zap.String("id", pc.ID), zap.Error(err))
		}
		router.Register(p)
	}
	if cfg.Providers.Default != "" {
		if err := router.SetDefault(cfg.Providers.Default); err != nil {
			logger.Fatal("bad default provider", zap.Error(err))
		}
	}
	router.SetFallbacks(cfg.Providers.Fallbacks)

	// Similarity index
	embedder, err := embedding.New(cfg.Embedding, logger)
	if err != nil {
		logger.Fatal("failed to create embedder", zap.Error(err))
	}
	var (
		index   vectorstore.Index
		closers []func() error
	)
	switch cfg.Vector.Backend {
	case "qdrant":
		q, err := vectorstore.NewQdrantIndex(cfg.Vector.Qdrant, embedder, logger)
		if err != nil {
			logger.Fatal("failed to connect to Qdrant", zap.Error(err))
		}
		if err := q.EnsureCollection(ctx, uint64(embedder.Dimension())); err != nil {
			logger.Fatal("failed to prepare Qdrant collection", zap.Error(err))
		}
		closers = append(closers, q.Close)
		index = q
	default:
		c, err := vectorstore.NewChromemIndex(embedder, logger)
		if err != nil {
			logger.Fatal("failed to create in-memory index", zap.Error(err))
		}
		index = c
		logger.Warn("Using the in-memory index, units are lost on restart")
	}
	if cfg.Vector.MirrorRedisURL != "" {
		m, err := vectorstore.NewMirroredIndex(index, cfg.Vector.MirrorRedisURL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without metadata mirror", zap.Error(err))
		} else {
			closers = append(closers, m.Close)
			index = m
		}
	}

	store := memory.NewStore(index, cfg.Memory.Weights, logger.Named("memory"))
	recaller := memory.NewRecaller(store, cfg.Memory.Recall, logger.Named("recall"))

	// Actions
	gw, err := gateway.New(cfg.Gateway, logger.Named("gateway"))
	if err != nil {
		logger.Fatal("failed to create gateway", zap.Error(err))
	}
	actions := think.NewActionRegistry(logger)
	gw.RegisterActions(actions)
	logger.Info("Actions registered", zap.Strings("names", actions.Names()))

	cycle := think.NewCycle(store, recaller, router, actions, cfg.Think, logger.Named("think"))

	// Cycle journal
	jlog := logger.Named("journal")
	sinks := journal.NewMulti(jlog)
	var (
		reader journal.Reader
		graph  *journal.GraphSink
	)
	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		pg, err := journal.NewPostgresSink(ctx, dsn, jlog)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, running without SQL journal", zap.Error(err))
		} else if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		} else {
			sinks.Add(pg)
			reader = pg
		}
	}
	if url := cfg.Database.Redis.URL; url != "" {
		rs, err := journal.NewRedisSink(url, cfg.Database.Redis.MaxLen, jlog)
		if err != nil {
			logger.Warn("Redis unavailable, running without cycle stream", zap.Error(err))
		} else {
			sinks.Add(rs)
			if reader == nil {
				reader = rs
			}
		}
	}
	if neo := cfg.Database.Neo4j; neo.URI != "" {
		g, err := journal.NewGraphSink(ctx, neo.URI, neo.User, neo.Password, jlog)
		if err != nil {
			logger.Warn("Neo4j unavailable, running without provenance graph", zap.Error(err))
		} else {
			sinks.Add(g)
			graph = g
		}
	}
	if sinks.Len() > 0 {
		cycle.Observe(sinks.Observer())
	}

	loop := think.NewLoop(cycle, logger.Named("loop"))

	// Scheduled sessions
	sched := scheduler.New(func(ctx context.Context, s scheduler.Session) error {
		_, err := loop.Run(ctx, s.Input, s.CollectionID, s.MaxIterations)
		return err
	}, logger.Named("scheduler"))
	for _, s := range cfg.Schedules {
		if err := sched.Add(s); err != nil {
			logger.Fatal("failed to schedule session", zap.Error(err))
		}
	}
	sched.Start()

	deps := api.Deps{
		Store:         store,
		Recaller:      recaller,
		Loop:          loop,
		LLM:           router,
		Gateway:       gw,
		Scheduler:     sched,
		MaxIterations: cfg.Server.MaxIterations,
	}
	if reader != nil {
		deps.Journal = reader
	}
	if graph != nil {
		deps.Activations = graph
	}
	handler := api.NewHandler(deps, logger.Named("api"))

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("CogLoop listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down CogLoop...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduled sessions still running at shutdown")
	}
	sinks.Close()
	gw.Close()
	for _, c := range closers {
		c()
	}
}

func newLogger(level, format string) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if format == "json" {
		cfg = zap.NewProductionConfig()
	}
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
