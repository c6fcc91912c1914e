package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pixell07/multi-tenant-ai/internal/api"
	"github.com/pixell07/multi-tenant-ai/internal/cache"
	"github.com/pixell07/multi-tenant-ai/internal/chat"
	"github.com/pixell07/multi-tenant-ai/internal/config"
	"github.com/pixell07/multi-tenant-ai/internal/connector"
	"github.com/pixell07/multi-tenant-ai/internal/embedding"
	"github.com/pixell07/multi-tenant-ai/internal/indexing"
	"github.com/pixell07/multi-tenant-ai/internal/llmclient"
	"github.com/pixell07/multi-tenant-ai/internal/queue"
	"github.com/pixell07/multi-tenant-ai/internal/relation"
	"github.com/pixell07/multi-tenant-ai/internal/rerank"
	"github.com/pixell07/multi-tenant-ai/internal/retrieval"
	"github.com/pixell07/multi-tenant-ai/internal/search"
	"github.com/pixell07/multi-tenant-ai/internal/store"
	"github.com/pixell07/multi-tenant-ai/internal/tokenx"
	"github.com/pixell07/multi-tenant-ai/internal/tracing"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to database")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to ping redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	slog.Info("connected to redis")

	provider, err := embedding.NewOpenAIProvider(cfg.OpenAIKey, cfg.EmbeddingModel)
	if err != nil {
		slog.Error("failed to create embedding provider", "error", err)
		os.Exit(1)
	}

	st := store.New(pool)
	raglogWriter := tracing.NewWriter(st)
	embedCache := embedding.NewCache(pool)
	embedRegistry := cache.New(rdb, "embed")
	ep := embedding.New(provider, embedCache, embedRegistry)

	hse := search.New(pool)
	re := relation.New(st)

	rerankClient := rerank.NewHTTPClient(cfg.RerankURL, cfg.RerankAPIKey, cfg.RerankModel)
	rr := rerank.New(rerankClient, cfg.RerankPolicy, cfg.RerankCutoff, cfg.RerankThreshold)

	llm := llmclient.New(cfg.OpenAIKey, cfg.LLMModel)
	tokens := tokenx.NewCounter("")

	ro := retrieval.New(ep, hse, re, rr, st, llm, tokens, cfg, raglogWriter)

	q := queue.New(rdb, "index")
	ip := indexing.New(st, ep, llm, q, tokens, cfg, raglogWriter)

	connClient := connector.NewClient()
	co := chat.New(st, ro, llm, connClient, tokens, cfg, raglogWriter)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	go ip.Run(workerCtx)
	slog.Info("indexing workers started")

	router := api.NewRouter(api.RouterDeps{
		Store:  st,
		RO:     ro,
		CO:     co,
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // longer for SSE streaming
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slog.Info("shutting down server...")
	stopWorkers()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}
