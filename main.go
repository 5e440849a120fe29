package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"chatgate/internal/api"
	"chatgate/internal/auth"
	"chatgate/internal/config"
	"chatgate/internal/identity"
	"chatgate/internal/logger"
	"chatgate/internal/ollama"
	"chatgate/internal/redis"
	"chatgate/internal/service/gateway"
	"chatgate/internal/service/usage"
	"chatgate/internal/storage"
	"chatgate/internal/worker"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load(os.Getenv("CHATGATE_CONFIG"))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Configure(logger.ParseLevel(cfg.Log.Level), cfg.Log.Dev)
	if !cfg.Log.Dev {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Infof("dbType: %s", cfg.Database)
	db, err := storage.Open(cfg.Database, cfg)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, cfg.Database); err != nil {
		logger.Fatalf("migrate database: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			logger.Warnf("redis unavailable, continuing without cache: %v", err)
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	runtime := ollama.NewClient(ollama.ClientConfig{
		BaseURL:     cfg.Ollama.BaseURL,
		Timeout:     cfg.Ollama.Timeout(),
		ListTimeout: cfg.Ollama.ModelsTimeout(),
	})
	dispatcher := worker.NewDispatcher(
		cfg.Dispatcher.MinWorkers,
		cfg.Dispatcher.MaxWorkers,
		cfg.Dispatcher.QueueSize,
		cfg.Dispatcher.IdleTimeout(),
	)
	defer dispatcher.Close()

	usageStore := usage.NewStore(db)
	gatewayService := gateway.NewService(runtime, gateway.Options{
		DefaultModel:  cfg.Ollama.DefaultModel,
		Executor:      dispatcher,
		Usage:         usageStore,
		Database:      db,
		Cache:         rdb,
		ModelCacheTTL: cfg.Ollama.ModelCacheTTL(),
		Version:       version,
	})

	verifier := identity.NewGraphVerifier(cfg.Identity.ProfileURL, cfg.Identity.ValidationTimeout())
	authService := auth.NewService(verifier, rdb, auth.NewKeyStore(db), cfg.Identity)
	handlers := api.NewHandler(gatewayService, authService, usageStore, cfg)

	router := gin.New()
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Infof("chatgate %s listening on %s", version, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("graceful shutdown: %v", err)
	}
}
