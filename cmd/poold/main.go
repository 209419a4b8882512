package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/r33drichards/ip-allocator-webserver/api"
	"github.com/r33drichards/ip-allocator-webserver/internal/config"
	"github.com/r33drichards/ip-allocator-webserver/internal/dispatcher"
	"github.com/r33drichards/ip-allocator-webserver/internal/engine"
	"github.com/r33drichards/ip-allocator-webserver/internal/registry"
	"github.com/r33drichards/ip-allocator-webserver/internal/store"
	"github.com/r33drichards/ip-allocator-webserver/pkg/logger"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using process environment")
	}

	zapLogger, err := logger.New(getenv("LOG_LEVEL", "info"))
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	redisURL := getenv("REDIS_URL", "redis://127.0.0.1:6379/")
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		zapLogger.Fatal("invalid REDIS_URL", zap.Error(err), zap.String("redis_url", redisURL))
	}
	redisClient := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("failed to reach redis", zap.Error(err))
	}
	cancel()

	st := store.New(redisClient,
		store.WithFreelistKey(getenv("POOL_FREELIST_KEY", "pool:freelist")),
		store.WithBorrowedKey(getenv("POOL_BORROWED_KEY", "pool:borrowed")),
		store.WithOwnerKey(getenv("POOL_OWNER_KEY", "pool:borrowed:owner")),
	)

	var subscriberCfg *config.Config
	if path := os.Getenv("POOL_CONFIG_FILE"); path != "" {
		subscriberCfg, err = config.Load(path, zapLogger)
		if err != nil {
			zapLogger.Fatal("failed to load subscriber config", zap.Error(err), zap.String("path", path))
		}
	} else {
		zapLogger.Warn("POOL_CONFIG_FILE not set, starting with no subscribers configured")
		subscriberCfg = config.Empty()
	}

	disp := dispatcher.New(dispatcher.Config{
		Timeout: durationEnv("POOL_SUBSCRIBER_TIMEOUT", 30*time.Second),
	}, zapLogger)

	reg := registry.New(durationEnv("POOL_OPERATION_RETENTION", registry.DefaultRetention), zapLogger)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	reg.StartJanitor(janitorCtx, time.Minute)
	defer stopJanitor()

	events := engine.NewBroadcaster()
	eng := engine.New(st, disp, reg, subscriberCfg, events, zapLogger)

	srv := api.NewServer(eng, events, zapLogger)

	addr := getenv("POOL_BIND_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}

	go func() {
		zapLogger.Info("starting pool server", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("graceful shutdown failed", zap.Error(err))
	}

	zapLogger.Info("server exited properly")
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
