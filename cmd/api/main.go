package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meetloop/meetloop/internal/apikey"
	"github.com/meetloop/meetloop/internal/config"
	"github.com/meetloop/meetloop/internal/database"
	"github.com/meetloop/meetloop/internal/driver"
	"github.com/meetloop/meetloop/internal/ledger"
	"github.com/meetloop/meetloop/internal/logging"
	"github.com/meetloop/meetloop/internal/monitoring"
	"github.com/meetloop/meetloop/internal/orchestrator"
	"github.com/meetloop/meetloop/internal/server"
	"github.com/meetloop/meetloop/internal/webhook"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(&cfg.Logging, cfg.Server.Env)

	log.Info().
		Str("env", cfg.Server.Env).
		Msg("Starting meetloop API server")

	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	redisClient := connectRedis(cfg.Redis.URL)

	monitoring.Init()
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	ledgerSvc := ledger.NewService(db.Pool, ledger.NewPricing(&cfg.Billing))
	driverClient := driver.NewHTTPClient(&cfg.Driver)
	driverTokens := driver.NewTokenIssuer(&cfg.Driver)
	dispatcher := webhook.NewDispatcher(db.Pool, redisClient, cfg.Dispatcher)
	orch := orchestrator.NewService(db.Pool, ledgerSvc, driverClient, driverTokens, dispatcher)
	reclaimer := orchestrator.NewReclaimer(orch, cfg.Reclaimer)
	keys := apikey.NewService(db.Pool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher.Start(ctx)
	reclaimer.Start(ctx)

	srv := server.NewAPIServer(cfg, db.Pool, orch, ledgerSvc, dispatcher, keys, driverTokens)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().
		Str("signal", sig.String()).
		Msg("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop background work after the HTTP surface drains so in-flight
	// requests can still enqueue events
	reclaimer.Stop()
	dispatcher.Stop()
	cancel()

	if redisClient != nil {
		_ = redisClient.Close()
	}

	log.Info().Msg("Server exited gracefully")
}

// connectRedis is best effort: the dispatcher falls back to database
// polling when Redis is absent.
func connectRedis(url string) *redis.Client {
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid REDIS_URL, dispatcher will poll the database")
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unreachable, dispatcher will poll the database")
		_ = client.Close()
		return nil
	}
	log.Info().Msg("Redis connection established")
	return client
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().Int("port", port).Msg("Prometheus metrics server listening")

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
