package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"payment-orchestrator/config"
	"payment-orchestrator/internal/adapter/eventbus"
	gatewayClient "payment-orchestrator/internal/adapter/gateway"
	httpHandler "payment-orchestrator/internal/adapter/http/handler"
	pgStorage "payment-orchestrator/internal/adapter/storage/postgres"
	redisStorage "payment-orchestrator/internal/adapter/storage/redis"
	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/service"
	"payment-orchestrator/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Msg("Starting Payment Orchestrator")

	ctx := context.Background()

	// Initialize PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// Storage adapters
	paymentRepo := pgStorage.NewPaymentRepo(pool)
	outboxStore := pgStorage.NewOutboxStore(pool)
	idempotencyStore := pgStorage.NewIdempotencyStore(pool)
	lockManager := redisStorage.NewLockStore(rdb)

	// State machine verifies its own transition table at startup.
	stateMachine, err := domain.NewStateMachine()
	if err != nil {
		log.Fatal().Err(err).Msg("State machine verification failed")
	}

	// Core services
	metrics := service.NewGatewayMetricsCollector()
	breakers := service.NewBreakerRegistry(cfg.CircuitBreaker, log)
	router, err := service.NewWeightedRouter(cfg.Routing, metrics, breakers.Available, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build router")
	}
	retryPolicy := service.NewRetryPolicy(cfg.Retry)
	idemEngine := service.NewIdempotencyEngine(idempotencyStore, lockManager, cfg.Idempotency, log)
	tokenSvc := service.NewJWTTokenService(cfg.Auth)

	coordinator := service.NewPaymentCoordinator(
		paymentRepo,
		lockManager,
		idemEngine,
		router,
		breakers,
		metrics,
		retryPolicy,
		stateMachine,
		cfg.Lock,
		cfg.Routing,
		log,
	)

	// Register one simulated client per configured gateway, in a stable
	// order so routing tiebreaks are deterministic across restarts.
	names := make([]string, 0, len(cfg.Routing.GatewayCosts))
	for name := range cfg.Routing.GatewayCosts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		coordinator.RegisterGateway(gatewayClient.NewSimulated(domain.GatewayType(name), gatewayClient.SimulatedOptions{
			FailureRate:   0.05,
			TransientRate: 0.02,
			Latency:       50 * time.Millisecond,
		}))
	}
	if len(names) == 0 {
		log.Warn().Msg("no gateways configured, processing will fail until one is registered")
	}

	// Outbox publisher drains events to the Redis bus.
	bus := eventbus.NewRedisBus(rdb, log)
	publisher := service.NewOutboxPublisher(outboxStore, bus, cfg.Outbox, log)
	publisher.Start()
	defer publisher.Stop()

	// Health checkers
	pgHealth := pgStorage.NewHealthCheck(pool)
	redisHealth := redisStorage.NewHealthCheck(rdb)

	// Setup Gin router with all routes
	engine := httpHandler.SetupRouter(httpHandler.RouterDeps{
		PaymentSvc:     coordinator,
		TokenSvc:       tokenSvc,
		HealthCheckers: []ports.HealthChecker{pgHealth, redisHealth},
		Logger:         log,
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: engine,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
