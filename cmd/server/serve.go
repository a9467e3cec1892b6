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

	"golang.org/x/sync/errgroup"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/api"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/config"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/dlq"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/engine"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/idempotency"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/logging"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/metrics"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/store"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/subscription"
	ws "github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/websocket"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func runServe(ctx context.Context, migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Init("webhook-engine", cfg.LogLevel, cfg.AppEnv)

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if migrate {
		if err := pgStore.Migrate(ctx, logger); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}

	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	var idemStore idempotency.Store = idempotency.NewRedisStore(redisStore.Client())
	if cfg.IdempotencyBackend == "memory" {
		idemStore = idempotency.NewMemoryStore()
	}

	m := metrics.New()
	hub := ws.NewHub(logger.With("component", "websocket"))
	signer := engine.NewSigner()
	planner := engine.NewPlanner()
	defaults := cfg.RetryPolicy()
	if err := engine.ValidateRetryPolicy(defaults); err != nil {
		return fmt.Errorf("default retry policy: %w", err)
	}

	breakers := engine.NewRegistry(defaults.CircuitBreaker, logger.With("component", "circuit_breaker"))
	limiter := engine.NewRateLimiter(redisStore.Client(), logger.With("component", "rate_limiter"))
	subs := subscription.NewService(pgStore, defaults, logger.With("component", "subscriptions"))

	idem := idempotency.NewService(idemStore, idempotency.Config{
		ProcessingTTL: cfg.IdempotencyProcessingTTL,
		SweepInterval: cfg.IdempotencySweepInterval,
	}, logger.With("component", "idempotency"))

	deadLetters := dlq.New(pgStore.DeadLetters(), planner, dlq.Config{
		MaxAttempts:     cfg.DLQMaxAttempts,
		SweepInterval:   cfg.DLQSweepInterval,
		CleanupInterval: cfg.DLQCleanupInterval,
		Retention:       cfg.DLQRetention,
		ClaimLease:      cfg.DLQClaimLease,
	}, logger.With("component", "dlq"))

	orch := worker.NewOrchestrator(worker.Deps{
		Subscriptions: subs,
		Sender:        worker.NewSender(signer, cfg.DeliveryUserAgent, logger.With("component", "sender")),
		Breakers:      breakers,
		Planner:       planner,
		DeadLetters:   deadLetters,
		Idempotency:   idem,
		Attempts:      pgStore,
		Limiter:       limiter,
		Feed:          hub,
		Metrics:       m,
	}, cfg.IdempotencyDeliveryTTL, logger.With("component", "orchestrator"))

	deadLetters.SetRetryFunc(orch.RetryDeadLetter)
	deadLetters.SetAlertFunc(orch.NotifyExhausted)
	breakers.OnStateChange(orch.NotifyCircuitChange)

	queue := store.NewDeliveryQueue(redisStore.Client(), logger.With("component", "queue"))
	pool := worker.NewPool(cfg.NumWorkers, orch, logger.With("component", "pool"))
	dispatcher := worker.NewDispatcher(queue, pool, m, logger.With("component", "dispatcher"))

	router := api.NewRouter(api.Deps{
		Store:         pgStore,
		Queue:         queue,
		Subscriptions: subs,
		Breakers:      breakers,
		DeadLetters:   deadLetters,
		Idempotency:   idem,
		Signer:        signer,
		Inbound: api.InboundConfig{
			Secret:   cfg.InboundWebhookSecret,
			MaxDrift: cfg.InboundMaxDrift,
			TTL:      cfg.IdempotencyInboundTTL,
		},
		Processor: api.LoggingProcessor{},
		Hub:       hub,
		Metrics:   m,
		Health: map[string]api.Pinger{
			"postgres": pgStore,
			"redis":    redisStore,
		},
	}, logger)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { deadLetters.Start(gctx); return nil })
	g.Go(func() error { idem.Start(gctx); return nil })
	g.Go(func() error { dispatcher.Start(gctx); return nil })
	g.Go(func() error {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()

	// The dispatcher has returned, so nothing submits any more; let
	// in-flight deliveries finish.
	pool.Stop()

	logger.Info("server stopped")
	return err
}
