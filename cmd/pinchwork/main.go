package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	pwhttp "github.com/pinchwork/pinchwork/internal/adapter/http"
	"github.com/pinchwork/pinchwork/internal/adapter/mcp"
	pwnats "github.com/pinchwork/pinchwork/internal/adapter/nats"
	"github.com/pinchwork/pinchwork/internal/adapter/natskv"
	"github.com/pinchwork/pinchwork/internal/adapter/otel"
	"github.com/pinchwork/pinchwork/internal/adapter/postgres"
	"github.com/pinchwork/pinchwork/internal/adapter/ristretto"
	"github.com/pinchwork/pinchwork/internal/adapter/tiered"
	"github.com/pinchwork/pinchwork/internal/adapter/ws"
	"github.com/pinchwork/pinchwork/internal/config"
	"github.com/pinchwork/pinchwork/internal/logger"
	"github.com/pinchwork/pinchwork/internal/middleware"
	"github.com/pinchwork/pinchwork/internal/port/cache"
	"github.com/pinchwork/pinchwork/internal/port/messagequeue"
	"github.com/pinchwork/pinchwork/internal/secrets"
	"github.com/pinchwork/pinchwork/internal/service"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
		"mcp_enabled", cfg.MCP.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	otelShutdown, err := otel.Setup(ctx, cfg.Logging.Service, cfg.OTel.Endpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	// The event mirror is best-effort. Failing to reach the broker degrades
	// to local-only delivery rather than aborting startup.
	var queue messagequeue.Queue
	var natsQueue *pwnats.Queue
	if cfg.NATS.URL != "" {
		natsQueue, err = pwnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			slog.Warn("nats unavailable, event mirror disabled", "error", err)
		} else {
			queue = natsQueue
			defer func() { _ = natsQueue.Drain() }()
			slog.Info("nats connected", "stream", cfg.NATS.Stream)
		}
	}

	// --- Caches ---
	l1, err := ristretto.New(64 << 20)
	if err != nil {
		return fmt.Errorf("ristretto: %w", err)
	}
	defer l1.Close()

	var authCache cache.Cache = l1
	if natsQueue != nil {
		kv, kvErr := natsQueue.KeyValue(ctx, "pinchwork-auth", authKVTTL)
		if kvErr != nil {
			slog.Warn("auth cache L2 disabled", "error", kvErr)
		} else {
			authCache = tiered.New(l1, natskv.New(kv), time.Minute)
		}
	}

	// --- Services ---
	hub := ws.NewHub()
	store := postgres.NewStore(pool)
	agentSvc := service.NewAgentService(store, authCache, cfg.Market)
	taskSvc := service.NewTaskService(store, hub, queue, cfg.Market)
	agentSvc.SetCapabilitySpawner(taskSvc)
	creditSvc := service.NewCreditService(store, cfg.Market)
	reaper := service.NewReaper(taskSvc, creditSvc, store, cfg.Market)

	if err := agentSvc.EnsurePlatform(ctx); err != nil {
		return fmt.Errorf("platform agent: %w", err)
	}

	// --- HTTP ---
	handlers := &pwhttp.Handlers{
		Agents:  agentSvc,
		Tasks:   taskSvc,
		Credits: creditSvc,
		Store:   store,
		Queue:   queue,
		Metrics: metrics,
	}

	rl := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := rl.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(pwhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(pwhttp.SecurityHeaders)
	r.Use(pwhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(rl.Handler)
	r.Use(middleware.Auth(agentSvc))
	if natsQueue != nil {
		kv, kvErr := natsQueue.KeyValue(ctx, "pinchwork-idempotency", 24*time.Hour)
		if kvErr != nil {
			slog.Warn("idempotency middleware disabled", "error", kvErr)
		} else {
			r.Use(middleware.Idempotency(kv))
		}
	}

	r.Method(http.MethodGet, "/ws", ws.NewHandler(hub, agentSvc))
	pwhttp.MountRoutes(r, handlers)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: long-poll waits and the websocket stream exceed
		// any fixed deadline.
		IdleTimeout: 120 * time.Second,
	}

	// --- MCP ---
	var mcpSrv *mcp.Server
	if cfg.MCP.Enabled {
		// The gateway key lives in a vault reloaded on SIGHUP, so it can be
		// rotated without restarting the service.
		vault, vErr := secrets.NewVault(secrets.EnvLoader("PINCHWORK_MCP_GATEWAY_KEY"))
		if vErr != nil {
			return fmt.Errorf("mcp secrets: %w", vErr)
		}
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			for range hup {
				if rErr := vault.Reload(); rErr != nil {
					slog.Error("reload mcp gateway key", "error", rErr)
				} else {
					slog.Info("mcp gateway key reloaded")
				}
			}
		}()

		gatewayKey := func() string {
			if v := vault.Get("PINCHWORK_MCP_GATEWAY_KEY"); v != "" {
				return v
			}
			return cfg.MCP.GatewayKey
		}

		mcpSrv = mcp.NewServer(
			mcp.ServerConfig{
				Addr:       ":" + cfg.MCP.Port,
				Name:       "pinchwork",
				Version:    version,
				GatewayKey: gatewayKey,
			},
			mcp.ServerDeps{Agents: agentSvc, Tasks: taskSvc, Credits: creditSvc},
		)
		if err := mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if mcpSrv != nil {
			_ = mcpSrv.Stop(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// authKVTTL bounds stale auth entries in the shared KV tier.
const authKVTTL = 5 * time.Minute
