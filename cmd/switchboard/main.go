package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sdk "github.com/a2aproject/a2a-go/a2a"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/switchboard/internal/adapter/delivery"
	"github.com/Strob0t/switchboard/internal/adapter/discovery"
	sbhttp "github.com/Strob0t/switchboard/internal/adapter/http"
	"github.com/Strob0t/switchboard/internal/adapter/jsonrpc"
	"github.com/Strob0t/switchboard/internal/adapter/mcp"
	sbnats "github.com/Strob0t/switchboard/internal/adapter/nats"
	"github.com/Strob0t/switchboard/internal/adapter/natskv"
	"github.com/Strob0t/switchboard/internal/adapter/otel"
	"github.com/Strob0t/switchboard/internal/adapter/postgres"
	"github.com/Strob0t/switchboard/internal/adapter/ristretto"
	"github.com/Strob0t/switchboard/internal/adapter/tiered"
	"github.com/Strob0t/switchboard/internal/adapter/ws"
	"github.com/Strob0t/switchboard/internal/config"
	"github.com/Strob0t/switchboard/internal/logger"
	"github.com/Strob0t/switchboard/internal/middleware"
	"github.com/Strob0t/switchboard/internal/port/a2a"
	"github.com/Strob0t/switchboard/internal/port/cache"
	"github.com/Strob0t/switchboard/internal/service"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
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

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"public_url", cfg.Server.PublicURL,
		"breaker_threshold", cfg.Breaker.Threshold,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	origin := replicaID()

	// --- Observability ---

	shutdownOtel, err := otel.Setup(ctx, cfg.Logging.Service, cfg.OTEL, log)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(sctx)
	}()
	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	// NATS (optional): cross-replica event fan-out and the shared card cache
	var queue *sbnats.Queue
	var l2 cache.Cache
	if cfg.NATS.URL != "" {
		queue, err = sbnats.Connect(ctx, cfg.NATS.URL, origin, log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
		kv, err := natskv.Open(ctx, queue.JetStream(), cfg.NATS.CardBucket, cfg.Discovery.CacheTTL)
		if err != nil {
			return fmt.Errorf("card cache: %w", err)
		}
		l2 = kv
		log.Info("nats connected", "url", cfg.NATS.URL)
	}

	l1, err := ristretto.New(int(cfg.Discovery.L1MaxSizeMB), cfg.Discovery.CacheTTL)
	if err != nil {
		return fmt.Errorf("card cache: %w", err)
	}
	cardCache := tiered.New(l1, l2, cfg.Discovery.CacheTTL, log)

	// PostgreSQL (optional): durable transition history
	sinks := service.NewEventSinks(origin, log)
	var pool *pgxpool.Pool
	if cfg.Postgres.DSN != "" {
		pool, err = postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		sinks.SetEventStore(postgres.NewEventStore(pool))
		log.Info("postgres connected, migrations applied")
	}

	hub := ws.NewHub(log)
	sinks.SetBroadcaster(hub)
	if queue != nil {
		sinks.SetQueue(queue)
		stopFollow, err := sinks.Follow(ctx)
		if err != nil {
			return fmt.Errorf("follow events: %w", err)
		}
		defer stopFollow()
	}

	// --- Services ---

	fetcher, err := discovery.NewFetcher(cfg.Discovery, cardCache, log)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	prober := discovery.NewProber(cfg.Health.Path, cfg.Health.Timeout, fetcher)
	caller := jsonrpc.New()

	agents := service.NewAgentRegistry(fetcher, cfg.Discovery, sinks, log)
	supervisor := service.NewSupervisor(agents, prober, cfg.Breaker, cfg.Health, sinks, log)
	supervisor.SetMetrics(metrics)
	agents.AddHook(supervisor)

	tasks := service.NewTaskRegistry(sinks, log)
	tokens := service.NewPushTokens(cfg.Push.Secret)
	machine := service.NewMachine(service.MachineDeps{
		Agents:     agents,
		Supervisor: supervisor,
		Channels:   delivery.New(caller, cfg.Delivery, log),
		Tasks:      tasks,
		Tokens:     tokens,
		Caller:     caller,
		PublicURL:  cfg.Server.PublicURL,
	}, cfg.Delivery, log)
	machine.SetMetrics(metrics)

	agents.RegisterSeeds(ctx)
	go supervisor.Run(ctx)

	// --- HTTP ---

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(time.Minute, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(sbhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(sbhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(sbhttp.SecurityHeaders)

	r.Get("/health", healthHandler(pool, queue))

	selfURL := cfg.Server.PublicURL
	if selfURL == "" {
		selfURL = "http://localhost:" + cfg.Server.Port
	}
	card := a2a.BuildAgentCard(strings.TrimRight(selfURL, "/")+"/a2a", version)
	a2a.NewHandler(func() sdk.AgentCard { return card }, machine).MountRoutes(r)

	r.Get("/ws", hub.HandleWS)

	if cfg.MCP.Enabled {
		mcpServer := mcp.NewServer(mcp.ServerConfig{
			Name:    cfg.Logging.Service,
			Version: version,
			APIKey:  cfg.MCP.APIKey,
		}, mcp.ServerDeps{Agents: agents, Health: supervisor, Tasks: machine})
		r.Handle("/mcp", mcpServer.Handler())
	}

	sbhttp.MountRoutes(r, &sbhttp.Handlers{
		Agents: agents,
		Health: supervisor,
		Tasks:  machine,
	}, sbhttp.CallbackAuth{
		Tokens:  tokens.Lookup,
		Push:    cfg.Push,
		Limiter: limiter,
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", addr, "origin", origin)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if err := machine.Close(shutdownCtx); err != nil {
		log.Warn("in-flight deliveries aborted", "error", err)
	}
	if queue != nil {
		_ = queue.Drain()
	}
	return nil
}

// replicaID names this process on published events.
func replicaID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h + "-" + uuid.NewString()[:8]
	}
	return uuid.NewString()
}

// healthHandler returns an http.HandlerFunc that reports service health.
func healthHandler(pool *pgxpool.Pool, queue *sbnats.Queue) http.HandlerFunc {
	type healthStatus struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Postgres string `json:"postgres"`
		NATS     string `json:"nats"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{Status: "ok", Version: version, Postgres: "disabled", NATS: "disabled"}
		code := http.StatusOK
		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				status.Postgres = "down"
				status.Status = "degraded"
				code = http.StatusServiceUnavailable
			} else {
				status.Postgres = "up"
			}
		}
		if queue != nil {
			if queue.IsConnected() {
				status.NATS = "up"
			} else {
				status.NATS = "down"
				status.Status = "degraded"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
