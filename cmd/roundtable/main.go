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

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	rthttp "github.com/roundtable-chat/roundtable/internal/adapter/http"
	"github.com/roundtable-chat/roundtable/internal/adapter/litellm"
	"github.com/roundtable-chat/roundtable/internal/adapter/memory"
	rtnats "github.com/roundtable-chat/roundtable/internal/adapter/nats"
	"github.com/roundtable-chat/roundtable/internal/adapter/natskv"
	rtotel "github.com/roundtable-chat/roundtable/internal/adapter/otel"
	"github.com/roundtable-chat/roundtable/internal/adapter/postgres"
	"github.com/roundtable-chat/roundtable/internal/adapter/ristretto"
	"github.com/roundtable-chat/roundtable/internal/adapter/tiered"
	"github.com/roundtable-chat/roundtable/internal/adapter/ws"
	"github.com/roundtable-chat/roundtable/internal/config"
	"github.com/roundtable-chat/roundtable/internal/logger"
	"github.com/roundtable-chat/roundtable/internal/port/cache"
	"github.com/roundtable-chat/roundtable/internal/port/database"
	"github.com/roundtable-chat/roundtable/internal/port/eventstore"
	"github.com/roundtable-chat/roundtable/internal/port/messagequeue"
	"github.com/roundtable-chat/roundtable/internal/resilience"
	"github.com/roundtable-chat/roundtable/internal/secrets"
	"github.com/roundtable-chat/roundtable/internal/service"
)

const (
	serviceName   = "roundtable"
	masterKeyName = "LITELLM_MASTER_KEY"
)

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

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Driver,
		"log_level", cfg.Logging.Level,
		"worker_concurrency", cfg.Worker.Concurrency,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	shutdownOtel, err := rtotel.Setup(ctx, cfg.Telemetry, serviceName)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := rtotel.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	var (
		store  database.Store
		events eventstore.Store
	)
	switch cfg.Storage.Driver {
	case "memory":
		store, events = memory.New(), memory.NewEventStore()
		slog.Warn("using in-memory storage, state is lost on exit")
	default:
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
		store, events = postgres.NewStore(pool), postgres.NewEventStore(pool)
	}

	// NATS carries worker wake-ups and the shared preview cache. It is
	// optional with in-memory storage.
	var (
		queue messagequeue.Queue
		l2    cache.Cache
	)
	if cfg.NATS.URL != "" {
		q, err := rtnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() {
			if err := q.Drain(); err != nil {
				slog.Warn("nats drain", "error", err)
			}
		}()
		queue = q

		if cfg.Cache.L2Bucket != "" {
			kv, err := q.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
			if err != nil {
				return fmt.Errorf("nats kv: %w", err)
			}
			l2 = natskv.New(kv)
		}
	}

	l1, err := ristretto.NewMB(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()
	previews := tiered.New(l1, l2, cfg.Cache.PreviewTTL)

	// --- Services ---

	hub := ws.NewHub()
	defer hub.Close()

	sched := service.NewSchedulerService(store, queue, hub, events, &cfg.Scheduler)
	sched.SetCache(previews, cfg.Cache.PreviewTTL)
	sched.SetMetrics(metrics)

	dispatch := service.NewDispatcher()
	forks := service.NewForkService(sched, cfg.Forker.AsyncThreshold)
	planner := service.NewPlannerService(sched, forks)
	messages := service.NewMessageService(sched, planner, dispatch)
	runs := service.NewRunQueueService(sched, messages, dispatch)
	dispatch.Register(planner, sched)

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	llm := litellm.NewClient(cfg.LiteLLM, breaker)
	if cfg.LiteLLM.MasterKeyFile != "" {
		vault, err := secrets.NewVault(secrets.Fallback(
			secrets.FileLoader(cfg.LiteLLM.MasterKeyFile),
			map[string]string{masterKeyName: cfg.LiteLLM.MasterKey},
		))
		if err != nil {
			return fmt.Errorf("secrets: %w", err)
		}
		vault.ReloadOnSIGHUP(ctx)
		llm.SetKeySource(vault.Getter(masterKeyName))
		slog.Info("litellm key loaded", "file", cfg.LiteLLM.MasterKeyFile, "key", vault.Redacted(masterKeyName))
	}

	// --- HTTP ---

	handlers := &rthttp.Handlers{
		Spaces:    service.NewSpaceService(sched),
		Messages:  messages,
		Planner:   planner,
		Scheduler: sched,
		Forks:     forks,
		Health:    service.NewHealthService(sched),
		Hub:       hub,
	}
	router := rthttp.NewRouter(handlers, cfg.Server.CORSOrigin, rtotel.HTTPMiddleware(serviceName))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Worker.Enabled {
		workers := service.NewWorkerPool(runs, llm, cfg.Worker)
		g.Go(func() error { return workers.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		forks.Wait()
		return err
	})

	return g.Wait()
}
