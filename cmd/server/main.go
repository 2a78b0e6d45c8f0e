package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/eventrules/actions"
	"github.com/liamcoop/eventrules/audit"
	"github.com/liamcoop/eventrules/condition"
	"github.com/liamcoop/eventrules/dispatch"
	"github.com/liamcoop/eventrules/engine"
	"github.com/liamcoop/eventrules/internal/config"
	"github.com/liamcoop/eventrules/internal/logger"
	"github.com/liamcoop/eventrules/internal/metrics"
	"github.com/liamcoop/eventrules/rules"
	"github.com/liamcoop/eventrules/scheduler"
	"github.com/liamcoop/eventrules/trigger"
)

// app holds the wired service and everything that must be started or
// released with it.
type app struct {
	server     *Server
	scheduler  *scheduler.Scheduler
	subscriber *trigger.SignalSubscriber
	start      []func(context.Context) error
	closers    []func(context.Context) error
}

// newApp wires the service from cfg. With no database URL every store is
// in memory.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{}
	m := metrics.New()

	var (
		db    *sql.DB
		store rules.RuleStore
		sink  audit.Sink
		logs  audit.Reader
	)
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		store = rules.NewPostgresRuleStore(db)
		pg := audit.NewPostgresSink(db)
		sink, logs = pg, pg
	} else {
		logger.Warn("DATABASE_URL not set, rules and logs are kept in memory")
		store = rules.NewInMemoryRuleStore()
		mem := audit.NewMemorySink()
		sink, logs = mem, mem
	}
	sink = audit.MultiSink{sink, audit.NewLogSink(logger.With("component", "audit"))}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		var err error
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("eventrules"))
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { nc.Close(); return nil })
	}

	registry := dispatch.NewRegistry()
	opts := actions.Options{
		Sink: sink,
		Webhook: actions.WebhookOptions{
			RatePerSecond: cfg.Webhook.RatePerSecond,
			Burst:         cfg.Webhook.Burst,
			Timeout:       cfg.Webhook.Timeout,
		},
	}
	if nc != nil {
		opts.Notifier = actions.NewNATSNotifier(nc, cfg.NATS.NotifySubject)
	}
	if err := actions.Register(registry, opts); err != nil {
		a.close(ctx)
		return nil, err
	}
	registry.Freeze()

	runner := dispatch.RunnerConfig{Sink: sink, Metrics: m, Logger: logger.With("component", "tasks")}
	var queue dispatch.Queue
	switch cfg.Dispatch.Backend {
	case config.BackendRiver:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to open job pool: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		rq, err := dispatch.NewRiverQueue(pool, registry, dispatch.RiverConfig{
			RunnerConfig: runner,
			Workers:      cfg.Dispatch.Workers,
		})
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		if err := rq.Migrate(ctx); err != nil {
			a.close(ctx)
			return nil, err
		}
		a.start = append(a.start, rq.Start)
		a.closers = append([]func(context.Context) error{rq.Close}, a.closers...)
		queue = rq
	default:
		pool := dispatch.NewPool(registry, dispatch.PoolConfig{
			RunnerConfig: runner,
			Workers:      cfg.Dispatch.Workers,
			QueueSize:    cfg.Dispatch.QueueSize,
		})
		a.closers = append([]func(context.Context) error{pool.Close}, a.closers...)
		queue = pool
	}

	dispatcher := dispatch.NewDispatcher(registry,
		dispatch.WithQueue(queue),
		dispatch.WithRetryPolicy(dispatch.RetryPolicy{
			MaxAttempts:       cfg.Dispatch.Retry.MaxAttempts,
			Timeout:           cfg.Dispatch.Retry.Timeout,
			Backoff:           cfg.Dispatch.Retry.Backoff,
			NonRetryableKinds: cfg.Dispatch.Retry.NonRetryable,
		}),
		dispatch.WithMetrics(m),
	)

	evaluator, err := condition.NewEvaluator()
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	cache := rules.NewSnapshotCache(store, rules.CacheConfig{TTL: cfg.Cache.TTL, MaxEmptyKeys: cfg.Cache.MaxEmptyKeys, Metrics: m})
	manager := rules.NewManager(store, cache,
		rules.WithTypeChecker(registry),
		rules.WithConditionChecker(evaluator),
	)
	eng, err := engine.NewEngine(cache, dispatcher,
		engine.WithSink(sink),
		engine.WithMetrics(m),
		engine.WithEvaluator(evaluator),
	)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	hooks := trigger.NewHooks(eng, logger.With("component", "triggers"))

	if cfg.Scheduler.Enabled {
		a.scheduler, err = scheduler.New(store, hooks, scheduler.Config{
			Interval: cfg.Scheduler.Interval,
			Metrics:  m,
		})
		if err != nil {
			a.close(ctx)
			return nil, err
		}
	}
	if nc != nil {
		a.subscriber = trigger.NewSignalSubscriber(nc, cfg.NATS.SignalSubject, hooks)
	}

	a.server = NewServer(Deps{
		DB:        db,
		Manager:   manager,
		Cache:     cache,
		Engine:    eng,
		Scheduler: a.scheduler,
		Logs:      logs,
		Metrics:   m,
	})
	return a, nil
}

// close releases resources, task queues first.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c(ctx))
	}
	return errors.Join(errs...)
}

func main() {
	configPath := flag.String("config", os.Getenv("EVENTRULES_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", "error", err)
	}
	if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warn("unknown log level, keeping default", "level", cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 65 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, start := range a.start {
		if err := start(context.WithoutCancel(gctx)); err != nil {
			logger.Fatal("failed to start task queue", "error", err)
		}
	}
	if a.scheduler != nil {
		g.Go(func() error { return a.scheduler.Run(gctx) })
	}
	if a.subscriber != nil {
		if err := a.subscriber.Start(gctx); err != nil {
			logger.Fatal("failed to subscribe to signals", "error", err)
		}
	}
	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "backend", cfg.Dispatch.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if a.subscriber != nil {
		if err := a.subscriber.Close(); err != nil {
			logger.Warn("signal subscriber drain failed", "error", err)
		}
	}
	if err := a.close(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		logger.Warn("log exporter shutdown failed", "error", err)
	}
	logger.Info("server stopped")
}
