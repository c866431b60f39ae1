package main

import (
	"context"
	"errors"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tabletop/assignment-service/internal/assignment"
	"tabletop/assignment-service/internal/config"
	"tabletop/assignment-service/internal/hierarchy"
	"tabletop/assignment-service/internal/httpapi"
	"tabletop/assignment-service/internal/notify"
	"tabletop/assignment-service/internal/queue"
	"tabletop/assignment-service/internal/realtime"
	"tabletop/assignment-service/internal/reconciler"
	"tabletop/assignment-service/internal/store"
	"tabletop/assignment-service/internal/store/memory"
	"tabletop/assignment-service/internal/store/postgres"
	"tabletop/assignment-service/internal/telemetry"
	"tabletop/assignment-service/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	migrate := pflag.Bool("migrate", false, "apply embedded migrations before serving")
	skipRepair := pflag.Bool("skip-repair", false, "skip the startup consistency repair")
	driver := pflag.String("store", "", "storage driver override (postgres or memory)")
	seed := pflag.String("seed", "", "JSON hierarchy to load into the memory store")
	pflag.Parse()

	cfg := config.Load()
	if *driver != "" {
		cfg.StoreDriver = *driver
	}

	shutdownTelemetry := telemetry.Setup("assignment-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	var st store.Store
	switch cfg.StoreDriver {
	case "memory":
		mem := memory.NewStore(memory.Options{
			WaitMinutesPerPosition: cfg.WaitMinutesPerPosition,
			DefaultCapacity:        cfg.DefaultWorkerCapacity,
		})
		if *seed != "" {
			if err := loadSeed(*seed, mem); err != nil {
				log.Fatalf("seed: %v", err)
			}
		}
		st = mem
	default:
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		if cfg.AutoMigrate || *migrate {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			err := migrations.Apply(ctx, pool)
			cancel()
			if err != nil {
				log.Fatalf("migrate: %v", err)
			}
		}
		st = postgres.NewStore(pool, postgres.Options{
			WaitMinutesPerPosition: cfg.WaitMinutesPerPosition,
			DefaultCapacity:        cfg.DefaultWorkerCapacity,
		})
	}

	hub := realtime.NewHub()
	deps := notify.ProviderDeps{
		WebhookURL:   cfg.WebhookURL,
		WebhookToken: cfg.WebhookToken,
		Exchange:     cfg.AMQPExchange,
		Hub:          hub,
	}
	var publisher *notify.AMQPPublisher
	if cfg.AMQPURL != "" {
		p, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Printf("amqp unavailable, broker notifications fall back to log: %v", err)
		} else {
			publisher = p
			deps.Publisher = p
		}
	}

	dispatcher := notify.NewDispatcher(notify.Config{
		Worker:    notify.NewProvider(cfg.WorkerProvider, notify.ChannelWorker, deps),
		Manager:   notify.NewProvider(cfg.ManagerProvider, notify.ChannelManager, deps),
		QueueSize: cfg.NotifyQueueSize,
		Workers:   cfg.NotifyWorkers,
		Board:     hub,
	})
	queueManager := queue.NewManager(st, queue.Options{
		MaxSize:  cfg.MaxQueueSize,
		Observer: dispatcher,
	})
	engine := assignment.NewEngine(st, hierarchy.NewValidator(st), queueManager, assignment.Options{
		Notifier: dispatcher,
	})
	rec := reconciler.New(st, engine, queueManager, reconciler.Config{
		Interval:             cfg.ReconcileInterval,
		CleanupInterval:      cfg.CleanupInterval,
		PreparationTimeout:   cfg.PreparationTimeout,
		HistoryRetention:     cfg.HistoryRetention,
		QueueMaxAge:          cfg.QueueMaxAge,
		ResetRoundRobinDaily: cfg.ResetRoundRobinDaily,
		Location:             cfg.Location,
	})
	if publisher != nil {
		rec.OnShutdown(func(context.Context) error {
			publisher.Close()
			return nil
		})
	}

	expvar.Publish("reconciler", expvar.Func(func() any { return rec.Health() }))
	expvar.Publish("notifications", expvar.Func(func() any { return dispatcher.Stats() }))
	expvar.Publish("assignments", expvar.Func(func() any { return engine.Counters() }))
	expvar.Publish("realtime_clients", expvar.Func(func() any { return hub.Len() }))

	if !*skipRepair {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		report, err := rec.Repair(ctx)
		cancel()
		if err != nil {
			log.Printf("startup repair error: %v", err)
		} else {
			log.Printf("startup repair counts_fixed=%d reassigned=%d queue_repaired=%d failed=%d",
				report.CountsFixed, report.Reassigned, report.QueueRepaired, report.Failed)
		}
	}

	handler := httpapi.NewHandler(httpapi.Options{
		Orders:     st,
		Engine:     engine,
		Queue:      queueManager,
		Reconciler: rec,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMinute,
		IPBurst:        cfg.RateLimitBurst,
		VenuePerMinute: cfg.VenueRateLimitPerMinute,
		VenueBurst:     cfg.VenueRateLimitBurst,
	})

	// The board stream upgrades connections, so it stays outside the
	// logging and rate limit wrappers.
	mux := http.NewServeMux()
	mux.Handle("/realtime/", realtime.Handler("/realtime", hub))
	mux.Handle("/", httpapi.LoggingMiddleware(limiter.Middleware(handler.Routes())))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(mux, "assignment-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("assignment-service listening on %s store=%s", server.Addr, cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return dispatcher.Run(groupCtx)
	})
	rec.Start(groupCtx)
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
		return rec.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Printf("assignment-service stopped: %v", err)
		os.Exit(1)
	}
	log.Printf("assignment-service stopped")
}
