package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"tripforge/internal/batch"
	"tripforge/internal/config"
	"tripforge/internal/handler"
	"tripforge/internal/httpserver"
	"tripforge/internal/mqhandler"
	"tripforge/internal/normalize"
	"tripforge/internal/oracle"
	"tripforge/internal/pipeline"
	"tripforge/internal/rates"
	"tripforge/internal/reconcile"
	"tripforge/internal/repository"
	"tripforge/internal/repository/memstore"
	"tripforge/internal/trips"
	"tripforge/pkg/db"
	"tripforge/pkg/logger"
	"tripforge/pkg/mq"
	"tripforge/pkg/outbox"
	pkgredis "tripforge/pkg/redis"
	"tripforge/pkg/util"
)

func main() {
	log := logger.New("tripforge")
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 存储驱动：postgres 生产用，memory 本地开发和演示用
	var (
		emailStore repository.EmailStore
		bookings   repository.BookingStore
		tripStore  repository.TripStore
		runs       repository.RunStore
		pool       *pgxpool.Pool
		events     pipeline.EventSink
	)
	readiness := []httpserver.ReadyCheck{}

	switch cfg.Storage {
	case config.StoragePostgres:
		pool, err = db.NewPool(ctx, cfg.DB, log)
		if err != nil {
			log.Fatal("DB initialization failed", zap.Error(err))
		}
		defer pool.Close()
		if err := repository.EnsureSchema(ctx, pool); err != nil {
			log.Fatal("schema migration failed", zap.Error(err))
		}
		emailStore = repository.NewEmailRepository(pool)
		bookings = repository.NewBookingRepository(pool)
		tripStore = repository.NewTripRepository(pool)
		runs = repository.NewRunRepository(pool)
		readiness = append(readiness, httpserver.ReadyCheck{
			Name:  "db",
			Check: func(ctx context.Context) error { return pool.Ping(ctx) },
		})
	case config.StorageMemory:
		store := memstore.New()
		emailStore = store.Emails()
		bookings = store.Bookings()
		tripStore = store.Trips()
		runs = store.Runs()
	}

	// Redis 只承担去重和重试计数镜像，连不上时 tracker 自动退化到纯库表认领
	var (
		deduper *util.Deduper
		retries *util.RetryCounter
	)
	if cfg.Redis.Addr != "" {
		rdb := pkgredis.New(cfg.Redis)
		defer rdb.Close()
		deduper = util.NewDeduper(rdb, 24*time.Hour, log)
		retries = util.NewRetryCounter(rdb, 24*time.Hour)
	}

	// MQ：outbox dispatcher 发布领域事件，consumer 接上游分类结果
	var publisher *mq.Publisher
	if cfg.MQ.URL != "" {
		publisher, err = mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
		if err != nil {
			log.Fatal("failed to init publisher", zap.Error(err))
		}
		defer publisher.Close()
	}
	var replay *outbox.ReplayService
	if pool != nil && publisher != nil {
		outboxRepo := outbox.NewRepository(pool)
		events = pipeline.NewOutboxSink(pool, outboxRepo)
		replay = outbox.NewReplayService(outboxRepo, publisher)
		dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log)
		go dispatcher.Start(ctx)
	}

	orc, err := oracle.NewClient(cfg.Oracle.Providers, cfg.Oracle.CallTimeout, log)
	if err != nil {
		log.Fatal("oracle initialization failed", zap.Error(err))
	}

	table := rates.NewStaticTable(cfg.Rates.ReportingCurrency, cfg.Rates.Table)
	rateSource := rates.NewCachedSource(table, cfg.Rates.CacheTTL)

	tracker := batch.NewTracker(
		emailStore, deduper, retries,
		cfg.Engine.MaxRetries, cfg.Engine.StaleProcessingTimeout, log,
	)
	svc := pipeline.New(
		emailStore, bookings, tripStore, runs,
		tracker, orc,
		normalize.New(cfg.Engine.HomeCity, log),
		reconcile.New(cfg.Engine.IdentityRoundingWindow, log),
		trips.NewResolver(cfg.Engine.HomeCity, cfg.Engine.AdjacencyGapDays, cfg.Engine.DestinationJoinGapDays, log),
		trips.NewAggregator(cfg.Engine.HomeCity, cfg.Rates.ReportingCurrency, rateSource, log),
		events,
		pipeline.Options{BatchSize: cfg.Engine.BatchSize, WorkerCount: cfg.Engine.WorkerCount},
		log,
	)

	if cfg.MQ.URL != "" {
		consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.MQ.Exchange, "tripforge.email.classified", "email.classified", log)
		if err != nil {
			log.Fatal("failed to init consumer", zap.Error(err))
		}
		defer consumer.Close()
		consumer.SetHandler(mqhandler.NewEmailClassifiedHandler(svc, deduper, log).HandleEmailClassified)
		go func() {
			if err := consumer.StartConsuming(); err != nil {
				log.Error("consumer stopped", zap.Error(err))
			}
		}()
		readiness = append(readiness, httpserver.ReadyCheck{
			Name: "mq",
			Check: func(context.Context) error {
				if publisher != nil && !publisher.IsConnected() {
					return errors.New("publisher disconnected")
				}
				return nil
			},
		})
	}

	router := httpserver.NewRouter(httpserver.Deps{
		Emails:    handler.NewEmailHandler(svc, log),
		Detection: handler.NewDetectionHandler(svc, tracker, log),
		Trips:     handler.NewTripHandler(svc, log),
		Admin:     handler.NewAdminHandler(svc, replay, log),
		JWTSecret: cfg.JWT.Secret,
		Ready:     readiness,
	})

	server := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: router.Engine,
	}
	go func() {
		log.Info("starting tripforge server", zap.String("addr", cfg.Server.Port), zap.String("storage", cfg.Storage))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server start failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	// 先停 HTTP 面，再取消在途 run；当前批次的写入阶段会先做完
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	svc.Shutdown()
	log.Info("tripforge stopped")
}
