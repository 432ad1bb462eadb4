package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ignatzorin/escrow-engine/internal/config"
	"github.com/ignatzorin/escrow-engine/internal/db"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/escrow"
	"github.com/ignatzorin/escrow-engine/internal/events"
	"github.com/ignatzorin/escrow-engine/internal/goroutine"
	httpRouter "github.com/ignatzorin/escrow-engine/internal/http/router"
	"github.com/ignatzorin/escrow-engine/internal/infrastructure/persistence"
	"github.com/ignatzorin/escrow-engine/internal/infrastructure/persistence/memory"
	"github.com/ignatzorin/escrow-engine/internal/interface/http/handler"
	"github.com/ignatzorin/escrow-engine/internal/logger"
	"github.com/ignatzorin/escrow-engine/internal/metrics"
	"github.com/ignatzorin/escrow-engine/internal/processor"
	"github.com/ignatzorin/escrow-engine/internal/processor/httpclient"
	"github.com/ignatzorin/escrow-engine/internal/processor/sandbox"
	reviewRepository "github.com/ignatzorin/escrow-engine/internal/repository"
	"github.com/ignatzorin/escrow-engine/internal/service"
	"github.com/ignatzorin/escrow-engine/internal/usecase/dispute"
	"github.com/ignatzorin/escrow-engine/internal/usecase/order"
	"github.com/ignatzorin/escrow-engine/internal/worker"
	"github.com/ignatzorin/escrow-engine/internal/ws"
)

// stores набор хранилищ, одинаковый для памяти и PostgreSQL.
type stores struct {
	orders     repository.OrderRepository
	ledger     repository.LedgerRepository
	disputes   repository.DisputeRepository
	operations repository.EscrowOperationRepository
	reviews    service.ReviewRepository
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func main() {
	// Готовим контекст для graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: ошибка загрузки конфигурации: %v", err)
	}

	// Инициализация логгера
	logger.Init(cfg.LogLevel)
	if cfg.Env == "development" {
		logger.SetTextFormatter()
	}

	checks := make(map[string]handler.Pinger)

	// Хранилище.
	var st stores
	switch cfg.Storage {
	case config.StoragePostgres:
		dbConn, err := db.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("main: ошибка подключения к базе: %v", err)
		}
		defer safeClose(dbConn)

		if err := db.RunMigrations(ctx, dbConn); err != nil {
			log.Fatalf("main: ошибка миграций: %v", err)
		}
		st = postgresStores(dbConn)
		checks["postgres"] = dbConn
	default:
		mem := memory.New()
		st = stores{
			orders:     mem.Orders,
			ledger:     mem.Ledger,
			disputes:   mem.Disputes,
			operations: mem.Operations,
			reviews:    mem.Reviews,
		}
		logger.L().Warn("STORAGE=memory: данные не переживут перезапуск")
	}

	// Платёжный процессор.
	var proc processor.Processor
	if cfg.Processor.BaseURL != "" {
		proc = httpclient.New(cfg.Processor.BaseURL, cfg.Processor.APIKey, cfg.Escrow.CallTimeout)
	} else {
		proc = sandbox.New()
		logger.L().Warn("PROCESSOR_BASE_URL не задан, используется sandbox-процессор")
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// Вебсокеты и события.
	hub := ws.NewHub()
	goroutine.SafeGoWithContext(ctx, hub.Run)

	publisher := events.Multi{events.NewBroadcastPublisher(hub)}
	switch cfg.Events.Backend {
	case config.EventsKafka:
		publisher = append(publisher, events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic))
	case config.EventsAMQP:
		amqpPublisher, err := events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.AMQPExchange)
		if err != nil {
			log.Fatalf("main: не удалось подключиться к брокеру: %v", err)
		}
		publisher = append(publisher, amqpPublisher)
	}
	defer safeClose(publisher)

	// Движок.
	tokenManager := service.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL)
	coordinator := escrow.NewCoordinator(proc, st.operations, st.ledger, m, escrow.Config{
		CallTimeout: cfg.Escrow.CallTimeout,
		MaxRetries:  cfg.Escrow.MaxRetries,
		RetryBase:   cfg.Escrow.RetryBase,
	})
	engine := order.NewEngine(st.orders, st.ledger, st.disputes, coordinator, publisher, m, order.Config{
		AutoApproveAfter: cfg.Escrow.AutoApproveAfter,
		LockTTL:          cfg.Escrow.LockTTL,
		MaxPayloadBytes:  cfg.MaxPayloadBytes,
	})
	resolver := dispute.NewResolver(engine, st.disputes)
	reviewService := service.NewReviewService(st.reviews, engine)

	// Фоновые задачи. Без Redis сверка рассчитана на один экземпляр сервиса.
	var lease worker.Lease = worker.NopLease{}
	if cfg.RedisURL != "" {
		redisClient, err := worker.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("main: ошибка подключения к Redis: %v", err)
		}
		defer safeClose(redisClient)
		lease = worker.NewRedisLease(redisClient, "escrow:reconcile:")
		checks["redis"] = redisPinger{client: redisClient}
	}

	reconciler := worker.NewReconciler(st.operations, st.orders, coordinator, engine, lease, m, worker.ReconcilerConfig{
		Interval:   cfg.Workers.ReconcileInterval,
		StaleAfter: 2 * cfg.Escrow.CallTimeout,
		LeaseTTL:   cfg.Escrow.LockTTL,
		BatchSize:  cfg.Workers.BatchSize,
	})
	autoApprover := worker.NewAutoApprover(st.orders, engine, cfg.Workers.AutoApproveInterval, cfg.Workers.BatchSize)
	goroutine.SafeGoWithContext(ctx, reconciler.Run)
	goroutine.SafeGoWithContext(ctx, autoApprover.Run)

	// HTTP.
	router := httpRouter.SetupRouter(cfg, httpRouter.Handlers{
		Order:   handler.NewOrderHandler(engine),
		Dispute: handler.NewDisputeHandler(resolver),
		Review:  handler.NewReviewHandler(reviewService, engine),
		Health:  handler.NewHealthHandler(checks),
		WS:      handler.NewWSHandler(hub, tokenManager, cfg.AllowedOrigins),
		Metrics: promhttp.Handler(),
	}, tokenManager)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Завершаем сервер при получении сигнала.
	goroutine.SafeGo(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.L().WithError(err).Error("main: ошибка остановки http сервера")
		}
	})

	logger.L().WithField("port", cfg.HTTPPort).Info("HTTP сервер запущен")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("main: http сервер упал: %v", err)
	}
	logger.L().Info("Сервер остановлен")
}

func postgresStores(conn *sqlx.DB) stores {
	return stores{
		orders:     persistence.NewOrderRepositoryAdapter(conn),
		ledger:     persistence.NewLedgerRepositoryAdapter(conn),
		disputes:   persistence.NewDisputeRepositoryAdapter(conn),
		operations: persistence.NewOperationRepositoryAdapter(conn),
		reviews:    reviewRepository.NewReviewRepository(conn),
	}
}

type closer interface {
	Close() error
}

func safeClose(c closer) {
	if err := c.Close(); err != nil {
		logger.L().WithError(err).Warn("main: ошибка закрытия ресурса")
	}
}
