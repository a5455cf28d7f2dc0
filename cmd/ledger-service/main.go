package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/matheusmosca/atp-ledger/internal/cache"
	"github.com/matheusmosca/atp-ledger/internal/config"
	"github.com/matheusmosca/atp-ledger/internal/events"
	"github.com/matheusmosca/atp-ledger/internal/federation"
	"github.com/matheusmosca/atp-ledger/internal/httpapi"
	"github.com/matheusmosca/atp-ledger/internal/identity"
	"github.com/matheusmosca/atp-ledger/internal/keymutex"
	"github.com/matheusmosca/atp-ledger/internal/ledger"
	"github.com/matheusmosca/atp-ledger/internal/locks"
	"github.com/matheusmosca/atp-ledger/internal/logging"
	"github.com/matheusmosca/atp-ledger/internal/postgres"
	"github.com/matheusmosca/atp-ledger/internal/telemetry"
	"github.com/matheusmosca/atp-ledger/internal/transfer"
)

const serviceName = "ledger-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.Must(cfg.Log.Level, cfg.Log.Format).With(zap.String("service", serviceName))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("ledger-service stopped with error", zap.Error(err))
	}
}

// stores agrupa os repositórios escolhidos pela configuração
type stores struct {
	ledger    ledger.Repository
	locks     locks.Repository
	transfers transfer.Repository
	pool      *pgxpool.Pool
}

func (s *stores) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("Error shutting down telemetry", zap.Error(err))
		}
	}()

	redisClient, locker, accountCache := initRedis(ctx, cfg.Redis, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	st, err := initStores(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer st.close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bus := events.NewBus(logger, 5*time.Second)
	closeObservers, err := initObservers(ctx, cfg, bus, registry, logger)
	if err != nil {
		return err
	}

	l := ledger.NewLedger(st.ledger,
		ledger.WithCache(accountCache),
		ledger.WithPublisher(bus),
		ledger.WithLogger(logger),
	)

	lockManager, err := locks.NewManager(st.locks,
		locks.WithCache(accountCache),
		locks.WithPublisher(bus),
		locks.WithLogger(logger),
		locks.WithLocker(locker),
	)
	if err != nil {
		return err
	}

	validator, err := initFederation(cfg.Federation, cfg.Protocol.Currencies, logger)
	if err != nil {
		return err
	}

	var verifier identity.Verifier = identity.NewStaticVerifier()
	if cfg.Identity.BaseURL != "" {
		verifier = identity.NewHTTPVerifier(cfg.Identity.BaseURL, cfg.Identity.Timeout)
	}

	opts := []transfer.Option{
		transfer.WithPublisher(bus),
		transfer.WithLogger(logger),
		transfer.WithTxMutex(locker),
	}
	if cfg.DTM.Server != "" {
		opts = append(opts, transfer.WithIDGenerator(transfer.NewDTMGenerator(cfg.DTM.Server, logger)))
	}

	coordinator, err := transfer.NewCoordinator(transfer.Config{
		LockTTL:    cfg.Protocol.LockTTL,
		Currencies: cfg.Protocol.Currencies,
		Workers:    cfg.Protocol.Workers,
		QueueSize:  cfg.Protocol.QueueSize,
	}, l, lockManager, validator, verifier, st.transfers, opts...)
	if err != nil {
		return err
	}
	lockManager.SetExpiryHandler(coordinator)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		locks.NewSweeper(lockManager, cfg.Protocol.SweepInterval, logger, coordinator).Start(sweepCtx)
	}()

	checks := map[string]httpapi.HealthCheck{"federation": validator.CheckHealth}
	if st.pool != nil {
		checks["postgres"] = st.pool.Ping
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	handler := httpapi.NewHandler(coordinator, l, checks, otel.Tracer(serviceName), logger)
	router := httpapi.NewRouter(handler, httpapi.RouterOptions{
		ServiceName: serviceName,
		Gatherer:    registry,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  30 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("🚀 Ledger Service listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("🛑 shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("Failed to start server", zap.Error(err))
		}
	}

	// Ordem: HTTP, sweeper, workers assíncronos, barramento de eventos
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	cancelSweep()
	<-sweepDone
	coordinator.Close()
	bus.Close()
	closeObservers()

	logger.Info("✅ ledger-service stopped")
	return nil
}

func initRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, keymutex.Locker, cache.Cache) {
	if cfg.Addr == "" {
		logger.Info("redis disabled, using in-process mutex and no cache")
		return nil, keymutex.NewLocal(), cache.Noop{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed, cache starts degraded", zap.Error(err))
	}

	var locker keymutex.Locker = keymutex.NewLocal()
	if cfg.RedLock {
		locker = keymutex.NewRedis(client, keymutex.DefaultRedisOptions())
	}

	logger.Info("✅ Connected to redis", zap.String("addr", cfg.Addr), zap.Bool("redlock", cfg.RedLock))
	return client, locker, cache.NewRedisCache(client, cfg.CacheTTL, logger)
}

func initStores(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*stores, error) {
	if cfg.DSN == "" {
		logger.Warn("no postgres dsn, using in-memory stores")
		return &stores{
			ledger:    ledger.NewMemoryRepository(nil),
			locks:     locks.NewMemoryRepository(),
			transfers: transfer.NewMemoryRepository(),
		}, nil
	}

	if cfg.Migrate {
		if err := postgres.Migrate(cfg.DSN, logger); err != nil {
			return nil, err
		}
	}

	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		ConnectAttempts: cfg.ConnectAttempts,
		RetryInterval:   cfg.RetryInterval,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &stores{
		ledger:    ledger.NewPostgresRepository(pool),
		locks:     locks.NewPostgresRepository(pool),
		transfers: transfer.NewPostgresRepository(pool),
		pool:      pool,
	}, nil
}

func initFederation(cfg config.FederationConfig, currencies []string, logger *zap.Logger) (*federation.Validator, error) {
	remote, err := cfg.RemotePeers()
	if err != nil {
		return nil, err
	}
	maxAmount, err := cfg.MaxTransfer()
	if err != nil {
		return nil, err
	}

	breaker := federation.DefaultBreakerConfig()
	breaker.ConsecutiveFailures = cfg.BreakerFailures
	breaker.Timeout = cfg.BreakerTimeout

	peers := make([]federation.Peer, 0, len(remote)+cfg.LocalValidators)
	for _, p := range remote {
		peers = append(peers, federation.NewHTTPPeer(p.ID, p.URL, cfg.PeerTimeout, breaker, logger))
	}
	for i := 0; i < cfg.LocalValidators; i++ {
		node := federation.NewNode(federation.NodeConfig{
			NodeID:     fmt.Sprintf("local-%d", i+1),
			Currencies: currencies,
			MaxAmount:  maxAmount,
		}, logger)
		peers = append(peers, federation.NewLocalPeer(node))
	}

	return federation.NewValidator(peers, cfg.Quorum, cfg.Deadline, logger)
}

func initObservers(ctx context.Context, cfg *config.Config, bus *events.Bus, registry *prometheus.Registry, logger *zap.Logger) (func(), error) {
	bus.Subscribe(events.NewLogObserver(logger), 0)
	bus.Subscribe(events.NewMetricsObserver(registry, bus), 0)

	var closers []func()

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaObserver := events.NewKafkaObserver(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		bus.Subscribe(kafkaObserver, 0)
		closers = append(closers, func() {
			if err := kafkaObserver.Close(); err != nil {
				logger.Warn("kafka writer close", zap.Error(err))
			}
		})
		logger.Info("📤 publishing events to kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	if cfg.Audit.Enabled {
		if cfg.Postgres.DSN == "" {
			return nil, errors.New("audit trail requires postgres")
		}
		db, err := postgres.OpenGorm(cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		audit := events.NewAuditObserver(db)
		if err := audit.Migrate(ctx); err != nil {
			return nil, err
		}
		bus.Subscribe(audit, 0)
		closers = append(closers, func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
	}

	return func() {
		for _, c := range closers {
			c()
		}
	}, nil
}
