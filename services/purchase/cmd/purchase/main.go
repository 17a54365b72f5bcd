package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AfshinJalili/cryptobuy/libs/apikey"
	"github.com/AfshinJalili/cryptobuy/libs/health"
	"github.com/AfshinJalili/cryptobuy/libs/httpmiddleware"
	"github.com/AfshinJalili/cryptobuy/libs/kafka"
	"github.com/AfshinJalili/cryptobuy/libs/logging"
	"github.com/AfshinJalili/cryptobuy/libs/metrics"
	"github.com/AfshinJalili/cryptobuy/libs/trace"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/audit"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/compliance"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/config"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/consumer"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/currency"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/geoip"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/handlers"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/locks"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/purchase"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/ratelimit"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/rates"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/storage"
	"github.com/AfshinJalili/cryptobuy/services/purchase/migrations"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// backend is what both storage.Store and storage.Memory provide.
type backend interface {
	purchase.Repository
	purchase.Queries
	purchase.Transactor
	purchase.UserContextProvider
	rates.QuoteStore
	rates.PriceStore
	audit.Store
	apikey.Lookup
	handlers.AccountRecords
	SaveQuote(ctx context.Context, q rates.Quote) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(context.Background(), trace.Config{ServiceName: cfg.App.ServiceName, Env: cfg.App.Env})
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	purchaseMetrics := purchase.NewMetrics(registry)
	ready := health.NewManager(false)

	var (
		store backend
		pool  *pgxpool.Pool
	)
	switch cfg.Store {
	case config.StorePostgres:
		pool, err = connectDB(cfg)
		if err != nil {
			logger.Error("db connection failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if cfg.DB.Migrate {
			if err := migrations.Apply(context.Background(), pool); err != nil {
				logger.Error("migrations failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		store = storage.New(pool)
		ready.AddCheck("postgres", pool.Ping)
	default:
		logger.Warn("using in-memory store, data is lost on restart")
		store = storage.NewMemory(nil)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		ready.AddCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	var rateProvider rates.Provider = rates.NewMaxAge(rates.NewStoreProvider(store, nil), cfg.Rates.MaxAge, nil)
	var invalidator consumer.Invalidator
	if redisClient != nil {
		cache := rates.NewRedisCache(rateProvider, redisClient, cfg.Redis.RateCacheTTL, "cex:rates:", logger)
		rateProvider = cache
		invalidator = cache
	}

	book := rates.NewCryptoBook(store, rates.DefaultPrices(time.Now().UTC())...)
	if err := book.Load(context.Background()); err != nil {
		logger.Warn("crypto price load failed, serving defaults", "error", err)
	}

	locker, err := buildLocker(cfg, redisClient, pool, logger)
	if err != nil {
		logger.Error("locker init failed", "error", err)
		os.Exit(1)
	}

	var geo geoip.Locator = geoip.Unknown{}
	if cfg.GeoIPPath != "" {
		mm, err := geoip.OpenMaxMind(cfg.GeoIPPath, logger)
		if err != nil {
			logger.Error("geoip database open failed", "path", cfg.GeoIPPath, "error", err)
			os.Exit(1)
		}
		defer mm.Close()
		geo = mm
	}

	sinks := audit.Multi{audit.NewStoreSink(store)}
	var (
		producer      *kafka.SyncProducer
		consumerGroup *kafka.Consumer
	)
	if cfg.Kafka.Enabled() {
		producer, err = kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher := kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
		sinks = append(sinks, audit.NewKafkaSink(publisher, cfg.Kafka.Topics.ComplianceEvents))

		consumerGroup, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		consumerGroup = consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter)
		defer consumerGroup.Close()
	}

	registryCurrencies := currency.Default()
	svc, err := purchase.NewService(purchase.Deps{
		Registry:  registryCurrencies,
		Evaluator: compliance.NewEvaluator(registryCurrencies),
		Rates:     rateProvider,
		Prices:    book,
		Users:     store,
		Repo:      store,
		Queries:   store,
		Tx:        store,
		Locker:    locker,
		Audit:     sinks,
		Geo:       geo,
		Logger:    logger,
		Metrics:   purchaseMetrics,
	})
	if err != nil {
		logger.Error("purchase service init failed", "error", err)
		os.Exit(1)
	}

	handler := handlers.New(svc, book, logger)
	handler.Registry = registryCurrencies
	handler.Geo = geo
	handler.Keys = adminKeys(cfg, store)
	handler.Records = store
	if cfg.Throttle.Limit > 0 {
		if redisClient != nil {
			handler.Limiter = ratelimit.NewRedisLimiter(redisClient, cfg.Throttle.Limit, cfg.Throttle.Window, "cex:throttle:")
		} else {
			handler.Limiter = ratelimit.NewMemory(cfg.Throttle.Limit, cfg.Throttle.Window)
		}
	}

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(router, []byte(cfg.JWTSecret))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr())
	if err != nil {
		logger.Error("grpc listen failed", "addr", cfg.GRPC.Addr(), "error", err)
		os.Exit(1)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	book.StartAutoRefresh(bgCtx, cfg.Rates.CryptoRefresh, purchaseMetrics, logger)

	ready.SetReady(true)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("purchase grpc health starting", "addr", cfg.GRPC.Addr())
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	go func() {
		logger.Info("purchase http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	if consumerGroup != nil {
		rateConsumer := consumer.NewRateConsumer(book, store, invalidator, logger, consumer.NewMetrics(registry))
		go func() {
			logger.Info("rate feed consumer starting", "topic", cfg.Kafka.Topics.RateFeed)
			if err := consumerGroup.Consume(bgCtx, []string{cfg.Kafka.Topics.RateFeed}, rateConsumer); err != nil {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	waitForShutdown(grpcServer, healthServer, httpServer, ready, bgCancel, logger)
}

func buildLocker(cfg *config.Config, client *redis.Client, pool *pgxpool.Pool, logger *slog.Logger) (locks.Locker, error) {
	switch cfg.Locker {
	case config.LockerRedis:
		if client == nil {
			return nil, errors.New("redis locker without redis client")
		}
		return locks.NewRedisLocker(client, cfg.Redis.LockTTL, 50*time.Millisecond, "cex:lock:", logger), nil
	case config.LockerPostgres:
		if pool == nil {
			return nil, errors.New("postgres locker without postgres pool")
		}
		return storage.NewAdvisoryLocker(pool, logger), nil
	default:
		return locks.NewSharded(), nil
	}
}

// adminKeys serves the configured static key ahead of keys stored in the database.
func adminKeys(cfg *config.Config, store apikey.Lookup) apikey.Lookup {
	if !cfg.AdminKey.Enabled() {
		return store
	}
	static := apikey.NewStaticLookup(apikey.Record{
		ID:          "static",
		UserID:      cfg.AdminKey.OwnerID,
		Prefix:      cfg.AdminKey.Prefix,
		KeyHash:     cfg.AdminKey.Hash,
		Scopes:      []string{handlers.ScopeAdmin},
		IPWhitelist: cfg.AdminKey.IPWhitelist,
	})
	return chainLookup{static, store}
}

type chainLookup []apikey.Lookup

func (c chainLookup) ByPrefix(ctx context.Context, prefix string) (apikey.Record, error) {
	for _, l := range c {
		rec, err := l.ByPrefix(ctx, prefix)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, apikey.ErrNotFound) {
			return apikey.Record{}, err
		}
	}
	return apikey.Record{}, apikey.ErrNotFound
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func waitForShutdown(grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	grpcServer.GracefulStop()
	logger.Info("shutdown complete")
}
