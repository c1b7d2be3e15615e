package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/niaga-platform/service-doudian/internal/config"
	"github.com/niaga-platform/service-doudian/internal/domain/doudian"
	"github.com/niaga-platform/service-doudian/internal/events"
	"github.com/niaga-platform/service-doudian/internal/handlers"
	"github.com/niaga-platform/service-doudian/internal/metrics"
	provider "github.com/niaga-platform/service-doudian/internal/providers/doudian"
	"github.com/niaga-platform/service-doudian/internal/routes"
	"github.com/niaga-platform/service-doudian/internal/services"
	"github.com/niaga-platform/service-doudian/internal/storage"
)

func main() {
	// Load .env file in development
	if os.Getenv("APP_ENV") != "production" {
		_ = godotenv.Load()
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger, err := newLogger(cfg.App)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Redis backs the token store and the product cache
	var redisClient *redis.Client
	if cfg.Token.Store == "redis" || cfg.Cache.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr()))
		defer redisClient.Close()
	}

	// Token store
	store, closeStore, err := openStore(ctx, cfg, redisClient, logger)
	if err != nil {
		logger.Fatal("Failed to open token store", zap.Error(err))
	}
	defer closeStore()

	// Connect to NATS (optional - only if configured)
	notifier := events.NewNotifier(logger)
	var natsConn *nats.Conn
	var eventSubscriber *events.Subscriber

	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL, nats.Name(cfg.App.Name))
		if err != nil {
			logger.Warn("Failed to connect to NATS, refresh events stay local", zap.Error(err))
		} else {
			logger.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
			defer natsConn.Drain()

			notifier.Subscribe(events.NewPublisher(natsConn, logger))

			eventSubscriber = events.NewSubscriber(natsConn, events.ObserverFunc(func(_ context.Context, e events.RefreshEvent) error {
				logger.Debug("Token refreshed elsewhere",
					zap.String("event_id", e.ID.String()),
					zap.String("profile", e.Profile),
					zap.String("shop_id", e.ShopID),
				)
				return nil
			}), logger)
			if err := eventSubscriber.Start(); err != nil {
				logger.Warn("Failed to start event subscriber", zap.Error(err))
			}
			defer eventSubscriber.Stop()
		}
	}

	// Doudian clients, token lifecycle and dispatcher
	factory := provider.NewClientFactory(factoryConfig(cfg, logger, m))
	tokenAPI := provider.NewTokenAPI(factory)

	authorizeURLs := make(map[string]string, len(cfg.Doudian.Shops))
	for name := range cfg.Doudian.Shops {
		authorizeURLs[name] = cfg.Profile(name).AuthorizeURL
	}
	tokenManager := services.NewTokenManager(
		services.TokenManagerConfig{
			RefreshBuffer: cfg.Token.RefreshBuffer,
			AuthorizeURL:  cfg.Profile(doudian.DefaultProfile).AuthorizeURL,
			AuthorizeURLs: authorizeURLs,
		},
		tokenAPI,
		factory,
		store,
		notifier,
		logger,
	).WithMetrics(m)

	dispatcher, err := provider.NewDispatcher(provider.DispatcherConfig{
		Clients: factory,
		Tokens:  tokenManager,
		Policy:  cfg.RetryPolicy(),
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		logger.Fatal("Failed to initialize dispatcher", zap.Error(err))
	}

	// Background token refresher
	refresher := services.NewRefresher(tokenManager, services.RefresherConfig{
		Profiles:      factory.Profiles(),
		CheckInterval: cfg.Token.CheckInterval,
		Concurrency:   cfg.Token.RefreshConcurrency,
	}, logger, m)
	if err := refresher.Start(ctx); err != nil {
		logger.Fatal("Failed to start token refresher", zap.Error(err))
	}
	defer refresher.Stop()

	// Set Gin mode
	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handlers.RequestLogger(logger))

	if cfg.App.AdminToken == "" {
		logger.Warn("APP_ADMIN_TOKEN is not set, admin API is unauthenticated")
	}

	productAPI := provider.NewProductAPI(dispatcher)
	productHandler := handlers.NewProductHandler(productAPI, logger)
	if cfg.Cache.Enabled {
		cache := services.NewProductCache(productAPI, redisClient, cfg.Cache.ProductTTL, logger)
		productHandler = handlers.NewProductHandler(cache, logger).WithCache(cache)
	}

	routes.SetupRoutes(router, &routes.RouteConfig{
		TokenHandler:   handlers.NewTokenHandler(tokenManager, logger),
		ProductHandler: productHandler,
		SPIHandler:     handlers.NewSPIHandler(logger),
		SPIVerifier:    tokenManager,
		AdminToken:     cfg.App.AdminToken,
		Logger:         logger,
		Gatherer:       registry,
	})

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Doudian service starting",
			zap.String("port", cfg.App.Port),
			zap.Strings("profiles", factory.Profiles()),
			zap.String("token_store", cfg.Token.Store),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	<-ctx.Done()

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newLogger(app config.AppConfig) (*zap.Logger, error) {
	if app.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// factoryConfig maps the doudian, breaker and rate limit sections onto the
// client factory.
func factoryConfig(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) provider.FactoryConfig {
	profile := func(name string) provider.ProfileConfig {
		p := cfg.Profile(name)
		return provider.ProfileConfig{
			Name:           name,
			AppKey:         p.AppKey,
			AppSecret:      p.AppSecret,
			OpenRequestURL: p.OpenRequestURL,
			ConnectTimeout: p.HTTPConnectTimeout,
			ReadTimeout:    p.HTTPReadTimeout,
		}
	}

	fc := provider.FactoryConfig{
		Default:  profile(doudian.DefaultProfile),
		Profiles: make(map[string]provider.ProfileConfig, len(cfg.Doudian.Shops)),
		Logger:   logger,
		Metrics:  m,
	}
	for name := range cfg.Doudian.Shops {
		fc.Profiles[name] = profile(name)
	}

	if cfg.Breaker.Enabled {
		fc.Breaker = &provider.BreakerConfig{
			MaxRequests:  cfg.Breaker.MaxRequests,
			Interval:     cfg.Breaker.Interval,
			Timeout:      cfg.Breaker.Timeout,
			FailureRatio: cfg.Breaker.FailureRatio,
			MinRequests:  cfg.Breaker.MinRequests,
		}
	}
	if cfg.RateLimit.Enabled {
		rl := doudian.DefaultRateLimitConfig()
		fc.RateLimit = &rl
	}
	return fc
}

// openStore builds the configured token store and returns its closer.
func openStore(ctx context.Context, cfg *config.Config, client *redis.Client, logger *zap.Logger) (storage.TokenStore, func(), error) {
	switch cfg.Token.Store {
	case "redis":
		store := storage.NewRedisStore(client, storage.RedisConfig{
			Prefix:     cfg.Token.RedisPrefix,
			BufferTime: cfg.Token.RedisBuffer,
			Logger:     logger,
		})
		return store, func() {}, nil

	case "database":
		var dialector gorm.Dialector
		if cfg.Database.Driver == "sqlite" {
			dialector = sqlite.Open(cfg.Database.Path)
		} else {
			dialector = postgres.Open(cfg.Database.DSN())
		}
		db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get database handle: %w", err)
		}

		store := storage.NewGormStore(db, logger)
		if err := store.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, nil, fmt.Errorf("failed to migrate token table: %w", err)
		}
		logger.Info("Connected to database", zap.String("driver", cfg.Database.Driver))
		return store, func() { _ = sqlDB.Close() }, nil

	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}
