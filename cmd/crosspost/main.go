package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/nrednav/cuid2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"uk.co.dudmesh.crosspost/internal/boot"
	"uk.co.dudmesh.crosspost/internal/handlers"
	"uk.co.dudmesh.crosspost/internal/metrics"
	"uk.co.dudmesh.crosspost/internal/model"
	"uk.co.dudmesh.crosspost/internal/platform"
	"uk.co.dudmesh.crosspost/internal/queue"
	"uk.co.dudmesh.crosspost/internal/service/post"
	"uk.co.dudmesh.crosspost/internal/store"
)

type config struct {
	boot.Config
	registry *platform.Registry
	queue    *queue.Queue
	service  *post.Service
}

func openStore(bootConfig *boot.Config) (queue.Store, error) {
	if bootConfig.Queue.Backend == boot.BackendRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     bootConfig.RedisAddr(),
			Password: bootConfig.Redis.Password,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, err
		}
		return store.NewRedisStore(rdb, bootConfig.Redis.Prefix, bootConfig.Redis.Retention), nil
	}

	driver := bootConfig.Database.Driver
	if bootConfig.Database.DatabaseURL != "" && driver == store.DriverSQLite {
		driver = store.DriverPostgres
	}
	if driver == store.DriverSQLite {
		if err := os.MkdirAll(bootConfig.DataDirectory(), 0o755); err != nil {
			return nil, err
		}
	}
	return store.OpenSQL(driver, bootConfig.SQLDSN())
}

func newConfig(bootConfig *boot.Config) *config {
	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("registering metrics: %+v", err)
	}

	registry, err := platform.Build(context.Background(), bootConfig.Platforms, &http.Client{Timeout: 2 * time.Minute})
	if err != nil {
		log.Fatalf("creating platforms: %+v", err)
	}

	jobStore, err := openStore(bootConfig)
	if err != nil {
		log.Fatalf("opening job store: %+v", err)
	}

	dispatcher := post.NewDispatcher(registry, func(id string, result model.TargetResult) {
		m.ObserveResult(id, result)
	})
	q := queue.New(jobStore, dispatcher, bootConfig.Queue.Config)
	q.Observe(m.ObserveJob)

	return &config{
		Config:   *bootConfig,
		registry: registry,
		queue:    q,
		service:  post.NewService(dispatcher, q),
	}
}

func main() {
	bootConfig, err := boot.Load()
	if err != nil {
		log.Fatalf("boot: %+v", err)
	}

	config := newConfig(bootConfig)
	if err := config.queue.Start(context.Background()); err != nil {
		log.Fatalf("starting queue: %+v", err)
	}
	log.Infof("platforms: %v", config.registry.Platforms())

	server := echo.New()
	server.HTTPErrorHandler = handlers.ErrorHandler(server.DefaultHTTPErrorHandler)
	server.Use(middleware.BodyLimit(config.Server.BodyLimit))
	server.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return cuid2.Generate()
		},
	}))
	server.Use(echoprometheus.NewMiddleware("crosspost"))
	server.Use(middleware.Recover())

	server.Logger.SetLevel(log.INFO)
	if config.IsDevelopment() {
		server.Logger.SetLevel(log.DEBUG)
		log.SetLevel(log.DEBUG)
	}

	headers := []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization}
	server.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     config.AllowedOrigins(),
		AllowHeaders:     headers,
		AllowCredentials: true,
	}))

	if config.Server.APIKeyHash != "" {
		server.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/propolis/key"
			},
			Validator: handlers.APIKeyValidator(config.Server.APIKeyHash),
		}))
	} else if config.IsProduction() {
		log.Warn("API_KEY_HASH is not set, the API is open")
	}

	server.POST("/post", handlers.Post(config.service))
	server.GET("/jobs/:id", handlers.GetJob(config.queue))
	server.DELETE("/jobs/:id", handlers.CancelJob(config.queue))
	server.GET("/platforms", handlers.ListPlatforms(config.registry))
	if config.Platforms.Propolis.Configured() {
		propolisKey, err := handlers.PropolisKey(config.Platforms.Propolis.PrivateKey)
		if err != nil {
			log.Fatalf("serving propolis key: %+v", err)
		}
		server.GET("/propolis/key", propolisKey)
	}

	go func() {
		metrics := echo.New()
		metrics.GET("/metrics", echoprometheus.NewHandler())
		if err := metrics.Start(":" + config.Server.MetricsPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	go func() {
		if err := server.Start(":" + config.Server.Port); err != nil && err != http.ErrServerClosed {
			server.Logger.Fatal("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		server.Logger.Fatal(err)
	}
	if err := config.queue.Stop(ctx); err != nil {
		log.Errorf("stopping queue: %+v", err)
	}
}
