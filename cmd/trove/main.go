// Command trove runs the entry-management daemon: the configured storage
// backend, permission resolver and gate, locking service and batch
// orchestrator behind a JSON API, with health and metrics on a separate
// ops port.
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spacetrove/trove/pkg/access"
	"github.com/spacetrove/trove/pkg/auth"
	"github.com/spacetrove/trove/pkg/config"
	"github.com/spacetrove/trove/pkg/janitor"
	"github.com/spacetrove/trove/pkg/locks"
	"github.com/spacetrove/trove/pkg/observability"
	"github.com/spacetrove/trove/pkg/service"
	"github.com/spacetrove/trove/pkg/storage"
	"github.com/spacetrove/trove/pkg/storage/fs"
	"github.com/spacetrove/trove/pkg/storage/sqldb"

	_ "github.com/lib/pq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).
			WithError(err).Error("invalid configuration")
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel, os.Stdout)

	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	adapter, watcher, err := buildAdapter(cfg, logger, metrics)
	if err != nil {
		logger.WithError(err).Error("failed to initialize storage backend")
		os.Exit(1)
	}
	logger.WithField("backend", adapter.Name()).Info("storage backend ready")

	resolver := access.NewResolver(adapter, cfg.Access.PermissionCacheSize,
		cfg.Access.PermissionCacheTTL, logger, metrics)
	gate := access.NewGate(resolver, metrics)
	lockService := locks.NewService(adapter, cfg.Locks.DefaultTTL, logger, metrics)

	orchestrator := service.New(service.Options{
		Adapter:  adapter,
		Gate:     gate,
		Resolver: resolver,
		Locks:    lockService,
		Notifier: &service.OwnerNotifier{
			Adapter: adapter,
			Email:   &service.LogEmailSender{Logger: logger},
			SMS:     &service.LogSMSSender{Logger: logger},
			Logger:  logger,
		},
		Logger:     logger,
		Metrics:    metrics,
		BcryptCost: cfg.Auth.BcryptCost,
	})

	api := &apiServer{
		svc:     orchestrator,
		adapter: adapter,
		gate:    gate,
		tokens:  auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.JWTTTL),
		logger:  logger,
	}
	apiRouter := mux.NewRouter()
	api.routes(apiRouter)
	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      apiRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.WithField("addr", server.Addr).Info("api server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("api server failed")
			os.Exit(1)
		}
	}()

	health := observability.NewHealthChecker()
	health.Register("storage", adapter.Health)

	opsRouter := mux.NewRouter()
	opsRouter.HandleFunc("/healthz", health.Liveness).Methods(http.MethodGet)
	opsRouter.HandleFunc("/readyz", health.Readiness).Methods(http.MethodGet)
	opsRouter.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	opsServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:      opsRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.WithField("addr", opsServer.Addr).Info("ops server listening")
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("ops server failed")
			os.Exit(1)
		}
	}()

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register(opsServer.Shutdown)
	shutdown.Register(func(context.Context) error { return adapter.Close() })

	if watcher != nil {
		shutdown.Register(func(context.Context) error { return watcher.Close() })
	}
	if sweeper, ok := adapter.(janitor.LockSweeper); ok && cfg.Locks.SweepEnabled {
		j, err := janitor.New(sweeper, cfg.Locks.SweepSchedule, nil)
		if err != nil {
			logger.WithError(err).Error("invalid lock sweep schedule")
			os.Exit(1)
		}
		j.Start()
		shutdown.Register(func(context.Context) error { j.Stop(); return nil })
	}

	if err := shutdown.Wait(); err != nil {
		logger.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
}

func buildAdapter(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (storage.Adapter, *fs.Watcher, error) {
	switch cfg.Storage.Type {
	case "sql":
		adapter, err := sqldb.New(sqldb.Options{
			Driver:   "postgres",
			DSN:      cfg.Storage.DatabaseURL,
			MaxConns: cfg.Storage.DatabaseMaxConns,
			MinConns: cfg.Storage.DatabaseMinConns,
			Timeout:  cfg.Storage.DatabaseTimeout,
			S3: sqldb.S3Options{
				Endpoint:     cfg.Storage.S3Endpoint,
				Region:       cfg.Storage.S3Region,
				Bucket:       cfg.Storage.S3Bucket,
				AccessKey:    cfg.Storage.S3AccessKey,
				SecretKey:    cfg.Storage.S3SecretKey,
				UsePathStyle: cfg.Storage.S3UsePathStyle,
			},
			Logger:  logger,
			Metrics: metrics,
		})
		return adapter, nil, err
	default:
		adapter, err := fs.New(fs.Options{
			SpacesRoot:    cfg.Storage.SpacesRoot,
			RedisURL:      cfg.Storage.RedisURL,
			RedisPassword: cfg.Storage.RedisPassword,
			RedisDB:       cfg.Storage.RedisDB,
			Logger:        logger,
			Metrics:       metrics,
		})
		if err != nil {
			return nil, nil, err
		}
		var watcher *fs.Watcher
		if cfg.Storage.WatchSpaces {
			watcher, err = fs.NewWatcher(adapter, logger, 2*time.Second)
			if err != nil {
				return nil, nil, err
			}
		}
		return adapter, watcher, nil
	}
}
