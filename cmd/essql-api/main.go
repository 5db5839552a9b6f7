package main

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/essql/essql/internal/api"
	"github.com/essql/essql/internal/auth"
	"github.com/essql/essql/internal/catalog"
	catalogpostgres "github.com/essql/essql/internal/catalog/postgres"
	"github.com/essql/essql/internal/compiler"
	"github.com/essql/essql/internal/config"
	"github.com/essql/essql/internal/export"
	"github.com/essql/essql/internal/observability"
	"github.com/essql/essql/internal/query"
	s3store "github.com/essql/essql/internal/storage/s3"
	esstore "github.com/essql/essql/internal/store/elastic"
)

func main() {
	cfg, err := config.LoadFromEnv("essql-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	es, err := esstore.New(esstore.Config{
		URLs:        cfg.Store.URLs,
		Sniff:       cfg.Store.Sniff,
		Healthcheck: cfg.Store.Healthcheck,
		Username:    cfg.Store.Username,
		Password:    cfg.Store.Password,
	})
	if err != nil {
		logger.Error("failed to create store client", slog.Any("error", err))
		os.Exit(1)
	}

	var catalogRepo catalog.Repository
	if cfg.Catalog.DSN != "" {
		catalogDB, err := catalogpostgres.Open(ctx, catalogpostgres.DBConfig{
			DSN:             cfg.Catalog.DSN,
			MaxOpenConns:    cfg.Catalog.MaxOpenConns,
			MaxIdleConns:    cfg.Catalog.MaxIdleConns,
			ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open catalog db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = catalogDB.Close() }()
		catalogRepo = catalogpostgres.NewRepository(catalogDB)
	}
	// catalogued types take precedence over the index mapping
	schemaInfo := catalog.NewCached(catalog.Chain{catalogRepo, es}, cfg.Query.CatalogTTL)

	var exporter api.Exporter
	if cfg.ObjectStore.Endpoint != "" {
		objectStore, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		exporter = &export.Exporter{Store: objectStore}
	}

	queryConfig := newQueryConfig(cfg)
	sessions := &api.Sessions{
		NewState: func() *query.State {
			return &query.State{Store: es, Schema: schemaInfo, Config: queryConfig, Logger: logger}
		},
		TTL:    cfg.Query.SessionTTL,
		Logger: logger,
	}
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sessions.Run(ctx, sweepInterval(cfg.Query.SessionTTL))
	}()

	deps := api.Dependencies{
		Logger:       logger,
		Sessions:     sessions,
		Catalog:      catalogRepo,
		CatalogCache: schemaInfo,
		Exporter:     exporter,
		Readiness: api.CombineReadinessChecks(
			api.CheckStore(es),
			api.CheckCatalog(catalogRepo),
		),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.Any("store_urls", cfg.Store.URLs),
			slog.Bool("catalog", catalogRepo != nil),
			slog.Bool("export", exporter != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
	<-sweeperDone
}

func newQueryConfig(cfg config.Config) query.Config {
	// Unsplit results request every bucket; split results cap buckets at one window.
	maxRows := math.MaxInt32
	if cfg.Query.ResultsSplit {
		maxRows = cfg.Query.FetchSize
	}
	return query.Config{
		Compiler: compiler.Options{
			DefaultIndices: cfg.Store.DefaultIndices,
			FetchSize:      cfg.Query.FetchSize,
			ScrollTimeout:  cfg.Query.ScrollTimeout,
			QueryTimeout:   cfg.Query.QueryTimeout,
			FragmentSize:   cfg.Query.FragmentSize,
			FragmentNumber: cfg.Query.FragmentNumber,
		},
		MaxRows:      maxRows,
		SplitResults: cfg.Query.ResultsSplit,
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < time.Second {
		return time.Second
	}
	return interval
}
