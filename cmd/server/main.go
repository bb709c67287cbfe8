package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/waste-dispatch/internal/config"
	"github.com/example/waste-dispatch/internal/dispatch"
	"github.com/example/waste-dispatch/internal/expire"
	"github.com/example/waste-dispatch/internal/geo"
	httpapi "github.com/example/waste-dispatch/internal/http"
	"github.com/example/waste-dispatch/internal/ingest"
	"github.com/example/waste-dispatch/internal/lifecycle"
	"github.com/example/waste-dispatch/internal/logging"
	"github.com/example/waste-dispatch/internal/pricedrop"
	"github.com/example/waste-dispatch/internal/routing"
	"github.com/example/waste-dispatch/internal/session"
	"github.com/example/waste-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.NewLogger("waste-dispatch", cfg.LogLevel)

	if cfg.RunMigrations && cfg.PGDSN != "" {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
		logger.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore()
		logger.Info("using in-memory store")
	}

	var geoIndex geo.Geo
	if cfg.RedisAddr != "" {
		geoIndex = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		logger.Info("using redis geo index", "addr", cfg.RedisAddr)
	} else {
		geoIndex = geo.NewIndex()
		logger.Info("using in-memory geo index")
	}

	var router routing.Client
	var routeCache *routing.Cache
	if cfg.OSRMEndpoint != "" {
		router = routing.NewOSRMClient(cfg.OSRMEndpoint)
		routeCache = routing.NewCache(cfg.RouteCacheTTL)
		logger.Info("road routing enabled", "endpoint", cfg.OSRMEndpoint)
	}

	var push dispatch.PushSender
	switch cfg.PushProvider {
	case "fcm":
		push = dispatch.NewFCMPush(cfg.PushEndpoint, cfg.FCMKey)
	default:
		push = dispatch.NewExpoPush(cfg.PushEndpoint)
	}
	wsreg := dispatch.NewWSRegistry()
	tokens := dispatch.StoreTokens{Workers: store, Requesters: store}
	notifier := dispatch.NewDispatcher(wsreg, push, tokens, logger)

	ctrl := lifecycle.NewController(store, store, notifier, logger)
	sess := session.New(geoIndex, store, router, routeCache, notifier, logger, cfg.SearchRadiusKm)
	alerter := pricedrop.New(store, notifier, logger, cfg.PriceDropRadiusKm)

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		logger.Info("location feed enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := expire.NewWatcher(store, ctrl, logger, cfg.SweepPeriod, cfg.PickupMaxAge)
	go watcher.Run(ctx)

	handler := httpapi.NewServer(geoIndex, store, sess, ctrl, producer, wsreg, alerter, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("listening", "addr", cfg.HTTPAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_pickups.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
