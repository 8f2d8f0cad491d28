package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ride-pooling/internal/config"
	"github.com/example/ride-pooling/internal/dispatch"
	"github.com/example/ride-pooling/internal/eta"
	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/groups"
	httpapi "github.com/example/ride-pooling/internal/http"
	"github.com/example/ride-pooling/internal/ingest"
	"github.com/example/ride-pooling/internal/logging"
	"github.com/example/ride-pooling/internal/matcher"
	"github.com/example/ride-pooling/internal/payments"
	"github.com/example/ride-pooling/internal/pools"
	"github.com/example/ride-pooling/internal/rides"
	"github.com/example/ride-pooling/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := storage.RunMigrations(cfg.MigrationsURL, cfg.PGDSN); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied", "source", cfg.MigrationsURL)
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
		logger.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore()
		logger.Info("using in-memory store")
	}

	var index geo.Index
	if cfg.RedisAddr != "" {
		index = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		logger.Info("using redis geo index", "addr", cfg.RedisAddr)
	} else {
		index = geo.NewMemoryIndex()
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPoolTopic, cfg.KafkaSeatTopic)
		defer producer.Close()
		logger.Info("kafka producer enabled", "brokers", cfg.KafkaBrokers)
	}

	wsreg := dispatch.NewWSRegistry()
	channels := []dispatch.Notifier{wsreg}
	if cfg.NotifyWebhook != "" {
		channels = append(channels, dispatch.NewWebhookNotifier(cfg.NotifyWebhook))
	}
	if cfg.FCMEndpoint != "" {
		channels = append(channels, dispatch.NewFCMNotifier(cfg.FCMEndpoint, cfg.FCMKey))
	}
	channels = append(channels, &dispatch.LogNotifier{Logger: logger})
	notify := &dispatch.Fanout{Channels: channels}

	projector := groups.NewProjector(store)
	projector.CommunityGroup = cfg.CommunityGroup

	var stripeClient *payments.StripeClient
	if os.Getenv("STRIPE_API_KEY") != "" {
		stripeClient = payments.NewStripeClient()
		logger.Info("stripe payments enabled")
	}

	var etaClient eta.Client
	if cfg.OSRMEndpoint != "" {
		etaClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	poolSvc := &pools.Service{Store: store, Index: index, Logger: logger}
	rideSvc := &rides.Service{Store: store, Notify: notify, Groups: projector, Logger: logger}
	if stripeClient != nil {
		rideSvc.Payments = stripeClient
	}
	matchSvc := &matcher.Service{
		Store:           store,
		Groups:          projector,
		Notify:          notify,
		Index:           index,
		ETAClient:       etaClient,
		ETACache:        eta.NewCache(cfg.ETACacheTTL),
		DefaultSpeedMps: cfg.DefaultSpeedMps,
		Logger:          logger,
	}
	if producer != nil {
		poolSvc.Events = producer
		rideSvc.Events = producer
		matchSvc.Events = producer
	}

	srv := httpapi.NewServer(poolSvc, matchSvc, rideSvc, projector, wsreg, logger)
	if stripeClient != nil {
		srv.Payments = stripeClient
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("ride-pooling listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
