package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"oyamarket/cmd/internal/passphrase"
	"oyamarket/config"
	"oyamarket/core/events"
	"oyamarket/core/state"
	"oyamarket/crypto"
	"oyamarket/gateway/middleware"
	"oyamarket/gateway/routes"
	"oyamarket/native/escrow"
	"oyamarket/observability"
	"oyamarket/observability/logging"
	telemetry "oyamarket/observability/otel"
	"oyamarket/services/indexer"
	"oyamarket/services/recon"
	"oyamarket/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to node configuration (toml or yaml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("oyad", cfg.Node.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err := run(cfg, logger); err != nil {
		logger.Error("oyad exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.Tracing || cfg.Observability.Metrics {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Observability.ServiceName,
			Environment: cfg.Node.Environment,
			Endpoint:    cfg.Observability.OTLPEndpoint,
			Insecure:    cfg.Observability.OTLPInsecure,
			Headers:     telemetry.ParseHeaders(cfg.Observability.OTLPHeaders),
			Metrics:     cfg.Observability.Metrics,
			Traces:      cfg.Observability.Tracing,
			SampleRatio: cfg.Observability.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", slog.Any("error", err))
			}
		}()
	}

	db, err := openDatabase(cfg.Node)
	if err != nil {
		return err
	}
	defer db.Close()

	pass, err := passphrase.NewSource(cfg.Operator.PassphraseEnv, "operator keystore").Get()
	if err != nil {
		return err
	}
	key, created, err := crypto.LoadOrCreateKeystore(cfg.Operator.KeystorePath, pass)
	if err != nil {
		return fmt.Errorf("operator keystore: %w", err)
	}
	operator := key.Address()
	if created {
		logger.Info("operator key created", slog.String("path", cfg.Operator.KeystorePath))
	}
	logger.Info("operator loaded", slog.String("address", crypto.FormatAddress(operator)))

	idem, closeIdem, err := openIdempotency(cfg.Node, logger)
	if err != nil {
		return err
	}
	defer closeIdem()

	stream := events.NewStream(cfg.Node.EventHistory)
	emitter := observability.MeteredEmitter(stream)
	mgr := state.NewManager(db)
	mgr.SetEmitter(emitter)

	ctrl, err := bootstrapController(mgr, cfg.Controller, operator, logger)
	if err != nil {
		return err
	}
	ctrl.SetEmitter(emitter)
	ctrl.SetLogger(logger)
	logger.Info("controller ready", slog.String("address", crypto.FormatAddress(ctrl.Address())))

	routeCfg := routes.Config{
		State:      mgr,
		Controller: ctrl,
		Stream:     stream,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:      cfg.Auth.Enabled,
			HMACSecret:   cfg.Auth.HMACSecret,
			Issuer:       cfg.Auth.Issuer,
			Audience:     cfg.Auth.Audience,
			ClockSkew:    cfg.Auth.ClockSkew,
			CallerHeader: cfg.Auth.CallerHeader,
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName:  cfg.Observability.ServiceName,
			LogRequests:  cfg.Observability.LogRequests,
			Metrics:      cfg.Observability.Metrics,
			Tracing:      cfg.Observability.Tracing,
			CallerHeader: cfg.Auth.CallerHeader,
		}, logger),
		Idempotency: idem,
		Logger:      logger,
	}
	logger.Info("auth configured",
		slog.Bool("enabled", cfg.Auth.Enabled),
		slog.String("issuer", cfg.Auth.Issuer),
		slog.String("hmacSecret", logging.MaskValue(cfg.Auth.HMACSecret)))
	if cfg.RateLimit.Enabled {
		limit := middleware.RateLimit{RatePerSecond: cfg.RateLimit.RatePerSecond, Burst: cfg.RateLimit.Burst}
		routeCfg.RateLimiter = middleware.NewRateLimiter(map[string]middleware.RateLimit{
			routes.RateLimitTokens: limit,
			routes.RateLimitOrders: limit,
			routes.RateLimitEvents: limit,
		}, logger)
	}

	if cfg.Index.Enabled {
		gdb, err := indexer.Open(cfg.Index.Driver, cfg.Index.DSN)
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		if sqlDB, err := gdb.DB(); err == nil {
			defer sqlDB.Close()
		}
		store := indexer.NewStore(gdb)
		if err := backfillIndex(ctx, store, ctrl); err != nil {
			return err
		}
		projector := indexer.NewProjector(store, stream, logger)
		go func() {
			if err := projector.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("index projector stopped", slog.Any("error", err))
			}
		}()
		routeCfg.Index = store

		if cfg.Reports.Nightly {
			reconciler, err := recon.NewReconciler(recon.Config{
				Store:     store,
				OutputDir: cfg.Reports.Dir,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			scheduler := recon.NewScheduler(recon.SchedulerConfig{
				Reconciler: reconciler,
				RunHour:    cfg.Reports.RunHour,
				Logger:     logger,
			})
			go scheduler.Start(ctx)
		}
	}

	handler, err := routes.New(routeCfg)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.Node.ReadTimeout,
		WriteTimeout: cfg.Node.WriteTimeout,
		IdleTimeout:  cfg.Node.IdleTimeout,
	}
	listener, err := net.Listen("tcp", cfg.Node.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Node.ListenAddress, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("oyad listening", slog.String("addr", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	logger.Info("shutting down")
	grace := cfg.Node.ShutdownTimeout
	if grace <= 0 {
		grace = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openDatabase(node config.Node) (storage.Database, error) {
	if strings.EqualFold(node.DBBackend, "memory") {
		return storage.NewMemDB(), nil
	}
	path := filepath.Join(node.DataDir, "state")
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return db, nil
}

// openIdempotency keeps Idempotency-Key replays next to the node state so a
// retried write after a restart is replayed instead of executed again. The
// memory backend keeps them in process.
func openIdempotency(node config.Node, logger *slog.Logger) (*middleware.Idempotency, func(), error) {
	if strings.EqualFold(node.DBBackend, "memory") {
		return middleware.NewIdempotency(node.IdempotencyTTL), func() {}, nil
	}
	store, err := middleware.OpenBoltIdempotencyStore(filepath.Join(node.DataDir, "idempotency.db"))
	if err != nil {
		return nil, nil, err
	}
	ttl := node.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if removed, err := store.Prune(time.Now(), ttl); err != nil {
		logger.Warn("prune idempotency store", slog.Any("error", err))
	} else if removed > 0 {
		logger.Info("pruned idempotency records", slog.Int("removed", removed))
	}
	closeFn := func() {
		if err := store.Close(); err != nil {
			logger.Warn("close idempotency store", slog.Any("error", err))
		}
	}
	return middleware.NewIdempotencyWithStore(store, ttl), closeFn, nil
}

// backfillIndex copies the controller's stored orders into the index so the
// projection is complete before the projector starts tailing events.
func backfillIndex(ctx context.Context, store *indexer.Store, ctrl orderLister) error {
	orders, err := ctrl.Orders()
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}
	if len(orders) == 0 {
		return nil
	}
	records := make([]*escrow.OrderRecord, 0, len(orders))
	for _, order := range orders {
		records = append(records, order.Snapshot())
	}
	if err := store.SyncRecords(ctx, records); err != nil {
		return fmt.Errorf("backfill index: %w", err)
	}
	return nil
}

type orderLister interface {
	Orders() ([]*escrow.Order, error)
}
