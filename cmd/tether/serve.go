package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/tether/api"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/backup"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/connection"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/faults"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/health"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/offline"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/persistence"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/recovery"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/security"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/transport"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/config"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

func serveCmd() *cobra.Command {
	var envFiles []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Tether API server",
		Long: `Run the Tether API server with health monitoring, auto-sync and recovery.

Configuration is read from TETHER_*, POSTGRES_* and REDIS_* environment
variables and an optional .env file.

Examples:
  tether serve
  tether serve --env-file /etc/tether/tether.env`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				cfg *config.Config
				err error
			)
			if len(envFiles) > 0 {
				cfg, err = config.LoadFiles(envFiles...)
			} else {
				cfg, err = config.Load()
			}
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "env files to load instead of ./.env")
	return cmd
}

func serve(cfg *config.Config) error {
	fmt.Println("==============================================")
	fmt.Println("  Tether - Open Cloud Ops Connectivity Service")
	fmt.Println("==============================================")

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("configuration loaded",
		zap.String("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store", cfg.Store),
		zap.String("backup_path", cfg.BackupStoragePath),
		zap.Duration("health_interval", cfg.HealthInterval),
		zap.Duration("auto_sync_interval", cfg.AutoSyncInterval))

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	vault, err := security.NewVault(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("initialize security: %w", err)
	}

	pgTransport := transport.NewPostgres(logger)
	defer pgTransport.Close()
	router := transport.NewRouter()
	router.Register(models.TransportHTTP, transport.NewHTTP(transport.HTTPOptions{}, logger))
	router.Register(models.TransportPostgres, pgTransport)

	// The codec must outlive the orchestrator's detached recovery work.
	var codec offline.Codec
	if cfg.OfflineCompress {
		zc, err := offline.NewZstdCodec()
		if err != nil {
			return fmt.Errorf("initialize cache codec: %w", err)
		}
		defer zc.Close()
		codec = zc
	}

	orch := recovery.NewOrchestrator(recovery.Config{
		MaxRetries:          cfg.RecoveryMaxRetries,
		BaseDelay:           cfg.RecoveryBaseDelay,
		MaxDelay:            cfg.RecoveryMaxDelay,
		Strategy:            recovery.BackoffStrategy(cfg.RecoveryStrategy),
		PersistentThreshold: recovery.DefaultConfig().PersistentThreshold,
		PersistentWindow:    recovery.DefaultConfig().PersistentWindow,
		DetachedPerSecond:   recovery.DefaultConfig().DetachedPerSecond,
		DetachedBurst:       recovery.DefaultConfig().DetachedBurst,
	}, logger)
	defer orch.Close()

	storage, err := backup.NewLocalStorage(cfg.BackupStoragePath)
	if err != nil {
		return fmt.Errorf("initialize backup storage: %w", err)
	}
	backups := backup.NewManager(backup.Options{
		Storage: storage,
		Handles: backup.NewKVHandleStore(store),
		Logger:  logger,
	})

	conns := connection.NewManager(connection.Options{
		Store:     store,
		Security:  vault,
		Transport: router,
		Backup:    backups,
		Logger:    logger,
	})
	if err := conns.Load(ctx); err != nil {
		return fmt.Errorf("load connections: %w", err)
	}

	engine := offline.NewEngine(offline.Options{
		Transport:    router,
		Connectivity: conns,
		Recoverer:    orch,
		Store:        store,
		Codec:        codec,
		MaxBytes:     cfg.OfflineMaxBytes,
		Logger:       logger,
	})
	defer engine.Close()
	if err := engine.Load(ctx); err != nil {
		logger.Warn("offline cache could not be restored", zap.Error(err))
	}
	backups.Bind(conns, engine)

	monitor := health.NewMonitor(health.Options{
		Config: health.Config{
			ResponseTimeThreshold:       cfg.ResponseTimeThreshold,
			FailureRateThreshold:        cfg.FailureRateThreshold,
			ConsecutiveFailureThreshold: cfg.ConsecutiveFailureThreshold,
		},
		Connections: conns,
		Recoverer:   orch,
		Store:       store,
		Logger:      logger,
	})
	if err := monitor.Load(ctx); err != nil {
		logger.Warn("health history could not be restored", zap.Error(err))
	}

	wire(logger, conns, engine, monitor, orch)

	monitor.Start(ctx, cfg.HealthInterval)
	defer monitor.Stop()
	if cfg.AutoSyncInterval > 0 {
		engine.StartAutoSync(ctx, cfg.AutoSyncInterval)
		defer engine.StopAutoSync()
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(api.RequestLogger(logger.Named("http")))
	r.Use(api.CORS(cfg.AllowedOrigins))

	handler := api.NewHandler(api.Deps{
		Connections: conns,
		Monitor:     monitor,
		Offline:     engine,
		Recovery:    orch,
		Backups:     backups,
		Logger:      logger,
	})
	handler.RegisterRoutes(r, cfg.APIKey)
	if cfg.APIKey == "" {
		logger.Warn("TETHER_API_KEY not set; management API is disabled")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("tether is ready", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down tether")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("tether stopped")
	return nil
}

// wire connects the components' events and registers the recovery routines.
func wire(logger *zap.Logger, conns *connection.Manager, engine *offline.Engine, monitor *health.Monitor, orch *recovery.Orchestrator) {
	reconnect := func(ctx context.Context, f recovery.Failure) error {
		if f.ConnectionID == "" {
			return faults.New(faults.KindValidation, "recovery", "failure names no connection to reconnect")
		}
		return conns.Reconnect(ctx, f.ConnectionID)
	}
	orch.Register(faults.KindNetwork, reconnect)
	orch.Register(faults.KindConnectionFailed, reconnect)
	orch.Register(faults.KindStorageFull, func(ctx context.Context, f recovery.Failure) error {
		freed, err := engine.ReleaseSpace(ctx)
		if err != nil {
			return err
		}
		if freed == 0 {
			return faults.New(faults.KindStorageFull, "recovery", "no cache space could be released")
		}
		return nil
	})

	// A link restored by any path clears the reconnect retry budget.
	linkRecovered := func(connectionID string) {
		orch.Reset(faults.KindNetwork, connectionID)
		orch.Reset(faults.KindConnectionFailed, connectionID)
	}
	conns.OnConnectionChange(func(active *models.Connection) {
		if active != nil {
			linkRecovered(active.ID)
		}
	})
	monitor.OnHealthChange(func(rec models.HealthRecord) {
		if rec.Status != models.HealthStatusError {
			linkRecovered(rec.ConnectionID)
		}
	})
	conns.OnConnectionChange(engine.NotifyConnectivity)

	monitor.OnAlert(func(a models.Alert) {
		logger.Warn("alert raised",
			zap.String("alert_id", a.ID),
			zap.String("connection_id", a.ConnectionID),
			zap.String("severity", string(a.Severity)),
			zap.String("message", a.Message))
	})
	engine.OnSyncConflict(func(conflicts []models.SyncConflict) {
		logger.Warn("sync conflicts need resolution", zap.Int("count", len(conflicts)))
	})
	orch.OnPersistentFailure(func(p recovery.PersistentFailure) {
		logger.Error("persistent failure detected",
			zap.String("kind", string(p.Kind)),
			zap.String("connection_id", p.ConnectionID),
			zap.Int("occurrences", p.Occurrences),
			zap.Duration("window", p.Window))
	})
}

// openStore builds the configured persistence adapter and its cleanup.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (persistence.Store, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		s, err := persistence.NewRedisStore(ctx, cfg.RedisURL, cfg.RedisPrefix, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("redis store connected", zap.String("addr", cfg.RedisURL))
		return s, func() { _ = s.Close() }, nil
	case config.StorePostgres:
		pool, err := persistence.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		s, err := persistence.NewPgStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("postgres store connected", zap.String("dsn", cfg.RedactedDatabaseURL()))
		return s, pool.Close, nil
	case config.StoreSQLite:
		s, err := persistence.OpenSQLite(ctx, cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("sqlite store opened", zap.String("data_dir", cfg.DataDir))
		return s, func() { _ = s.Close() }, nil
	default:
		logger.Info("memory store in use; state is lost on restart")
		return persistence.NewMemoryStore(cfg.MemoryStoreMaxBytes), func() {}, nil
	}
}
