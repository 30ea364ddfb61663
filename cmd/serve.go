package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chatimport/internal/account"
	"chatimport/internal/api"
	"chatimport/internal/auth"
	"chatimport/internal/chat"
	"chatimport/internal/config"
	"chatimport/internal/guard"
	"chatimport/internal/importer"
	"chatimport/internal/logging"
	"chatimport/internal/redis"
	"chatimport/internal/storage"
	"chatimport/internal/vault"
	"chatimport/internal/worker"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	keys, err := vault.KeysFromEnv(cfg.Import.KeyEnv, cfg.Import.PreviousKeyEnv)
	if err != nil {
		return fmt.Errorf("load file key: %w", err)
	}

	driver := cfg.BasicConfig.DatabaseDriver
	logger.Info("opening database", zap.String("driver", driver))
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db, driver); err != nil {
		return err
	}

	var (
		rdb      *redis.Client
		locker   importer.Locker = importer.NewLocalLocker()
		statuses worker.StatusStore
	)
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
		lockTTL := time.Duration(cfg.Import.LockTTLSeconds) * time.Second
		locker = importer.ChainLocker{locker, importer.NewRedisLocker(rdb, lockTTL)}
		statuses = worker.NewRedisStatusStore(rdb, 0)
		logger.Info("redis enabled", zap.String("host", cfg.Redis.Host), zap.Int("port", cfg.Redis.Port))
	}

	chats := chat.NewService(db)
	imports := importer.NewService(db, chats, vault.New(keys), locker, logger.Named("importer"), importOptions(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	imports.StartArtifactSweeper(ctx,
		time.Duration(cfg.BasicConfig.TempFileTTL)*time.Minute,
		time.Duration(cfg.BasicConfig.TempCleanInterval)*time.Minute)

	manager := worker.NewManager(imports, statuses, worker.DispatcherConfig{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, time.Duration(cfg.Import.TimeoutSeconds)*time.Second, logger)
	defer manager.Stop()

	if logging.ParseLevel(cfg.Log.Level) != zap.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(
		account.NewService(db),
		chats,
		imports,
		manager,
		auth.NewService(db, rdb, 24*time.Hour),
		logger,
		api.Options{
			MaxUploadBytes:   cfg.Import.MaxUploadBytes,
			UploadsPerMinute: cfg.BasicConfig.UploadsPerMinute,
		},
	)
	srv := &http.Server{
		Addr:         cfg.BasicConfig.ServerAddress,
		Handler:      api.NewRouter(handler, cfg.BasicConfig.AllowedOrigins, logger.Named("http")),
		ReadTimeout:  time.Duration(cfg.BasicConfig.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.BasicConfig.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

func importOptions(cfg *config.Config) importer.Options {
	return importer.Options{
		Policy: guard.Policy{
			MaxBytes:          cfg.Import.MaxUploadBytes,
			AllowedExtensions: cfg.Import.AllowedExtension,
			AllowedMIMETypes:  cfg.Import.AllowedMIMETypes,
		},
		ArtifactDir:     filepath.Join(cfg.BasicConfig.FileBaseDir, "artifacts"),
		WriteRetries:    cfg.Import.WriteRetries,
		UnmatchedPolicy: cfg.Import.UnmatchedSenders,
	}
}
