package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/firetracker/geodata/internal/config"
	"github.com/firetracker/geodata/internal/logging"
	"github.com/firetracker/geodata/internal/queue"
	"github.com/firetracker/geodata/internal/storage"
)

var (
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "api",
	Short: "Geodata HTTP API",
	Long: `Serves provinces, districts and fire points as GeoJSON-bearing JSON,
and the admin upload form that queues imports for the workers.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger, err = logging.New(cfg.LogLevel, "api")
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: serve,
}

var migrate bool

func init() {
	rootCmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before serving")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if migrate {
		if err := storage.Migrate(ctx, db); err != nil {
			return err
		}
	}
	store := storage.NewStore(db, logger, cfg.FirePointBatch)

	conn, ch, err := queue.Connect(cfg.RabbitMQURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer ch.Close()
	publisher, err := queue.NewPublisher(ch)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	server, err := NewServer(ServerConfig{
		StoragePath:   cfg.StoragePath,
		MaxUploadMB:   cfg.MaxUploadMB,
		AdminUsername: cfg.AdminUsername,
		AdminPassword: cfg.AdminPassword,
	}, store, publisher, logger)
	if err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info("shutting down api")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
