package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/firetracker/geodata/internal/config"
	"github.com/firetracker/geodata/internal/logging"
	"github.com/firetracker/geodata/internal/processor"
	"github.com/firetracker/geodata/internal/storage"
)

var (
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "workers",
	Short: "Geodata import workers",
	Long: `Consumes geodata import tasks from RabbitMQ and writes provinces,
districts and fire points to MySQL.

Run without arguments to start the workers.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger, err = logging.New(cfg.LogLevel, "workers")
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
	RunE: runWorkers,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start one consumer per configured queue",
	RunE:  runWorkers,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(ctx context.Context, db *sql.DB) error {
			if err := storage.Migrate(ctx, db); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		})
	},
}

var importDirCmd = &cobra.Command{
	Use:   "import-dir [dir]",
	Short: "Replace all geodata with Province.json, Districts.json and Firepoints.json from dir",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(ctx context.Context, db *sql.DB) error {
			store := storage.NewStore(db, logger, cfg.FirePointBatch)
			proc := processor.New(store, cfg.Location(), logger)
			reports, err := proc.ImportDirectory(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range reports {
				switch {
				case !r.Found:
					fmt.Fprintf(out, "%s not found\n", r.File)
				case r.Err != nil:
					fmt.Fprintf(out, "Error importing %s: %v\n", r.DataType.Display(), r.Err)
				default:
					fmt.Fprintf(out, "Imported %d %s\n", r.Records, strings.ToLower(r.DataType.Display()))
				}
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(runCmd, migrateCmd, importDirCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// withDB opens the database for the duration of fn.
func withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database connected", zap.String("host", cfg.DBHost), zap.String("database", cfg.DBName))
	return fn(ctx, db)
}

func runWorkers(cmd *cobra.Command, args []string) error {
	return withDB(cmd.Context(), func(ctx context.Context, db *sql.DB) error {
		store := storage.NewStore(db, logger, cfg.FirePointBatch)
		proc := processor.New(store, cfg.Location(), logger)

		logger.Info("starting workers", zap.Strings("queues", cfg.Queues))

		var workers []*Worker
		defer func() {
			for _, w := range workers {
				if err := w.Close(); err != nil {
					logger.Warn("close worker", zap.Error(err))
				}
			}
		}()
		for _, queueName := range cfg.Queues {
			w, err := NewWorker(cfg, store, proc, queueName, logger)
			if err != nil {
				return fmt.Errorf("create worker for %s: %w", queueName, err)
			}
			workers = append(workers, w)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, w := range workers {
			w := w
			g.Go(func() error {
				return w.Start(gctx)
			})
		}
		err := g.Wait()
		logger.Info("all workers stopped")
		return err
	})
}
