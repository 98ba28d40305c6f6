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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicsync/clinicsync/internal/config"
	"github.com/clinicsync/clinicsync/internal/platform/db"
	"github.com/clinicsync/clinicsync/internal/platform/jobs"
	"github.com/clinicsync/clinicsync/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinicsync-server",
		Short: "Clinic scheduling API with Google Calendar sync",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(channelsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, newLogger(os.Getenv("ENV")), err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		return nil, logger, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logger, nil
}

// openApp loads config and wires every component.
func openApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued calendar tasks and run periodic sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			if a.runner == nil {
				return errors.New("worker needs GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET")
			}
			if a.redisOpts == nil {
				return errors.New("worker needs REDIS_URL")
			}

			w := jobs.NewWorker(redisConnOpt(a.redisOpts), jobs.WorkerConfig{
				Concurrency: a.cfg.WorkerConcurrency,
				Schedule:    a.schedule(),
			}, a.handlers, a.runner, a.logger)
			return w.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle for a resource, or a sweep over all connected resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("resource")

			ctx := context.Background()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			if a.runner == nil {
				return errors.New("calendar sync is not configured")
			}

			if raw == "" {
				synced, failed, err := a.runner.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Synced %d resource(s), %d failed.\n", synced, failed)
				return nil
			}

			resourceID, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("--resource: %w", err)
			}
			result, err := a.runner.RunCycle(ctx, resourceID)
			if err != nil {
				return err
			}
			fmt.Printf("Calendar %s: %d page(s), %d upserted, %d cancelled, %d mirrored, %d skipped (full resync: %v)\n",
				result.CalendarID, result.Pages, result.Upserted, result.Cancelled, result.Mirrored, result.Skipped, result.FullResync)
			return nil
		},
	}
	cmd.Flags().String("resource", "", "Resource id (default: every connected resource)")
	return cmd
}

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage push notification channels",
	}

	renewCmd := &cobra.Command{
		Use:   "renew",
		Short: "Renew channels that expire soon",
		RunE: func(cmd *cobra.Command, args []string) error {
			lead, _ := cmd.Flags().GetDuration("lead")

			ctx := context.Background()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			if a.runner == nil {
				return errors.New("calendar sync is not configured")
			}
			if lead <= 0 {
				lead = a.cfg.ChannelRenewLead
			}

			renewed, failed, err := a.runner.RenewExpiring(ctx, lead)
			if err != nil {
				return err
			}
			fmt.Printf("Renewed %d channel(s), %d failed.\n", renewed, failed)
			return nil
		},
	}
	renewCmd.Flags().Duration("lead", 0, "Renew channels expiring within this window (default: CHANNEL_RENEW_LEAD)")
	cmd.AddCommand(renewCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show sync and channel state of every calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			if a.states == nil {
				return errors.New("calendar sync is not configured")
			}

			states, err := a.states.ListAll(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%-36s %-24s %-6s %-20s %s\n", "RESOURCE", "CALENDAR", "CURSOR", "CHANNEL EXPIRES", "LAST SYNCED")
			for _, st := range states {
				cursor := "no"
				if st.HasCursor() {
					cursor = "yes"
				}
				fmt.Printf("%-36s %-24s %-6s %-20s %s\n", st.ResourceID, st.CalendarID, cursor,
					formatTime(st.ChannelExpiresAt), formatTime(st.LastSyncedAt))
			}
			return nil
		},
	})
	return cmd
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: API requests without a bearer token get admin access")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.close()
	logger.Info().Msg("connected to database")

	// Without a queue the API process runs the periodic sweeps itself.
	if a.runner != nil && a.tasks == nil {
		sched, err := jobs.NewScheduler(a.runner, a.schedule(), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to schedule sweeps")
		}
		go jobs.RunScheduler(ctx, sched)
	}

	e := a.newServer()
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
