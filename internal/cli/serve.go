package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"plexwrapped/internal/auth"
	"plexwrapped/internal/config"
	"plexwrapped/internal/db"
	httpx "plexwrapped/internal/http"
	"plexwrapped/internal/integrations"
	"plexwrapped/internal/jobs"
	"plexwrapped/internal/logging"
	"plexwrapped/internal/report"
	"plexwrapped/internal/supervisor"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, the generation worker and the stale job sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gdb, err := db.Connect(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			if err := db.AutoMigrateAndIndexes(gdb); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logging.Info().Msg("database migrated")
			return nil
		},
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, nil
}

// serve blocks until ctx is cancelled, then drains in-flight generations for
// up to the configured shutdown timeout.
func serve(ctx context.Context, cfg config.Config) error {
	gdb, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := db.AutoMigrateAndIndexes(gdb); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	users := &auth.Users{DB: gdb}
	settings := &integrations.Service{DB: gdb}
	store := &jobs.Store{DB: gdb}

	var sessions *auth.SessionStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		sessions = auth.NewSessionStore(rdb, cfg.SessionTTL)
	}

	worker := jobs.NewWorker(report.NewGenerator(settings, users, cfg.TautulliRatePerSec), store)
	sweeper, err := jobs.NewSweeper(store, cfg.Jobs.StaleAfter, cfg.Jobs.SweepSchedule)
	if err != nil {
		return err
	}

	router := httpx.NewRouter(cfg, httpx.Deps{
		Users:        users,
		JWT:          auth.NewJWT(cfg.JWTSecret, cfg.TokenTTL),
		Sessions:     sessions,
		Integrations: settings,
		Dispatcher:   jobs.NewDispatcher(store, worker),
		Jobs:         jobs.NewQuery(store),
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	tree := supervisor.NewTree("wrapped", supervisor.DefaultTreeConfig())
	tree.Add(supervisor.NewHTTPService(srv, cfg.HTTPAddr, 10*time.Second))
	tree.Add(sweeper)

	logging.Info().Str("addr", cfg.HTTPAddr).Bool("sessions", sessions != nil).Msg("starting")
	serveErr := tree.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Jobs.ShutdownTimeout)
	defer cancel()
	if err := worker.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("in-flight generations did not finish before shutdown timeout")
	}
	logging.Info().Msg("stopped")

	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	return nil
}
