package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"timeclock-queue/internal/api"
	"timeclock-queue/internal/config"
	"timeclock-queue/internal/logging"
	"timeclock-queue/internal/queue"
	"timeclock-queue/internal/ratelimit"
	"timeclock-queue/internal/recompute"
	"timeclock-queue/internal/store"
	"timeclock-queue/internal/worker"
)

// newServeCommand creates the 'timeclockd serve' command: HTTP API plus the
// background processor in one process, so the processor-status endpoints
// always report the worker they share a process with.
func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue API and background processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			logging.Setup(cfg.LogLevel, cfg.LogFormat)
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("config", "", "Path to YAML config file")
	cmd.Flags().String("http.port", "8080", "HTTP listen port")
	cmd.Flags().String("redis.addr", "localhost:6379", "Redis address")
	cmd.Flags().String("postgres.dsn", "", "Postgres DSN for the timekeeping recompute target")
	cmd.Flags().String("log.level", "info", "Log level (trace, debug, info, warn, error)")
	cmd.Flags().String("log.format", "console", "Log format (console or json)")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st := store.NewRedis(cfg)
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return err
	}

	rec, err := recompute.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer rec.Close()
	if err := rec.RunMigrations(ctx); err != nil {
		return err
	}

	q := queue.New(st, cfg)
	processor := worker.New(q, rec.Recompute, cfg)
	processor.Start(ctx)

	limiter := ratelimit.NewDeviceBucket(st.Client(), cfg.RateLimitCap, cfg.RateLimitRefill, time.Hour)
	server := api.New(q, processor, limiter)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}
	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.StopGracePeriod+5*time.Second)
	defer cancelStop()
	processor.Stop(stopCtx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return httpServer.Shutdown(shutdownCtx)
}
