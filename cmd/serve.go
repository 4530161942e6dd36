package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civicpulse/heatmap-cli/internal/httpapi"
	"github.com/civicpulse/heatmap-cli/internal/recovery"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the live heatmap snapshot to the map client",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		// Connect before the first fetch so the initial bounds hook can
		// subscribe. A failed connect only affects the realtime status.
		if env.Realtime != nil {
			connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := env.Realtime.Connect(connectCtx); err != nil {
				zap.L().Warn("realtime unavailable, continuing without push updates", zap.Error(err))
			}
			cancel()
		}
		env.Orchestrator.Start()

		opts := httpapi.Options{
			Orchestrator: env.Orchestrator,
			Metrics:      env.Metrics,
			Features: httpapi.Features{
				Realtime:  cfg.Features.EnableRealtime,
				Controls:  cfg.Features.EnableControls,
				Sidebar:   cfg.Features.EnableSidebar,
				Tooltips:  cfg.Features.EnableTooltips,
				Analytics: cfg.Features.EnableAnalytics,
			},
			CORSOrigins:   cfg.Server.CORSOrigins,
			Debounce:      time.Duration(cfg.DebounceMs) * time.Millisecond,
			HomeBounds:    env.Home,
			HomeURL:       cfg.Recovery.HomeURL,
			MaxRetries:    cfg.Recovery.MaxRetries,
			Reporter:      reportFailure,
			Notifications: env.Notifications,
		}
		if env.Realtime != nil {
			opts.Realtime = env.Realtime
		}
		api := httpapi.New(opts)
		defer api.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server",
			zap.Int("port", port),
			zap.String("backend", cfg.Backend.Driver),
			zap.Bool("realtime", env.Realtime != nil),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// reportFailure is the out-of-band sink for render failures.
func reportFailure(f recovery.Failure) {
	zap.L().Error("render failure reported",
		zap.String("error_id", f.ID),
		zap.String("category", string(f.Category)),
		zap.Time("at", f.At),
	)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
