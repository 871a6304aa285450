package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flexinfer/forge/internal/api"
	"github.com/flexinfer/forge/internal/buildfile"
	"github.com/flexinfer/forge/internal/graph"
	"github.com/flexinfer/forge/internal/validator"
	"github.com/flexinfer/forge/pkg/types"
)

func newServeCmd(a *app) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve builds of the project over HTTP",
		Long: `Start an HTTP server that runs builds of the project on request and
streams their events. The build file is read again for every build, so
edits take effect without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.loadProject()
			if err != nil {
				return usageError(err)
			}
			if port != "" {
				a.cfg.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stopTracing := a.startTracing(ctx, cmd.Root().Version)
			defer stopTracing()

			eng, closeStores, err := a.openEngine(ctx)
			if err != nil {
				return usageError(err)
			}
			defer closeStores()

			v, err := validator.New()
			if err != nil {
				a.logger.Error("failed to create validator", slog.Any("error", err))
				v = nil
			}

			loader := func() (*graph.Graph, error) {
				f, err := buildfile.Load(p.path)
				if err != nil {
					return nil, err
				}
				return f.Graph()
			}

			limitCfg := api.DefaultRateLimitConfig()
			limitCfg.RequestsPerSecond = a.cfg.RateLimitRPS
			limitCfg.BurstSize = a.cfg.RateLimitBurst
			limiter := api.NewRateLimiter(limitCfg)
			defer limiter.Stop()

			handlers := api.NewHandlers(eng, loader, v, a.cfg, a.logger)
			server := api.NewServer(handlers, limiter)

			srv := &http.Server{
				Addr:         ":" + a.cfg.Port,
				Handler:      server.Router(),
				ReadTimeout:  a.cfg.ReadTimeout,
				WriteTimeout: a.cfg.WriteTimeout,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("server listening",
					slog.String("addr", srv.Addr),
					slog.String("build_file", p.path),
					slog.Int("tasks", p.graph.Len()),
				)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err, ok := <-errCh:
				if ok {
					return &ExitError{Code: types.ExitFailed, Err: err}
				}
				return nil
			case <-ctx.Done():
			}

			a.logger.Info("shutting down server...")
			if n := eng.CancelAll(); n > 0 {
				a.logger.Info("cancelled running builds", slog.Int("count", n))
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", slog.Any("error", err))
			}

			a.logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "port to listen on (default from FORGE_PORT)")
	return cmd
}
