package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/pricesync/observability"
	"github.com/hazyhaar/pricesync/pricesync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sync trigger, status and metrics over HTTP",
	Long: `Start the HTTP server. POST /api/sync starts a run in the background
(bearer token from server.token or RELOAD_TOKEN). With sync.interval set,
runs are also scheduled periodically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	reg := observability.NewRegistry()
	svc, err := openService(pricesync.WithMetrics(observability.NewMetrics(reg)))
	if err != nil {
		return err
	}
	defer svc.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(ctx, svc, reg, cfg.Server.Token, logger),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		svc.Schedule(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
