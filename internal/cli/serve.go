package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"docfinder/internal/api"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with worker loops and the reaper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, !noWorkers)
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Serve HTTP only; leave jobs to separate worker processes")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run worker loops and the reaper without the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			g, ctx := errgroup.WithContext(ctx)
			startWorkers(ctx, g, a)
			return g.Wait()
		},
	}
}

func runServe(ctx context.Context, withWorkers bool) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if !strings.EqualFold(a.cfg.Logging.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(a.docs, a.queue, a.pipeline, a.engine, a.auth, api.Options{
		FileBase:        a.cfg.BasicConfig.FileBaseDir,
		MaxUploadBytes:  a.cfg.BasicConfig.MaxUploadBytes,
		InlineIndexing:  a.cfg.BasicConfig.InlineIndexing,
		AdminOwners:     a.cfg.BasicConfig.AdminOwners,
		SearchPerMinute: a.cfg.Search.RateLimitPerMin,
		SearchBurst:     a.cfg.Search.RateBurst,
		Logger:          a.log,
	})
	router := gin.Default()
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              a.cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", "addr", srv.Addr, "database", a.cfg.BasicConfig.Database)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if withWorkers {
		startWorkers(ctx, g, a)
	}
	return g.Wait()
}

// startWorkers runs the claim loops and the reaper inside g until ctx ends.
func startWorkers(ctx context.Context, g *errgroup.Group, a *app) {
	a.listen(ctx)
	runner := a.runner()
	runner.Start(ctx)
	g.Go(func() error {
		<-ctx.Done()
		runner.Stop()
		runner.Wait()
		a.log.Info("worker loops stopped")
		return nil
	})
	reaper := a.reaper()
	g.Go(func() error {
		return reaper.Run(ctx)
	})
}
