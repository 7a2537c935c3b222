package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ab-resolver/internal/api"
	"github.com/sells-group/ab-resolver/internal/config"
	"github.com/sells-group/ab-resolver/internal/monitoring"
	"github.com/sells-group/ab-resolver/internal/resilience"
	"github.com/sells-group/ab-resolver/internal/snapshot"
	"github.com/sells-group/ab-resolver/internal/store"
)

var servePort int

const shutdownTimeout = 10 * time.Second

// app bundles the long-lived components behind the HTTP server.
type app struct {
	cache   *snapshot.Cache
	metrics *monitoring.Metrics
	checker *monitoring.Checker
	handler http.Handler
}

func buildApp(c *config.Config, st store.Store) *app {
	var metrics *monitoring.Metrics
	if c.Metrics.Enabled {
		metrics = monitoring.NewMetrics(c.Metrics.Namespace)
	}

	guard := resilience.NewGuard("store",
		resilience.FromRetryConfig(c.Retry.MaxAttempts, c.Retry.InitialBackoffMs, c.Retry.MaxBackoffMs),
		resilience.CircuitBreakerConfig{
			FailureThreshold: c.Circuit.FailureThreshold,
			ResetTimeout:     time.Duration(c.Circuit.ResetTimeoutSecs) * time.Second,
		},
	)
	ttl := time.Duration(c.Snapshot.TTLSecs) * time.Second
	cache := snapshot.New(st, snapshot.Options{TTL: ttl, Guard: guard, Metrics: metrics})

	srv := api.New(cache, st, metrics, api.OptionsFromConfig(c))
	return &app{
		cache:   cache,
		metrics: metrics,
		checker: monitoring.NewChecker(monitoring.NewCollector(st), metrics, time.Minute),
		handler: srv.Router(),
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the resolver HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		a := buildApp(cfg, st)
		if snap, err := a.cache.Refresh(ctx); err != nil {
			zap.L().Warn("initial experiment load failed, serving inactive until the store recovers", zap.Error(err))
		} else {
			zap.L().Info("experiments loaded", zap.Int("running", len(snap.Experiments)))
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := api.NewHTTPServer(fmt.Sprintf(":%d", port), a.handler)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return eris.Wrap(srv.Shutdown(shutdownCtx), "server shutdown")
		})
		g.Go(func() error {
			a.cache.Run(gctx, 0)
			return nil
		})
		g.Go(func() error {
			a.checker.Run(gctx)
			return nil
		})
		if fs, ok := st.(*store.FileStore); ok && cfg.Source.Watch {
			g.Go(func() error {
				return fs.Watch(gctx, store.DefaultDebounce, a.cache.Invalidate)
			})
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
