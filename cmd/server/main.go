package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"confconnect/internal/platform/config"
	"confconnect/internal/platform/httpserver"
	"confconnect/internal/platform/logger"
	"confconnect/internal/platform/otel"
)

// main wires high-level dependencies, exposes the HTTP router, and runs the
// graph consumers next to it. Business logic lives in the internal packages.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	shutdownTracing, err := otel.Setup(ctx, cfg.ServiceName, cfg.OTELEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	srv := httpserver.New(cfg.Addr, a.router, httpserver.WithErrorLog(log))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting confconnect",
			"addr", cfg.Addr,
			"store_backend", cfg.Store.Backend,
			"dedup_backend", cfg.DedupBackend(),
			"kafka", cfg.Kafka.Client().Enabled(),
			"evaluators", a.evaluators,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	for _, w := range a.workers {
		g.Go(func() error {
			err := w.run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("background worker failed", "worker", w.name, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
