package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/surfwatch/crowd-forecast-service/internal/config"
	"github.com/surfwatch/crowd-forecast-service/internal/observability"
)

func main() {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}
	if err := a.start(ctx); err != nil {
		logger.Fatal("background jobs", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      a.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", append(a.describe(), zap.String("addr", srv.Addr))...)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	a.monitor.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := a.inFlight.Count()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	if err := a.inFlight.WaitForZero(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", a.inFlight.Count()))
	}

	if err := a.close(); err != nil {
		logger.Error("close", zap.Error(err))
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
