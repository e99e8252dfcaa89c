package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jsndz/ackbus/logger"
	"github.com/jsndz/ackbus/metrics"
	"github.com/jsndz/ackbus/middlewares"
	"github.com/jsndz/ackbus/pkg/bootstrap"
	"github.com/jsndz/ackbus/pkg/config"
	"github.com/jsndz/ackbus/pkg/lifecycle"
	"github.com/jsndz/ackbus/pkg/utils"
	"github.com/jsndz/ackbus/tracing"
)

func main() {
	_ = godotenv.Load()

	logr, err := logger.InitLogger()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logr.Sync()

	cfgPath := utils.GetEnv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config.yaml"
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logr.Fatal("failed to load config", zap.Error(err))
	}

	shutdownTracer, err := tracing.InitTracer(cfg.Service+"-reminder-worker", cfg.Tracing.Endpoint, logr)
	if err != nil {
		logr.Fatal("failed to initialize tracer", zap.Error(err))
	}
	defer shutdownTracer()

	metrics.InitSchedulerMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bootstrap.New(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("failed to build runtime", zap.Error(err))
	}
	scheduler, err := lifecycle.NewScheduler(rt)
	if err != nil {
		logr.Fatal("failed to build scheduler", zap.Error(err))
	}
	logr.Info("Starting reminder worker",
		zap.Duration("tick", cfg.Scheduler.TickInterval),
		zap.Int("max_reminders", cfg.Scheduler.MaxReminders),
		zap.String("backoff", cfg.Scheduler.Backoff.Policy),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scheduler.Run(ctx); err != nil {
			logr.Error("scheduler exited", zap.Error(err))
		}
	}()

	if cfg.Scheduler.ReconcileInterval > 0 {
		admin := lifecycle.NewAdmin(rt)
		wg.Add(1)
		go func() {
			defer wg.Done()
			admin.RunReconciler(ctx, cfg.Scheduler.ReconcileInterval, cfg.Scheduler.ReconcileRepair)
		}()
		logr.Info("Periodic reconciliation enabled",
			zap.Duration("interval", cfg.Scheduler.ReconcileInterval),
			zap.Bool("repair", cfg.Scheduler.ReconcileRepair),
		)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.Store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"redis unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           middlewares.MetricsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	handleShutdown(cancel, logr)
	wg.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
	if err := rt.Close(); err != nil {
		logr.Error("Error closing runtime", zap.Error(err))
	} else {
		logr.Info("Reminder worker stopped cleanly")
	}
}

// handleShutdown blocks until SIGINT or SIGTERM and then cancels the root
// context. The scheduler finishes the notification it is working on.
func handleShutdown(cancel context.CancelFunc, log *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	cancel()
}
