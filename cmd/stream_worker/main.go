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

	shutdownTracer, err := tracing.InitTracer(cfg.Service+"-stream-worker", cfg.Tracing.Endpoint, logr)
	if err != nil {
		logr.Fatal("failed to initialize tracer", zap.Error(err))
	}
	defer shutdownTracer()

	metrics.InitWorkerMetrics()
	if cfg.DeadLetter.Provider == "kafka" {
		metrics.InitKafkaMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bootstrap.New(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("failed to build runtime", zap.Error(err))
	}
	consumer := lifecycle.NewConsumer(rt)
	logr.Info("Starting stream worker", zap.String("consumer", consumer.Name()), zap.Int("envs", len(cfg.Envs)))

	var wg sync.WaitGroup
	for _, env := range cfg.Envs {
		env := env
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx, env); err != nil {
				logr.Error("consumer exited", zap.String("env", string(env)), zap.Error(err))
			}
		}()
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
		logr.Info("Stream worker stopped cleanly")
	}
}

// handleShutdown blocks until SIGINT or SIGTERM and then cancels the root
// context. Consumers stop without acknowledging in-flight entries.
func handleShutdown(cancel context.CancelFunc, log *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	cancel()
}
