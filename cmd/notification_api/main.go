package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jsndz/ackbus/cmd/notification_api/app/routes"
	"github.com/jsndz/ackbus/logger"
	"github.com/jsndz/ackbus/metrics"
	"github.com/jsndz/ackbus/pkg/bootstrap"
	"github.com/jsndz/ackbus/pkg/config"
	"github.com/jsndz/ackbus/pkg/utils"
	"github.com/jsndz/ackbus/tracing"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found, using system env")
	}
	logr, err := logger.InitLogger()
	if err != nil {
		panic("Failed to initialize zap logger: " + err.Error())
	}
	defer logr.Sync()

	cfgPath := utils.GetEnv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config.yaml"
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logr.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}

	shutdownTracer, err := tracing.InitTracer(cfg.Service+"-api", cfg.Tracing.Endpoint, logr)
	if err != nil {
		logr.Fatal("failed to initialize tracer", zap.Error(err))
	}
	defer shutdownTracer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bootstrap.New(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("failed to build runtime", zap.Error(err))
	}

	metrics.InitAPIMetrics()
	if cfg.DeadLetter.Provider == "kafka" {
		metrics.InitKafkaMetrics()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	routes.Setup(router, rt, gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go handleShutdown(srv, logr, done)

	logr.Info("notification api listening", zap.String("addr", cfg.API.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logr.Fatal("Failed to start server", zap.Error(err))
	}
	<-done
	if err := rt.Close(); err != nil {
		logr.Error("Error closing runtime", zap.Error(err))
	} else {
		logr.Info("Runtime closed cleanly")
	}
}

func handleShutdown(srv *http.Server, log *zap.Logger, done chan<- struct{}) {
	defer close(done)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Shutdown signal received", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Error shutting down http server", zap.Error(err))
	}
}
