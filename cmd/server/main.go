package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"p2p-rate-monitor/internal/app"
	"p2p-rate-monitor/internal/config"
)

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "configs/app.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("build error: %v", err)
	}
	defer a.Close()
	logger := a.Logger

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	h := server.Default(server.WithHostPorts(addr), server.WithExitWaitTime(5*time.Second))
	a.RegisterRoutes(h)

	var metricsSrv *http.Server
	if cfg.Metrics.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	if err := a.Scheduler.Start(ctx); err != nil {
		logger.Fatal("scheduler start", zap.Error(err))
	}

	// Spin traps SIGINT and SIGTERM and runs these hooks before returning.
	h.OnShutdown = append(h.OnShutdown, func(ctx context.Context) {
		a.StopBackground()
		if err := a.Scheduler.Stop(ctx); err != nil {
			logger.Warn("scheduler stop", zap.Error(err))
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(ctx)
		}
	})

	logger.Info("server starting",
		zap.String("addr", addr),
		zap.Int("metrics_port", cfg.Metrics.Port),
		zap.Int("poll_interval_sec", cfg.Poll.IntervalSec),
		zap.String("log_level", cfg.Log.Level),
	)
	h.Spin()
}
