package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	logpkg "wisefido-geofence/internal/common/logger"
	"wisefido-geofence/internal/config"
	"wisefido-geofence/internal/httpapi"
	"wisefido-geofence/internal/service"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	logger, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-geofence")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting wisefido-geofence service",
		zap.String("version", "1.0.0"),
		zap.String("user_id", cfg.Geofence.UserID),
		zap.String("position_source", cfg.Geofence.PositionSource),
		zap.Bool("optimizer_enabled", cfg.Optimizer.Enabled),
	)

	// 创建服务
	geofenceService, err := service.NewGeofenceService(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create geofence service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// HTTP：/metrics /healthz 与查询接口
	var httpServer *http.Server
	if cfg.HTTP.Addr != "" {
		router := httpapi.NewRouter(logger)
		router.RegisterMetrics(geofenceService.Registry())
		router.RegisterGeofenceRoutes(httpapi.NewGeofenceHandler(
			geofenceService.Monitor(),
			geofenceService.Events(),
			cfg.Geofence.UserID,
			logger,
		))
		httpServer = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			// 关闭时取消请求 ctx，结束事件流长连接
			BaseContext: func(net.Listener) context.Context { return ctx },
		}
		go func() {
			logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", zap.Error(err))
			}
		}()
	}

	// 在 goroutine 中启动服务
	errChan := make(chan error, 1)
	go func() {
		errChan <- geofenceService.Start(ctx)
	}()

	// 等待中断信号或服务异常退出
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errChan:
		if err != nil {
			logger.Error("Geofence service exited with error", zap.Error(err))
			exitCode = 1
		}
	}

	// 优雅关闭
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down HTTP server", zap.Error(err))
		}
	}
	if err := geofenceService.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		exitCode = 1
	}

	logger.Info("Service stopped")
	if exitCode != 0 {
		shutdownCancel()
		_ = logger.Sync()
		os.Exit(exitCode)
	}
}
