package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"wisefido-presence/common/logger"
	"wisefido-presence/internal/config"
	"wisefido-presence/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-presence")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting wisefido-presence service",
		zap.String("version", "1.0.0"),
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("inventory_source", cfg.Presence.Inventory.Source),
		zap.String("identity", cfg.Presence.Identity),
	)

	// 创建服务
	presenceService, err := service.NewPresenceService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create presence service", zap.Error(err))
	}

	// 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := presenceService.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start presence service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	if err := presenceService.Stop(context.Background()); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}
	cancel()

	zapLogger.Info("Service stopped")
}
