package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"wisefido-presence/common/database"
	mqttcommon "wisefido-presence/common/mqtt"
	rediscommon "wisefido-presence/common/redis"
	"wisefido-presence/internal/calibration"
	"wisefido-presence/internal/config"
	"wisefido-presence/internal/consumer"
	httpapi "wisefido-presence/internal/http"
	"wisefido-presence/internal/inventory"
	"wisefido-presence/internal/metrics"
	"wisefido-presence/internal/models"
	"wisefido-presence/internal/publisher"
	"wisefido-presence/internal/repository"
	"wisefido-presence/internal/timeutil"
	"wisefido-presence/internal/tracker"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// inventoryStore 配置来源，同时负责校准值回写和新卫星登记
type inventoryStore interface {
	inventory.Source
	calibration.Writer
	tracker.Registrar
}

// PresenceService 存在检测服务
type PresenceService struct {
	config  *config.Config
	logger  *zap.Logger
	clock   timeutil.Clock
	metrics *metrics.Metrics

	db         *sql.DB
	redis      *redis.Client
	mqttClient *mqttcommon.Client

	holder     *inventory.Holder
	reloader   *inventory.Reloader
	calib      *calibration.Manager
	mqttSink   *publisher.MQTTSink
	dispatcher *publisher.Dispatcher
	tracker    *tracker.Tracker
	consumer   *consumer.MQTTConsumer
	httpServer *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPresenceService 创建存在检测服务
func NewPresenceService(cfg *config.Config, logger *zap.Logger) (*PresenceService, error) {
	s := &PresenceService{
		config:  cfg,
		logger:  logger,
		clock:   timeutil.RealClock{},
		metrics: metrics.New(),
	}

	store, err := s.openInventory()
	if err != nil {
		s.closeConnections()
		return nil, err
	}

	// 初始化Redis（可选）
	var sinks []publisher.Sink
	if cfg.Presence.RedisEnabled {
		s.redis = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(context.Background(), s.redis); err != nil {
			s.closeConnections()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	// 初始化MQTT（遗嘱消息：hub 离线）
	mqttCfg := cfg.MQTT
	// 每个进程使用唯一 client id
	mqttCfg.ClientID = fmt.Sprintf("%s-%s", cfg.MQTT.ClientID, uuid.NewString()[:8])
	mqttCfg.WillTopic = publisher.AvailabilityTopic(cfg.Presence.TopicPrefix, cfg.Presence.Identity)
	mqttCfg.WillPayload = publisher.PayloadOffline
	s.mqttClient, err = mqttcommon.NewClient(&mqttCfg, logger)
	if err != nil {
		s.closeConnections()
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	s.mqttSink = publisher.NewMQTTSink(
		s.mqttClient,
		cfg.Presence.TopicPrefix,
		cfg.Presence.Identity,
		cfg.Presence.DiscoveryPrefix,
		cfg.MQTT.QoS,
		logger,
	)
	sinks = append(sinks, s.mqttSink)
	if s.redis != nil {
		sinks = append(sinks, publisher.NewRedisSink(
			s.redis,
			cfg.Presence.EventStream,
			cfg.Presence.EventStreamLen,
			cfg.Presence.CachePrefix,
			cfg.Presence.CacheTTL,
		))
	}
	s.dispatcher = publisher.NewDispatcher(cfg.Presence.PublishQueueSize, s.metrics, logger, sinks...)

	// 配置快照
	s.holder = inventory.NewHolder(nil)
	s.reloader = inventory.NewReloader(store, s.holder, cfg.Presence.Inventory.ReloadInterval, s.clock, logger)

	// 校准
	s.calib = calibration.NewManager(store, s.clock, logger)
	s.calib.OnFinish(func(st models.CalibrationStatus) {
		s.metrics.Calibrations.WithLabelValues(string(st.State)).Inc()
	})

	// 引擎
	s.tracker = tracker.NewTracker(
		tracker.Config{Shards: cfg.Presence.Shards, QueueSize: cfg.Presence.QueueSize},
		s.holder,
		s.calib,
		s.dispatcher,
		s.metrics,
		s.clock,
		logger,
	)
	s.tracker.SetRegistrar(store)

	s.consumer = consumer.NewMQTTConsumer(s.mqttClient, s.tracker, cfg.Presence.TopicPrefix, cfg.MQTT.QoS, s.metrics, s.clock, logger)

	// HTTP API
	router := httpapi.NewRouter(logger)
	router.RegisterPresenceRoutes(httpapi.NewPresenceHandler(s.tracker, s.mqttClient.IsConnected, logger))
	router.HandleHandler("/metrics", s.metrics.Handler())
	s.httpServer = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// openInventory 按配置选择 Postgres 或 YAML 文件作为配置来源
func (s *PresenceService) openInventory() (inventoryStore, error) {
	switch s.config.Presence.Inventory.Source {
	case "file":
		s.logger.Info("Using file inventory", zap.String("path", s.config.Presence.Inventory.File))
		return inventory.NewFileSource(s.config.Presence.Inventory.File), nil
	default:
		db, err := database.NewPostgresDB(&s.config.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db

		repo := repository.NewInventoryRepository(db, s.logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	}
}

// Start 启动服务
func (s *PresenceService) Start(ctx context.Context) error {
	s.logger.Info("Starting presence service components")

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.dispatcher.Start(runCtx)
	s.tracker.Start(runCtx)

	// 首次加载配置（分片已启动，变更回调可以执行）；失败时以默认参数启动，由后续轮询恢复
	s.reloader.OnChange(s.applySnapshot)
	s.reloader.OnResult(s.countReload)
	loadCtx, cancelLoad := context.WithTimeout(ctx, 10*time.Second)
	changed, err := s.reloader.Reload(loadCtx)
	cancelLoad()
	if err != nil {
		s.logger.Warn("Initial inventory load failed, starting with defaults", zap.Error(err))
	}
	s.countReload(changed, err)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.tracker.RunSweeper(runCtx, s.config.Presence.SweepInterval)
	}()
	go func() {
		defer s.wg.Done()
		s.reloader.Run(runCtx)
	}()

	// 重连后重新发布在线状态和 discovery
	s.mqttClient.OnConnect(s.announce)
	s.announce()

	if err := s.consumer.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start MQTT consumer: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	s.logger.Info("Presence service started successfully")
	return nil
}

func (s *PresenceService) countReload(changed bool, err error) {
	switch {
	case err != nil:
		s.metrics.InventoryReloads.WithLabelValues("rejected").Inc()
	case changed:
		s.metrics.InventoryReloads.WithLabelValues("applied").Inc()
	default:
		s.metrics.InventoryReloads.WithLabelValues("unchanged").Inc()
	}
}

// applySnapshot 新快照生效：通知引擎；设备列表变化时重发 discovery
func (s *PresenceService) applySnapshot(prev, next *inventory.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.tracker.Reconfigure(ctx, next); err != nil {
		s.logger.Warn("Failed to reconfigure tracker", zap.Error(err))
	}
	if prev == nil || prev.DevicesFingerprint != next.DevicesFingerprint {
		if err := s.mqttSink.Announce(next.DeviceList()); err != nil {
			s.logger.Warn("Failed to announce devices", zap.Error(err))
		}
	}
}

func (s *PresenceService) announce() {
	if err := s.mqttSink.Online(); err != nil {
		s.logger.Warn("Failed to publish availability", zap.Error(err))
	}
	if err := s.mqttSink.Announce(s.holder.Load().DeviceList()); err != nil {
		s.logger.Warn("Failed to announce devices", zap.Error(err))
	}
}

// Stop 停止服务
func (s *PresenceService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping presence service")

	// 停止Consumer
	if s.consumer != nil {
		if err := s.consumer.Stop(ctx); err != nil {
			s.logger.Error("Error stopping consumer", zap.Error(err))
		}
	}

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Error stopping HTTP server", zap.Error(err))
		}
		cancel()
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.tracker.Wait()
	s.dispatcher.Wait()
	s.calib.Close()

	if s.mqttClient != nil {
		if err := s.mqttSink.Offline(); err != nil {
			s.logger.Warn("Failed to publish offline status", zap.Error(err))
		}
	}

	s.closeConnections()
	s.logger.Info("Presence service stopped")
	return nil
}

func (s *PresenceService) closeConnections() {
	// 断开MQTT
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	// 关闭Redis
	if s.redis != nil {
		rediscommon.Close(s.redis)
	}

	// 关闭数据库
	if s.db != nil {
		database.Close(s.db)
	}
}
