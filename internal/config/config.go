package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"wisefido-presence/common/config"
)

// Config 存在检测服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 存在检测服务特定配置
	Presence struct {
		// MQTT 主题
		TopicPrefix     string // 主题前缀，如 "gatekeeper"（卫星上报: <prefix>/satellite/#）
		Identity        string // 本 hub 的标识，用于发布主题和 HA unique_id
		DiscoveryPrefix string // Home Assistant discovery 前缀，如 "homeassistant"

		// 配置来源（设备列表/卫星房间/校准值/调优参数）
		Inventory struct {
			Source         string        // "postgres" 或 "file"
			File           string        // Source=file 时的 YAML 路径
			ReloadInterval time.Duration // 热加载轮询间隔
		}

		// 处理管线
		Shards           int           // 按设备分片的 worker 数量
		QueueSize        int           // 每个分片的输入队列长度
		PublishQueueSize int           // 发布队列长度
		SweepInterval    time.Duration // 过期扫描周期

		// Redis 投影
		RedisEnabled   bool
		EventStream    string        // 事件流，如 "presence:events"
		EventStreamLen int64         // 事件流近似最大长度
		CachePrefix    string        // 设备状态缓存键前缀，如 "presence:device:"
		CacheTTL       time.Duration // 设备状态缓存 TTL
	}

	HTTP struct {
		Addr string // 校准/状态 API 监听地址
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 连接配置：默认值，环境变量覆盖（DB_* / REDIS_* / MQTT_*）
	cfg.Database = config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "owlrd",
		SSLMode:  "disable",
		MaxConns: 5,
		MaxIdle:  2,
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT = config.MQTTConfig{
		Broker:         "tcp://localhost:1883",
		ClientID:       "wisefido-presence",
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 30 * time.Second,
	}
	cfg.MQTT.LoadFromEnv("MQTT")

	// 存在检测配置
	cfg.Presence.TopicPrefix = getEnv("PRESENCE_TOPIC_PREFIX", "gatekeeper")
	cfg.Presence.Identity = getEnv("PRESENCE_IDENTITY", "gatekeeper")
	cfg.Presence.DiscoveryPrefix = getEnv("PRESENCE_DISCOVERY_PREFIX", "homeassistant")

	cfg.Presence.Inventory.Source = getEnv("PRESENCE_INVENTORY_SOURCE", "postgres")
	cfg.Presence.Inventory.File = getEnv("PRESENCE_INVENTORY_FILE", "config/presence.yaml")
	cfg.Presence.Inventory.ReloadInterval = time.Duration(getEnvInt("PRESENCE_RELOAD_INTERVAL", 30)) * time.Second

	cfg.Presence.Shards = getEnvInt("PRESENCE_SHARDS", 4)
	cfg.Presence.QueueSize = getEnvInt("PRESENCE_QUEUE_SIZE", 1024)
	cfg.Presence.PublishQueueSize = getEnvInt("PRESENCE_PUBLISH_QUEUE_SIZE", 256)
	cfg.Presence.SweepInterval = time.Duration(getEnvInt("PRESENCE_SWEEP_INTERVAL", 1000)) * time.Millisecond

	cfg.Presence.RedisEnabled = getEnv("REDIS_ENABLED", "true") == "true"
	cfg.Presence.EventStream = getEnv("PRESENCE_EVENT_STREAM", "presence:events")
	cfg.Presence.EventStreamLen = int64(getEnvInt("PRESENCE_EVENT_STREAM_LEN", 10000))
	cfg.Presence.CachePrefix = getEnv("PRESENCE_CACHE_PREFIX", "presence:device:")
	cfg.Presence.CacheTTL = time.Duration(getEnvInt("PRESENCE_CACHE_TTL", 300)) * time.Second

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8088")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Presence.Inventory.Source {
	case "postgres", "file":
	default:
		return fmt.Errorf("unsupported inventory source: %s", c.Presence.Inventory.Source)
	}
	if c.Presence.Shards <= 0 {
		return fmt.Errorf("PRESENCE_SHARDS must be positive, got %d", c.Presence.Shards)
	}
	if c.Presence.QueueSize <= 0 || c.Presence.PublishQueueSize <= 0 {
		return fmt.Errorf("queue sizes must be positive")
	}
	if c.Presence.SweepInterval <= 0 || c.Presence.Inventory.ReloadInterval <= 0 {
		return fmt.Errorf("sweep and reload intervals must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}
