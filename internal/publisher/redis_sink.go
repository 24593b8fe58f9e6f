package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-presence/common/redis"
	"wisefido-presence/internal/models"
)

// RedisSink 将事件写入 Redis Stream，并缓存每个设备的最新状态
type RedisSink struct {
	client    *redis.Client
	stream    string
	streamLen int64
	prefix    string
	ttl       time.Duration
}

// NewRedisSink 创建 Redis 下游
func NewRedisSink(client *redis.Client, stream string, streamLen int64, cachePrefix string, ttl time.Duration) *RedisSink {
	return &RedisSink{
		client:    client,
		stream:    stream,
		streamLen: streamLen,
		prefix:    cachePrefix,
		ttl:       ttl,
	}
}

// Name 下游名称
func (s *RedisSink) Name() string { return "redis" }

// StateKey 设备状态缓存键
func (s *RedisSink) StateKey(deviceID string) string {
	return s.prefix + deviceID
}

// Publish 追加事件到 stream 并更新状态缓存
func (s *RedisSink) Publish(ctx context.Context, ev models.PresenceEvent) error {
	if _, err := redis.PublishJSONToStream(ctx, s.client, s.stream, s.streamLen, ev); err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", s.stream, err)
	}

	state := StateFrom(ev)
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal presence state: %w", err)
	}
	if err := s.client.Set(ctx, s.StateKey(ev.DeviceID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache presence state: %w", err)
	}
	return nil
}

// StateFrom 由事件得到对外状态投影
func StateFrom(ev models.PresenceEvent) models.PresenceState {
	return models.PresenceState{
		DeviceID:      ev.DeviceID,
		Alias:         ev.Alias,
		Status:        ev.Status,
		Room:          ev.Room,
		SatelliteID:   ev.SatelliteID,
		LastDistance:  ev.DistanceMeters,
		Uncalibrated:  ev.Uncalibrated,
		LastRSSI:      ev.RSSI,
		LastEventTime: ev.Time(),
	}
}
