package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"wisefido-presence/internal/models"

	"go.uber.org/zap"
)

// 可用性载荷（availability topic，遗嘱消息为 offline）
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// MQTTPublisher MQTT 发布接口（common/mqtt.Client 实现）
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTSink 以 Home Assistant device_tracker 形式发布设备状态
type MQTTSink struct {
	client          MQTTPublisher
	topicPrefix     string
	identity        string
	discoveryPrefix string
	qos             byte
	logger          *zap.Logger

	mu        sync.Mutex
	announced map[string]string // 设备 Key → discovery 主题
}

// NewMQTTSink 创建 MQTT 下游
func NewMQTTSink(client MQTTPublisher, topicPrefix, identity, discoveryPrefix string, qos byte, logger *zap.Logger) *MQTTSink {
	return &MQTTSink{
		client:          client,
		topicPrefix:     topicPrefix,
		identity:        identity,
		discoveryPrefix: discoveryPrefix,
		qos:             qos,
		logger:          logger,
		announced:       make(map[string]string),
	}
}

// Name 下游名称
func (s *MQTTSink) Name() string { return "mqtt" }

// Slug 别名在主题中的形式：空格和连字符替换为下划线并转小写
func Slug(alias string) string {
	return strings.ToLower(strings.NewReplacer(" ", "_", "-", "_", "/", "_", "+", "_", "#", "_").Replace(alias))
}

// AvailabilityTopic hub 在线状态主题（连接前设置遗嘱消息时也需要）
func AvailabilityTopic(topicPrefix, identity string) string {
	return fmt.Sprintf("%s/%s/status", topicPrefix, identity)
}

// AvailabilityTopic hub 在线状态主题
func (s *MQTTSink) AvailabilityTopic() string {
	return AvailabilityTopic(s.topicPrefix, s.identity)
}

// StateTopic 设备状态主题（home / not_home）
func (s *MQTTSink) StateTopic(alias string) string {
	return fmt.Sprintf("%s/%s/%s/device_tracker", s.topicPrefix, s.identity, Slug(alias))
}

// AttributesTopic 设备 JSON 属性主题
func (s *MQTTSink) AttributesTopic(alias string) string {
	return fmt.Sprintf("%s/%s/%s", s.topicPrefix, s.identity, Slug(alias))
}

// uniqueID 保留别名大小写，仅替换主题中不安全的字符
func (s *MQTTSink) uniqueID(alias string) string {
	return fmt.Sprintf("gk_%s_%s", s.identity, strings.NewReplacer(" ", "_", "/", "_", "+", "_", "#", "_").Replace(alias))
}

// DiscoveryTopic Home Assistant discovery 配置主题
func (s *MQTTSink) DiscoveryTopic(alias string) string {
	return fmt.Sprintf("%s/device_tracker/%s/config", s.discoveryPrefix, s.uniqueID(alias))
}

type discoveryPayload struct {
	Name                string `json:"name"`
	UniqueID            string `json:"unique_id"`
	StateTopic          string `json:"state_topic"`
	JSONAttributesTopic string `json:"json_attributes_topic"`
	AvailabilityTopic   string `json:"availability_topic"`
	PayloadHome         string `json:"payload_home"`
	PayloadNotHome      string `json:"payload_not_home"`
	SourceType          string `json:"source_type"`
	Icon                string `json:"icon"`
}

// Online 发布 hub 在线（retained）
func (s *MQTTSink) Online() error {
	return s.client.Publish(s.AvailabilityTopic(), 1, true, []byte(PayloadOnline))
}

// Offline 正常退出前发布 hub 离线
func (s *MQTTSink) Offline() error {
	return s.client.Publish(s.AvailabilityTopic(), 1, true, []byte(PayloadOffline))
}

// Announce 为设备列表发布 discovery 配置，并移除已注销设备的配置
func (s *MQTTSink) Announce(devices []models.DeviceIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]bool, len(devices))
	var firstErr error
	for _, d := range devices {
		keep[d.Key] = true
		if err := s.announceLocked(d.Key, d.DisplayName(), d.Kind); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for key, topic := range s.announced {
		if keep[key] {
			continue
		}
		// 空的 retained 消息让 Home Assistant 删除实体
		if err := s.client.Publish(topic, s.qos, true, nil); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.announced, key)
		s.logger.Info("Removed discovery for deregistered device", zap.String("device_id", key))
	}
	return firstErr
}

func (s *MQTTSink) announceLocked(key, alias string, kind models.IdentityKind) error {
	topic := s.DiscoveryTopic(alias)
	icon := "mdi:bluetooth"
	if kind == models.KindBeaconUUID {
		icon = "mdi:identifier-variant"
	}
	payload, err := json.Marshal(discoveryPayload{
		Name:                fmt.Sprintf("%s (%s)", alias, s.identity),
		UniqueID:            s.uniqueID(alias),
		StateTopic:          s.StateTopic(alias),
		JSONAttributesTopic: s.AttributesTopic(alias),
		AvailabilityTopic:   s.AvailabilityTopic(),
		PayloadHome:         string(models.StatusHome),
		PayloadNotHome:      string(models.StatusAway),
		SourceType:          "bluetooth",
		Icon:                icon,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal discovery payload: %w", err)
	}

	if prev, ok := s.announced[key]; ok && prev != topic {
		// 别名变化：先清除旧实体
		if err := s.client.Publish(prev, s.qos, true, nil); err != nil {
			return err
		}
	}
	if err := s.client.Publish(topic, s.qos, true, payload); err != nil {
		return err
	}
	s.announced[key] = topic
	return nil
}

// Publish 发布设备状态和属性
func (s *MQTTSink) Publish(ctx context.Context, ev models.PresenceEvent) error {
	s.mu.Lock()
	_, known := s.announced[ev.DeviceID]
	if !known {
		// open 模式发现的临时设备首次出现时补发 discovery
		if err := s.announceLocked(ev.DeviceID, ev.Alias, ev.Kind); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	if err := s.client.Publish(s.StateTopic(ev.Alias), s.qos, true, []byte(ev.Status)); err != nil {
		return err
	}

	attrs, err := json.Marshal(attributesFrom(ev))
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	return s.client.Publish(s.AttributesTopic(ev.Alias), s.qos, true, attrs)
}

type attributes struct {
	RSSI           float64             `json:"rssi"`
	Identifier     string              `json:"identifier"`
	IDType         models.IdentityKind `json:"id_type"`
	MAC            string              `json:"mac,omitempty"`
	SourceType     string              `json:"source_type"`
	Confidence     int                 `json:"confidence"`
	Room           string              `json:"room,omitempty"`
	SatelliteID    string              `json:"satellite_id,omitempty"`
	DistanceMeters *float64            `json:"distance_meters,omitempty"`
	Uncalibrated   bool                `json:"uncalibrated,omitempty"`
	RawSources     map[string]float64  `json:"raw_sources,omitempty"`
	Major          *int                `json:"major,omitempty"`
	Minor          *int                `json:"minor,omitempty"`
	Reason         string              `json:"reason"`
	Timestamp      int64               `json:"timestamp"`
}

func attributesFrom(ev models.PresenceEvent) attributes {
	a := attributes{
		RSSI:           ev.RSSI,
		Identifier:     ev.DeviceID,
		IDType:         ev.Kind,
		SourceType:     "bluetooth",
		Room:           ev.Room,
		SatelliteID:    ev.SatelliteID,
		DistanceMeters: ev.DistanceMeters,
		Uncalibrated:   ev.Uncalibrated,
		RawSources:     ev.RawSources,
		Major:          ev.Major,
		Minor:          ev.Minor,
		Reason:         ev.Reason,
		Timestamp:      ev.Timestamp,
	}
	if ev.Kind == models.KindMAC {
		a.MAC = ev.DeviceID
	}
	if ev.Status == models.StatusHome {
		a.Confidence = 100
	}
	return a
}
