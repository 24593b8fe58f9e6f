package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	mqttcommon "wisefido-presence/common/mqtt"
	"wisefido-presence/internal/metrics"
	"wisefido-presence/internal/models"
	"wisefido-presence/internal/timeutil"
	"wisefido-presence/internal/tracker"

	"go.uber.org/zap"
)

// Subscriber MQTT 订阅接口（common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Ingester 卫星上报入口（tracker.Tracker 实现）
type Ingester interface {
	Ingest(report models.RawReport, receivedAt time.Time) error
}

// MQTTConsumer 卫星上报消费者
//
// 主题格式：
//
//	<prefix>/satellite/<satellite_id>/<mac>          载荷为 RSSI 数值或 JSON
//	<prefix>/satellite/<satellite_id>/uuid/<uuid>    载荷为 JSON（rssi, major, minor, timestamp）
type MQTTConsumer struct {
	subscriber Subscriber
	ingester   Ingester
	prefix     string
	qos        byte
	metrics    *metrics.Metrics
	clock      timeutil.Clock
	logger     *zap.Logger
}

// NewMQTTConsumer 创建消费者
func NewMQTTConsumer(
	subscriber Subscriber,
	ingester Ingester,
	prefix string,
	qos byte,
	m *metrics.Metrics,
	clock timeutil.Clock,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		subscriber: subscriber,
		ingester:   ingester,
		prefix:     strings.TrimSuffix(prefix, "/"),
		qos:        qos,
		metrics:    m,
		clock:      clock,
		logger:     logger,
	}
}

// Topic 订阅的通配主题
func (c *MQTTConsumer) Topic() string {
	return c.prefix + "/satellite/#"
}

// Start 订阅卫星上报主题
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.subscriber.Subscribe(c.Topic(), c.qos, c.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to satellite topic: %w", err)
	}
	c.logger.Info("MQTT consumer started", zap.String("topic", c.Topic()))
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.subscriber.Unsubscribe(c.Topic()); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
		return err
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// HandleMessage 解析一条上报并交给引擎
func (c *MQTTConsumer) HandleMessage(topic string, payload []byte) error {
	receivedAt := c.clock.Now()

	report, err := ParseReport(c.prefix, topic, payload)
	if err != nil {
		c.metrics.SamplesReceived.Inc()
		c.metrics.Dropped(metrics.ReasonMalformed)
		return err
	}

	if err := c.ingester.Ingest(report, receivedAt); err != nil {
		if errors.Is(err, tracker.ErrDropped) {
			c.logger.Debug("Satellite report dropped",
				zap.String("satellite_id", report.SatelliteID),
				zap.String("identifier", report.Identifier),
				zap.Error(err),
			)
			return nil
		}
		return err
	}
	return nil
}

// reportPayload JSON 载荷
type reportPayload struct {
	Identity  string          `json:"identity"`
	Kind      string          `json:"kind"`
	RSSI      *float64        `json:"rssi"`
	Timestamp json.RawMessage `json:"timestamp"`
	Major     *int            `json:"major"`
	Minor     *int            `json:"minor"`
}

// ParseReport 解析主题和载荷
func ParseReport(prefix, topic string, payload []byte) (models.RawReport, error) {
	var report models.RawReport

	rest := strings.TrimPrefix(topic, prefix+"/satellite/")
	if rest == topic {
		return report, fmt.Errorf("unexpected topic: %s", topic)
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 3 && parts[1] == "uuid":
		report.SatelliteID = parts[0]
		report.Identifier = parts[2]
		report.Kind = models.KindBeaconUUID
	case len(parts) == 2:
		report.SatelliteID = parts[0]
		report.Identifier = parts[1]
	default:
		return report, fmt.Errorf("unexpected topic: %s", topic)
	}
	if report.SatelliteID == "" || report.Identifier == "" {
		return report, fmt.Errorf("unexpected topic: %s", topic)
	}

	trimmed := strings.TrimSpace(string(payload))
	if !strings.HasPrefix(trimmed, "{") {
		// 兼容旧固件：载荷为 RSSI 数值
		if report.Kind == models.KindBeaconUUID {
			return report, fmt.Errorf("uuid report requires JSON payload")
		}
		rssi, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return report, fmt.Errorf("invalid rssi payload %q: %w", trimmed, err)
		}
		report.RSSI = rssi
		return report, nil
	}

	var p reportPayload
	if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
		return report, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	if p.RSSI == nil {
		return report, fmt.Errorf("report without rssi")
	}
	report.RSSI = *p.RSSI
	report.Major = p.Major
	report.Minor = p.Minor
	if p.Identity != "" {
		report.Identifier = p.Identity
	}
	switch models.IdentityKind(strings.ToLower(p.Kind)) {
	case models.KindMAC:
		report.Kind = models.KindMAC
	case models.KindBeaconUUID, "beacon", "ibeacon":
		report.Kind = models.KindBeaconUUID
	}

	ts, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return report, err
	}
	report.Timestamp = ts
	return report, nil
}

// parseTimestamp 支持 Unix 秒（可带小数）、Unix 毫秒和 RFC3339 字符串；缺省返回零值
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		return ts, nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %s", string(raw))
	}
	if n <= 0 || math.IsInf(n, 0) {
		return time.Time{}, nil
	}
	if n >= 1e12 {
		return time.UnixMilli(int64(n)), nil
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)), nil
}
