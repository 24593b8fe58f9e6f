package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	commonredis "wisefido-presence/common/redis"
	"wisefido-presence/internal/metrics"
	"wisefido-presence/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func fptr(v float64) *float64 { return &v }

func homeEvent(room string, dist float64) models.PresenceEvent {
	return models.PresenceEvent{
		DeviceID:       "AA:BB:CC:DD:EE:FF",
		Alias:          "Alice Phone",
		Kind:           models.KindMAC,
		Status:         models.StatusHome,
		Room:           room,
		SatelliteID:    "kitchen-1",
		DistanceMeters: fptr(dist),
		RSSI:           -61,
		RawSources:     map[string]float64{"kitchen-1": -60, "hall-1": -75},
		Reason:         "arrived",
		Timestamp:      t0.UnixMilli(),
	}
}

func TestGate(t *testing.T) {
	var g Gate
	keepalive := 5 * time.Second

	ok, reason := g.Check(homeEvent("Kitchen", 2), t0, keepalive, 0.5)
	assert.True(t, ok)
	assert.Equal(t, ReasonInitial, reason)
	g.Record(homeEvent("Kitchen", 2), t0)

	ok, _ = g.Check(homeEvent("Kitchen", 2.3), t0.Add(time.Second), keepalive, 0.5)
	assert.False(t, ok)

	ok, reason = g.Check(homeEvent("Kitchen", 2.6), t0.Add(time.Second), keepalive, 0.5)
	assert.True(t, ok)
	assert.Equal(t, ReasonDistanceChanged, reason)

	ok, reason = g.Check(homeEvent("Office", 2), t0.Add(time.Second), keepalive, 0.5)
	assert.True(t, ok)
	assert.Equal(t, ReasonRoomChanged, reason)

	away := models.PresenceEvent{DeviceID: "AA:BB:CC:DD:EE:FF", Status: models.StatusAway}
	ok, reason = g.Check(away, t0.Add(time.Second), keepalive, 0.5)
	assert.True(t, ok)
	assert.Equal(t, ReasonStatusChanged, reason)

	ok, reason = g.Check(homeEvent("Kitchen", 2), t0.Add(5*time.Second), keepalive, 0.5)
	assert.True(t, ok)
	assert.Equal(t, ReasonKeepalive, reason)

	last, found := g.Last()
	require.True(t, found)
	assert.Equal(t, "Kitchen", last.Room)
}

type recordingSink struct {
	mu     sync.Mutex
	name   string
	events []models.PresenceEvent
	err    error
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Publish(ctx context.Context, ev models.PresenceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	m := metrics.New()
	good := &recordingSink{name: "good"}
	bad := &recordingSink{name: "bad", err: errors.New("broker down")}
	d := NewDispatcher(8, m, zap.NewNop(), good, bad)

	ctx, cancel := context.WithCancel(context.Background())
	d.Emit(homeEvent("Kitchen", 1))
	d.Emit(homeEvent("Office", 1))
	d.Start(ctx)
	cancel()
	d.Wait()

	assert.Len(t, good.events, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("good")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues("bad")))
}

func TestDispatcher_EmitNeverBlocks(t *testing.T) {
	m := metrics.New()
	d := NewDispatcher(1, m, zap.NewNop())

	d.Emit(homeEvent("Kitchen", 1))
	d.Emit(homeEvent("Kitchen", 1))
	d.Emit(homeEvent("Kitchen", 1))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsDropped))
}

type fakeMQTT struct {
	mu       sync.Mutex
	messages map[string][]byte
	order    []string
	err      error
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{messages: make(map[string][]byte)}
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages[topic] = payload
	f.order = append(f.order, topic)
	return nil
}

func TestMQTTSink_Topics(t *testing.T) {
	s := NewMQTTSink(newFakeMQTT(), "gatekeeper", "hub1", "homeassistant", 0, zap.NewNop())

	assert.Equal(t, "alice_phone", Slug("Alice Phone"))
	assert.Equal(t, "my_tag_2", Slug("My-Tag 2"))
	assert.Equal(t, "gatekeeper/hub1/alice_phone/device_tracker", s.StateTopic("Alice Phone"))
	assert.Equal(t, "gatekeeper/hub1/alice_phone", s.AttributesTopic("Alice Phone"))
	assert.Equal(t, "homeassistant/device_tracker/gk_hub1_Alice_Phone/config", s.DiscoveryTopic("Alice Phone"))
	assert.Equal(t, "gatekeeper/hub1/status", s.AvailabilityTopic())
}

func TestMQTTSink_AnnounceAndRemove(t *testing.T) {
	client := newFakeMQTT()
	s := NewMQTTSink(client, "gatekeeper", "hub1", "homeassistant", 0, zap.NewNop())

	require.NoError(t, s.Announce([]models.DeviceIdentity{
		{Key: "AA:BB:CC:DD:EE:FF", Kind: models.KindMAC, Alias: "Alice Phone"},
		{Key: "E2C56DB5-DFFB-48D2-B060-D0F5A71096E0", Kind: models.KindBeaconUUID, Alias: "Keys"},
	}))

	var disc discoveryPayload
	require.NoError(t, json.Unmarshal(client.messages["homeassistant/device_tracker/gk_hub1_Keys/config"], &disc))
	assert.Equal(t, "Keys (hub1)", disc.Name)
	assert.Equal(t, "gatekeeper/hub1/keys/device_tracker", disc.StateTopic)
	assert.Equal(t, "mdi:identifier-variant", disc.Icon)
	assert.Equal(t, "not_home", disc.PayloadNotHome)
	assert.Equal(t, "gatekeeper/hub1/status", disc.AvailabilityTopic)

	require.NoError(t, s.Announce([]models.DeviceIdentity{
		{Key: "AA:BB:CC:DD:EE:FF", Kind: models.KindMAC, Alias: "Alice Phone"},
	}))
	payload, ok := client.messages["homeassistant/device_tracker/gk_hub1_Keys/config"]
	assert.True(t, ok)
	assert.Empty(t, payload)
}

func TestMQTTSink_PublishStateAndAttributes(t *testing.T) {
	client := newFakeMQTT()
	s := NewMQTTSink(client, "gatekeeper", "hub1", "homeassistant", 0, zap.NewNop())

	major, minor := 100, 7
	ev := homeEvent("Kitchen", 1.5)
	ev.Major, ev.Minor = &major, &minor
	require.NoError(t, s.Publish(context.Background(), ev))

	// 未 Announce 的设备先补发 discovery
	assert.Equal(t, "homeassistant/device_tracker/gk_hub1_Alice_Phone/config", client.order[0])
	assert.Equal(t, "home", string(client.messages["gatekeeper/hub1/alice_phone/device_tracker"]))

	var attrs map[string]interface{}
	require.NoError(t, json.Unmarshal(client.messages["gatekeeper/hub1/alice_phone"], &attrs))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", attrs["mac"])
	assert.Equal(t, "Kitchen", attrs["room"])
	assert.Equal(t, float64(100), attrs["confidence"])
	assert.Equal(t, float64(100), attrs["major"])
	assert.Equal(t, map[string]interface{}{"kitchen-1": -60.0, "hall-1": -75.0}, attrs["raw_sources"])

	away := models.PresenceEvent{DeviceID: ev.DeviceID, Alias: ev.Alias, Kind: ev.Kind, Status: models.StatusAway, Reason: "departed"}
	require.NoError(t, s.Publish(context.Background(), away))
	assert.Equal(t, "not_home", string(client.messages["gatekeeper/hub1/alice_phone/device_tracker"]))
}

func TestMQTTSink_Availability(t *testing.T) {
	client := newFakeMQTT()
	s := NewMQTTSink(client, "gatekeeper", "hub1", "homeassistant", 0, zap.NewNop())

	require.NoError(t, s.Online())
	assert.Equal(t, PayloadOnline, string(client.messages["gatekeeper/hub1/status"]))
	require.NoError(t, s.Offline())
	assert.Equal(t, PayloadOffline, string(client.messages["gatekeeper/hub1/status"]))
}

func TestRedisSink_StreamAndCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer commonredis.Close(client)

	s := NewRedisSink(client, "presence:events", 100, "presence:device:", time.Minute)
	ctx := context.Background()

	ev := homeEvent("Kitchen", 1.5)
	require.NoError(t, s.Publish(ctx, ev))

	entries, err := client.XRange(ctx, "presence:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var got models.PresenceEvent
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["data"].(string)), &got))
	assert.Equal(t, ev.DeviceID, got.DeviceID)
	assert.Equal(t, "Kitchen", got.Room)

	raw, err := client.Get(ctx, "presence:device:AA:BB:CC:DD:EE:FF").Result()
	require.NoError(t, err)
	var state models.PresenceState
	require.NoError(t, json.Unmarshal([]byte(raw), &state))
	assert.Equal(t, models.StatusHome, state.Status)
	assert.Equal(t, "kitchen-1", state.SatelliteID)
	require.NotNil(t, state.LastDistance)
	assert.Equal(t, 1.5, *state.LastDistance)

	assert.Equal(t, time.Minute, mr.TTL("presence:device:AA:BB:CC:DD:EE:FF"))
}
