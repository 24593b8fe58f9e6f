package models

import "time"

// PresenceStatus 对外发布的在家状态
type PresenceStatus string

const (
	StatusHome PresenceStatus = "home"
	StatusAway PresenceStatus = "not_home"
)

// PresenceState 对外可见的设备状态投影（最近一次发布的内容）
type PresenceState struct {
	DeviceID      string         `json:"device_id"`
	Alias         string         `json:"alias"`
	Status        PresenceStatus `json:"status"`
	Room          string         `json:"room,omitempty"`
	SatelliteID   string         `json:"satellite_id,omitempty"`
	LastDistance  *float64       `json:"distance_meters,omitempty"`
	Uncalibrated  bool           `json:"uncalibrated,omitempty"`
	LastRSSI      float64        `json:"rssi"`
	LastEventTime time.Time      `json:"last_event_time"`
}

// PresenceEvent 发布到下游的事件
type PresenceEvent struct {
	DeviceID       string             `json:"device_id"`
	Alias          string             `json:"alias"`
	Kind           IdentityKind       `json:"id_type"`
	Status         PresenceStatus     `json:"status"`
	Room           string             `json:"room,omitempty"`
	SatelliteID    string             `json:"satellite_id,omitempty"`
	DistanceMeters *float64           `json:"distance_meters,omitempty"`
	Uncalibrated   bool               `json:"uncalibrated,omitempty"`
	RSSI           float64            `json:"rssi"`
	RawSources     map[string]float64 `json:"raw_sources,omitempty"`
	Major          *int               `json:"major,omitempty"`
	Minor          *int               `json:"minor,omitempty"`
	Reason         string             `json:"reason"`
	Timestamp      int64              `json:"timestamp"` // Unix 毫秒
}

// Time 返回事件时间
func (e PresenceEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}
