package models

import "time"

// RSSI 合法范围（dBm）
const (
	MinValidRSSI = -127.0
	MaxValidRSSI = 20.0
)

// RawReport 卫星上报的原始数据（尚未做身份解析）
type RawReport struct {
	SatelliteID string
	Identifier  string
	Kind        IdentityKind // 为空时按格式自动识别
	RSSI        float64
	Timestamp   time.Time // 零值表示使用接收时间
	Major       *int      // iBeacon major
	Minor       *int      // iBeacon minor
}

// SignalSample 已接受的信号样本，创建后不可变
type SignalSample struct {
	SatelliteID string
	DeviceID    string
	RSSI        float64
	Timestamp   time.Time
}

// SmoothedReading 每个 (设备, 卫星) 的平滑读数
type SmoothedReading struct {
	DeviceID    string    `json:"device_id"`
	SatelliteID string    `json:"satellite_id"`
	Median      float64   `json:"median"`
	EMA         float64   `json:"ema"`
	LastRSSI    float64   `json:"last_rssi"`
	LastUpdated time.Time `json:"last_updated"`
}
