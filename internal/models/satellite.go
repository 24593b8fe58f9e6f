package models

import "time"

// Satellite 固定的蓝牙采集卫星
type Satellite struct {
	ID string `json:"satellite_id" yaml:"id"`
	// Room 为空表示未分配房间
	Room string `json:"room,omitempty" yaml:"room,omitempty"`
	// ReferenceRSSI 1 米参考信号强度，nil 表示未校准
	ReferenceRSSI *float64 `json:"ref_rssi_1m,omitempty" yaml:"ref_rssi_1m,omitempty"`
	// LastHealth 最近一次收到该卫星上报的时间
	LastHealth time.Time `json:"last_health,omitempty" yaml:"-"`
}

// Assigned 是否已分配房间（未分配的卫星不能成为房间归属）
func (s Satellite) Assigned() bool {
	return s.Room != ""
}
