package models

import "time"

// CalibrationState 校准会话状态
type CalibrationState string

const (
	CalibrationIdle     CalibrationState = "Idle"
	CalibrationSampling CalibrationState = "Sampling"
	CalibrationComputed CalibrationState = "Computed"
	CalibrationFailed   CalibrationState = "Failed"
)

// CalibrationStatus 卫星的校准状态
type CalibrationStatus struct {
	SatelliteID   string           `json:"satellite_id"`
	SessionID     string           `json:"session_id,omitempty"`
	DeviceID      string           `json:"device_id,omitempty"`
	State         CalibrationState `json:"state"`
	ReferenceRSSI *float64         `json:"reference_rssi,omitempty"` // Computed 时有效
	Reason        string           `json:"reason,omitempty"`         // Failed 时的原因
	Samples       int              `json:"samples"`
	StartedAt     time.Time        `json:"started_at,omitempty"`
	FinishedAt    time.Time        `json:"finished_at,omitempty"`
}
