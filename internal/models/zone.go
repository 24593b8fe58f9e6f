package models

import "time"

// ZoneAssignment 设备的房间归属状态
//
// 不变量：CandidateRoom == CurrentRoom 时 CandidateSince 必须为零值（已稳定，无待定切换）。
type ZoneAssignment struct {
	DeviceID       string    `json:"device_id"`
	CurrentRoom    string    `json:"current_room,omitempty"`   // 空表示 Away
	CandidateRoom  string    `json:"candidate_room,omitempty"` // 待定的新房间
	CandidateSince time.Time `json:"candidate_since,omitempty"`
	LastChanged    time.Time `json:"last_changed,omitempty"`
}

// Present 是否在家（已归属某个房间）
func (z ZoneAssignment) Present() bool {
	return z.CurrentRoom != ""
}

// Pending 是否存在待定切换
func (z ZoneAssignment) Pending() bool {
	return z.CandidateRoom != "" && !z.CandidateSince.IsZero()
}

// ClearCandidate 丢弃待定切换
func (z *ZoneAssignment) ClearCandidate() {
	z.CandidateRoom = ""
	z.CandidateSince = time.Time{}
}
