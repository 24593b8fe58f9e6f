// Package publisher 对设备状态事件做去重/限流，并投递到 MQTT（Home Assistant）和 Redis
package publisher

import (
	"math"
	"time"

	"wisefido-presence/internal/models"
)

// 发布原因（除状态机迁移外）
const (
	ReasonInitial         = "initial"
	ReasonStatusChanged   = "status_changed"
	ReasonRoomChanged     = "room_changed"
	ReasonDistanceChanged = "distance_changed"
	ReasonKeepalive       = "keepalive"
)

// Gate 单个设备的发布限流状态
//
// 仅在房间变化、在家状态变化、距离变化超过 epsilon 或保活间隔到期时放行。
// 非并发安全：由设备所属分片独占。
type Gate struct {
	last   *models.PresenceEvent
	lastAt time.Time
}

// Check 判断事件是否需要发布，返回原因
func (g *Gate) Check(ev models.PresenceEvent, now time.Time, keepalive time.Duration, epsilon float64) (bool, string) {
	if g.last == nil {
		return true, ReasonInitial
	}
	switch {
	case ev.Status != g.last.Status:
		return true, ReasonStatusChanged
	case ev.Room != g.last.Room:
		return true, ReasonRoomChanged
	case distanceMoved(g.last.DistanceMeters, ev.DistanceMeters, epsilon):
		return true, ReasonDistanceChanged
	case now.Sub(g.lastAt) >= keepalive:
		return true, ReasonKeepalive
	}
	return false, ""
}

// Record 记录已发布事件
func (g *Gate) Record(ev models.PresenceEvent, now time.Time) {
	e := ev
	g.last = &e
	g.lastAt = now
}

// Last 最近一次发布的事件
func (g *Gate) Last() (models.PresenceEvent, bool) {
	if g.last == nil {
		return models.PresenceEvent{}, false
	}
	return *g.last, true
}

func distanceMoved(prev, next *float64, epsilon float64) bool {
	if prev == nil || next == nil {
		return (prev == nil) != (next == nil)
	}
	return math.Abs(*next-*prev) > epsilon
}
