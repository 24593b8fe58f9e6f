package identity

import (
	"sync"
	"time"
)

// HealthTracker 记录每个卫星最近一次上报时间
//
// 卫星健康只影响候选资格（由调用方判断），从不单独触发设备状态变化。
type HealthTracker struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time
}

// NewHealthTracker 创建卫星健康跟踪器
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{lastSeen: make(map[string]time.Time)}
}

// Touch 刷新卫星健康时间，返回是否首次出现
func (h *HealthTracker) Touch(satelliteID string, at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, ok := h.lastSeen[satelliteID]
	if !ok || at.After(prev) {
		h.lastSeen[satelliteID] = at
	}
	return !ok
}

// LastSeen 返回卫星最近上报时间
func (h *HealthTracker) LastSeen(satelliteID string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.lastSeen[satelliteID]
	return t, ok
}

// Snapshot 返回所有卫星健康时间的副本
func (h *HealthTracker) Snapshot() map[string]time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]time.Time, len(h.lastSeen))
	for k, v := range h.lastSeen {
		out[k] = v
	}
	return out
}
