// Package timeutil 提供可替换的时钟，便于对去抖/过期等时间逻辑做确定性测试
package timeutil

import (
	"sync"
	"time"
)

// Clock 时间来源
type Clock interface {
	Now() time.Time
}

// RealClock 使用系统时间
type RealClock struct{}

// Now 返回当前时间
func (RealClock) Now() time.Time { return time.Now() }

// MockClock 手动控制的时钟（测试用）
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock 创建指定起始时间的 MockClock
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

// Now 返回当前模拟时间
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set 设置模拟时间
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance 推进模拟时间并返回新时间
func (m *MockClock) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}
