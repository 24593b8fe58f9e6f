// Package calibration 管理卫星的 1 米参考信号强度及其采样校准会话
package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"wisefido-presence/internal/config"
	"wisefido-presence/internal/models"
	"wisefido-presence/internal/signal"
	"wisefido-presence/internal/timeutil"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrAlreadyInProgress 该卫星已有进行中的校准会话
	ErrAlreadyInProgress = errors.New("calibration already in progress")
	// ErrInsufficientSamples 会话结束时有效样本不足
	ErrInsufficientSamples = errors.New("insufficient samples")
	// ErrUnknownSatellite 卫星未登记
	ErrUnknownSatellite = errors.New("unknown satellite")
)

const (
	// persistTimeout 写回存储的超时
	persistTimeout = 10 * time.Second
	// persistAttempts 写回连续失败达到该次数后放弃本地结果，快照中的值重新生效
	persistAttempts = 3
)

// Writer 校准结果持久化
type Writer interface {
	UpdateCalibration(ctx context.Context, satelliteID string, referenceRSSI float64) error
}

// FinishFunc 会话结束回调（Computed 或 Failed）
type FinishFunc func(status models.CalibrationStatus)

type session struct {
	id         string
	deviceID   string
	startedAt  time.Time
	deadline   time.Time
	maxSamples int
	minSamples int
	maxDev     float64
	values     []float64
	lastAt     time.Time
}

// Manager 校准管理器
//
// 每个卫星至多一个 Sampling 会话；参考值整体替换，读者看到的要么是旧值要么是新值。
type Manager struct {
	writer Writer
	clock  timeutil.Clock
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	status   map[string]models.CalibrationStatus
	refs     map[string]float64
	pending  map[string]float64 // 已计算但尚未持久化的参考值
	failures map[string]int     // pending 值的写回失败次数
	inflight map[string]int
	onFinish []FinishFunc

	wg sync.WaitGroup
}

// NewManager 创建校准管理器，writer 为 nil 时不持久化
func NewManager(writer Writer, clock timeutil.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		writer:   writer,
		clock:    clock,
		logger:   logger,
		sessions: make(map[string]*session),
		status:   make(map[string]models.CalibrationStatus),
		refs:     make(map[string]float64),
		pending:  make(map[string]float64),
		failures: make(map[string]int),
		inflight: make(map[string]int),
	}
}

// OnFinish 注册会话结束回调
func (m *Manager) OnFinish(fn FinishFunc) {
	m.mu.Lock()
	m.onFinish = append(m.onFinish, fn)
	m.mu.Unlock()
}

// Start 为卫星开启校准会话，deviceID 为参与校准的设备（规范化标识）
func (m *Manager) Start(satelliteID, deviceID string, t config.Tunables) (string, error) {
	if satelliteID == "" {
		return "", ErrUnknownSatellite
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.sessions[satelliteID]; busy {
		return "", ErrAlreadyInProgress
	}

	s := &session{
		id:         uuid.New().String(),
		deviceID:   deviceID,
		startedAt:  now,
		deadline:   now.Add(t.CalibrationDuration()),
		maxSamples: t.CalibrationMaxSamples,
		minSamples: t.CalibrationMinSamples,
		maxDev:     t.CalibrationMaxDeviationDB,
		values:     make([]float64, 0, t.CalibrationMaxSamples),
	}
	m.sessions[satelliteID] = s
	m.status[satelliteID] = models.CalibrationStatus{
		SatelliteID: satelliteID,
		SessionID:   s.id,
		DeviceID:    deviceID,
		State:       models.CalibrationSampling,
		StartedAt:   now,
	}

	m.logger.Info("Calibration started",
		zap.String("satellite_id", satelliteID),
		zap.String("device_id", deviceID),
		zap.String("session_id", s.id),
		zap.Time("deadline", s.deadline),
	)
	return s.id, nil
}

// Offer 尝试将样本交给校准会话
//
// 样本属于该卫星进行中会话的设备（原始标识或解析后的设备 Key 匹配）时返回 true，
// 调用方不得再把它送入平滑窗口。时间戳不晚于上一个已采纳样本的重复或乱序样本同样被消费，但不计入会话。
func (m *Manager) Offer(satelliteID string, identifiers []string, rssi float64, at time.Time) bool {
	m.mu.Lock()
	s, ok := m.sessions[satelliteID]
	if !ok || !matches(s.deviceID, identifiers) {
		m.mu.Unlock()
		return false
	}
	if now := m.clock.Now(); !now.Before(s.deadline) {
		result := m.finishLocked(satelliteID, s, now)
		hooks := m.hooksLocked(&result)
		m.mu.Unlock()
		m.notify(hooks, &result)
		return false
	}
	if !s.lastAt.IsZero() && !at.After(s.lastAt) {
		m.mu.Unlock()
		return true
	}
	s.lastAt = at
	s.values = append(s.values, rssi)
	st := m.status[satelliteID]
	st.Samples = len(s.values)
	m.status[satelliteID] = st

	var finished *models.CalibrationStatus
	if len(s.values) >= s.maxSamples {
		result := m.finishLocked(satelliteID, s, at)
		finished = &result
	}
	hooks := m.hooksLocked(finished)
	m.mu.Unlock()

	m.notify(hooks, finished)
	return true
}

func matches(deviceID string, identifiers []string) bool {
	for _, id := range identifiers {
		if id != "" && id == deviceID {
			return true
		}
	}
	return false
}

// Tick 结束已到期的会话
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	var done []models.CalibrationStatus
	for sat, s := range m.sessions {
		if !now.Before(s.deadline) {
			done = append(done, m.finishLocked(sat, s, now))
		}
	}
	hooks := append([]FinishFunc{}, m.onFinish...)
	m.mu.Unlock()

	for i := range done {
		m.notify(hooks, &done[i])
	}
}

func (m *Manager) hooksLocked(finished *models.CalibrationStatus) []FinishFunc {
	if finished == nil {
		return nil
	}
	return append([]FinishFunc{}, m.onFinish...)
}

func (m *Manager) notify(hooks []FinishFunc, st *models.CalibrationStatus) {
	if st == nil {
		return
	}
	for _, fn := range hooks {
		fn(*st)
	}
}

// finishLocked 计算结果并结束会话（持有 m.mu）
func (m *Manager) finishLocked(satelliteID string, s *session, now time.Time) models.CalibrationStatus {
	delete(m.sessions, satelliteID)

	st := m.status[satelliteID]
	st.Samples = len(s.values)
	st.FinishedAt = now

	ref, kept, err := Compute(s.values, s.minSamples, s.maxDev)
	if err != nil {
		st.State = models.CalibrationFailed
		st.Reason = err.Error()
		st.ReferenceRSSI = nil
		m.status[satelliteID] = st

		m.logger.Warn("Calibration failed",
			zap.String("satellite_id", satelliteID),
			zap.String("session_id", s.id),
			zap.Int("samples", len(s.values)),
			zap.Error(err),
		)
		return st
	}

	st.State = models.CalibrationComputed
	st.ReferenceRSSI = &ref
	st.Reason = ""
	m.status[satelliteID] = st
	m.refs[satelliteID] = ref
	m.pending[satelliteID] = ref
	delete(m.failures, satelliteID)

	m.logger.Info("Calibration computed",
		zap.String("satellite_id", satelliteID),
		zap.String("session_id", s.id),
		zap.Float64("ref_rssi_1m", ref),
		zap.Int("samples", len(s.values)),
		zap.Int("kept", kept),
	)

	m.persist(satelliteID, ref)
	return st
}

// persist 异步写回存储（持有 m.mu）；成功后快照中的值重新生效，连续失败 persistAttempts 次后放弃本地结果
func (m *Manager) persist(satelliteID string, ref float64) {
	if m.writer == nil {
		return
	}
	m.inflight[satelliteID]++
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		err := m.writer.UpdateCalibration(ctx, satelliteID, ref)

		m.mu.Lock()
		defer m.mu.Unlock()
		m.inflight[satelliteID]--
		if m.inflight[satelliteID] <= 0 {
			delete(m.inflight, satelliteID)
		}
		if v, ok := m.pending[satelliteID]; !ok || v != ref {
			return
		}
		if err == nil {
			delete(m.pending, satelliteID)
			delete(m.failures, satelliteID)
			return
		}

		m.failures[satelliteID]++
		attempt := m.failures[satelliteID]
		if attempt < persistAttempts {
			m.logger.Error("Failed to persist calibration",
				zap.String("satellite_id", satelliteID),
				zap.Float64("ref_rssi_1m", ref),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return
		}
		delete(m.pending, satelliteID)
		delete(m.failures, satelliteID)
		m.logger.Warn("Giving up persisting calibration, stored reference applies on next reload",
			zap.String("satellite_id", satelliteID),
			zap.Float64("ref_rssi_1m", ref),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
	}()
}

// Compute 剔除偏离中位数超过 maxDev 的离群值后取均值
func Compute(values []float64, minSamples int, maxDev float64) (float64, int, error) {
	if len(values) < minSamples {
		return 0, 0, fmt.Errorf("%w: collected %d, need %d", ErrInsufficientSamples, len(values), minSamples)
	}
	median := signal.Median(values)
	kept := make([]float64, 0, len(values))
	for _, v := range values {
		if math.Abs(v-median) <= maxDev {
			kept = append(kept, v)
		}
	}
	if len(kept) < minSamples || len(kept) == 0 {
		return 0, len(kept), fmt.Errorf("%w: %d of %d within %.1f dB of median, need %d",
			ErrInsufficientSamples, len(kept), len(values), maxDev, minSamples)
	}
	return stat.Mean(kept, nil), len(kept), nil
}

// Status 卫星的校准状态（从未校准时为 Idle）
func (m *Manager) Status(satelliteID string) models.CalibrationStatus {
	m.Tick(m.clock.Now())

	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.status[satelliteID]; ok {
		return st
	}
	st := models.CalibrationStatus{SatelliteID: satelliteID, State: models.CalibrationIdle}
	if ref, ok := m.refs[satelliteID]; ok {
		st.ReferenceRSSI = &ref
	}
	return st
}

// Sampling 卫星是否有进行中的会话
func (m *Manager) Sampling(satelliteID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[satelliteID]
	return ok
}

// Reference 卫星当前参考值
func (m *Manager) Reference(satelliteID string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.refs[satelliteID]
	return ref, ok
}

// Seed 用配置快照中的参考值替换本地参考值
//
// 尚未持久化的计算结果保留，并借此机会重试写回。
func (m *Manager) Seed(refs map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]float64, len(refs)+len(m.pending))
	for sat, ref := range refs {
		next[sat] = ref
	}
	for sat, ref := range m.pending {
		next[sat] = ref
		if m.inflight[sat] == 0 {
			m.persist(sat, ref)
		}
	}
	m.refs = next
}

// Close 等待进行中的持久化完成
func (m *Manager) Close() {
	m.wg.Wait()
}
