// Package tracker 串联标识解析、信号平滑、房间状态机、过期扫描和发布
//
// 设备状态按设备 Key 哈希到固定数量的分片，每个分片由单个 goroutine 串行处理，
// 不同设备之间完全并行。入口 Ingest 不阻塞：分片队列满时丢弃样本。
package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"wisefido-presence/internal/calibration"
	"wisefido-presence/internal/identity"
	"wisefido-presence/internal/inventory"
	"wisefido-presence/internal/metrics"
	"wisefido-presence/internal/models"
	"wisefido-presence/internal/signal"
	"wisefido-presence/internal/timeutil"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// ErrDropped 样本被丢弃（具体原因见 DropError.Reason）
var ErrDropped = errors.New("sample dropped")

// DropError 样本丢弃原因
type DropError struct {
	Reason string
	Err    error
}

func (e *DropError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sample dropped (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("sample dropped (%s)", e.Reason)
}

// Is 使 errors.Is(err, ErrDropped) 成立
func (e *DropError) Is(target error) bool { return target == ErrDropped }

func (e *DropError) Unwrap() error { return e.Err }

// Emitter 事件出口（publisher.Dispatcher 实现）
type Emitter interface {
	Emit(ev models.PresenceEvent)
}

// Registrar 新卫星登记（仓库或 YAML 文件实现）
type Registrar interface {
	RegisterSatellite(ctx context.Context, satelliteID string) error
}

// registerTimeout 卫星登记超时
const registerTimeout = 10 * time.Second

// Config 分片配置
type Config struct {
	Shards    int
	QueueSize int
}

// Tracker 存在检测引擎
type Tracker struct {
	holder     *inventory.Holder
	health     *identity.HealthTracker
	normalizer *identity.Normalizer
	calib      *calibration.Manager
	emitter    Emitter
	registrar  Registrar
	beacons    *beaconCache
	metrics    *metrics.Metrics
	clock      timeutil.Clock
	logger     *zap.Logger

	shards     []*shard
	registered sync.Map

	wg sync.WaitGroup
}

// NewTracker 创建引擎
func NewTracker(
	cfg Config,
	holder *inventory.Holder,
	calib *calibration.Manager,
	emitter Emitter,
	m *metrics.Metrics,
	clock timeutil.Clock,
	logger *zap.Logger,
) *Tracker {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	health := identity.NewHealthTracker()
	t := &Tracker{
		holder:     holder,
		health:     health,
		normalizer: identity.NewNormalizer(health),
		calib:      calib,
		emitter:    emitter,
		beacons:    newBeaconCache(),
		metrics:    m,
		clock:      clock,
		logger:     logger,
	}
	for i := 0; i < cfg.Shards; i++ {
		t.shards = append(t.shards, newShard(i, cfg.QueueSize, logger))
	}
	return t
}

// SetRegistrar 设置新卫星登记器（可选）
func (t *Tracker) SetRegistrar(r Registrar) {
	t.registrar = r
}

// Start 启动分片 worker
func (t *Tracker) Start(ctx context.Context) {
	for _, s := range t.shards {
		t.wg.Add(1)
		go func(s *shard) {
			defer t.wg.Done()
			s.run(ctx)
		}(s)
	}
	t.logger.Info("Presence tracker started", zap.Int("shards", len(t.shards)))
}

// RunSweeper 按固定周期扫描，直到 ctx 取消
func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration) {
	t.wg.Add(1)
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Sweep(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("Sweep failed", zap.Error(err))
			}
		}
	}
}

// Wait 等待所有 goroutine 退出（ctx 取消后调用）
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) shardFor(deviceKey string) *shard {
	return t.shards[xxhash.Sum64String(deviceKey)%uint64(len(t.shards))]
}

func (t *Tracker) drop(reason string, err error) error {
	t.metrics.Dropped(reason)
	return &DropError{Reason: reason, Err: err}
}

// Ingest 处理一条卫星上报（不阻塞）
func (t *Tracker) Ingest(report models.RawReport, receivedAt time.Time) error {
	t.metrics.SamplesReceived.Inc()

	if math.IsNaN(report.RSSI) || report.RSSI < models.MinValidRSSI || report.RSSI > models.MaxValidRSSI {
		return t.drop(metrics.ReasonOutOfRange, nil)
	}

	snap := t.holder.Load()
	tun := snap.Tunables

	res, err := t.normalizer.Normalize(snap, report, receivedAt, tun.StrictIdentity)
	if res.NewSatellite {
		t.registerSatellite(snap, report.SatelliteID)
	}
	if err != nil && !errors.Is(err, identity.ErrUnknownIdentity) {
		return t.drop(metrics.ReasonMalformed, err)
	}

	ts := report.Timestamp
	if ts.IsZero() {
		ts = receivedAt
	}
	if skew := ts.Sub(t.clock.Now()); skew > tun.MaxClockSkew() || -skew > tun.MaxClockSkew() {
		return t.drop(metrics.ReasonClockSkew, nil)
	}

	// 校准会话优先于严格模式：校准设备可以尚未登记
	if t.calib.Offer(report.SatelliteID, []string{res.Canonical, res.Identity.Key}, report.RSSI, ts) {
		t.metrics.CalibrationSamples.Inc()
		return nil
	}

	if res.Kind == models.KindBeaconUUID {
		t.beacons.record(res.Canonical, report, ts)
	}

	if err != nil {
		return t.drop(metrics.ReasonUnknownIdentity, err)
	}

	ident := res.Identity
	sample := models.SignalSample{
		SatelliteID: report.SatelliteID,
		DeviceID:    ident.Key,
		RSSI:        report.RSSI,
		Timestamp:   ts,
	}
	major, minor := report.Major, report.Minor
	if !t.shardFor(ident.Key).tryEnqueue(func(s *shard) {
		t.applySample(s, ident, sample, major, minor)
	}) {
		return t.drop(metrics.ReasonQueueFull, nil)
	}
	return nil
}

// registerSatellite 首次看到未登记卫星时异步写入存储
func (t *Tracker) registerSatellite(snap *inventory.Snapshot, satelliteID string) {
	if _, known := snap.Satellites[satelliteID]; known || t.registrar == nil {
		return
	}
	if _, loaded := t.registered.LoadOrStore(satelliteID, struct{}{}); loaded {
		return
	}
	t.logger.Info("New satellite discovered", zap.String("satellite_id", satelliteID))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
		defer cancel()
		if err := t.registrar.RegisterSatellite(ctx, satelliteID); err != nil {
			t.registered.Delete(satelliteID)
			t.logger.Warn("Failed to register satellite", zap.String("satellite_id", satelliteID), zap.Error(err))
		}
	}()
}

// applySample 在分片内应用样本并求值
func (t *Tracker) applySample(s *shard, ident models.DeviceIdentity, sample models.SignalSample, major, minor *int) {
	snap := t.holder.Load()
	tun := snap.Tunables

	ds, ok := s.devices[ident.Key]
	if !ok {
		ds = newDeviceState(ident)
		s.devices[ident.Key] = ds
	} else if !ident.Ephemeral {
		ds.identity = ident
	}

	if _, err := s.store.Add(sample, signal.ParamsFrom(tun)); err != nil {
		reason := metrics.ReasonOutOfOrder
		if errors.Is(err, signal.ErrDuplicateSample) {
			reason = metrics.ReasonDuplicate
		}
		t.metrics.Dropped(reason)
		s.logger.Debug("Dropped sample",
			zap.String("device_id", ident.Key),
			zap.String("satellite_id", sample.SatelliteID),
			zap.String("reason", reason),
		)
		return
	}

	ds.rawSources[sample.SatelliteID] = sample.RSSI
	if major != nil {
		ds.major, ds.minor = major, minor
	}
	if sample.Timestamp.After(ds.lastSeen) {
		ds.lastSeen = sample.Timestamp
	}

	t.evaluate(s, ds, snap, ds.evalTime(sample.Timestamp))
}
