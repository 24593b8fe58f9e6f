package tracker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"wisefido-presence/internal/calibration"
	"wisefido-presence/internal/identity"
	"wisefido-presence/internal/inventory"
	"wisefido-presence/internal/models"

	"go.uber.org/zap"
)

// Sweep 对所有分片执行一次扫描并等待完成
func (t *Tracker) Sweep(ctx context.Context) error {
	now := t.clock.Now()
	t.calib.Tick(now)
	t.beacons.prune(now)

	snap := t.holder.Load()
	for _, s := range t.shards {
		if err := s.call(ctx, func(sh *shard) { t.sweepShard(sh, snap, now) }); err != nil {
			return err
		}
	}

	var present, tracked int64
	for _, s := range t.shards {
		present += s.present.Load()
		tracked += s.tracked.Load()
	}
	t.metrics.DevicesPresent.Set(float64(present))
	t.metrics.DevicesTracked.Set(float64(tracked))
	return nil
}

// Reconfigure 应用新的配置快照：刷新校准参考值、更新设备信息、移除已注销设备
func (t *Tracker) Reconfigure(ctx context.Context, next *inventory.Snapshot) error {
	t.calib.Seed(next.References())

	for _, s := range t.shards {
		err := s.call(ctx, func(sh *shard) {
			for key, ds := range sh.devices {
				if ds.identity.Ephemeral {
					// 已登记的临时设备在下一个样本到来时转为正式设备
					continue
				}
				dev, ok := next.Devices[key]
				if !ok {
					sh.removeDevice(key)
					sh.logger.Info("Removed deregistered device", zap.String("device_id", key))
					continue
				}
				ds.identity = dev
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// StartCalibration 开始校准：rawIdentity 为参与校准的设备标识（MAC 或 UUID）
//
// 同时丢弃该 (设备, 卫星) 的平滑状态，平滑不会跨越校准会话。
func (t *Tracker) StartCalibration(ctx context.Context, satelliteID, rawIdentity string, kind models.IdentityKind) (string, error) {
	snap := t.holder.Load()
	if _, ok := snap.Satellites[satelliteID]; !ok {
		if _, seen := t.health.LastSeen(satelliteID); !seen {
			return "", fmt.Errorf("%w: %s", calibration.ErrUnknownSatellite, satelliteID)
		}
	}

	canonical, _, err := identity.Canonicalize(rawIdentity, kind)
	if err != nil {
		return "", err
	}

	sessionID, err := t.calib.Start(satelliteID, canonical, snap.Tunables)
	if err != nil {
		return "", err
	}

	deviceKey := canonical
	if dev, ok := snap.Lookup(canonical); ok {
		deviceKey = dev.Key
	}
	if err := t.shardFor(deviceKey).call(ctx, func(sh *shard) {
		sh.store.ResetPair(deviceKey, satelliteID)
		if ds, ok := sh.devices[deviceKey]; ok {
			delete(ds.rawSources, satelliteID)
		}
	}); err != nil {
		t.logger.Warn("Failed to reset smoothing for calibration",
			zap.String("satellite_id", satelliteID),
			zap.String("device_id", deviceKey),
			zap.Error(err),
		)
	}
	return sessionID, nil
}

// CalibrationStatus 卫星校准状态
func (t *Tracker) CalibrationStatus(satelliteID string) models.CalibrationStatus {
	return t.calib.Status(satelliteID)
}

// Devices 所有设备的当前状态（已登记但从未出现的设备显示为离家）
func (t *Tracker) Devices(ctx context.Context) ([]models.PresenceState, error) {
	states := make(map[string]models.PresenceState)
	for _, s := range t.shards {
		err := s.call(ctx, func(sh *shard) {
			for key, ds := range sh.devices {
				st := ds.state
				st.Alias = ds.identity.DisplayName()
				states[key] = st
			}
		})
		if err != nil {
			return nil, err
		}
	}

	for key, dev := range t.holder.Load().Devices {
		if _, ok := states[key]; !ok {
			states[key] = models.PresenceState{
				DeviceID: key,
				Alias:    dev.DisplayName(),
				Status:   models.StatusAway,
			}
		}
	}

	out := make([]models.PresenceState, 0, len(states))
	for _, st := range states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// SatelliteView 卫星的对外视图
type SatelliteView struct {
	models.Satellite
	Calibrated  bool                    `json:"calibrated"`
	Calibration models.CalibrationState `json:"calibration_state"`
}

// Satellites 已登记卫星和已上报但未登记的卫星
func (t *Tracker) Satellites() []SatelliteView {
	snap := t.holder.Load()
	health := t.health.Snapshot()

	views := make(map[string]SatelliteView, len(snap.Satellites))
	for id, sat := range snap.Satellites {
		views[id] = SatelliteView{Satellite: sat}
	}
	for id, at := range health {
		v, ok := views[id]
		if !ok {
			v = SatelliteView{Satellite: models.Satellite{ID: id}}
		}
		v.LastHealth = at
		views[id] = v
	}

	out := make([]SatelliteView, 0, len(views))
	for id, v := range views {
		if ref, ok := t.calib.Reference(id); ok {
			r := ref
			v.ReferenceRSSI = &r
			v.Calibrated = true
		}
		v.Calibration = t.calib.Status(id).State
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Beacons 最近出现过的 iBeacon
func (t *Tracker) Beacons() []BeaconSighting {
	return t.beacons.list(t.clock.Now())
}

// Health 卫星健康时间
func (t *Tracker) Health() map[string]time.Time {
	return t.health.Snapshot()
}
