package tracker

import (
	"time"

	"wisefido-presence/internal/distance"
	"wisefido-presence/internal/inventory"
	"wisefido-presence/internal/models"
	"wisefido-presence/internal/zoning"

	"go.uber.org/zap"
)

// candidates 设备在 now 时刻的候选卫星（窗口内有读数且已分配房间）
func (t *Tracker) candidates(s *shard, ds *deviceState, snap *inventory.Snapshot, now time.Time) []zoning.Candidate {
	fresh := s.store.Fresh(ds.identity.Key, now, snap.Tunables.Window())
	cands := make([]zoning.Candidate, 0, len(fresh))
	for _, r := range fresh {
		room := snap.Room(r.SatelliteID)
		if room == "" {
			continue
		}
		cands = append(cands, zoning.Candidate{SatelliteID: r.SatelliteID, Room: room, EMA: r.EMA})
	}
	return cands
}

// evaluate 推进状态机并按限流规则发布
func (t *Tracker) evaluate(s *shard, ds *deviceState, snap *inventory.Snapshot, now time.Time) {
	engine := zoning.NewEngine(snap.Tunables)
	cands := t.candidates(s, ds, snap, now)
	tr := engine.Evaluate(&ds.zone, cands, now)
	t.afterTransition(s, ds, snap, cands, tr, now)
}

// afterTransition 记录迁移并尝试发布
func (t *Tracker) afterTransition(s *shard, ds *deviceState, snap *inventory.Snapshot, cands []zoning.Candidate, tr zoning.Transition, now time.Time) {
	if tr.Changed() {
		t.metrics.Transitions.WithLabelValues(tr.Kind.String()).Inc()
		s.logger.Info("Zone transition",
			zap.String("device_id", ds.identity.Key),
			zap.String("alias", ds.identity.DisplayName()),
			zap.String("kind", tr.Kind.String()),
			zap.String("from", tr.From),
			zap.String("to", tr.To),
		)
	}

	ev := t.buildEvent(ds, snap, zoning.Rank(cands), now)
	keepalive := snap.Tunables.Keepalive()
	emit, reason := ds.gate.Check(ev, now, keepalive, snap.Tunables.PublishEpsilon)
	if !emit {
		return
	}
	if tr.Changed() {
		reason = tr.Kind.String()
	}
	ev.Reason = reason
	ds.gate.Record(ev, now)
	ds.state = stateFrom(ev)
	t.emitter.Emit(ev)
}

// buildEvent 由设备当前状态构造事件
func (t *Tracker) buildEvent(ds *deviceState, snap *inventory.Snapshot, ranked []zoning.Candidate, now time.Time) models.PresenceEvent {
	ev := models.PresenceEvent{
		DeviceID:   ds.identity.Key,
		Alias:      ds.identity.DisplayName(),
		Kind:       ds.identity.Kind,
		Status:     models.StatusAway,
		RawSources: ds.sources(),
		Major:      ds.major,
		Minor:      ds.minor,
		Timestamp:  now.UnixMilli(),
	}
	if !ds.zone.Present() {
		return ev
	}

	ev.Status = models.StatusHome
	ev.Room = ds.zone.CurrentRoom

	owner, ok := zoning.Owner(ds.zone.CurrentRoom, ranked)
	if !ok {
		// 房间内读数已过窗口但设备未过期：沿用上一次的距离
		ev.SatelliteID = ds.state.SatelliteID
		ev.DistanceMeters = ds.state.LastDistance
		ev.Uncalibrated = ds.state.Uncalibrated
		ev.RSSI = ds.state.LastRSSI
		return ev
	}

	ref, calibrated := t.calib.Reference(owner.SatelliteID)
	est := distance.NewEstimator(snap.Tunables).Estimate(owner.EMA, ref, calibrated)
	meters := est.Meters
	ev.SatelliteID = owner.SatelliteID
	ev.DistanceMeters = &meters
	ev.Uncalibrated = est.Uncalibrated
	ev.RSSI = owner.EMA
	return ev
}

func stateFrom(ev models.PresenceEvent) models.PresenceState {
	return models.PresenceState{
		DeviceID:      ev.DeviceID,
		Alias:         ev.Alias,
		Status:        ev.Status,
		Room:          ev.Room,
		SatelliteID:   ev.SatelliteID,
		LastDistance:  ev.DistanceMeters,
		Uncalibrated:  ev.Uncalibrated,
		LastRSSI:      ev.RSSI,
		LastEventTime: ev.Time(),
	}
}

// sweepShard 清理过期读数、判定离家、推进待定切换并发送保活
func (t *Tracker) sweepShard(s *shard, snap *inventory.Snapshot, now time.Time) {
	tun := snap.Tunables
	engine := zoning.NewEngine(tun)

	var present int64
	for key, ds := range s.devices {
		at := ds.evalTime(now)
		s.store.Evict(key, at, tun.Window())
		for sat := range ds.rawSources {
			if !s.store.Has(key, sat) {
				delete(ds.rawSources, sat)
			}
		}

		cands := t.candidates(s, ds, snap, at)
		tr := engine.Expire(&ds.zone, ds.lastSeen, at)
		if !tr.Changed() {
			tr = engine.Evaluate(&ds.zone, cands, at)
		}
		t.afterTransition(s, ds, snap, cands, tr, at)

		if ds.identity.Ephemeral && !ds.zone.Present() && tr.Kind == zoning.Departed {
			s.removeDevice(key)
			s.logger.Debug("Evicted ephemeral device", zap.String("device_id", key))
			continue
		}
		if ds.identity.Ephemeral && !ds.zone.Present() && at.Sub(ds.lastSeen) > tun.DeviceExpiration() {
			// 从未进入任何房间的临时设备
			s.removeDevice(key)
			continue
		}
		if ds.zone.Present() {
			present++
		}
	}
	s.present.Store(present)
	s.tracked.Store(int64(len(s.devices)))
}
