package tracker

import (
	"time"

	"wisefido-presence/internal/models"
	"wisefido-presence/internal/publisher"
)

// deviceState 单个设备在分片内的全部可变状态
type deviceState struct {
	identity models.DeviceIdentity
	zone     models.ZoneAssignment

	// lastSeen 任意卫星（含未分配房间的卫星）最近一次被接受样本的时间
	lastSeen time.Time
	// lastEval 最近一次求值时间，保证同一设备的求值时间单调
	lastEval time.Time

	rawSources   map[string]float64
	major, minor *int

	gate  publisher.Gate
	state models.PresenceState
}

func newDeviceState(ident models.DeviceIdentity) *deviceState {
	return &deviceState{
		identity:   ident,
		zone:       models.ZoneAssignment{DeviceID: ident.Key},
		rawSources: make(map[string]float64),
		state: models.PresenceState{
			DeviceID: ident.Key,
			Alias:    ident.DisplayName(),
			Status:   models.StatusAway,
		},
	}
}

// evalTime 推进并返回设备的求值时间
func (d *deviceState) evalTime(now time.Time) time.Time {
	if now.After(d.lastEval) {
		d.lastEval = now
	}
	return d.lastEval
}

func (d *deviceState) sources() map[string]float64 {
	if len(d.rawSources) == 0 {
		return nil
	}
	out := make(map[string]float64, len(d.rawSources))
	for k, v := range d.rawSources {
		out[k] = v
	}
	return out
}
