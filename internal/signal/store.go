package signal

import (
	"sort"
	"time"

	"wisefido-presence/internal/models"
)

// Store 单个分片内所有设备的信号通道
//
// 非并发安全：由所属分片 worker 独占访问。
type Store struct {
	devices map[string]map[string]*Channel
}

// NewStore 创建信号存储
func NewStore() *Store {
	return &Store{devices: make(map[string]map[string]*Channel)}
}

// Add 写入样本，返回该 (设备, 卫星) 的最新平滑读数
func (st *Store) Add(s models.SignalSample, p Params) (models.SmoothedReading, error) {
	chans, ok := st.devices[s.DeviceID]
	if !ok {
		chans = make(map[string]*Channel)
		st.devices[s.DeviceID] = chans
	}
	ch, ok := chans[s.SatelliteID]
	if !ok {
		ch = NewChannel(s.DeviceID, s.SatelliteID)
		chans[s.SatelliteID] = ch
	}
	return ch.Apply(s, p)
}

// Fresh 返回设备在 now 之前 maxAge 内更新过的读数，按卫星 ID 排序
func (st *Store) Fresh(deviceID string, now time.Time, maxAge time.Duration) []models.SmoothedReading {
	chans := st.devices[deviceID]
	out := make([]models.SmoothedReading, 0, len(chans))
	for _, ch := range chans {
		r, ok := ch.Reading()
		if !ok || now.Sub(r.LastUpdated) > maxAge {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SatelliteID < out[j].SatelliteID })
	return out
}

// Evict 删除超过 maxAge 未更新的读数，返回删除数量
//
// 删除后没有任何读数的设备也一并移除。
func (st *Store) Evict(deviceID string, now time.Time, maxAge time.Duration) int {
	chans, ok := st.devices[deviceID]
	if !ok {
		return 0
	}
	removed := 0
	for sat, ch := range chans {
		r, seeded := ch.Reading()
		if !seeded || now.Sub(r.LastUpdated) > maxAge {
			delete(chans, sat)
			removed++
		}
	}
	if len(chans) == 0 {
		delete(st.devices, deviceID)
	}
	return removed
}

// Has 是否存在 (设备, 卫星) 通道
func (st *Store) Has(deviceID, satelliteID string) bool {
	_, ok := st.devices[deviceID][satelliteID]
	return ok
}

// ResetPair 丢弃 (设备, 卫星) 的窗口与平滑状态
func (st *Store) ResetPair(deviceID, satelliteID string) {
	if chans, ok := st.devices[deviceID]; ok {
		delete(chans, satelliteID)
		if len(chans) == 0 {
			delete(st.devices, deviceID)
		}
	}
}

// RemoveDevice 删除设备的所有通道
func (st *Store) RemoveDevice(deviceID string) {
	delete(st.devices, deviceID)
}

// Pairs 当前活动的 (设备, 卫星) 对数量
func (st *Store) Pairs() int {
	n := 0
	for _, chans := range st.devices {
		n += len(chans)
	}
	return n
}
