package tracker

import (
	"sort"
	"sync"
	"time"

	"wisefido-presence/internal/models"
)

// beaconTTL iBeacon 在列表中的保留时长
const beaconTTL = 5 * time.Minute

// BeaconSighting 最近一次看到某个 iBeacon
type BeaconSighting struct {
	UUID        string    `json:"uuid"`
	Major       *int      `json:"major,omitempty"`
	Minor       *int      `json:"minor,omitempty"`
	SatelliteID string    `json:"satellite_id"`
	RSSI        float64   `json:"rssi"`
	LastSeen    time.Time `json:"last_seen"`
}

// beaconCache 供管理界面登记 iBeacon 时选择
type beaconCache struct {
	mu      sync.Mutex
	entries map[string]BeaconSighting
}

func newBeaconCache() *beaconCache {
	return &beaconCache{entries: make(map[string]BeaconSighting)}
}

func (c *beaconCache) record(uuid string, report models.RawReport, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.entries[uuid]
	if ok && prev.LastSeen.After(at) {
		return
	}
	c.entries[uuid] = BeaconSighting{
		UUID:        uuid,
		Major:       report.Major,
		Minor:       report.Minor,
		SatelliteID: report.SatelliteID,
		RSSI:        report.RSSI,
		LastSeen:    at,
	}
}

func (c *beaconCache) prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, b := range c.entries {
		if now.Sub(b.LastSeen) > beaconTTL {
			delete(c.entries, id)
		}
	}
}

func (c *beaconCache) list(now time.Time) []BeaconSighting {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BeaconSighting, 0, len(c.entries))
	for _, b := range c.entries {
		if now.Sub(b.LastSeen) <= beaconTTL {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}
