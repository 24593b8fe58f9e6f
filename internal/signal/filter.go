package signal

import (
	"sort"
	"time"

	"wisefido-presence/internal/config"
	"wisefido-presence/internal/models"

	"gonum.org/v1/gonum/floats"
)

// Params 平滑参数
type Params struct {
	Window     time.Duration
	MaxSamples int
	Alpha      float64
}

// ParamsFrom 从调优参数构造平滑参数
func ParamsFrom(t config.Tunables) Params {
	return Params{
		Window:     t.Window(),
		MaxSamples: t.MaxWindowSamples,
		Alpha:      t.SmoothingAlpha,
	}
}

// Median 中位数（偶数个时取中间两数均值）
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Channel 单个 (设备, 卫星) 的窗口与平滑状态
type Channel struct {
	window  Window
	reading models.SmoothedReading
	seeded  bool
}

// NewChannel 创建通道
func NewChannel(deviceID, satelliteID string) *Channel {
	return &Channel{
		reading: models.SmoothedReading{DeviceID: deviceID, SatelliteID: satelliteID},
	}
}

// Apply 接受一个样本并更新平滑读数
//
// 被拒绝的样本（重复或乱序）不改变任何状态。
func (c *Channel) Apply(s models.SignalSample, p Params) (models.SmoothedReading, error) {
	if err := c.window.Insert(s, p.Window, p.MaxSamples); err != nil {
		return c.reading, err
	}

	values := c.window.Values()
	median := Median(values)
	if !c.seeded {
		c.reading.EMA = median
		c.seeded = true
	} else {
		c.reading.EMA = p.Alpha*median + (1-p.Alpha)*c.reading.EMA
	}
	// EMA 不超出当前窗口的取值范围
	if lo := floats.Min(values); c.reading.EMA < lo {
		c.reading.EMA = lo
	}
	if hi := floats.Max(values); c.reading.EMA > hi {
		c.reading.EMA = hi
	}
	c.reading.Median = median
	c.reading.LastRSSI = s.RSSI
	c.reading.LastUpdated = s.Timestamp
	return c.reading, nil
}

// Reading 当前平滑读数
func (c *Channel) Reading() (models.SmoothedReading, bool) {
	return c.reading, c.seeded
}
