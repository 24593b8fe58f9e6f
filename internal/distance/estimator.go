// Package distance 基于对数距离路径损耗模型估算设备到卫星的距离
package distance

import (
	"math"

	"wisefido-presence/internal/config"
)

// Estimate 距离估算结果
type Estimate struct {
	Meters       float64
	Uncalibrated bool // 使用默认参考值，仅可用于排序
}

// Estimator 距离估算器
type Estimator struct {
	PathLoss    float64 // 路径损耗指数 n
	DefaultRef  float64 // 未校准时使用的 1 米参考值
	MaxDistance float64
}

// NewEstimator 从调优参数创建估算器
func NewEstimator(t config.Tunables) Estimator {
	return Estimator{
		PathLoss:    t.PathLossExponent,
		DefaultRef:  t.DefaultReferenceRSSI,
		MaxDistance: t.MaxDistanceMeters,
	}
}

// Estimate distance = 10 ^ ((ref - ema) / (10 n))，结果限制在 [0, MaxDistance]
func (e Estimator) Estimate(ema float64, ref float64, calibrated bool) Estimate {
	if !calibrated {
		ref = e.DefaultRef
	}
	d := math.Pow(10, (ref-ema)/(10*e.PathLoss))
	if math.IsNaN(d) || d < 0 {
		d = 0
	}
	if d > e.MaxDistance {
		d = e.MaxDistance
	}
	return Estimate{Meters: d, Uncalibrated: !calibrated}
}
