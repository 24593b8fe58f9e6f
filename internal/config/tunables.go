package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTunables 调优参数不合法（整份配置快照被拒绝，继续使用上一份）
var ErrInvalidTunables = errors.New("invalid tunables")

// Tunables 可热加载的算法参数
//
// 秒级参数使用 float64，便于在配置中写 0.5 这类值。
type Tunables struct {
	WindowSeconds           float64 `json:"window_seconds" yaml:"window_seconds"`
	MaxWindowSamples        int     `json:"max_window_samples" yaml:"max_window_samples"`
	SmoothingAlpha          float64 `json:"smoothing_alpha" yaml:"smoothing_alpha"`
	HysteresisMarginDB      float64 `json:"hysteresis_margin_db" yaml:"hysteresis_margin_db"`
	DebounceSeconds         float64 `json:"debounce_seconds" yaml:"debounce_seconds"`
	DeviceExpirationSeconds float64 `json:"device_expiration_seconds" yaml:"device_expiration_seconds"`
	PathLossExponent        float64 `json:"path_loss_exponent" yaml:"path_loss_exponent"`
	DefaultReferenceRSSI    float64 `json:"default_reference_rssi" yaml:"default_reference_rssi"`
	MaxDistanceMeters       float64 `json:"max_distance_meters" yaml:"max_distance_meters"`
	MinDetectionThreshold   float64 `json:"min_detection_threshold" yaml:"min_detection_threshold"`
	KeepaliveSeconds        float64 `json:"keepalive_seconds" yaml:"keepalive_seconds"`
	PublishEpsilon          float64 `json:"publish_epsilon" yaml:"publish_epsilon"`
	StrictIdentity          bool    `json:"strict_identity" yaml:"strict_identity"`
	MaxClockSkewSeconds     float64 `json:"max_clock_skew_seconds" yaml:"max_clock_skew_seconds"`

	// 校准
	CalibrationSeconds        float64 `json:"calibration_seconds" yaml:"calibration_seconds"`
	CalibrationMaxSamples     int     `json:"calibration_max_samples" yaml:"calibration_max_samples"`
	CalibrationMinSamples     int     `json:"calibration_min_samples" yaml:"calibration_min_samples"`
	CalibrationMaxDeviationDB float64 `json:"calibration_max_deviation_db" yaml:"calibration_max_deviation_db"`
}

// DefaultTunables 默认参数
func DefaultTunables() Tunables {
	return Tunables{
		WindowSeconds:             15,
		MaxWindowSamples:          15,
		SmoothingAlpha:            0.2,
		HysteresisMarginDB:        3,
		DebounceSeconds:           3,
		DeviceExpirationSeconds:   60,
		PathLossExponent:          2.5,
		DefaultReferenceRSSI:      -59,
		MaxDistanceMeters:         30,
		MinDetectionThreshold:     -100,
		KeepaliveSeconds:          5,
		PublishEpsilon:            0.5,
		StrictIdentity:            true,
		MaxClockSkewSeconds:       5,
		CalibrationSeconds:        10,
		CalibrationMaxSamples:     30,
		CalibrationMinSamples:     10,
		CalibrationMaxDeviationDB: 6,
	}
}

// Validate 校验参数
func (t Tunables) Validate() error {
	switch {
	case t.WindowSeconds <= 0:
		return fmt.Errorf("%w: window_seconds must be positive", ErrInvalidTunables)
	case t.MaxWindowSamples <= 0:
		return fmt.Errorf("%w: max_window_samples must be positive", ErrInvalidTunables)
	case t.SmoothingAlpha <= 0 || t.SmoothingAlpha > 1:
		return fmt.Errorf("%w: smoothing_alpha must be in (0, 1]", ErrInvalidTunables)
	case t.HysteresisMarginDB < 0:
		return fmt.Errorf("%w: hysteresis_margin_db must not be negative", ErrInvalidTunables)
	case t.DebounceSeconds < 0:
		return fmt.Errorf("%w: debounce_seconds must not be negative", ErrInvalidTunables)
	case t.DeviceExpirationSeconds <= t.DebounceSeconds:
		return fmt.Errorf("%w: device_expiration_seconds must exceed debounce_seconds", ErrInvalidTunables)
	case t.PathLossExponent <= 0:
		return fmt.Errorf("%w: path_loss_exponent must be positive", ErrInvalidTunables)
	case t.MaxDistanceMeters <= 0:
		return fmt.Errorf("%w: max_distance_meters must be positive", ErrInvalidTunables)
	case t.KeepaliveSeconds <= 0:
		return fmt.Errorf("%w: keepalive_seconds must be positive", ErrInvalidTunables)
	case t.PublishEpsilon < 0:
		return fmt.Errorf("%w: publish_epsilon must not be negative", ErrInvalidTunables)
	case t.MaxClockSkewSeconds <= 0:
		return fmt.Errorf("%w: max_clock_skew_seconds must be positive", ErrInvalidTunables)
	case t.CalibrationSeconds <= 0:
		return fmt.Errorf("%w: calibration_seconds must be positive", ErrInvalidTunables)
	case t.CalibrationMinSamples <= 0 || t.CalibrationMaxSamples < t.CalibrationMinSamples:
		return fmt.Errorf("%w: calibration sample bounds invalid", ErrInvalidTunables)
	case t.CalibrationMaxDeviationDB <= 0:
		return fmt.Errorf("%w: calibration_max_deviation_db must be positive", ErrInvalidTunables)
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Window 样本窗口时长 W
func (t Tunables) Window() time.Duration { return seconds(t.WindowSeconds) }

// Debounce 房间切换去抖时长
func (t Tunables) Debounce() time.Duration { return seconds(t.DebounceSeconds) }

// DeviceExpiration 设备过期（判定离家）时长
func (t Tunables) DeviceExpiration() time.Duration { return seconds(t.DeviceExpirationSeconds) }

// Keepalive 发布保活间隔
func (t Tunables) Keepalive() time.Duration { return seconds(t.KeepaliveSeconds) }

// MaxClockSkew 允许的卫星时间戳偏差
func (t Tunables) MaxClockSkew() time.Duration { return seconds(t.MaxClockSkewSeconds) }

// CalibrationDuration 校准采样时长
func (t Tunables) CalibrationDuration() time.Duration { return seconds(t.CalibrationSeconds) }
