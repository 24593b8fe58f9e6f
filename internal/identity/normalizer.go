package identity

import (
	"fmt"
	"time"

	"wisefido-presence/internal/models"
)

// Directory 已登记设备的查询接口（由配置快照实现）
type Directory interface {
	// Lookup 按规范化标识查找设备，显式别名优先
	Lookup(key string) (models.DeviceIdentity, bool)
}

// Result 标识解析结果
type Result struct {
	Identity     models.DeviceIdentity
	Canonical    string // 规范化后的原始标识（未知设备时也有效，用于校准路由）
	Kind         models.IdentityKind
	Known        bool
	NewSatellite bool // 本进程首次看到该卫星
}

// Normalizer 标识归一化器
type Normalizer struct {
	health *HealthTracker
}

// NewNormalizer 创建标识归一化器
func NewNormalizer(health *HealthTracker) *Normalizer {
	return &Normalizer{health: health}
}

// Normalize 将原始上报解析为设备身份
//
// 无论解析结果如何都会刷新卫星健康时间。
// strict=true 时未登记标识返回 ErrUnknownIdentity（Result.Canonical 仍有效）；
// strict=false 时返回临时（Ephemeral）设备身份。
func (n *Normalizer) Normalize(dir Directory, report models.RawReport, receivedAt time.Time, strict bool) (Result, error) {
	var res Result
	if report.SatelliteID == "" {
		return res, fmt.Errorf("%w: empty satellite id", ErrMalformedIdentity)
	}
	res.NewSatellite = n.health.Touch(report.SatelliteID, receivedAt)

	key, kind, err := Canonicalize(report.Identifier, report.Kind)
	if err != nil {
		return res, err
	}
	res.Canonical = key
	res.Kind = kind

	if dev, ok := dir.Lookup(key); ok {
		res.Identity = dev
		res.Known = true
		return res, nil
	}

	if strict {
		return res, fmt.Errorf("%w: %s", ErrUnknownIdentity, key)
	}

	res.Identity = models.DeviceIdentity{
		Key:       key,
		Kind:      kind,
		Alias:     key,
		Type:      "discovered",
		Ephemeral: true,
	}
	return res, nil
}
