package models

// IdentityKind 原始标识类型
type IdentityKind string

const (
	KindMAC        IdentityKind = "mac"  // 蓝牙 MAC 地址（可能轮换）
	KindBeaconUUID IdentityKind = "uuid" // iBeacon UUID
)

// Identity 原始标识（MAC 或 iBeacon UUID 的标签联合）
type Identity struct {
	Kind  IdentityKind
	Value string
}

// DeviceIdentity 稳定的逻辑设备身份
//
// Key 为规范化后的 MAC（大写冒号分隔）或 UUID（大写 8-4-4-4-12）。
// Aliases 为显式映射到该设备的其他原始标识（如轮换 MAC），优先于自动识别。
type DeviceIdentity struct {
	Key       string       `json:"device_id" yaml:"identifier"`
	Kind      IdentityKind `json:"kind" yaml:"identifier_type"`
	Alias     string       `json:"alias" yaml:"alias"`
	Type      string       `json:"type" yaml:"type"`
	Aliases   []string     `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Ephemeral bool         `json:"ephemeral,omitempty" yaml:"-"` // open 模式下自动发现的临时设备
}

// DisplayName 返回别名，未设置时返回 Key
func (d DeviceIdentity) DisplayName() string {
	if d.Alias != "" {
		return d.Alias
	}
	return d.Key
}
