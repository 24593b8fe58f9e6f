// Package inventory 维护设备列表、卫星房间分配、校准参考值和调优参数的只读快照。
//
// 快照由外部存储（Postgres 或 YAML 文件）周期性加载，整体原子替换；
// 引擎只读快照，从不原地修改。
package inventory

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"wisefido-presence/internal/config"
	"wisefido-presence/internal/identity"
	"wisefido-presence/internal/models"

	"github.com/cespare/xxhash/v2"
)

// Document 外部存储中的原始配置
type Document struct {
	Devices    []models.DeviceIdentity `yaml:"devices"`
	Satellites []models.Satellite      `yaml:"satellites"`
	Tunables   config.Tunables         `yaml:"tunables"`
}

// Snapshot 不可变的配置快照
type Snapshot struct {
	Devices    map[string]models.DeviceIdentity // 规范化 Key → 设备
	Aliases    map[string]string                // 规范化别名 → 设备 Key
	Satellites map[string]models.Satellite
	Tunables   config.Tunables

	// Fingerprint 整体内容指纹；DevicesFingerprint 仅设备列表（用于判断是否需要重发 discovery）
	Fingerprint        uint64
	DevicesFingerprint uint64
	LoadedAt           time.Time
}

// NewSnapshot 由原始配置构建快照
//
// 设备标识和别名统一规范化；格式错误或重复的标识使整份快照无效。
func NewSnapshot(doc *Document, loadedAt time.Time) (*Snapshot, error) {
	if err := doc.Tunables.Validate(); err != nil {
		return nil, err
	}

	s := &Snapshot{
		Devices:    make(map[string]models.DeviceIdentity, len(doc.Devices)),
		Aliases:    make(map[string]string),
		Satellites: make(map[string]models.Satellite, len(doc.Satellites)),
		Tunables:   doc.Tunables,
		LoadedAt:   loadedAt,
	}

	for _, d := range doc.Devices {
		key, kind, err := identity.Canonicalize(d.Key, d.Kind)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", d.Alias, err)
		}
		if _, dup := s.Devices[key]; dup {
			return nil, fmt.Errorf("duplicate device identifier %s", key)
		}
		d.Key = key
		d.Kind = kind
		d.Ephemeral = false

		aliases := make([]string, 0, len(d.Aliases))
		for _, raw := range d.Aliases {
			alias, _, err := identity.Canonicalize(raw, "")
			if err != nil {
				return nil, fmt.Errorf("device %s alias: %w", key, err)
			}
			if owner, dup := s.Aliases[alias]; dup && owner != key {
				return nil, fmt.Errorf("alias %s mapped to both %s and %s", alias, owner, key)
			}
			s.Aliases[alias] = key
			aliases = append(aliases, alias)
		}
		sort.Strings(aliases)
		d.Aliases = aliases
		s.Devices[key] = d
	}

	for _, sat := range doc.Satellites {
		if sat.ID == "" {
			return nil, fmt.Errorf("satellite with empty id")
		}
		sat.LastHealth = time.Time{}
		s.Satellites[sat.ID] = sat
	}

	var err error
	if s.DevicesFingerprint, err = fingerprint(s.Devices); err != nil {
		return nil, err
	}
	if s.Fingerprint, err = fingerprint(struct {
		Devices    map[string]models.DeviceIdentity
		Satellites map[string]models.Satellite
		Tunables   config.Tunables
	}{s.Devices, s.Satellites, s.Tunables}); err != nil {
		return nil, err
	}
	return s, nil
}

// json.Marshal 对 map 键排序，结果确定
func fingerprint(v interface{}) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to fingerprint snapshot: %w", err)
	}
	return xxhash.Sum64(data), nil
}

// Lookup 按规范化标识查找设备：显式别名优先于设备主标识
func (s *Snapshot) Lookup(key string) (models.DeviceIdentity, bool) {
	if owner, ok := s.Aliases[key]; ok {
		d, found := s.Devices[owner]
		return d, found
	}
	d, ok := s.Devices[key]
	return d, ok
}

// Room 返回卫星的房间（未登记或未分配返回空）
func (s *Snapshot) Room(satelliteID string) string {
	return s.Satellites[satelliteID].Room
}

// References 返回所有已校准卫星的参考值
func (s *Snapshot) References() map[string]float64 {
	refs := make(map[string]float64)
	for id, sat := range s.Satellites {
		if sat.ReferenceRSSI != nil {
			refs[id] = *sat.ReferenceRSSI
		}
	}
	return refs
}

// DeviceList 按 Key 排序的设备列表
func (s *Snapshot) DeviceList() []models.DeviceIdentity {
	out := make([]models.DeviceIdentity, 0, len(s.Devices))
	for _, d := range s.Devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Empty 返回仅含默认参数的空快照
func Empty() *Snapshot {
	s, err := NewSnapshot(&Document{Tunables: config.DefaultTunables()}, time.Time{})
	if err != nil {
		panic(err)
	}
	return s
}

// Holder 可热替换的快照持有者
type Holder struct {
	current atomic.Pointer[Snapshot]
}

// NewHolder 创建持有者，初始为 initial（nil 时为空快照）
func NewHolder(initial *Snapshot) *Holder {
	if initial == nil {
		initial = Empty()
	}
	h := &Holder{}
	h.current.Store(initial)
	return h
}

// Load 当前快照
func (h *Holder) Load() *Snapshot {
	return h.current.Load()
}

// Swap 替换快照，返回旧快照
func (h *Holder) Swap(next *Snapshot) *Snapshot {
	return h.current.Swap(next)
}
