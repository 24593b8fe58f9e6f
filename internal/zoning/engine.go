// Package zoning 根据各卫星的平滑信号为设备确定唯一、稳定的房间归属
//
// 切换房间需要新领先者超过当前房间 HysteresisMargin，且连续保持 Debounce 时长；
// 去抖状态以 ZoneAssignment.CandidateSince 时间戳保存，由新样本或扫描周期驱动求值，
// 不使用定时器。
package zoning

import (
	"sort"
	"time"

	"wisefido-presence/internal/config"
	"wisefido-presence/internal/models"
)

// Candidate 候选卫星（有新鲜读数且已分配房间）
type Candidate struct {
	SatelliteID string
	Room        string
	EMA         float64
}

// TransitionKind 状态迁移类型
type TransitionKind int

const (
	None TransitionKind = iota
	Arrived
	RoomChanged
	Departed
)

func (k TransitionKind) String() string {
	switch k {
	case Arrived:
		return "arrived"
	case RoomChanged:
		return "room_changed"
	case Departed:
		return "departed"
	default:
		return "none"
	}
}

// Transition 一次求值的结果
type Transition struct {
	Kind TransitionKind
	From string
	To   string
}

// Changed 是否发生迁移
func (t Transition) Changed() bool {
	return t.Kind != None
}

// Engine 房间归属状态机
type Engine struct {
	Margin       float64
	Debounce     time.Duration
	MinDetection float64
	Expiration   time.Duration
}

// NewEngine 从调优参数创建状态机
func NewEngine(t config.Tunables) Engine {
	return Engine{
		Margin:       t.HysteresisMarginDB,
		Debounce:     t.Debounce(),
		MinDetection: t.MinDetectionThreshold,
		Expiration:   t.DeviceExpiration(),
	}
}

// Rank 按 EMA 降序排序，相同时按卫星 ID 升序；过滤未分配房间的卫星
func Rank(cands []Candidate) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Room != "" {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EMA != out[j].EMA {
			return out[i].EMA > out[j].EMA
		}
		return out[i].SatelliteID < out[j].SatelliteID
	})
	return out
}

// Owner 当前房间内信号最强的候选卫星
func Owner(room string, ranked []Candidate) (Candidate, bool) {
	if room == "" {
		return Candidate{}, false
	}
	for _, c := range ranked {
		if c.Room == room {
			return c, true
		}
	}
	return Candidate{}, false
}

// Evaluate 用当前候选集合推进状态机
func (e Engine) Evaluate(z *models.ZoneAssignment, cands []Candidate, now time.Time) Transition {
	ranked := Rank(cands)
	if len(ranked) == 0 {
		// 房间保持到设备过期，但待定切换不能跨越无读数的间隙
		z.ClearCandidate()
		return Transition{}
	}
	leader := ranked[0]

	if !z.Present() {
		if leader.EMA < e.MinDetection {
			return Transition{}
		}
		return e.switchTo(z, leader.Room, now, Arrived)
	}

	if leader.Room == z.CurrentRoom {
		z.ClearCandidate()
		return Transition{}
	}

	owner, ok := Owner(z.CurrentRoom, ranked)
	if !ok {
		// 当前房间已无新鲜读数，没有可比较的对象
		return e.switchTo(z, leader.Room, now, RoomChanged)
	}

	if leader.EMA-owner.EMA <= e.Margin {
		z.ClearCandidate()
		return Transition{}
	}

	if !z.Pending() || z.CandidateRoom != leader.Room {
		z.CandidateRoom = leader.Room
		z.CandidateSince = now
	}
	if now.Sub(z.CandidateSince) >= e.Debounce {
		return e.switchTo(z, leader.Room, now, RoomChanged)
	}
	return Transition{}
}

// Expire 设备在过期时长内没有任何新鲜读数时立即判定离家
func (e Engine) Expire(z *models.ZoneAssignment, lastSeen, now time.Time) Transition {
	if !z.Present() || now.Sub(lastSeen) <= e.Expiration {
		return Transition{}
	}
	from := z.CurrentRoom
	z.CurrentRoom = ""
	z.ClearCandidate()
	z.LastChanged = now
	return Transition{Kind: Departed, From: from}
}

func (e Engine) switchTo(z *models.ZoneAssignment, room string, now time.Time, kind TransitionKind) Transition {
	from := z.CurrentRoom
	z.CurrentRoom = room
	z.ClearCandidate()
	z.LastChanged = now
	return Transition{Kind: kind, From: from, To: room}
}
