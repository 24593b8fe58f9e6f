// Package signal 维护每个 (设备, 卫星) 的样本窗口，并做中值 + 指数滑动平均平滑
package signal

import (
	"errors"
	"time"

	"wisefido-presence/internal/models"
)

var (
	// ErrDuplicateSample 与上一个已接受样本时间戳相同（重放）
	ErrDuplicateSample = errors.New("duplicate sample")
	// ErrOutOfOrder 时间戳早于上一个已接受样本
	ErrOutOfOrder = errors.New("out-of-order sample")
)

// Window 有时间上限和数量上限的样本窗口
//
// 样本按时间严格递增；head 之前的元素已过期，积累到一定数量后整体前移，插入均摊 O(1)。
type Window struct {
	samples []models.SignalSample
	head    int
}

// Len 窗口内样本数
func (w *Window) Len() int {
	return len(w.samples) - w.head
}

// Last 最近一个样本
func (w *Window) Last() (models.SignalSample, bool) {
	if w.Len() == 0 {
		return models.SignalSample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// Insert 追加样本，并淘汰早于 (新样本时间 - span) 或超出 maxSamples 的旧样本
func (w *Window) Insert(s models.SignalSample, span time.Duration, maxSamples int) error {
	if last, ok := w.Last(); ok {
		switch {
		case s.Timestamp.Equal(last.Timestamp):
			return ErrDuplicateSample
		case s.Timestamp.Before(last.Timestamp):
			return ErrOutOfOrder
		}
	}

	w.samples = append(w.samples, s)

	cutoff := s.Timestamp.Add(-span)
	for w.head < len(w.samples)-1 && !w.samples[w.head].Timestamp.After(cutoff) {
		w.head++
	}
	if maxSamples > 0 && w.Len() > maxSamples {
		w.head = len(w.samples) - maxSamples
	}

	if w.head > 0 && w.head >= len(w.samples)/2 {
		n := copy(w.samples, w.samples[w.head:])
		w.samples = w.samples[:n]
		w.head = 0
	}
	return nil
}

// Samples 按时间顺序返回窗口内样本
func (w *Window) Samples() []models.SignalSample {
	out := make([]models.SignalSample, w.Len())
	copy(out, w.samples[w.head:])
	return out
}

// Values 窗口内 RSSI 值（按时间顺序）
func (w *Window) Values() []float64 {
	out := make([]float64, 0, w.Len())
	for _, s := range w.samples[w.head:] {
		out = append(out, s.RSSI)
	}
	return out
}
