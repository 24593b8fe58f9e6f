package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wisefido-presence/internal/timeutil"

	"go.uber.org/zap"
)

// Source 配置来源（Postgres 或 YAML 文件）
type Source interface {
	Load(ctx context.Context) (*Document, error)
}

// ChangeFunc 快照变更回调
type ChangeFunc func(prev, next *Snapshot)

// Reloader 周期性加载配置并热替换快照
type Reloader struct {
	source   Source
	holder   *Holder
	interval time.Duration
	clock    timeutil.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	onChange []ChangeFunc
	onResult func(changed bool, err error)
}

// NewReloader 创建配置热加载器
func NewReloader(source Source, holder *Holder, interval time.Duration, clock timeutil.Clock, logger *zap.Logger) *Reloader {
	return &Reloader{
		source:   source,
		holder:   holder,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// OnChange 注册快照变更回调（在 Reload 的调用方 goroutine 中执行）
func (r *Reloader) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	r.onChange = append(r.onChange, fn)
	r.mu.Unlock()
}

// OnResult 注册每次轮询结果的回调（用于计数）
func (r *Reloader) OnResult(fn func(changed bool, err error)) {
	r.mu.Lock()
	r.onResult = fn
	r.mu.Unlock()
}

// Reload 加载一次配置
//
// 配置无效时返回错误并保留当前快照；内容未变化时不替换。返回是否发生替换。
func (r *Reloader) Reload(ctx context.Context) (bool, error) {
	doc, err := r.source.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load inventory: %w", err)
	}
	next, err := NewSnapshot(doc, r.clock.Now())
	if err != nil {
		return false, fmt.Errorf("rejected inventory snapshot: %w", err)
	}

	prev := r.holder.Load()
	if prev != nil && prev.Fingerprint == next.Fingerprint {
		return false, nil
	}
	r.holder.Swap(next)

	r.logger.Info("Inventory snapshot applied",
		zap.Int("devices", len(next.Devices)),
		zap.Int("satellites", len(next.Satellites)),
		zap.Bool("strict_identity", next.Tunables.StrictIdentity),
	)

	r.mu.Lock()
	hooks := append([]ChangeFunc{}, r.onChange...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(prev, next)
	}
	return true, nil
}

// Run 按固定间隔轮询，直到 ctx 取消
func (r *Reloader) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := r.Reload(ctx)
			if err != nil {
				r.logger.Warn("Inventory reload failed, keeping previous snapshot", zap.Error(err))
			}
			r.mu.Lock()
			fn := r.onResult
			r.mu.Unlock()
			if fn != nil {
				fn(changed, err)
			}
		}
	}
}
