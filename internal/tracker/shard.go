package tracker

import (
	"context"
	"sync/atomic"

	"wisefido-presence/internal/signal"

	"go.uber.org/zap"
)

// command 在分片 goroutine 中执行的操作
type command func(s *shard)

// shard 按设备哈希划分的单写者分区
//
// 同一设备的样本、扫描和查询都经过同一个 shard 串行执行。
type shard struct {
	id      int
	in      chan command
	store   *signal.Store
	devices map[string]*deviceState
	logger  *zap.Logger

	present atomic.Int64
	tracked atomic.Int64
}

func newShard(id, queueSize int, logger *zap.Logger) *shard {
	return &shard{
		id:      id,
		in:      make(chan command, queueSize),
		store:   signal.NewStore(),
		devices: make(map[string]*deviceState),
		logger:  logger.With(zap.Int("shard", id)),
	}
}

func (s *shard) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.in:
			s.exec(cmd)
		}
	}
}

func (s *shard) exec(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered from panic in shard command", zap.Any("panic", r))
		}
	}()
	cmd(s)
}

// tryEnqueue 非阻塞提交
func (s *shard) tryEnqueue(cmd command) bool {
	select {
	case s.in <- cmd:
		return true
	default:
		return false
	}
}

// enqueue 阻塞提交，直到 ctx 取消
func (s *shard) enqueue(ctx context.Context, cmd command) error {
	select {
	case s.in <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call 提交并等待执行完成
func (s *shard) call(ctx context.Context, cmd command) error {
	done := make(chan struct{})
	if err := s.enqueue(ctx, func(sh *shard) {
		defer close(done)
		cmd(sh)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *shard) removeDevice(key string) {
	delete(s.devices, key)
	s.store.RemoveDevice(key)
}
