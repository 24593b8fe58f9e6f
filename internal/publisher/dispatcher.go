package publisher

import (
	"context"
	"sync"
	"time"

	"wisefido-presence/internal/metrics"
	"wisefido-presence/internal/models"

	"go.uber.org/zap"
)

// sinkTimeout 单个下游投递超时
const sinkTimeout = 5 * time.Second

// Sink 事件下游
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev models.PresenceEvent) error
}

// Dispatcher 异步发布队列
//
// Emit 不阻塞：队列满时丢弃事件（后续保活会恢复下游状态）。
type Dispatcher struct {
	queue   chan models.PresenceEvent
	sinks   []Sink
	metrics *metrics.Metrics
	logger  *zap.Logger

	wg sync.WaitGroup
}

// NewDispatcher 创建发布队列
func NewDispatcher(queueSize int, m *metrics.Metrics, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		queue:   make(chan models.PresenceEvent, queueSize),
		sinks:   sinks,
		metrics: m,
		logger:  logger,
	}
}

// Emit 提交事件
func (d *Dispatcher) Emit(ev models.PresenceEvent) {
	select {
	case d.queue <- ev:
	default:
		d.metrics.EventsDropped.Inc()
		d.logger.Debug("Publish queue full, dropping event",
			zap.String("device_id", ev.DeviceID),
			zap.String("reason", ev.Reason),
		)
	}
}

// Start 启动投递 goroutine，ctx 取消后尽量投递完队列中剩余事件再退出
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				d.drain()
				return
			case ev := <-d.queue:
				d.deliver(ev)
			}
		}
	}()
}

// Wait 等待投递 goroutine 退出
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ev models.PresenceEvent) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := sink.Publish(ctx, ev)
		cancel()
		if err != nil {
			d.metrics.PublishFailures.WithLabelValues(sink.Name()).Inc()
			d.logger.Warn("Failed to publish presence event",
				zap.String("sink", sink.Name()),
				zap.String("device_id", ev.DeviceID),
				zap.Error(err),
			)
			continue
		}
		d.metrics.EventsPublished.WithLabelValues(sink.Name()).Inc()
	}
}
