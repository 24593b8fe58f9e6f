// Package metrics 存在检测服务的 Prometheus 指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 样本丢弃原因
const (
	ReasonMalformed       = "malformed"
	ReasonOutOfRange      = "out_of_range"
	ReasonUnknownIdentity = "unknown_identity"
	ReasonClockSkew       = "clock_skew"
	ReasonDuplicate       = "duplicate"
	ReasonOutOfOrder      = "out_of_order"
	ReasonQueueFull       = "queue_full"
)

// Metrics 指标集合（独立 Registry，便于测试）
type Metrics struct {
	Registry *prometheus.Registry

	SamplesReceived    prometheus.Counter
	SamplesDropped     *prometheus.CounterVec
	CalibrationSamples prometheus.Counter
	Transitions        *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	PublishFailures    *prometheus.CounterVec
	EventsDropped      prometheus.Counter
	Calibrations       *prometheus.CounterVec
	InventoryReloads   *prometheus.CounterVec
	DevicesPresent     prometheus.Gauge
	DevicesTracked     prometheus.Gauge
}

// New 创建并注册指标
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		SamplesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "samples_received_total",
			Help:      "Satellite reports received.",
		}),
		SamplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "samples_dropped_total",
			Help:      "Satellite reports dropped before affecting device state.",
		}, []string{"reason"}),
		CalibrationSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "calibration_samples_total",
			Help:      "Reports routed to calibration sessions.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "zone_transitions_total",
			Help:      "Zone state machine transitions.",
		}, []string{"kind"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "events_published_total",
			Help:      "Presence events delivered per sink.",
		}, []string{"sink"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "publish_failures_total",
			Help:      "Presence events a sink failed to deliver.",
		}, []string{"sink"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "events_dropped_total",
			Help:      "Presence events dropped because the publish queue was full.",
		}),
		Calibrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "calibrations_total",
			Help:      "Finished calibration sessions by outcome.",
		}, []string{"state"}),
		InventoryReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "inventory_reloads_total",
			Help:      "Inventory reload attempts by result.",
		}, []string{"result"}),
		DevicesPresent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence",
			Name:      "devices_present",
			Help:      "Devices currently assigned to a room.",
		}),
		DevicesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence",
			Name:      "devices_tracked",
			Help:      "Devices with engine state.",
		}),
	}

	m.Registry.MustRegister(
		m.SamplesReceived,
		m.SamplesDropped,
		m.CalibrationSamples,
		m.Transitions,
		m.EventsPublished,
		m.PublishFailures,
		m.EventsDropped,
		m.Calibrations,
		m.InventoryReloads,
		m.DevicesPresent,
		m.DevicesTracked,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Dropped 记录一次样本丢弃
func (m *Metrics) Dropped(reason string) {
	m.SamplesDropped.WithLabelValues(reason).Inc()
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
