// Package metrics exposes the Prometheus collectors of the cache coordinator.
// Every Collector owns a private registry so tests and multiple agents in one
// process never collide on metric names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "cache_coordinator"

// Collector 汇总拦截请求、生命周期事件、广播与在线客户端数量。
// 所有方法对 nil 接收者安全，便于在未开启指标时直接传 nil。
type Collector struct {
	registry   *prometheus.Registry
	fetches    *prometheus.CounterVec
	lifecycle  *prometheus.CounterVec
	broadcasts *prometheus.CounterVec
	clients    prometheus.Gauge
}

// New 构建 Collector 并注册全部指标以及 Go 运行时指标。
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Intercepted requests by routing strategy and response source.",
		}, []string{"strategy", "source"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle events (install, activate, message, push, sync) by result.",
		}, []string{"event", "result"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_total",
			Help:      "Outbound messages fanned out to connected clients.",
		}, []string{"type"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Currently connected page instances.",
		}),
	}
	c.registry.MustRegister(
		c.fetches,
		c.lifecycle,
		c.broadcasts,
		c.clients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the Gatherer backing the /-/metrics endpoint.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveFetch 记录一次拦截请求，source 取值 cache/network/fallback/error。
func (c *Collector) ObserveFetch(strategy, source string) {
	if c == nil {
		return
	}
	c.fetches.WithLabelValues(strategy, source).Inc()
}

// ObserveLifecycle 记录生命周期事件结果，result 取值 ok/failed/skipped。
func (c *Collector) ObserveLifecycle(event, result string) {
	if c == nil {
		return
	}
	c.lifecycle.WithLabelValues(event, result).Inc()
}

func (c *Collector) ObserveBroadcast(messageType string) {
	if c == nil {
		return
	}
	c.broadcasts.WithLabelValues(messageType).Inc()
}

func (c *Collector) SetClients(n int) {
	if c == nil {
		return
	}
	c.clients.Set(float64(n))
}
