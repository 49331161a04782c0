package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/surya-abadi/cache-coordinator/internal/metrics"
)

// RegisterMetricsRoutes 以 Prometheus 文本格式暴露 /-/metrics。
func RegisterMetricsRoutes(app *fiber.App, collector *metrics.Collector) {
	if app == nil || collector == nil {
		return
	}
	handler := promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{})
	app.Get("/-/metrics", adaptor.HTTPHandler(handler))
}
