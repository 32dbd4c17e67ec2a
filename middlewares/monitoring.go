package middlewares

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_service_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "order_service_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	orderOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_service_order_operations_total",
			Help: "Total number of order operations",
		},
		[]string{"operation", "status"},
	)

	ordersPlaced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "order_service_orders_placed_total",
			Help: "Orders committed together with their stock decrements",
		},
	)

	orderRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_service_order_rejections_total",
			Help: "Order placements rejected, by reason",
		},
		[]string{"reason"},
	)

	totalMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "order_service_order_total_mismatch_total",
			Help: "Orders whose client-submitted total differed from the computed total",
		},
	)
)

// PrometheusMiddleware 收集 Prometheus 指标
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		httpRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Inc()

		httpRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Observe(duration)
	}
}

// RecordOrderOperation 记录订单操作指标
func RecordOrderOperation(operation string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	orderOperations.WithLabelValues(operation, status).Inc()
}

// RecordOrderPlaced 记录下单成功
func RecordOrderPlaced() {
	ordersPlaced.Inc()
}

// RecordOrderRejection 记录下单失败原因
func RecordOrderRejection(reason string) {
	orderRejections.WithLabelValues(reason).Inc()
}

// RecordTotalMismatch 客户端总价与服务端计算不一致
func RecordTotalMismatch() {
	totalMismatches.Inc()
}
