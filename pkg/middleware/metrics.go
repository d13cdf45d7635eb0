package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal はゲートウェイが処理したリクエストの総数。
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total number of requests handled by the gateway.",
	}, []string{"method", "status"})

	// requestDuration はリクエスト処理時間の分布。
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Request processing time in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

// Metrics はリクエスト数と処理時間をPrometheusに記録するGinミドルウェアを返す。
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		requestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
