package metrics

import (
	"time"

	"github.com/diwise/locker-mgmt/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lockermgmt_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lockermgmt_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	assignmentOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lockermgmt_assignment_operations_total",
		Help: "Count of assignment operations by operation and result",
	}, []string{"operation", "result"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lockermgmt_session_duration_minutes",
		Help:    "Duration of closed door usage sessions",
		Buckets: []float64{5, 15, 30, 60, 120, 240, 480, 1440},
	})

	overdueDoors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lockermgmt_overdue_doors",
		Help: "Number of doors currently flagged as overdue",
	})
)

func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// ObserveAssignment counts an assignment operation, labelled with the error
// code when it failed.
func ObserveAssignment(operation string, err error) {
	result := "ok"
	if err != nil {
		result = types.Code(err)
	}
	assignmentOperations.WithLabelValues(operation, result).Inc()
}

func ObserveSessionClosed(durationMinutes int64) {
	sessionDuration.Observe(float64(durationMinutes))
}

func SetOverdueDoors(n int) {
	overdueDoors.Set(float64(n))
}
