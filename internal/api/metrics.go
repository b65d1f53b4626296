package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})

	purchasesCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_purchases_completed_total",
		Help: "Purchases settled to the seller",
	})

	fraudDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_fraud_detected_total",
		Help: "Purchases cancelled for asset tampering",
	})

	withdrawalsRequestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_withdrawals_requested_total",
		Help: "Withdrawal requests accepted past all gates",
	})
)

func httpStatusLabel(code int) string {
	return strconv.Itoa(code)
}
