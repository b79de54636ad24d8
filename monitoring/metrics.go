// Package monitoring declares the Prometheus metrics exported on /metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcn_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	ResponseTimeHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rcn_http_response_time_seconds",
			Help:    "Histogram of response times",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RedemptionsTotal counts redemption session outcomes by result
	// (created, approved, rejected, consumed, expired, refused).
	RedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcn_redemptions_total",
			Help: "Redemption session outcomes",
		},
		[]string{"result"},
	)

	RewardsIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcn_rewards_issued_total",
			Help: "Reward credits written to the ledger",
		},
		[]string{"origin"},
	)

	// AuditFindingsTotal counts problems found by the reconciliation
	// auditor and the session sweeper.
	AuditFindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcn_audit_findings_total",
			Help: "Invalid sessions, stale sessions and duplicate mint groups found",
		},
		[]string{"kind"},
	)
)
