package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aidefund_http_requests_total",
	Help: "The total number of HTTP requests",
}, []string{"method", "path", "status"})

var HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "aidefund_http_request_duration_seconds",
	Help:    "Duration of HTTP requests in seconds",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "path"})

// SubmissionsTotal 按终态统计的申请提交数
var SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aidefund_submissions_total",
	Help: "The total number of application submissions by terminal stage",
}, []string{"stage"})

var ScorerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "aidefund_scorer_duration_seconds",
	Help:    "Duration of AI scorer invocations in seconds",
	Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
}, []string{"outcome"})

var ChainRegistrationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "aidefund_chain_registration_duration_seconds",
	Help:    "Duration of on-chain proposal registration in seconds",
	Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
}, []string{"success"})

// PendingReconciliation 上一轮对账时未闭合的链上登记数
var PendingReconciliation = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "aidefund_pending_reconciliation",
	Help: "Chain submissions awaiting reconciliation by state",
}, []string{"state"})

var ReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aidefund_reconciled_total",
	Help: "The total number of chain submissions closed by the reconciliation job",
}, []string{"result"})

var TalliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aidefund_tallied_total",
	Help: "The total number of tally events applied to applications",
}, []string{"status"})

var MonitorLastBlock = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "aidefund_monitor_last_block",
	Help: "The last block scanned by the tally monitor",
})
