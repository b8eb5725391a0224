package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "workspace_sync"

// Cycle results recorded by RecordCycle.
const (
	ResultSuccess      = "success"
	ResultFailure      = "failure"
	ResultSkippedQuiet = "skipped_quiet"
	ResultSkippedBusy  = "skipped_busy"
	ResultFullResync   = "full_resync"
	ResultDisconnected = "disconnected"
)

var (
	cycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Duration of sync cycles that reached the upstream service.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"service"})
	cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "total",
		Help:      "Sync cycles by service, trigger and result.",
	}, []string{"service", "trigger", "result"})
	itemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "items_total",
		Help:      "Reconciled external items by outcome.",
	}, []string{"service", "outcome"})
	skipReasonsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "skipped_total",
		Help:      "Items skipped during reconciliation by reason.",
	}, []string{"reason"})
	cursorInvalidTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "cursor_invalidations_total",
		Help:      "Incremental cursors rejected upstream, forcing a full resync.",
	}, []string{"service"})
	lastSyncGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful cycle per service.",
	}, []string{"service"})
	dedupSkipsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inbound",
		Name:      "duplicate_total",
		Help:      "Inbound notifications dropped because another worker holds the lock.",
	}, []string{"source"})
	inboundTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inbound",
		Name:      "notifications_total",
		Help:      "Inbound notifications by source and outcome.",
	}, []string{"source", "outcome"})
	renewalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "renewals_total",
		Help:      "Webhook subscription renewals by service and result.",
	}, []string{"service", "result"})
	activeWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "workers",
		Help:      "Polling workers currently scheduled.",
	})
	notifyFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "failures_total",
		Help:      "Workflow notifications that could not be delivered.",
	}, []string{"bus"})
)

func init() {
	prometheus.MustRegister(
		cycleDuration,
		cyclesTotal,
		itemsTotal,
		skipReasonsTotal,
		cursorInvalidTotal,
		lastSyncGauge,
		dedupSkipsTotal,
		inboundTotal,
		renewalsTotal,
		activeWorkers,
		notifyFailures,
	)
}

// RecordCycle counts one cycle outcome.
func RecordCycle(service, trigger, result string) {
	cyclesTotal.WithLabelValues(service, trigger, result).Inc()
}

// ObserveCycleDuration records how long an executed cycle took.
func ObserveCycleDuration(service string, d time.Duration) {
	cycleDuration.WithLabelValues(service).Observe(d.Seconds())
}

// RecordItems adds reconciled item counts for one outcome.
func RecordItems(service, outcome string, n int) {
	if n <= 0 {
		return
	}
	itemsTotal.WithLabelValues(service, outcome).Add(float64(n))
}

// RecordSkipReason counts skipped items by reason.
func RecordSkipReason(reason string, n int) {
	if n <= 0 {
		return
	}
	skipReasonsTotal.WithLabelValues(reason).Add(float64(n))
}

// RecordCursorInvalid counts a rejected cursor.
func RecordCursorInvalid(service string) {
	cursorInvalidTotal.WithLabelValues(service).Inc()
}

// RecordLastSync updates the last-success watermark.
func RecordLastSync(service string, ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastSyncGauge.WithLabelValues(service).Set(float64(ts.Unix()))
}

// RecordDuplicate counts an inbound notification dropped by the dedup lock.
func RecordDuplicate(source string) {
	dedupSkipsTotal.WithLabelValues(source).Inc()
}

// RecordInbound counts an inbound notification.
func RecordInbound(source, outcome string) {
	inboundTotal.WithLabelValues(source, outcome).Inc()
}

// RecordRenewal counts a subscription renewal attempt.
func RecordRenewal(service, result string) {
	renewalsTotal.WithLabelValues(service, result).Inc()
}

// SetWorkers updates the scheduled worker gauge.
func SetWorkers(n int) {
	activeWorkers.Set(float64(n))
}

// RecordNotifyFailure counts an undelivered workflow notification.
func RecordNotifyFailure(bus string) {
	notifyFailures.WithLabelValues(bus).Inc()
}
