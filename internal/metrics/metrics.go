package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qledger_records_created_total",
		Help: "Total number of approval records created, labelled by record type.",
	}, []string{"record_type"})

	Responses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qledger_responses_total",
		Help: "Approver responses, labelled by decision and result (accepted, noop, error code).",
	}, []string{"decision", "result"})

	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qledger_executions_total",
		Help: "Execute requests, labelled by result.",
	}, []string{"result"})

	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qledger_status_transitions_total",
		Help: "Record status changes, labelled by the status entered.",
	}, []string{"status"})

	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qledger_ledger_events_appended_total",
		Help: "Events durably appended to the ledger, labelled by kind.",
	}, []string{"kind"})

	BlocksSealed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qledger_ledger_blocks_sealed_total",
		Help: "Blocks sealed by the ledger store.",
	})

	LedgerHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qledger_ledger_height",
		Help: "Number of sealed blocks in the chain.",
	})

	IntegrityFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qledger_ledger_integrity_failures_total",
		Help: "Chain verifications that found a mismatch.",
	})

	LockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qledger_lock_wait_ms",
		Help:    "Time spent waiting for a critical section in milliseconds, labelled by scope.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"scope"})

	LockTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qledger_lock_timeouts_total",
		Help: "Critical section waits that exceeded their bound, labelled by scope.",
	}, []string{"scope"})

	SettlementCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qledger_settlement_calls_total",
		Help: "Calls to the external settlement endpoint, labelled by result.",
	}, []string{"result"})

	BlocksPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qledger_blocks_published_total",
		Help: "Sealed blocks handed to the publisher, labelled by result.",
	}, []string{"result"})

	PublishQueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qledger_publish_queue_utilization_ratio",
		Help: "Current publish queue utilization (0–1).",
	})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qledger_http_request_duration_ms",
		Help:    "HTTP request latency in milliseconds, labelled by route pattern and status.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"route", "status"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qledger_http_rate_limited_total",
		Help: "Requests rejected by the per-actor rate limiter.",
	})
)
