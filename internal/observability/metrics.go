package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"network", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"network", "method", "path", "status"},
	)
	txOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketctl",
			Subsystem: "txn",
			Name:      "outcomes_total",
			Help:      "Transaction pipeline outcomes by stage.",
		},
		[]string{"label", "stage", "outcome"},
	)
	txDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketctl",
			Subsystem: "txn",
			Name:      "submit_duration_seconds",
			Help:      "Time from simulation to confirmation.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"label", "outcome"},
	)
	stepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketctl",
			Subsystem: "provision",
			Name:      "step_runs_total",
			Help:      "Provisioning step invocations by result.",
		},
		[]string{"step", "result"},
	)
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketctl",
			Subsystem: "provision",
			Name:      "step_duration_seconds",
			Help:      "Provisioning step duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"step", "result"},
	)
	mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketctl",
			Subsystem: "mutate",
			Name:      "operations_total",
			Help:      "Authority mutations by operation and result.",
		},
		[]string{"operation", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, txOutcomes, txDuration, stepRuns, stepDuration, mutations)
	})
}

func RecordHTTPRequest(network, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(network, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(network, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordTxStage counts one pipeline stage outcome (simulate, sign, submit,
// recover, confirm).
func RecordTxStage(label, stage, outcome string) {
	RegisterMetrics()
	txOutcomes.WithLabelValues(label, stage, outcome).Inc()
}

func RecordTxDuration(label, outcome string, duration time.Duration) {
	RegisterMetrics()
	txDuration.WithLabelValues(label, outcome).Observe(duration.Seconds())
}

func RecordStep(step string, success bool, duration time.Duration) {
	RegisterMetrics()
	result := resultLabel(success)
	stepRuns.WithLabelValues(step, result).Inc()
	stepDuration.WithLabelValues(step, result).Observe(duration.Seconds())
}

func RecordMutation(operation string, success bool) {
	RegisterMetrics()
	mutations.WithLabelValues(operation, resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "ok"
	}
	return "error"
}
