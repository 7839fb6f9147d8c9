package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "launchpad"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed, partitioned by handler, method and status code.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	taskTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_transitions_total",
		Help:      "Task status transitions, partitioned by task type and target status.",
	}, []string{"type", "status"})

	txOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_total",
		Help:      "On-chain transaction records, partitioned by step and outcome.",
	}, []string{"type", "status"})

	reconcilerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciler_restarts_total",
		Help:      "Chain reconciler restarts after a polling failure.",
	})

	reconciledEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciled_events_total",
		Help:      "Chain events applied to agents, partitioned by result.",
	}, []string{"result"})

	gaugeMu sync.Mutex
	gauges  = map[string]struct{}{}
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests,
		httpLatency,
		taskTransitions,
		txOutcomes,
		reconcilerRestarts,
		reconciledEvents,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveTaskTransition counts a task entering status.
func ObserveTaskTransition(taskType, status string) {
	taskTransitions.WithLabelValues(taskType, status).Inc()
}

// ObserveTransaction counts one transaction record outcome.
func ObserveTransaction(txType, status string) {
	txOutcomes.WithLabelValues(txType, status).Inc()
}

// ObserveReconcilerRestart counts a listener restart.
func ObserveReconcilerRestart() {
	reconcilerRestarts.Inc()
}

// ObserveReconciledEvent counts a processed chain event. result is "applied", "unknown_contract" or "error".
func ObserveReconciledEvent(result string) {
	reconciledEvents.WithLabelValues(result).Inc()
}

// RegisterGauge exposes a value sampled at scrape time. Registering the same name twice is a no-op.
func RegisterGauge(name, help string, fn func() float64) {
	gaugeMu.Lock()
	defer gaugeMu.Unlock()
	if _, ok := gauges[name]; ok {
		return
	}
	gauges[name] = struct{}{}
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
