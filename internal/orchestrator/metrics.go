package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report message-loop activity.
type Metrics struct {
	batchesProcessed  *prometheus.CounterVec
	containerSpawns   *prometheus.CounterVec
	runOutcomes       *prometheus.CounterVec
	completionRepairs prometheus.Counter
	watchdogFailures  prometheus.Counter
	runDuration       *prometheus.HistogramVec
	containersActive  prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. Collectors are created only once so that
// multiple orchestrators (unit tests, restarts in-process) do not panic on
// duplicate registration.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Registration errors other than AlreadyRegistered panic, mirroring promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	batchesProcessed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nanoclaw",
			Subsystem: "loop",
			Name:      "batches_processed_total",
			Help:      "Message batches fed into lane agents.",
		},
		[]string{"group"},
	)
	containerSpawns := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nanoclaw",
			Subsystem: "loop",
			Name:      "container_spawns_total",
			Help:      "Containers spawned, by lane.",
		},
		[]string{"group"},
	)
	runOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nanoclaw",
			Subsystem: "runs",
			Name:      "outcomes_total",
			Help:      "Worker runs reaching a terminal status.",
		},
		[]string{"status"},
	)
	completionRepairs := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nanoclaw",
			Subsystem: "runs",
			Name:      "completion_repairs_total",
			Help:      "Completion-repair containers spawned.",
		},
	)
	watchdogFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nanoclaw",
			Subsystem: "runs",
			Name:      "watchdog_failures_total",
			Help:      "Runs failed by the supervisor watchdog.",
		},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nanoclaw",
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Wall time from spawn to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"status"},
	)
	containersActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nanoclaw",
			Subsystem: "loop",
			Name:      "containers_active",
			Help:      "Containers currently running.",
		},
	)

	collectors := []prometheus.Collector{
		batchesProcessed, containerSpawns, runOutcomes,
		completionRepairs, watchdogFailures, runDuration, containersActive,
	}
	for i, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			collectors[i] = already.ExistingCollector
		}
	}

	return &Metrics{
		batchesProcessed:  collectors[0].(*prometheus.CounterVec),
		containerSpawns:   collectors[1].(*prometheus.CounterVec),
		runOutcomes:       collectors[2].(*prometheus.CounterVec),
		completionRepairs: collectors[3].(prometheus.Counter),
		watchdogFailures:  collectors[4].(prometheus.Counter),
		runDuration:       collectors[5].(*prometheus.HistogramVec),
		containersActive:  collectors[6].(prometheus.Gauge),
	}
}

func (m *Metrics) incBatch(group string) {
	if m == nil {
		return
	}
	m.batchesProcessed.WithLabelValues(group).Inc()
}

func (m *Metrics) incSpawn(group string) {
	if m == nil {
		return
	}
	m.containerSpawns.WithLabelValues(group).Inc()
	m.containersActive.Inc()
}

func (m *Metrics) decActive() {
	if m == nil {
		return
	}
	m.containersActive.Dec()
}

func (m *Metrics) observeRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runOutcomes.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) incRepair() {
	if m == nil {
		return
	}
	m.completionRepairs.Inc()
}

func (m *Metrics) addWatchdogFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.watchdogFailures.Add(float64(n))
}
