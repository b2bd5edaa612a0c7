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
			Namespace: "meshmind",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"instance", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshmind",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"instance", "method", "path", "status"},
	)
	knownInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshmind",
			Subsystem: "registry",
			Name:      "known_instances",
			Help:      "Known instances by liveness.",
		},
		[]string{"instance", "alive"},
	)
	syncRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshmind",
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Memory records exchanged with peers.",
		},
		[]string{"instance", "direction"},
	)
	syncConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshmind",
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Sync conflicts detected, by resolution policy.",
		},
		[]string{"instance", "policy"},
	)
	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshmind",
			Subsystem: "sync",
			Name:      "peer_sync_duration_seconds",
			Help:      "Full per-peer sync duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"instance", "success"},
	)
	meshMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshmind",
			Subsystem: "mesh",
			Name:      "messages_total",
			Help:      "Mesh messages handled, by disposition.",
		},
		[]string{"instance", "type", "disposition"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			knownInstances,
			syncRecords, syncConflicts, syncDuration,
			meshMessages,
		)
	})
}

func RecordHTTPRequest(instance, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(instance, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(instance, method, path, statusLabel).Observe(duration.Seconds())
}

func SetKnownInstances(instance string, alive, offline int) {
	RegisterMetrics()
	knownInstances.WithLabelValues(instance, "true").Set(float64(alive))
	knownInstances.WithLabelValues(instance, "false").Set(float64(offline))
}

func RecordSyncRecords(instance, direction string, count int) {
	RegisterMetrics()
	if count <= 0 {
		return
	}
	syncRecords.WithLabelValues(instance, direction).Add(float64(count))
}

func RecordSyncConflict(instance, policy string) {
	RegisterMetrics()
	syncConflicts.WithLabelValues(instance, policy).Inc()
}

func RecordPeerSync(instance string, duration time.Duration, success bool) {
	RegisterMetrics()
	syncDuration.WithLabelValues(instance, strconv.FormatBool(success)).Observe(duration.Seconds())
}

func RecordMeshMessage(instance, messageType, disposition string) {
	RegisterMetrics()
	meshMessages.WithLabelValues(instance, messageType, disposition).Inc()
}
