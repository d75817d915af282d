package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for ingestion and the broadcast hub.
type Metrics struct {
	SyncRuns         *prometheus.CounterVec   // labels: trigger={manual,scheduled,watcher,snapshot}
	ZoneSyncs        *prometheus.CounterVec   // labels: status={done,partial,failed}
	RecordsWritten   *prometheus.CounterVec   // labels: action={inserted,updated,failed}
	FetchAttempts    *prometheus.CounterVec   // labels: source={air_quality,forecast}, outcome={success,retry,error}
	FetchDuration    *prometheus.HistogramVec // labels: source
	SyncDuration     prometheus.Histogram
	WebSocketClients prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.SyncRuns,
		m.ZoneSyncs,
		m.RecordsWritten,
		m.FetchAttempts,
		m.FetchDuration,
		m.SyncDuration,
		m.WebSocketClients,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, so tests can
// build as many instances as they need.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monitor",
			Name:      "sync_runs_total",
			Help:      "Open-Meteo sync runs by trigger.",
		}, []string{"trigger"}),
		ZoneSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monitor",
			Name:      "zone_syncs_total",
			Help:      "Per-zone sync results by final status.",
		}, []string{"status"}),
		RecordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monitor",
			Name:      "records_written_total",
			Help:      "Hourly records processed by the upsert writer, by action.",
		}, []string{"action"}),
		FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monitor",
			Name:      "open_meteo_fetch_attempts_total",
			Help:      "Outbound Open-Meteo attempts by source and outcome.",
		}, []string{"source", "outcome"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "monitor",
			Name:      "open_meteo_fetch_duration_seconds",
			Help:      "Duration of a complete fetch including retries.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180},
		}, []string{"source"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "monitor",
			Name:      "sync_duration_seconds",
			Help:      "Duration of a complete multi-zone sync.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		WebSocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "monitor",
			Name:      "websocket_clients",
			Help:      "Currently connected WebSocket clients.",
		}),
	}
}
