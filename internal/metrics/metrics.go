// Package metrics owns the Prometheus registry for the bridge. The same
// registry backs the /metrics scrape endpoint and the JSON snapshot in
// GET /api/metrics.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric family the bridge exposes.
type Registry struct {
	reg *prometheus.Registry

	RecordsIn      *prometheus.CounterVec
	RecordsOut     *prometheus.CounterVec
	RecordsDropped *prometheus.CounterVec
	BytesOut       prometheus.Counter
	BatchesSent    prometheus.Counter
	BatchesFailed  prometheus.Counter
	Reconnects     *prometheus.CounterVec
	ClockClamped   prometheus.Counter

	QueueDepth   prometheus.Gauge
	SpoolBytes   prometheus.Gauge
	BreakerState prometheus.Gauge

	IngestLatency prometheus.Histogram
}

// New builds the registry with all families pre-registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		RecordsIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otbridge_records_in_total",
			Help: "Records received from sources.",
		}, []string{"source", "protocol", "vendor"}),
		RecordsOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otbridge_records_out_total",
			Help: "Records acknowledged by the ingest service.",
		}, []string{"vendor"}),
		RecordsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otbridge_records_dropped_total",
			Help: "Records dropped, by reason.",
		}, []string{"reason"}),
		BytesOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "otbridge_bytes_out_total",
			Help: "Payload bytes acknowledged by the ingest service.",
		}),
		BatchesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "otbridge_batches_sent_total",
			Help: "Batches written to the ingest stream.",
		}),
		BatchesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "otbridge_batches_failed_total",
			Help: "Batches that failed and were requeued.",
		}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otbridge_reconnects_total",
			Help: "Reconnect attempts, by source (the ingest stream reports as source=\"zerobus\").",
		}, []string{"source"}),
		ClockClamped: factory.NewCounter(prometheus.CounterOpts{
			Name: "otbridge_event_time_clamped_total",
			Help: "Records whose device-reported event time exceeded the skew bound.",
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "otbridge_queue_depth",
			Help: "Records waiting in memory and on disk.",
		}),
		SpoolBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "otbridge_spool_bytes",
			Help: "Undrained bytes in the disk spool.",
		}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "otbridge_breaker_state",
			Help: "Ingest circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),

		IngestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "otbridge_ingest_latency_ms",
			Help:    "Submit-to-ack latency per batch in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
	}
}

// Handler serves the Prometheus scrape endpoint.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Snapshot flattens the bridge's own families into a JSON-friendly map
// keyed "name{label=value,...}". Runtime collector families are skipped.
func (m *Registry) Snapshot() (map[string]float64, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, fam := range families {
		if !strings.HasPrefix(fam.GetName(), "otbridge_") {
			continue
		}
		for _, metric := range fam.GetMetric() {
			key := fam.GetName()
			if labels := metric.GetLabel(); len(labels) > 0 {
				parts := make([]string, 0, len(labels))
				for _, lp := range labels {
					parts = append(parts, fmt.Sprintf("%s=%s", lp.GetName(), lp.GetValue()))
				}
				sort.Strings(parts)
				key += "{" + strings.Join(parts, ",") + "}"
			}

			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				h := metric.GetHistogram()
				out[key+"_count"] = float64(h.GetSampleCount())
				out[key+"_sum"] = h.GetSampleSum()
			}
		}
	}
	return out, nil
}
