package qmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QuotesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fx_quotes_in_total",
		Help: "Quotes received from adapters",
	}, []string{"source"})
	QuotesAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fx_quotes_admitted_total",
		Help: "Quotes applied to the aggregate state",
	}, []string{"instrument"})
	QuotesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fx_quotes_rejected_total",
		Help: "Quotes dropped by the pipeline",
	}, []string{"stage", "reason"}) // stage: validate/sequence/apply/inbox
	Pending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fx_sequencer_pending",
		Help: "Quotes waiting in reorder buffers",
	}, []string{"shard"})
	IngestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fx_ingest_latency_seconds",
		Help:    "Receive to apply latency",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms -> ~3s
	})

	SinkDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fx_sink_delivered_total",
		Help: "Updates delivered per sink",
	}, []string{"sink"})
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fx_sink_errors_total",
		Help: "Sink delivery errors",
	}, []string{"sink", "kind"}) // kind: unavailable/rejected/breaker_open
	SinkDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fx_sink_dropped_total",
		Help: "Updates dropped from a full sink queue (oldest first)",
	}, []string{"sink"})
	SinkQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fx_sink_queue_depth",
		Help: "Updates waiting per sink",
	}, []string{"sink"})
	SinkResyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fx_sink_resyncs_total",
		Help: "Snapshot resyncs enqueued per sink",
	}, []string{"sink"})
	SinkLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fx_sink_write_duration_seconds",
		Help:    "Duration of one sink delivery attempt",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"sink"})

	HealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fx_health_status",
		Help: "0 online, 1 warning, 2 offline",
	}, []string{"kind", "name"})
)

func ObserveIngest(recvUnixMs int64, now time.Time) {
	if recvUnixMs <= 0 {
		return
	}
	d := now.UnixMilli() - recvUnixMs
	if d < 0 {
		d = 0
	}
	IngestLatency.Observe(float64(d) / 1000)
}

func ObserveSink(sink string, dur time.Duration, errKind string) {
	SinkLatency.WithLabelValues(sink).Observe(dur.Seconds())
	if errKind == "" {
		SinkDelivered.WithLabelValues(sink).Inc()
		return
	}
	SinkErrors.WithLabelValues(sink, errKind).Inc()
}
