package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cloudbridge"

// SourceCounters are the ingest counters of one source.
type SourceCounters struct {
	SourceID     string
	LastSequence uint64
	Received     uint64
	Accepted     uint64
	Dropped      uint64
	Malformed    uint64
	Stale        uint64
}

// Snapshot is everything the collector exports, taken at scrape time.
type Snapshot struct {
	Sources               []SourceCounters
	UnattributedMalformed uint64
	QueueLen              int
	QueueCap              int
	QueueDropped          uint64

	Processed             uint64
	RegistrationSucceeded uint64
	RegistrationFailed    uint64
	RegistrationTimeouts  uint64
	Panics                uint64
	Promotions            uint64
	ReferenceVersion      uint64
	LatencyP50Seconds     float64
	LatencyP95Seconds     float64

	RenderFrames  uint64
	RenderClients int
	RenderDropped uint64

	RecorderWritten uint64
	RecorderDropped uint64
}

var (
	descSourceReceived = prometheus.NewDesc(namespace+"_ingest_samples_received_total",
		"Samples received per source.", []string{"source"}, nil)
	descSourceAccepted = prometheus.NewDesc(namespace+"_ingest_samples_accepted_total",
		"Samples accepted into the ingest queue per source.", []string{"source"}, nil)
	descSourceRejected = prometheus.NewDesc(namespace+"_ingest_samples_rejected_total",
		"Samples rejected per source and reason.", []string{"source", "reason"}, nil)
	descSourceSequence = prometheus.NewDesc(namespace+"_ingest_last_sequence",
		"Last accepted sequence number per source.", []string{"source"}, nil)
	descUnattributed = prometheus.NewDesc(namespace+"_ingest_unattributed_malformed_total",
		"Malformed samples with no usable source id.", nil, nil)
	descQueueLen = prometheus.NewDesc(namespace+"_ingest_queue_length",
		"Frames waiting in the ingest queue.", nil, nil)
	descQueueCap = prometheus.NewDesc(namespace+"_ingest_queue_capacity",
		"Ingest queue capacity.", nil, nil)
	descQueueDropped = prometheus.NewDesc(namespace+"_ingest_queue_dropped_total",
		"Frames dropped by the ingest queue policy.", nil, nil)

	descProcessed = prometheus.NewDesc(namespace+"_pipeline_frames_processed_total",
		"Frames run through the pipeline.", nil, nil)
	descRegistration = prometheus.NewDesc(namespace+"_pipeline_registrations_total",
		"Registration outcomes.", []string{"outcome"}, nil)
	descPanics = prometheus.NewDesc(namespace+"_pipeline_stage_panics_total",
		"Recovered stage panics.", nil, nil)
	descPromotions = prometheus.NewDesc(namespace+"_pipeline_reference_promotions_total",
		"Reference frames installed.", nil, nil)
	descRefVersion = prometheus.NewDesc(namespace+"_pipeline_reference_version",
		"Version of the current reference frame.", nil, nil)
	descLatency = prometheus.NewDesc(namespace+"_pipeline_latency_seconds",
		"Recent per-frame processing latency.", []string{"quantile"}, nil)

	descRenderFrames = prometheus.NewDesc(namespace+"_render_frames_total",
		"Frame bundles built for render clients.", nil, nil)
	descRenderClients = prometheus.NewDesc(namespace+"_render_clients",
		"Connected render stream clients.", nil, nil)
	descRenderDropped = prometheus.NewDesc(namespace+"_render_dropped_total",
		"Bundles dropped for slow render clients.", nil, nil)

	descRecorderWritten = prometheus.NewDesc(namespace+"_runlog_entries_written_total",
		"Run log entries committed.", nil, nil)
	descRecorderDropped = prometheus.NewDesc(namespace+"_runlog_entries_dropped_total",
		"Run log entries dropped because the recorder buffer was full.", nil, nil)
)

// Collector exports bridge counters to Prometheus. It reads a fresh
// Snapshot on every scrape.
type Collector struct {
	snapshot func() Snapshot
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector backed by snapshot.
func NewCollector(snapshot func() Snapshot) *Collector {
	return &Collector{snapshot: snapshot}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descSourceReceived, descSourceAccepted, descSourceRejected, descSourceSequence,
		descUnattributed, descQueueLen, descQueueCap, descQueueDropped,
		descProcessed, descRegistration, descPanics, descPromotions, descRefVersion, descLatency,
		descRenderFrames, descRenderClients, descRenderDropped,
		descRecorderWritten, descRecorderDropped,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	for _, src := range s.Sources {
		counter(descSourceReceived, src.Received, src.SourceID)
		counter(descSourceAccepted, src.Accepted, src.SourceID)
		counter(descSourceRejected, src.Malformed, src.SourceID, "malformed")
		counter(descSourceRejected, src.Stale, src.SourceID, "stale")
		counter(descSourceRejected, src.Dropped, src.SourceID, "queue_full")
		gauge(descSourceSequence, float64(src.LastSequence), src.SourceID)
	}
	counter(descUnattributed, s.UnattributedMalformed)
	gauge(descQueueLen, float64(s.QueueLen))
	gauge(descQueueCap, float64(s.QueueCap))
	counter(descQueueDropped, s.QueueDropped)

	counter(descProcessed, s.Processed)
	counter(descRegistration, s.RegistrationSucceeded, "succeeded")
	counter(descRegistration, s.RegistrationFailed, "failed")
	counter(descRegistration, s.RegistrationTimeouts, "timed_out")
	counter(descPanics, s.Panics)
	counter(descPromotions, s.Promotions)
	gauge(descRefVersion, float64(s.ReferenceVersion))
	gauge(descLatency, s.LatencyP50Seconds, "0.5")
	gauge(descLatency, s.LatencyP95Seconds, "0.95")

	counter(descRenderFrames, s.RenderFrames)
	gauge(descRenderClients, float64(s.RenderClients))
	counter(descRenderDropped, s.RenderDropped)

	counter(descRecorderWritten, s.RecorderWritten)
	counter(descRecorderDropped, s.RecorderDropped)
}
