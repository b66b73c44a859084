package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/cloudbridge/internal/monitoring"
)

// Registry returns the registry the bridge collector is registered with.
func (ws *WebServer) Registry() *prometheus.Registry { return ws.registry }

// metricsSnapshot flattens the component stats for the collector.
func (ws *WebServer) metricsSnapshot() monitoring.Snapshot {
	in := ws.cfg.Ingest.Stats()
	pl := ws.cfg.Pipeline.Stats()

	s := monitoring.Snapshot{
		Sources:               make([]monitoring.SourceCounters, 0, len(in.Sources)),
		UnattributedMalformed: in.UnattributedMalformed,
		QueueLen:              in.QueueLen,
		QueueCap:              in.QueueCap,
		QueueDropped:          in.QueueDropped,

		Processed:             pl.Processed,
		RegistrationSucceeded: pl.RegistrationSucceeded,
		RegistrationFailed:    pl.RegistrationFailed,
		RegistrationTimeouts:  pl.RegistrationTimeouts,
		Panics:                pl.Panics,
		Promotions:            pl.Promotions,
		ReferenceVersion:      pl.ReferenceVersion,
		LatencyP50Seconds:     pl.Latency.P50.Seconds(),
		LatencyP95Seconds:     pl.Latency.P95.Seconds(),
	}
	for _, src := range in.Sources {
		s.Sources = append(s.Sources, monitoring.SourceCounters{
			SourceID:     src.SourceID,
			LastSequence: src.LastSequence,
			Received:     src.Received,
			Accepted:     src.Accepted,
			Dropped:      src.Dropped,
			Malformed:    src.Malformed,
			Stale:        src.Stale,
		})
	}
	if ws.cfg.Publisher != nil {
		ps := ws.cfg.Publisher.Stats()
		s.RenderFrames, s.RenderClients, s.RenderDropped = ps.Frames, int(ps.Clients), ps.Dropped
	}
	if ws.cfg.Recorder != nil {
		rs := ws.cfg.Recorder.Stats()
		s.RecorderWritten, s.RecorderDropped = rs.Written, rs.Dropped
	}
	return s
}
