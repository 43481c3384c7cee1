package monitoring

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Metrics counts request outcomes with atomic counters. Cheap enough to
// sit on the hot path; a snapshot is logged on demand.
type Metrics struct {
	requestsTotal   atomic.Int64
	requestsFailed  atomic.Int64
	upstreamErrors  atomic.Int64
	refinementRuns  atomic.Int64
	streamsStarted  atomic.Int64
	totalLatencyNS  atomic.Int64
}

// NewMetrics creates a metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordRequest tallies one completed request.
func (m *Metrics) RecordRequest(success bool, latency time.Duration) {
	m.requestsTotal.Add(1)
	m.totalLatencyNS.Add(int64(latency))
	if !success {
		m.requestsFailed.Add(1)
	}
}

// RecordUpstreamError tallies a backend failure.
func (m *Metrics) RecordUpstreamError() { m.upstreamErrors.Add(1) }

// RecordRefinementRun tallies one refinement loop execution.
func (m *Metrics) RecordRefinementRun() { m.refinementRuns.Add(1) }

// RecordStreamStarted tallies an opened completion stream.
func (m *Metrics) RecordStreamStarted() { m.streamsStarted.Add(1) }

// Snapshot is a point-in-time metrics reading.
type Snapshot struct {
	RequestsTotal  int64
	RequestsFailed int64
	UpstreamErrors int64
	RefinementRuns int64
	StreamsStarted int64
	AvgLatency     time.Duration
}

// Read returns the current counter values.
func (m *Metrics) Read() Snapshot {
	total := m.requestsTotal.Load()
	var avg time.Duration
	if total > 0 {
		avg = time.Duration(m.totalLatencyNS.Load() / total)
	}
	return Snapshot{
		RequestsTotal:  total,
		RequestsFailed: m.requestsFailed.Load(),
		UpstreamErrors: m.upstreamErrors.Load(),
		RefinementRuns: m.refinementRuns.Load(),
		StreamsStarted: m.streamsStarted.Load(),
		AvgLatency:     avg,
	}
}

// LogSnapshot emits the current counters at info level.
func (m *Metrics) LogSnapshot() {
	s := m.Read()
	log.Info().
		Int64("requests_total", s.RequestsTotal).
		Int64("requests_failed", s.RequestsFailed).
		Int64("upstream_errors", s.UpstreamErrors).
		Int64("refinement_runs", s.RefinementRuns).
		Int64("streams_started", s.StreamsStarted).
		Dur("avg_latency", s.AvgLatency).
		Msg("metrics snapshot")
}
