// Package metrics exposes the CORE's internal-only counters and gauges
// (spec §9.A.5 supplement): append throughput, flush failures, retention
// deletions, dedup hits, archiver outcomes, state log replay duration. No
// HTTP exporter is wired — serving them is a transport concern, out of CORE
// scope; Registry.Snapshot returns current values for an embedding
// transport layer to expose however it likes.
//
// Grounded on the teacher's pkg/observability/prometheus/metrics.go
// (promauto.With(registerer).New*Vec construction, a single struct holding
// every named metric), adapted from HTTP/event-bus/database metric names to
// the CORE's append/poll/retention/archiver/state-log domain.
package metrics

import (
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric the CORE's background tasks and hot paths
// update. It is constructed once by System and threaded by reference.
type Registry struct {
	MessagesAppendedTotal *prometheus.CounterVec
	BytesAppendedTotal    *prometheus.CounterVec
	FlushFailuresTotal    *prometheus.CounterVec
	RetentionDeletedTotal *prometheus.CounterVec
	DedupHitsTotal        *prometheus.CounterVec
	ArchiverSuccessTotal  *prometheus.CounterVec
	ArchiverFailureTotal  *prometheus.CounterVec
	StateLogReplaySeconds prometheus.Histogram
	DegradedPartitions    prometheus.Gauge
}

// New constructs a Registry against registerer. A nil registerer uses
// prometheus's global DefaultRegisterer, matching the teacher's own
// nil-falls-back-to-default convention.
func New(registerer prometheus.Registerer) *Registry {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	f := promauto.With(registerer)

	return &Registry{
		MessagesAppendedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamline_messages_appended_total",
			Help: "Total number of messages successfully appended to a partition.",
		}, []string{"stream_id", "topic_id"}),
		BytesAppendedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamline_bytes_appended_total",
			Help: "Total number of payload bytes successfully appended to a partition.",
		}, []string{"stream_id", "topic_id"}),
		FlushFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamline_flush_failures_total",
			Help: "Total number of failed segment flush attempts.",
		}, []string{"stream_id", "topic_id", "partition_id"}),
		RetentionDeletedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamline_retention_segments_deleted_total",
			Help: "Total number of closed segments deleted by retention enforcement.",
		}, []string{"stream_id", "topic_id", "reason"}),
		DedupHitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamline_dedup_hits_total",
			Help: "Total number of appended messages dropped as duplicates.",
		}, []string{"stream_id", "topic_id"}),
		ArchiverSuccessTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamline_archiver_success_total",
			Help: "Total number of segments successfully archived before deletion.",
		}, []string{"sink"}),
		ArchiverFailureTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamline_archiver_failure_total",
			Help: "Total number of segment archival attempts that failed.",
		}, []string{"sink"}),
		StateLogReplaySeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamline_state_log_replay_seconds",
			Help:    "Duration of full state log replay on startup.",
			Buckets: prometheus.DefBuckets,
		}),
		DegradedPartitions: f.NewGauge(prometheus.GaugeOpts{
			Name: "streamline_degraded_partitions",
			Help: "Current number of partitions in a degraded (flush-failing) state.",
		}),
	}
}

// ObserveReplayDuration records how long a startup state log replay took.
func (r *Registry) ObserveReplayDuration(d time.Duration) {
	r.StateLogReplaySeconds.Observe(d.Seconds())
}

// Snapshot is a point-in-time read of every counter/gauge, summed across
// label values, for an embedding transport layer that wants to expose
// metrics without taking a dependency on prometheus's own registry/gather
// machinery (spec §A.5: "Registry.Snapshot() returns current values for an
// embedding transport layer to expose however it likes").
type Snapshot struct {
	MessagesAppendedTotal float64
	BytesAppendedTotal    float64
	FlushFailuresTotal    float64
	RetentionDeletedTotal float64
	DedupHitsTotal        float64
	ArchiverSuccessTotal  float64
	ArchiverFailureTotal  float64
	DegradedPartitions    float64
	ReplayCount           uint64
	ReplaySecondsSum      float64
}

// Snapshot reads every metric's current value. Counters are summed across
// all their label combinations.
func (r *Registry) Snapshot() Snapshot {
	hist := &dto.Metric{}
	r.StateLogReplaySeconds.Write(hist)
	var replayCount uint64
	var replaySum float64
	if h := hist.GetHistogram(); h != nil {
		replayCount = h.GetSampleCount()
		replaySum = h.GetSampleSum()
	}

	return Snapshot{
		MessagesAppendedTotal: sumCounterVec(r.MessagesAppendedTotal),
		BytesAppendedTotal:    sumCounterVec(r.BytesAppendedTotal),
		FlushFailuresTotal:    sumCounterVec(r.FlushFailuresTotal),
		RetentionDeletedTotal: sumCounterVec(r.RetentionDeletedTotal),
		DedupHitsTotal:        sumCounterVec(r.DedupHitsTotal),
		ArchiverSuccessTotal:  sumCounterVec(r.ArchiverSuccessTotal),
		ArchiverFailureTotal:  sumCounterVec(r.ArchiverFailureTotal),
		DegradedPartitions:    gaugeValue(r.DegradedPartitions),
		ReplayCount:           replayCount,
		ReplaySecondsSum:      replaySum,
	}
}

func sumCounterVec(cv *prometheus.CounterVec) float64 {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()
	var total float64
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			continue
		}
		total += pb.GetCounter().GetValue()
	}
	return total
}

func gaugeValue(g prometheus.Gauge) float64 {
	var pb dto.Metric
	if err := g.Write(&pb); err != nil {
		return 0
	}
	return pb.GetGauge().GetValue()
}
