// Package metrics exposes Prometheus collectors for the resync engine
// (SPEC_FULL.md §6): resync counters per kind, per-kind ETL histograms,
// live-event queue depth gauges per path, and action-queue depth/in-flight
// gauges per partition.
//
// Collectors are registered against a caller-supplied *prometheus.Registry
// rather than the global prometheus.DefaultRegisterer, so tests construct
// a fresh Recorder (and registry) per case instead of sharing mutable
// global state. Grounded on the CounterVec/GaugeVec/HistogramVec shape
// used throughout the pack's Prometheus integrations (e.g.
// SAP-component-operator-runtime's internal/metrics package), adapted
// from that package's global-var-plus-init() registration to an
// explicitly constructed, explicitly registered value.
package metrics

import (
	"time"

	"github.com/port-labs/ocean-core/pkg/entity"
	"github.com/port-labs/ocean-core/pkg/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ocean_core"

// Recorder implements pkg/orchestrator.MetricsRecorder and additionally
// tracks live-event and action-queue gauges, all backed by collectors
// registered against one Registry.
type Recorder struct {
	resyncTotal    *prometheus.CounterVec
	resyncDuration *prometheus.HistogramVec
	kindOutcomes   *prometheus.CounterVec
	kindDuration   *prometheus.HistogramVec

	liveEventQueueDepth *prometheus.GaugeVec
	actionQueueDepth    *prometheus.GaugeVec
	actionInFlight      *prometheus.GaugeVec
}

// New constructs a Recorder and registers its collectors against reg.
func New(reg *prometheus.Registry) *Recorder {
	r := &Recorder{
		resyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_total",
			Help:      "Total number of resync passes by final state.",
		}, []string{"state"}),
		resyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resync_duration_seconds",
			Help:      "Duration of a full resync pass by final state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"state"}),
		kindOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kind_records_total",
			Help:      "Records processed per resource kind and classification.",
		}, []string{"kind", "classification"}),
		kindDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kind_etl_duration_seconds",
			Help:      "Extract-transform-load duration per resource kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		liveEventQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "liveevent_queue_depth",
			Help:      "Pending live events queued per webhook path.",
		}, []string{"path"}),
		actionQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "action_queue_depth",
			Help:      "Pending action runs queued per partition (empty string is the global lane).",
		}, []string{"partition"}),
		actionInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "action_in_flight",
			Help:      "Action runs currently executing per partition.",
		}, []string{"partition"}),
	}

	reg.MustRegister(
		r.resyncTotal,
		r.resyncDuration,
		r.kindOutcomes,
		r.kindDuration,
		r.liveEventQueueDepth,
		r.actionQueueDepth,
		r.actionInFlight,
	)
	return r
}

var _ orchestrator.MetricsRecorder = (*Recorder)(nil)

// ResyncStarted implements orchestrator.MetricsRecorder.
func (r *Recorder) ResyncStarted(entity.TriggerType) {}

// ResyncCompleted implements orchestrator.MetricsRecorder.
func (r *Recorder) ResyncCompleted(state orchestrator.State, duration time.Duration) {
	r.resyncTotal.WithLabelValues(string(state)).Inc()
	r.resyncDuration.WithLabelValues(string(state)).Observe(duration.Seconds())
}

// KindProcessed implements orchestrator.MetricsRecorder.
func (r *Recorder) KindProcessed(kind string, passed, failed, misconfigured int) {
	r.kindOutcomes.WithLabelValues(kind, "passed").Add(float64(passed))
	r.kindOutcomes.WithLabelValues(kind, "failed").Add(float64(failed))
	r.kindOutcomes.WithLabelValues(kind, "misconfigured").Add(float64(misconfigured))
}

// KindDuration implements orchestrator.MetricsRecorder.
func (r *Recorder) KindDuration(kind string, duration time.Duration) {
	r.kindDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetLiveEventQueueDepth records how many events are currently queued for
// path.
func (r *Recorder) SetLiveEventQueueDepth(path string, depth int) {
	r.liveEventQueueDepth.WithLabelValues(path).Set(float64(depth))
}

// SetActionQueueDepth records how many action runs are queued for
// partition (the empty string is the global lane).
func (r *Recorder) SetActionQueueDepth(partition string, depth int) {
	r.actionQueueDepth.WithLabelValues(partition).Set(float64(depth))
}

// SetActionInFlight records how many action runs are currently executing
// for partition.
func (r *Recorder) SetActionInFlight(partition string, count int) {
	r.actionInFlight.WithLabelValues(partition).Set(float64(count))
}
