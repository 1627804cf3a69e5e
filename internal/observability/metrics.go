package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all stowage Prometheus metrics. Every series carries a
// "sink" label naming the configured sink.
type Metrics struct {
	EventsAppended   *prometheus.CounterVec
	EventsShed       *prometheus.CounterVec
	Batches          *prometheus.CounterVec
	RowsPersisted    *prometheus.CounterVec
	FlushDuration    *prometheus.HistogramVec
	BatchSize        *prometheus.HistogramVec
	FlushRetries     *prometheus.CounterVec
	DeadLettered     *prometheus.CounterVec
	AckErrors        *prometheus.CounterVec
	AccumulatorDepth *prometheus.GaugeVec
	InFlightEvents   *prometheus.GaugeVec
	ControllerState  *prometheus.GaugeVec
}

// Batch outcomes used with the Batches counter.
const (
	OutcomeCommitted    = "committed"
	OutcomeFatal        = "fatal"
	OutcomeDeadLettered = "deadlettered"
	OutcomeAbandoned    = "abandoned"
)

// NewMetrics creates and registers all stowage metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stowage_events_appended_total",
			Help: "Events appended to the accumulator.",
		}, []string{"sink"}),

		EventsShed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stowage_events_shed_total",
			Help: "Events refused at the memory ceiling under the shed policy.",
		}, []string{"sink"}),

		Batches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stowage_batches_total",
			Help: "Drained batches by final outcome.",
		}, []string{"sink", "outcome"}),

		RowsPersisted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stowage_rows_persisted_total",
			Help: "Rows committed to the target table.",
		}, []string{"sink"}),

		FlushDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stowage_flush_duration_seconds",
			Help:    "Duration of a single write attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink", "result"}),

		BatchSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stowage_batch_size_events",
			Help:    "Number of events per drained batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 9),
		}, []string{"sink"}),

		FlushRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stowage_flush_retries_total",
			Help: "Write attempts retried after a transient failure.",
		}, []string{"sink"}),

		DeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stowage_deadlettered_events_total",
			Help: "Events published to the dead-letter destination.",
		}, []string{"sink"}),

		AckErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stowage_ack_errors_total",
			Help: "Acknowledgements that failed after a committed write.",
		}, []string{"sink"}),

		AccumulatorDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stowage_accumulator_depth_events",
			Help: "Events buffered in the open batch.",
		}, []string{"sink"}),

		InFlightEvents: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stowage_inflight_events",
			Help: "Events drained but not yet released.",
		}, []string{"sink"}),

		ControllerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stowage_controller_state",
			Help: "Flush controller state; 1 for the current state, 0 otherwise.",
		}, []string{"sink", "state"}),
	}
}

// SetState marks state as the current controller state among states.
func (m *Metrics) SetState(sink, state string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ControllerState.WithLabelValues(sink, s).Set(v)
	}
}
