package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 引擎指标
type Metrics struct {
	Evaluations      prometheus.Counter
	Throttled        prometheus.Counter
	Events           *prometheus.CounterVec // labels: type
	SinkFailures     prometheus.Counter
	DroppedFixes     prometheus.Counter
	DroppedBroadcast prometheus.Counter
	PrunedStates     prometheus.Counter
	SourceErrors     *prometheus.CounterVec // labels: source
}

// NewMetrics 在 reg 上注册指标，reg 为 nil 时不注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Evaluations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wisefido",
			Subsystem: "geofence",
			Name:      "evaluations_total",
			Help:      "Total position fixes evaluated against the geofence set",
		}),
		Throttled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wisefido",
			Subsystem: "geofence",
			Name:      "throttled_total",
			Help:      "Total position fixes skipped by the optimizer interval gate",
		}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wisefido",
			Subsystem: "geofence",
			Name:      "events_total",
			Help:      "Total geofence events emitted",
		}, []string{"type"}),
		SinkFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wisefido",
			Subsystem: "geofence",
			Name:      "sink_failures_total",
			Help:      "Total events the event sink failed to record",
		}),
		DroppedFixes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wisefido",
			Subsystem: "geofence",
			Name:      "dropped_fixes_total",
			Help:      "Total position fixes dropped (invalid or monitor not running)",
		}),
		DroppedBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wisefido",
			Subsystem: "geofence",
			Name:      "dropped_broadcast_total",
			Help:      "Total events dropped for slow subscribers",
		}),
		PrunedStates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wisefido",
			Subsystem: "geofence",
			Name:      "pruned_states_total",
			Help:      "Total transition states removed by idle pruning",
		}),
		SourceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wisefido",
			Subsystem: "geofence",
			Name:      "source_errors_total",
			Help:      "Total upstream subscription failures",
		}, []string{"source"}),
	}
}
