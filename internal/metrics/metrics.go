// Package metrics exports conversation engine and channel metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convopipe"

// Recorder counts stage visits, completion failures, non-convergence exits,
// turn latency and channel traffic. It satisfies flow.Recorder.
type Recorder struct {
	registry *prometheus.Registry

	stageVisits    *prometheus.CounterVec
	nonConvergence *prometheus.CounterVec
	completionErrs prometheus.Counter
	turns          *prometheus.CounterVec
	turnLatency    prometheus.Histogram
	inbound        *prometheus.CounterVec
	replies        *prometheus.CounterVec
	receipts       *prometheus.CounterVec
}

// New creates a Recorder on its own registry. A nil registry creates one.
func New(registry *prometheus.Registry) *Recorder {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	r := &Recorder{registry: registry}

	r.stageVisits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "stage_visits_total",
			Help:      "Number of steps executed per stage",
		},
		[]string{"stage"},
	)
	r.nonConvergence = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "non_convergence_total",
			Help:      "Conversations terminated because a stage exceeded its attempt bound or the step budget ran out",
		},
		[]string{"stage"},
	)
	r.completionErrs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "completion_failures_total",
			Help:      "Completion service calls that failed and fell back to a canned reply",
		},
	)
	r.turns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "turns_total",
			Help:      "Completed turns by the stage the conversation suspended in",
		},
		[]string{"final_stage"},
	)
	r.turnLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "turn_duration_seconds",
			Help:      "Wall time of one turn",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)
	r.inbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "inbound_messages_total",
			Help:      "Inbound channel messages by outcome",
		},
		[]string{"outcome"},
	)
	r.replies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "replies_total",
			Help:      "Agent replies handed to a channel by delivery path and status",
		},
		[]string{"path", "status"},
	)

	r.receipts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "receipts_total",
			Help:      "Channel receipts for outbound messages by status",
		},
		[]string{"status"},
	)

	registry.MustRegister(
		r.stageVisits, r.nonConvergence, r.completionErrs,
		r.turns, r.turnLatency, r.inbound, r.replies, r.receipts,
	)
	return r
}

func (r *Recorder) StageVisited(stage models.Stage) {
	r.stageVisits.WithLabelValues(string(stage)).Inc()
}

func (r *Recorder) CompletionFailed() {
	r.completionErrs.Inc()
}

func (r *Recorder) NonConvergence(stage models.Stage) {
	r.nonConvergence.WithLabelValues(string(stage)).Inc()
}

func (r *Recorder) TurnCompleted(final models.Stage, elapsed time.Duration) {
	r.turns.WithLabelValues(string(final)).Inc()
	r.turnLatency.Observe(elapsed.Seconds())
}

// Inbound outcomes.
const (
	InboundAccepted  = "accepted"
	InboundDuplicate = "duplicate"
	InboundFailed    = "failed"
)

// InboundMessage counts one inbound channel message.
func (r *Recorder) InboundMessage(outcome string) {
	r.inbound.WithLabelValues(outcome).Inc()
}

// ReplyDelivered counts one reply. path is "outbox" or "direct".
func (r *Recorder) ReplyDelivered(path string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.replies.WithLabelValues(path, status).Inc()
}

// ReceiptObserved counts one sent, delivered or read receipt.
func (r *Recorder) ReceiptObserved(status string) {
	r.receipts.WithLabelValues(status).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
