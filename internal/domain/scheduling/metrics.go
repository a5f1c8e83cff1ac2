package scheduling

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("telecare.internal.domain.scheduling")

// Metrics exposes counters and histograms for availability queries and
// bookings. A nil *Metrics records nothing.
type Metrics struct {
	queryLatency   *prometheus.HistogramVec
	bookingsTotal  *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	roomProvisions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "telecare",
			Subsystem: "availability",
			Name:      "query_duration_seconds",
			Help:      "Latency of availability queries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query"}),
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telecare",
			Subsystem: "booking",
			Name:      "commits_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telecare",
			Subsystem: "booking",
			Name:      "transitions_total",
			Help:      "Session status transitions by action and outcome",
		}, []string{"action", "outcome"}),
		roomProvisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telecare",
			Subsystem: "video",
			Name:      "room_provisions_total",
			Help:      "Video room provisioning attempts by outcome",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.queryLatency, m.bookingsTotal, m.transitions, m.roomProvisions)
	return m
}

func (m *Metrics) ObserveQuery(query string, start time.Time) {
	if m == nil {
		return
	}
	m.queryLatency.WithLabelValues(query).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveBooking(err error) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcomeLabel(err)).Inc()
}

func (m *Metrics) ObserveTransition(action Action, err error) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(action), outcomeLabel(err)).Inc()
}

func (m *Metrics) ObserveRoomProvision(ok bool) {
	if m == nil {
		return
	}
	label := "failed"
	if ok {
		label = "created"
	}
	m.roomProvisions.WithLabelValues(label).Inc()
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsConflict(err):
		return "conflict"
	case IsValidation(err):
		return "invalid"
	case IsInvalidState(err):
		return "invalid_state"
	case IsNotFound(err):
		return "not_found"
	default:
		return "error"
	}
}
