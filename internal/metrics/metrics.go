// Package metrics exposes agent self-instrumentation over a loopback
// Prometheus scrape endpoint. This is not the order-level query
// gateway; it reports only this process's own counters and gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for one agent process.
type Metrics struct {
	registry *prometheus.Registry

	unitsProduced   *prometheus.CounterVec
	handoffsEmitted *prometheus.CounterVec
	acksReceived    *prometheus.CounterVec
	ackTimeouts     *prometheus.CounterVec
	alertsRaised    *prometheus.CounterVec
	reassigns       *prometheus.CounterVec
	heartbeats      prometheus.Counter

	status *prometheus.GaugeVec
}

var m *Metrics

// Init creates the registry and collectors for namespace and makes
// them the package-level target of the Record*/Set* helpers below.
func Init(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	nm := &Metrics{
		registry: registry,

		unitsProduced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_produced_total",
				Help:      "Total units produced by this machine",
			},
			[]string{"device_id"},
		),
		handoffsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handoffs_emitted_total",
				Help:      "Total progress/handoff messages emitted",
			},
			[]string{"device_id", "next_machine"},
		),
		acksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acks_received_total",
				Help:      "Total ack messages received, by event",
			},
			[]string{"device_id", "event"},
		),
		ackTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ack_timeouts_total",
				Help:      "Total handoffs that timed out waiting for a peer ack",
			},
			[]string{"device_id"},
		),
		alertsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_raised_total",
				Help:      "Total alerts escalated to the scheduler",
			},
			[]string{"device_id"},
		),
		reassigns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reassigns_applied_total",
				Help:      "Total reassign messages applied after an alert",
			},
			[]string{"device_id"},
		),
		heartbeats: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_published_total",
				Help:      "Total heartbeats published",
			},
		),
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "machine_status",
				Help:      "Machine status as last set at startup or by a command, as a one-hot gauge (1 for that status, 0 otherwise)",
			},
			[]string{"device_id", "status"},
		),
	}

	registry.MustRegister(
		nm.unitsProduced,
		nm.handoffsEmitted,
		nm.acksReceived,
		nm.ackTimeouts,
		nm.alertsRaised,
		nm.reassigns,
		nm.heartbeats,
		nm.status,
	)

	m = nm
	return nm
}

// IncUnitsProduced records one unit produced by deviceID.
func IncUnitsProduced(deviceID string) {
	if m == nil {
		return
	}
	m.unitsProduced.WithLabelValues(deviceID).Inc()
}

// IncHandoffEmitted records one handoff sent from deviceID to nextMachine.
func IncHandoffEmitted(deviceID, nextMachine string) {
	if m == nil {
		return
	}
	m.handoffsEmitted.WithLabelValues(deviceID, nextMachine).Inc()
}

// IncAckReceived records one ack received, carrying event (accepted/rejected).
func IncAckReceived(deviceID, event string) {
	if m == nil {
		return
	}
	m.acksReceived.WithLabelValues(deviceID, event).Inc()
}

// IncAckTimeout records one handoff that timed out waiting for an ack.
func IncAckTimeout(deviceID string) {
	if m == nil {
		return
	}
	m.ackTimeouts.WithLabelValues(deviceID).Inc()
}

// IncAlertRaised records one alert escalated to the scheduler.
func IncAlertRaised(deviceID string) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(deviceID).Inc()
}

// IncReassignApplied records one reassign message applied.
func IncReassignApplied(deviceID string) {
	if m == nil {
		return
	}
	m.reassigns.WithLabelValues(deviceID).Inc()
}

// IncHeartbeat records one heartbeat published.
func IncHeartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

// statuses lists every value SetStatus may be called with, so the
// one-hot gauge can be reset before being set.
var statuses = []string{"idle", "running", "await_ack", "finish", "off", "stalled"}

// SetStatus marks status as the active status gauge value for deviceID
// and zeroes every other known status.
func SetStatus(deviceID, status string) {
	if m == nil {
		return
	}
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1.0
		}
		m.status.WithLabelValues(deviceID, s).Set(v)
	}
}

// Handler returns an HTTP handler for Prometheus scraping. Intended to
// be bound to a loopback address only.
func Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, for tests that want to
// assert on collected values directly.
func Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
