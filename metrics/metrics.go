// Package metrics exposes Prometheus instrumentation for haggle actors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/olserra/haggle/negotiation"
)

const namespace = "haggle"

// Recorder implements agent.Observer on top of a Prometheus registry.
type Recorder struct {
	reg *prometheus.Registry

	opened    *prometheus.CounterVec
	closed    *prometheus.CounterVec
	rounds    *prometheus.HistogramVec
	empty     prometheus.Counter
	malformed prometheus.Counter
}

// New creates a Recorder with its own registry, including the Go and
// process collectors.
func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Negotiation sessions opened.",
		}, []string{"role"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Negotiation sessions closed, by outcome.",
		}, []string{"role", "outcome"}),
		rounds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_rounds",
			Help:      "Rounds used by closed sessions.",
			Buckets:   prometheus.LinearBuckets(1, 1, negotiation.MaxRounds),
		}, []string{"role"}),
		empty: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_empty_total",
			Help:      "Discovery cycles that found no seller after all retries.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Inbound messages dropped as malformed.",
		}),
	}
	r.reg.MustRegister(
		r.opened, r.closed, r.rounds, r.empty, r.malformed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// SessionHooks returns lifecycle hooks that count sessions for role.
func (r *Recorder) SessionHooks(role negotiation.Role) negotiation.Hooks {
	return negotiation.Hooks{
		OnOpen: func(negotiation.Session) {
			r.opened.WithLabelValues(role.String()).Inc()
		},
		OnClose: func(s negotiation.Session) {
			r.closed.WithLabelValues(role.String(), s.Outcome.String()).Inc()
			r.rounds.WithLabelValues(role.String()).Observe(float64(s.Round))
		},
	}
}

// DiscoveryEmpty counts a failed discovery cycle.
func (r *Recorder) DiscoveryEmpty(string) { r.empty.Inc() }

// Dropped counts a malformed inbound message. The counter carries no agent
// label: buyer ids are unique per order.
func (r *Recorder) Dropped(string, error) { r.malformed.Inc() }

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
