package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts request-loop activity. A nil *Metrics is valid and counts
// nothing.
type Metrics struct {
	requests   prometheus.Counter
	loopErrors prometheus.Counter
}

// NewMetrics builds the session metrics. reg may be nil to skip
// registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "daosfs_requests_total",
			Help: "Requests pulled from the kernel.",
		}),
		loopErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "daosfs_loop_errors_total",
			Help: "Fatal request-loop failures.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.loopErrors)
	}
	return m
}

func (m *Metrics) request() {
	if m != nil {
		m.requests.Inc()
	}
}

func (m *Metrics) loopError() {
	if m != nil {
		m.loopErrors.Inc()
	}
}
