package session

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.yogi.dev/core/metrics"
)

// sessionMetrics are the per-request-type counters of SPEC_FULL.md §7,
// grounded on the linkerd2 promauto idiom already used by scheduler and
// endpoint.
type sessionMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	active   prometheus.Gauge
}

// Sessions built against the same Registry share one set of collectors:
// registering the same metric names twice on one registry panics.
var (
	sessionMetricsMu    sync.Mutex
	sessionMetricsByReg = make(map[*metrics.Registry]sessionMetrics)
)

func newSessionMetrics(reg *metrics.Registry) sessionMetrics {
	sessionMetricsMu.Lock()
	defer sessionMetricsMu.Unlock()
	if m, ok := sessionMetricsByReg[reg]; ok {
		return m
	}
	var m = sessionMetrics{
		requests: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "yogi_session_requests_total",
			Help: "Requests handled by a session, by request type.",
		}, []string{"request_type"}),
		errors: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "yogi_session_errors_total",
			Help: "Requests that produced an error response, by request type.",
		}, []string{"request_type"}),
		active: reg.NewGauge(prometheus.GaugeOpts{
			Name: "yogi_session_active",
			Help: "Number of sessions currently being served.",
		}),
	}
	sessionMetricsByReg[reg] = m
	return m
}
