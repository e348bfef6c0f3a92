// Package metrics exposes Prometheus collectors for call lifecycle events.
//
// A nil *Collector is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "yacall"

type Collector struct {
	sessionsStarted prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	startConflicts  prometheus.Counter
	staleAttempts   prometheus.Counter
	reaperRuns      *prometheus.CounterVec
	backendErrors   *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	openWindows     prometheus.Gauge
	requests        *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "started_total",
			Help: "Sessions that reached the active state.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "ended_total",
			Help: "Sessions torn down, by reason.",
		}, []string{"reason"}),
		startConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "start_conflicts_total",
			Help: "Start calls rejected because a call was already in progress.",
		}),
		staleAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "stale_attempts_total",
			Help: "Start continuations discarded because a newer attempt began.",
		}),
		reaperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reaper", Name: "runs_total",
			Help: "Resource reaper executions, by trigger.",
		}, []string{"trigger"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backend", Name: "errors_total",
			Help: "Failed backend operations.",
		}, []string{"op"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "active",
			Help: "1 while a session is active.",
		}),
		openWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "modal", Name: "open_windows",
			Help: "Conversation windows currently open.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "request", Name: "transitions_total",
			Help: "Call request status transitions, by status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(
			c.sessionsStarted, c.sessionsEnded, c.startConflicts, c.staleAttempts,
			c.reaperRuns, c.backendErrors, c.activeSessions, c.openWindows, c.requests,
		)
	}
	return c
}

func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsStarted.Inc()
	c.activeSessions.Set(1)
}

func (c *Collector) SessionEnded(reason string) {
	if c == nil {
		return
	}
	c.sessionsEnded.WithLabelValues(reason).Inc()
	c.activeSessions.Set(0)
}

func (c *Collector) StartConflict() {
	if c == nil {
		return
	}
	c.startConflicts.Inc()
}

func (c *Collector) StaleAttempt() {
	if c == nil {
		return
	}
	c.staleAttempts.Inc()
}

func (c *Collector) ReaperRun(trigger string) {
	if c == nil {
		return
	}
	c.reaperRuns.WithLabelValues(trigger).Inc()
}

func (c *Collector) BackendError(op string) {
	if c == nil {
		return
	}
	c.backendErrors.WithLabelValues(op).Inc()
}

func (c *Collector) OpenWindows(n int) {
	if c == nil {
		return
	}
	c.openWindows.Set(float64(n))
}

func (c *Collector) RequestTransition(status string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(status).Inc()
}

// Accessors for assertions.

func (c *Collector) ReaperRuns(trigger string) prometheus.Counter {
	return c.reaperRuns.WithLabelValues(trigger)
}

func (c *Collector) StartConflicts() prometheus.Counter {
	return c.startConflicts
}

func (c *Collector) StaleAttempts() prometheus.Counter {
	return c.staleAttempts
}

func (c *Collector) BackendErrors(op string) prometheus.Counter {
	return c.backendErrors.WithLabelValues(op)
}

func (c *Collector) SessionsStarted() prometheus.Counter {
	return c.sessionsStarted
}
