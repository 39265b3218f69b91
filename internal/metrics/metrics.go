package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plugind",
			Subsystem: "coalescer",
			Name:      "signals_total",
			Help:      "Number of change signals received by a coalescer.",
		}, []string{"name"},
	)
	coalescedRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plugind",
			Subsystem: "coalescer",
			Name:      "runs_total",
			Help:      "Number of coalesced evaluation jobs executed.",
		}, []string{"name"},
	)
	subsystemEvaluations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "plugind",
			Subsystem: "subsystem",
			Name:      "evaluations_total",
			Help:      "Number of subsystem set evaluations.",
		},
	)
	subsystemSatisfied = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "plugind",
			Subsystem: "subsystem",
			Name:      "satisfied",
			Help:      "Published subsystem flags (1 = satisfied, 0 = not).",
		}, []string{"subsystem"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plugind",
			Subsystem: "plugin",
			Name:      "state_transitions_total",
			Help:      "Number of plugin state transitions.",
		}, []string{"callsign", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "plugind",
			Subsystem: "plugin",
			Name:      "current_state",
			Help:      "Current state of plugins (1 = active state, 0 = inactive).",
		}, []string{"callsign", "state"},
	)
	lifecycleRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plugind",
			Subsystem: "plugin",
			Name:      "requests_total",
			Help:      "Accepted lifecycle requests by operation.",
		}, []string{"callsign", "op"},
	)
	downloadsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "plugind",
			Subsystem: "download",
			Name:      "started_total",
			Help:      "Number of downloads handed to the engine.",
		},
	)
	downloadsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plugind",
			Subsystem: "download",
			Name:      "completed_total",
			Help:      "Number of completed downloads by result.",
		}, []string{"result"},
	)
	activeDownloads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "plugind",
			Subsystem: "download",
			Name:      "active",
			Help:      "Downloads currently in flight.",
		},
	)
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plugind",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events broadcast to subscribers.",
		}, []string{"event"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plugind",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped for slow subscribers.",
		}, []string{"event"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "plugind",
			Subsystem: "dispatch",
			Name:      "request_duration_seconds",
			Help:      "Time spent handling dispatcher requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "code"},
	)
)

var (
	scheduledRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plugind",
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduled method calls by job and result (ok, error, skipped).",
		}, []string{"job", "result"},
	)
	authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plugind",
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Rejected API requests by reason.",
		}, []string{"reason"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		signals, coalescedRuns, subsystemEvaluations, subsystemSatisfied,
		stateTransitions, currentStates, lifecycleRequests,
		downloadsStarted, downloadsCompleted, activeDownloads,
		eventsPublished, eventsDropped, dispatchDuration,
		scheduledRuns, authFailures,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSignal(name string) {
	if regOK.Load() {
		signals.WithLabelValues(name).Inc()
	}
}

func IncCoalescedRun(name string) {
	if regOK.Load() {
		coalescedRuns.WithLabelValues(name).Inc()
	}
}

func IncSubsystemEvaluation() {
	if regOK.Load() {
		subsystemEvaluations.Inc()
	}
}

func SetSubsystem(name string, satisfied bool) {
	if regOK.Load() {
		v := 0.0
		if satisfied {
			v = 1
		}
		subsystemSatisfied.WithLabelValues(name).Set(v)
	}
}

func RecordStateTransition(callsign, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(callsign, from, to).Inc()
	}
}

func SetCurrentState(callsign, state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(callsign, state).Set(value)
	}
}

func IncLifecycleRequest(callsign, op string) {
	if regOK.Load() {
		lifecycleRequests.WithLabelValues(callsign, op).Inc()
	}
}

func IncDownloadStarted() {
	if regOK.Load() {
		downloadsStarted.Inc()
	}
}

func IncDownloadCompleted(result string) {
	if regOK.Load() {
		downloadsCompleted.WithLabelValues(result).Inc()
	}
}

func SetActiveDownloads(n int) {
	if regOK.Load() {
		activeDownloads.Set(float64(n))
	}
}

func IncEventPublished(name string) {
	if regOK.Load() {
		eventsPublished.WithLabelValues(name).Inc()
	}
}

func IncEventDropped(name string) {
	if regOK.Load() {
		eventsDropped.WithLabelValues(name).Inc()
	}
}

func ObserveDispatch(method, code string, seconds float64) {
	if regOK.Load() {
		dispatchDuration.WithLabelValues(method, code).Observe(seconds)
	}
}

func IncScheduledRun(job, result string) {
	if regOK.Load() {
		scheduledRuns.WithLabelValues(job, result).Inc()
	}
}

func IncAuthFailure(reason string) {
	if regOK.Load() {
		authFailures.WithLabelValues(reason).Inc()
	}
}
