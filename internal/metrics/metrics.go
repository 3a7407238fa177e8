package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"prio-governor/internal/governor"
)

const namespace = "prio_governor"

// Source is the part of the governor the collectors read.
type Source interface {
	Counter(c governor.Counter) uint64
	Stats() governor.Stats
}

type counterDef struct {
	counter governor.Counter
	name    string
	help    string
}

var counterDefs = []counterDef{
	{governor.CounterIterations, "iterations_total", "Iterations started."},
	{governor.CounterSucceeded, "iterations_succeeded_total", "Iterations that completed."},
	{governor.CounterFailed, "iterations_failed_total", "Iterations skipped because telemetry was unavailable."},
	{governor.CounterApplied, "adjustments_applied_total", "Parameter changes applied to processes."},
	{governor.CounterApplyFailed, "adjustments_failed_total", "Parameter changes the actuator rejected."},
	{governor.CounterDeferred, "adjustments_deferred_total", "Group changes deferred by the per-iteration budget."},
	{governor.CounterRankerFallbacks, "ranker_fallbacks_total", "Iterations that fell back to rule scores."},
	{governor.CounterReloadsOK, "reloads_total", "Successful config and rule reloads."},
	{governor.CounterReloadsFailed, "reloads_failed_total", "Rejected config and rule reloads."},
}

// NewRegistry returns a registry holding the governor collectors and the
// standard process and Go runtime collectors.
func NewRegistry(src Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	reg.MustRegister(Collectors(src)...)
	return reg
}

// Collectors builds one collector per governor counter plus gauges for the
// tracked state. Values are read at scrape time.
func Collectors(src Source) []prometheus.Collector {
	out := make([]prometheus.Collector, 0, len(counterDefs)+4)
	for _, def := range counterDefs {
		c := def.counter
		out = append(out, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      def.name,
			Help:      def.help,
		}, func() float64 { return float64(src.Counter(c)) }))
	}

	out = append(out,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_groups",
			Help:      "Groups currently held by the hysteresis tracker.",
		}, func() float64 { return float64(src.Stats().Tracked) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules",
			Help:      "Rules in the active rule set.",
		}, func() float64 { return float64(src.Stats().Rules) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_iteration_duration_seconds",
			Help:      "Wall time of the last completed iteration.",
		}, func() float64 { return src.Stats().LastDuration.Seconds() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_iteration_timestamp_seconds",
			Help:      "Unix time of the last completed iteration.",
		}, func() float64 {
			ts := src.Stats().LastIteration
			if ts.IsZero() {
				return 0
			}
			return float64(ts.UnixNano()) / 1e9
		}),
	)
	return out
}
