package governor

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a copy of the governor's counters and status.
type Stats struct {
	Iterations         uint64 `json:"iterations"`
	Succeeded          uint64 `json:"iterations_succeeded"`
	Failed             uint64 `json:"iterations_failed"`
	AdjustmentsApplied uint64 `json:"adjustments_applied"`
	AdjustmentsFailed  uint64 `json:"adjustments_failed"`
	Deferred           uint64 `json:"adjustments_deferred"`
	RankerFallbacks    uint64 `json:"ranker_fallbacks"`
	ReloadsOK          uint64 `json:"reloads_ok"`
	ReloadsFailed      uint64 `json:"reloads_failed"`

	Mode            string        `json:"policy_mode"`
	ConfigChecksum  string        `json:"config_checksum"`
	Rules           int           `json:"rules"`
	Tracked         int           `json:"tracked_groups"`
	LastIteration   time.Time     `json:"last_iteration,omitempty"`
	LastDuration    time.Duration `json:"last_duration_ns"`
	LastError       string        `json:"last_error,omitempty"`
	LastReloadError string        `json:"last_reload_error,omitempty"`
}

// counters are read concurrently by metrics and the API.
type counters struct {
	iterations      atomic.Uint64
	succeeded       atomic.Uint64
	failed          atomic.Uint64
	applied         atomic.Uint64
	applyFailed     atomic.Uint64
	deferred        atomic.Uint64
	rankerFallbacks atomic.Uint64
	reloadsOK       atomic.Uint64
	reloadsFailed   atomic.Uint64
}

type status struct {
	mu              sync.Mutex
	tracked         int
	lastIteration   time.Time
	lastDuration    time.Duration
	lastError       string
	lastReloadError string
}

// Counter names a monotonically increasing governor counter.
type Counter int

const (
	CounterIterations Counter = iota
	CounterSucceeded
	CounterFailed
	CounterApplied
	CounterApplyFailed
	CounterDeferred
	CounterRankerFallbacks
	CounterReloadsOK
	CounterReloadsFailed
)

// Counter returns the current value of one counter.
func (g *Governor) Counter(c Counter) uint64 {
	switch c {
	case CounterIterations:
		return g.counters.iterations.Load()
	case CounterSucceeded:
		return g.counters.succeeded.Load()
	case CounterFailed:
		return g.counters.failed.Load()
	case CounterApplied:
		return g.counters.applied.Load()
	case CounterApplyFailed:
		return g.counters.applyFailed.Load()
	case CounterDeferred:
		return g.counters.deferred.Load()
	case CounterRankerFallbacks:
		return g.counters.rankerFallbacks.Load()
	case CounterReloadsOK:
		return g.counters.reloadsOK.Load()
	case CounterReloadsFailed:
		return g.counters.reloadsFailed.Load()
	}
	return 0
}

// Stats returns a copy of the counters and status.
func (g *Governor) Stats() Stats {
	snap := g.snap.Load()
	s := Stats{
		Iterations:         g.counters.iterations.Load(),
		Succeeded:          g.counters.succeeded.Load(),
		Failed:             g.counters.failed.Load(),
		AdjustmentsApplied: g.counters.applied.Load(),
		AdjustmentsFailed:  g.counters.applyFailed.Load(),
		Deferred:           g.counters.deferred.Load(),
		RankerFallbacks:    g.counters.rankerFallbacks.Load(),
		ReloadsOK:          g.counters.reloadsOK.Load(),
		ReloadsFailed:      g.counters.reloadsFailed.Load(),
		Mode:               string(snap.cfg.Governor.PolicyMode),
		ConfigChecksum:     snap.checksum,
		Rules:              snap.rules.Len(),
	}
	g.status.mu.Lock()
	s.Tracked = g.status.tracked
	s.LastIteration = g.status.lastIteration
	s.LastDuration = g.status.lastDuration
	s.LastError = g.status.lastError
	s.LastReloadError = g.status.lastReloadError
	g.status.mu.Unlock()
	return s
}
