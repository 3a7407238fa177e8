package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"prio-governor/internal/governor"
)

type fakeSource struct {
	counts map[governor.Counter]uint64
	stats  governor.Stats
}

func (f *fakeSource) Counter(c governor.Counter) uint64 { return f.counts[c] }
func (f *fakeSource) Stats() governor.Stats             { return f.stats }

func TestCollectorsReadAtScrape(t *testing.T) {
	src := &fakeSource{
		counts: map[governor.Counter]uint64{governor.CounterIterations: 3, governor.CounterApplied: 5},
		stats:  governor.Stats{Tracked: 12, LastDuration: 250 * time.Millisecond},
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(Collectors(src)...)

	expected := `
# HELP prio_governor_adjustments_applied_total Parameter changes applied to processes.
# TYPE prio_governor_adjustments_applied_total counter
prio_governor_adjustments_applied_total 5
# HELP prio_governor_iterations_total Iterations started.
# TYPE prio_governor_iterations_total counter
prio_governor_iterations_total 3
# HELP prio_governor_tracked_groups Groups currently held by the hysteresis tracker.
# TYPE prio_governor_tracked_groups gauge
prio_governor_tracked_groups 12
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"prio_governor_iterations_total", "prio_governor_adjustments_applied_total", "prio_governor_tracked_groups"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}

	src.counts[governor.CounterIterations] = 4
	if got := testutil.ToFloat64(Collectors(src)[0]); got != 4 {
		t.Fatalf("expected iterations 4 after update, got %v", got)
	}
}

func TestNewRegistryGathers(t *testing.T) {
	reg := NewRegistry(&fakeSource{counts: map[governor.Counter]uint64{}})
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) < len(counterDefs) {
		t.Fatalf("expected at least %d families, got %d", len(counterDefs), len(families))
	}
}
