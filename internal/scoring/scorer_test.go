package scoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prio-governor/internal/config"
	"prio-governor/internal/qos"
	"prio-governor/internal/rules"
	"prio-governor/internal/telemetry"
)

func testScorer(t *testing.T) *Scorer {
	t.Helper()
	rs, err := rules.NewRuleSet([]rules.BehaviorType{
		{Name: "Game", LatencyNice: qos.NewRange(-15, -10)},
		{Name: "Batch", LatencyNice: qos.NewRange(19, 19)},
	}, nil, nil)
	require.NoError(t, err)
	return &Scorer{Weights: config.Default().Scoring, Types: rs}
}

func TestScoreSignals(t *testing.T) {
	s := testScorer(t)
	w := s.Weights

	b := s.Score(&telemetry.AppGroupEntity{Focused: true, HasGUI: true}, telemetry.Pressure{}, false)
	assert.Equal(t, w.Focus+w.GUI, b.Total())

	b = s.Score(&telemetry.AppGroupEntity{Focused: true}, telemetry.Pressure{}, true)
	assert.Equal(t, 0.0, b.Focus)
	assert.True(t, b.FocusSuppressed)
	assert.Contains(t, b.String(), "focus suppressed")

	game := s.Score(&telemetry.AppGroupEntity{BehaviorType: "Game"}, telemetry.Pressure{}, false)
	batch := s.Score(&telemetry.AppGroupEntity{BehaviorType: "Batch"}, telemetry.Pressure{}, false)
	unknown := s.Score(&telemetry.AppGroupEntity{BehaviorType: "Nope"}, telemetry.Pressure{}, false)
	assert.Greater(t, game.Total(), unknown.Total())
	assert.Less(t, batch.Total(), unknown.Total())
}

func TestScorePressureDamping(t *testing.T) {
	s := testScorer(t)
	g := &telemetry.AppGroupEntity{CPUShare1s: 0.5, IOShare: 0.5}

	calm := s.Score(g, telemetry.Pressure{}, false)
	var p telemetry.Pressure
	p.CPU.Some.Avg10 = 50
	p.IO.Some.Avg10 = 100
	busy := s.Score(g, p, false)

	assert.InDelta(t, calm.CPU/2, busy.CPU, 1e-9)
	assert.Equal(t, 0.0, busy.IO)
}

func TestScoreMonotonic(t *testing.T) {
	s := testScorer(t)
	var p telemetry.Pressure
	p.CPU.Some.Avg10 = 30

	base := telemetry.AppGroupEntity{CPUShare1s: 0.1, IOShare: 0.1}
	prev := s.Score(&base, p, false).Total()
	steps := []func(g *telemetry.AppGroupEntity){
		func(g *telemetry.AppGroupEntity) { g.CPUShare1s = 0.4 },
		func(g *telemetry.AppGroupEntity) { g.IOShare = 0.3 },
		func(g *telemetry.AppGroupEntity) { g.HasGUI = true },
		func(g *telemetry.AppGroupEntity) { g.AudioActive = true },
		func(g *telemetry.AppGroupEntity) { g.Focused = true },
	}
	for i, step := range steps {
		step(&base)
		got := s.Score(&base, p, false).Total()
		assert.GreaterOrEqual(t, got, prev, "step %d", i)
		prev = got
	}
}

func TestScoreDeterministic(t *testing.T) {
	s := testScorer(t)
	g := &telemetry.AppGroupEntity{CPUShare1s: 0.33, IOShare: 0.12, HasGUI: true, BehaviorType: "Game"}
	first := s.Score(g, telemetry.Pressure{}, false)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, s.Score(g, telemetry.Pressure{}, false))
	}
}

func TestCoarseFilter(t *testing.T) {
	groups := []telemetry.AppGroupEntity{
		{ID: "g1", RootPID: 1},
		{ID: "g2", RootPID: 2, CPUShare10s: 0.01},
		{ID: "g3", RootPID: 3, CPUShare10s: 0.30},
		{ID: "g4", RootPID: 4, HasGUI: true},
		{ID: "g5", RootPID: 5, CPUShare10s: 0.30},
		{ID: "g6", RootPID: 6, IOShare: 0.2},
	}

	cands, excluded := CoarseFilter(groups, 0)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, cands)
	assert.Equal(t, qos.Idle, excluded["g1"].Class)

	cands, excluded = CoarseFilter(groups, 3)
	assert.Equal(t, []int{2, 3, 4}, cands, "gui first, then cpu10s desc, then root pid")
	assert.Equal(t, qos.Background, excluded["g2"].Class)
	assert.Equal(t, qos.Background, excluded["g6"].Class)
	assert.Len(t, excluded, 3)

	for i := 0; i < len(groups); i++ {
		_, ex := excluded[groups[i].ID]
		in := false
		for _, c := range cands {
			in = in || c == i
		}
		assert.True(t, ex != in, fmt.Sprintf("group %s must be either candidate or excluded", groups[i].ID))
	}
}

func TestCoarseFilterEmpty(t *testing.T) {
	cands, excluded := CoarseFilter(nil, 10)
	assert.Empty(t, cands)
	assert.Empty(t, excluded)
}
