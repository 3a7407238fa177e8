// Package scoring computes the interactivity score of application groups and
// bounds how many of them are scored per iteration.
package scoring

import (
	"fmt"
	"sort"
	"strings"

	"prio-governor/internal/config"
	"prio-governor/internal/qos"
	"prio-governor/internal/rules"
	"prio-governor/internal/telemetry"
)

// Breakdown holds the contribution of each signal to a score.
type Breakdown struct {
	Focus   float64 `json:"focus"`
	Audio   float64 `json:"audio"`
	GUI     float64 `json:"gui"`
	CPU     float64 `json:"cpu"`
	IO      float64 `json:"io"`
	Latency float64 `json:"latency"`

	FocusSuppressed bool `json:"focus_suppressed,omitempty"`
}

func (b Breakdown) Total() float64 {
	return b.Focus + b.Audio + b.GUI + b.CPU + b.IO + b.Latency
}

func (b Breakdown) String() string {
	parts := make([]string, 0, 7)
	for _, kv := range []struct {
		k string
		v float64
	}{{"focus", b.Focus}, {"audio", b.Audio}, {"gui", b.GUI}, {"cpu", b.CPU}, {"io", b.IO}, {"latency", b.Latency}} {
		if kv.v != 0 {
			parts = append(parts, fmt.Sprintf("%s=%.3f", kv.k, kv.v))
		}
	}
	if b.FocusSuppressed {
		parts = append(parts, "focus suppressed (user idle)")
	}
	if len(parts) == 0 {
		return "no signal"
	}
	return strings.Join(parts, " ")
}

// Scorer is a pure function of its inputs. Types resolves behavior type
// names and may be nil.
type Scorer struct {
	Weights config.ScoringWeights
	Types   *rules.RuleSet
}

// Score rates one group. CPU and IO contributions are damped by the matching
// PSI "some" average, so a saturated resource weighs less, but never below
// zero, which keeps the score non-decreasing in every signal.
func (s *Scorer) Score(g *telemetry.AppGroupEntity, pressure telemetry.Pressure, suppressFocus bool) Breakdown {
	w := s.Weights
	var b Breakdown
	if g.Focused {
		if suppressFocus {
			b.FocusSuppressed = true
		} else {
			b.Focus = w.Focus
		}
	}
	if g.AudioActive {
		b.Audio = w.Audio
	}
	if g.HasGUI {
		b.GUI = w.GUI
	}
	b.CPU = w.CPU * clamp01(g.CPUShare1s) * damping(pressure.CPU.Some.Avg10)
	b.IO = w.IO * clamp01(g.IOShare) * damping(pressure.IO.Some.Avg10)
	b.Latency = w.Latency * s.Types.Type(g.BehaviorType).LatencySensitivity()
	return b
}

func damping(psiPercent float64) float64 {
	return 1 - clamp01(psiPercent/100)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Exclusion is the default class of a group that is not scored.
type Exclusion struct {
	Class  qos.Class
	Reason string
}

// CoarseFilter splits groups into scoring candidates (indexes into groups,
// ascending) and excluded groups. Inactive groups are IDLE. When more than
// maxCandidates groups are active, the least active ones are BACKGROUND:
// groups with a focus, audio or GUI signal go first, then by 10s CPU share,
// then IO share, then root pid.
func CoarseFilter(groups []telemetry.AppGroupEntity, maxCandidates int) ([]int, map[string]Exclusion) {
	excluded := make(map[string]Exclusion)
	active := make([]int, 0, len(groups))
	for i := range groups {
		if groups[i].Active() {
			active = append(active, i)
		} else {
			excluded[groups[i].ID] = Exclusion{Class: qos.Idle, Reason: "inactive: no cpu, io, gui, focus or audio activity"}
		}
	}
	if maxCandidates <= 0 || len(active) <= maxCandidates {
		return active, excluded
	}

	ranked := append([]int(nil), active...)
	sort.SliceStable(ranked, func(a, b int) bool {
		ga, gb := &groups[ranked[a]], &groups[ranked[b]]
		sa, sb := hasUserSignal(ga), hasUserSignal(gb)
		if sa != sb {
			return sa
		}
		if ga.CPUShare10s != gb.CPUShare10s {
			return ga.CPUShare10s > gb.CPUShare10s
		}
		if ga.IOShare != gb.IOShare {
			return ga.IOShare > gb.IOShare
		}
		return ga.RootPID < gb.RootPID
	})
	for _, i := range ranked[maxCandidates:] {
		excluded[groups[i].ID] = Exclusion{
			Class:  qos.Background,
			Reason: fmt.Sprintf("beyond max_candidates=%d", maxCandidates),
		}
	}
	kept := ranked[:maxCandidates]
	sort.Ints(kept)
	return kept, excluded
}

func hasUserSignal(g *telemetry.AppGroupEntity) bool {
	return g.Focused || g.AudioActive || g.HasGUI
}
