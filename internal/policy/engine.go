package policy

import (
	"fmt"
	"strings"
	"time"

	"prio-governor/internal/config"
	"prio-governor/internal/qos"
	"prio-governor/internal/ranker"
	"prio-governor/internal/rules"
	"prio-governor/internal/scoring"
	"prio-governor/internal/telemetry"
)

// History is the read-only view of past decisions the build grace guardrail
// needs. The hysteresis tracker implements it.
type History interface {
	// LastInteractive reports the last time the group's stable class was
	// INTERACTIVE or above, and which class that was.
	LastInteractive(groupID string) (qos.Class, time.Time, bool)
}

// Candidate is a scored group; Index points into Input.Groups.
type Candidate struct {
	Index     int
	Breakdown scoring.Breakdown
}

// Input is everything one Decide call sees. It must not be mutated while
// Decide runs.
type Input struct {
	Now        time.Time
	Groups     []telemetry.AppGroupEntity
	Candidates []Candidate
	Excluded   map[string]scoring.Exclusion
	Pressure   telemetry.Pressure
	UserIdle   time.Duration
	// Rankings and RankerErr are only consulted in hybrid mode.
	Rankings  map[string]ranker.Ranking
	RankerErr error
	History   History
}

// Decision is the instantaneous verdict for one group together with the
// trail that explains it.
type Decision struct {
	GroupID      string             `json:"group"`
	RootPID      int                `json:"root_pid"`
	Name         string             `json:"name"`
	Members      []int              `json:"members"`
	BehaviorType string             `json:"behavior_type,omitempty"`
	MatchedRule  string             `json:"matched_rule,omitempty"`
	Tags         []string           `json:"tags,omitempty"`
	Candidate    bool               `json:"candidate"`
	Score        float64            `json:"score"`
	Key          float64            `json:"key"`
	Rank         int                `json:"rank,omitempty"`
	Breakdown    *scoring.Breakdown `json:"breakdown,omitempty"`
	Model        *ranker.Ranking    `json:"model,omitempty"`
	ModelTrusted bool               `json:"model_trusted"`
	Binned       qos.Class          `json:"binned_class"`
	Class        qos.Class          `json:"class"`
	// Forced marks a pressure demotion to BACKGROUND, which bypasses dwell.
	Forced    bool          `json:"forced"`
	Overrides qos.Overrides `json:"overrides"`
	Reasons   []string      `json:"reasons"`
}

func (d *Decision) because(format string, args ...interface{}) {
	d.Reasons = append(d.Reasons, fmt.Sprintf(format, args...))
}

// Engine holds the policy settings of one configuration snapshot.
type Engine struct {
	Mode       config.PolicyMode
	Thresholds config.Thresholds
	Hybrid     config.HybridConfig
	BuildTags  []string
}

func NewEngine(cfg *config.Config) *Engine {
	return &Engine{
		Mode:       cfg.Governor.PolicyMode,
		Thresholds: cfg.Thresholds,
		Hybrid:     cfg.Hybrid,
		BuildTags:  cfg.Rules.BuildTags,
	}
}

// SuppressFocus reports whether the user has been idle long enough that
// focus must stop contributing to scores.
func (e *Engine) SuppressFocus(userIdle time.Duration) bool {
	timeout := e.Thresholds.UserIdleTimeout()
	return timeout > 0 && userIdle > timeout
}

// Decide returns one decision per group, in group order. Guardrails run after
// binning in fixed order: rule overrides, build grace, user idle, pressure
// demotion; a later guardrail overrides an earlier one. Rule overrides act on
// parameters, not on the class, so they survive every class change.
func (e *Engine) Decide(in Input) []Decision {
	decisions := make([]Decision, len(in.Groups))
	byID := make(map[string]int, len(in.Groups))
	for i := range in.Groups {
		g := &in.Groups[i]
		byID[g.ID] = i
		decisions[i] = Decision{
			GroupID:      g.ID,
			RootPID:      g.RootPID,
			Name:         g.Name,
			Members:      append([]int(nil), g.Members...),
			BehaviorType: g.BehaviorType,
			MatchedRule:  g.MatchedRule,
			Tags:         append([]string(nil), g.Tags...),
			Overrides:    g.Overrides,
		}
		if g.MatchedRule != "" {
			decisions[i].because("rule %s: type %s", g.MatchedRule, g.BehaviorType)
		}
	}

	e.bin(in, decisions, byID)

	for i := range decisions {
		d := &decisions[i]
		d.Class = d.Binned
		if fields := d.Overrides.Fields(); len(fields) > 0 {
			d.because("rule override: %s", strings.Join(fields, " "))
		}
	}
	e.buildGrace(in, decisions, byID)
	for i := range decisions {
		d := &decisions[i]
		if d.Breakdown != nil && d.Breakdown.FocusSuppressed {
			d.because("user idle %s > %s: focus contribution suppressed",
				in.UserIdle.Round(time.Second), e.Thresholds.UserIdleTimeout())
		}
	}
	for i := range decisions {
		e.pressureDemotion(in, &in.Groups[i], &decisions[i])
	}
	return decisions
}

func (e *Engine) bin(in Input, decisions []Decision, byID map[string]int) {
	for id, ex := range in.Excluded {
		if i, ok := byID[id]; ok {
			decisions[i].Binned = ex.Class
			decisions[i].because("not scored (%s) → %s", ex.Reason, ex.Class)
		}
	}

	scored := make([]Scored, len(in.Candidates))
	for j, c := range in.Candidates {
		b := c.Breakdown
		d := &decisions[c.Index]
		d.Candidate = true
		d.Breakdown = &b
		d.Score = b.Total()
		scored[j] = Scored{ID: d.GroupID, Score: d.Score}
	}

	var blend *Blend
	if e.Mode == config.ModeHybrid {
		if in.RankerErr != nil {
			for _, c := range in.Candidates {
				decisions[c.Index].because("ranker unavailable, rules only: %v", in.RankerErr)
			}
		} else {
			blend = NewBlend(e.Hybrid, in.Rankings)
		}
	}

	classes, order := Partition(RankingKeys(scored, blend), e.Thresholds.Fractions())
	for rank, k := range order {
		d := &decisions[byID[k.ID]]
		d.Key = k.Key
		d.Rank = rank + 1
		d.Model = k.Model
		d.ModelTrusted = k.Trusted
		d.Binned = classes[k.ID]
		switch {
		case blend == nil:
			d.because("score %.3f (%s), rank %d/%d → %s", d.Score, d.Breakdown, d.Rank, len(order), d.Binned)
		case k.Trusted:
			d.because("hybrid key %.3f (model %.3f @ confidence %.2f), rank %d/%d → %s",
				k.Key, k.Model.Score, k.Model.Confidence, d.Rank, len(order), d.Binned)
		case k.Model != nil:
			d.because("model confidence %.2f < %.2f, rule score only: key %.3f, rank %d/%d → %s",
				k.Model.Confidence, e.Hybrid.ConfidenceThreshold, k.Key, d.Rank, len(order), d.Binned)
		default:
			d.because("no model ranking, rule score only: key %.3f, rank %d/%d → %s", k.Key, d.Rank, len(order), d.Binned)
		}
	}
}

// buildGrace keeps a build-tagged group at its parent group's class while
// the parent is interactive, and for the grace period after it stopped being
// interactive. Parent classes are read before any group is adjusted.
func (e *Engine) buildGrace(in Input, decisions []Decision, byID map[string]int) {
	if len(e.BuildTags) == 0 {
		return
	}
	grace := e.Thresholds.BuildGrace()
	parentClass := make([]qos.Class, len(decisions))
	for i := range decisions {
		parentClass[i] = decisions[i].Class
	}
	for i := range in.Groups {
		g := &in.Groups[i]
		if g.ParentGroupID == "" || !e.isBuild(g) {
			continue
		}
		d := &decisions[i]
		if pi, ok := byID[g.ParentGroupID]; ok && parentClass[pi].AtLeast(qos.Interactive) {
			d.Class = parentClass[pi]
			d.because("build grace: parent %s is %s", g.ParentGroupID, d.Class)
			continue
		}
		if in.History == nil || grace <= 0 {
			continue
		}
		if cls, at, ok := in.History.LastInteractive(g.ParentGroupID); ok && in.Now.Sub(at) <= grace {
			d.Class = cls
			d.because("build grace: parent %s was %s %s ago (grace %s)",
				g.ParentGroupID, cls, in.Now.Sub(at).Round(time.Second), grace)
		}
	}
}

func (e *Engine) isBuild(g *telemetry.AppGroupEntity) bool {
	for _, t := range e.BuildTags {
		if g.HasTag(t) {
			return true
		}
	}
	return false
}

// pressureDemotion pins a noisy neighbour to BACKGROUND, whatever its bin,
// while the resource it saturates is under pressure.
func (e *Engine) pressureDemotion(in Input, g *telemetry.AppGroupEntity, d *Decision) {
	th := e.Thresholds
	var why string
	switch {
	case th.PSICPUSomeHigh > 0 && in.Pressure.CPU.Some.Avg10 > th.PSICPUSomeHigh && g.CPUShare1s > th.NoisyNeighbourCPUShare:
		why = fmt.Sprintf("cpu psi some %.1f > %.1f and cpu share %.3f > %.3f",
			in.Pressure.CPU.Some.Avg10, th.PSICPUSomeHigh, g.CPUShare1s, th.NoisyNeighbourCPUShare)
	case th.PSIIOSomeHigh > 0 && in.Pressure.IO.Some.Avg10 > th.PSIIOSomeHigh && g.IOShare > th.NoisyNeighbourIOShare:
		why = fmt.Sprintf("io psi some %.1f > %.1f and io share %.3f > %.3f",
			in.Pressure.IO.Some.Avg10, th.PSIIOSomeHigh, g.IOShare, th.NoisyNeighbourIOShare)
	default:
		return
	}
	d.Forced = true
	d.Class = qos.Background
	d.because("pressure demotion: %s → %s", why, d.Class)
}

// ParamsFor derives concrete parameters: the class envelope, clamped into the
// behavior type's ranges, then the rule overrides.
func ParamsFor(class qos.Class, bt *rules.BehaviorType, ov qos.Overrides) qos.Params {
	return ov.Apply(bt.Constrain(qos.Envelope(class)))
}
