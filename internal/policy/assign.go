// Package policy bins scored application groups into QoS classes and applies
// the guardrails that may override the bins. Everything here is a pure
// function of its inputs.
package policy

import (
	"math"
	"sort"

	"prio-governor/internal/config"
	"prio-governor/internal/qos"
	"prio-governor/internal/ranker"
)

// boundaryEpsilon absorbs float error in N*cumulative fraction products such
// as 100*0.95 = 95.00000000000001.
const boundaryEpsilon = 1e-9

// Scored is one candidate entering class assignment.
type Scored struct {
	ID    string
	Score float64
}

// Blend carries the hybrid-mode inputs. A nil *Blend means rules-only.
type Blend struct {
	RuleWeight          float64
	MLWeight            float64
	ConfidenceThreshold float64
	Rankings            map[string]ranker.Ranking
}

// NewBlend builds the hybrid inputs from configuration and ranker output.
func NewBlend(cfg config.HybridConfig, rankings map[string]ranker.Ranking) *Blend {
	return &Blend{
		RuleWeight:          cfg.RuleWeight,
		MLWeight:            cfg.MLWeight,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		Rankings:            rankings,
	}
}

// Keyed is a candidate with its ranking key.
type Keyed struct {
	ID    string
	Score float64
	Key   float64
	// Model is the ranker's opinion, if it had one; Trusted reports whether
	// it took part in Key.
	Model   *ranker.Ranking
	Trusted bool
}

// RankingKeys computes the ordering key of each candidate. Rules-only keys
// are the raw scores. In hybrid mode rule scores are min-max normalized over
// the candidate set and blended with the clamped model score using the
// normalized weights; a candidate without a ranking, or whose confidence is
// below the threshold, keeps its normalized rule score alone.
func RankingKeys(scored []Scored, blend *Blend) []Keyed {
	out := make([]Keyed, len(scored))
	if blend == nil {
		for i, s := range scored {
			out[i] = Keyed{ID: s.ID, Score: s.Score, Key: s.Score}
		}
		return out
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range scored {
		lo = math.Min(lo, s.Score)
		hi = math.Max(hi, s.Score)
	}
	rw, mw := blend.RuleWeight, blend.MLWeight
	if sum := rw + mw; sum > 0 {
		rw, mw = rw/sum, mw/sum
	} else {
		rw, mw = 1, 0
	}

	for i, s := range scored {
		norm := 0.5
		if hi > lo {
			norm = (s.Score - lo) / (hi - lo)
		}
		k := Keyed{ID: s.ID, Score: s.Score, Key: norm}
		if r, ok := blend.Rankings[s.ID]; ok {
			r := r
			k.Model = &r
			if mw > 0 && r.Confidence >= blend.ConfidenceThreshold {
				k.Trusted = true
				k.Key = rw*norm + mw*clamp01(r.Score)
			}
		}
		out[i] = k
	}
	return out
}

// Boundaries returns the exclusive end index of each of the four upper
// classes in a candidate list of length n sorted best first. Candidates at
// or past the last boundary are IDLE. Boundaries never decrease, and with a
// positive top fraction the first candidate is always CRIT_INTERACTIVE.
func Boundaries(n int, fractions [4]float64) [4]int {
	var b [4]int
	cum := 0.0
	prev := 0
	for k, f := range fractions {
		if f > 0 {
			cum += f
		}
		v := int(math.Floor(float64(n)*cum + 0.5 + boundaryEpsilon))
		if v > n {
			v = n
		}
		if v < prev {
			v = prev
		}
		if k == 0 && n > 0 && f > 0 && v == 0 {
			v = 1
		}
		b[k] = v
		prev = v
	}
	return b
}

// bandClasses lists the classes in band order.
var bandClasses = [5]qos.Class{qos.CritInteractive, qos.Interactive, qos.Normal, qos.Background, qos.Idle}

// Partition sorts keyed candidates by key, best first, with ties kept in
// input order, and cuts the order at the percentile boundaries. Every
// candidate receives exactly one class. It returns the classes and the
// sorted order.
func Partition(keys []Keyed, fractions [4]float64) (map[string]qos.Class, []Keyed) {
	sorted := append([]Keyed(nil), keys...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key > sorted[j].Key })

	b := Boundaries(len(sorted), fractions)
	classes := make(map[string]qos.Class, len(sorted))
	band := 0
	for i, k := range sorted {
		for band < 4 && i >= b[band] {
			band++
		}
		classes[k.ID] = bandClasses[band]
	}
	return classes, sorted
}

// AssignClasses is class assignment in one call: ranking keys, then the
// percentile partition. An empty candidate set yields an empty map.
func AssignClasses(scored []Scored, th config.Thresholds, blend *Blend) map[string]qos.Class {
	classes, _ := Partition(RankingKeys(scored, blend), th.Fractions())
	return classes
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}
