package rules

import (
	"fmt"
	"sort"

	"prio-governor/internal/qos"
)

// RuleSet is an immutable, validated catalogue. It is built once per load and
// swapped as a whole; nothing mutates it afterwards.
type RuleSet struct {
	types     map[string]*BehaviorType
	rules     []*Rule
	layerRank map[Layer]int
	order     []Layer
}

// NewRuleSet validates types and rules and sorts rules into resolution order.
// order lists layers from highest to lowest precedence; nil means
// DefaultLayerOrder.
func NewRuleSet(types []BehaviorType, rules []Rule, order []Layer) (*RuleSet, error) {
	if len(order) == 0 {
		order = DefaultLayerOrder
	}
	rank := make(map[Layer]int, len(order))
	for i, l := range order {
		if _, dup := rank[l]; dup {
			return nil, &LoadError{Path: "layer_order", Reason: fmt.Sprintf("layer %q listed twice", l)}
		}
		rank[l] = len(order) - i
	}

	typeMap := make(map[string]*BehaviorType, len(types))
	for i := range types {
		t := types[i]
		if t.Name == "" {
			return nil, &LoadError{Path: t.Source.Path, Reason: fmt.Sprintf("type #%d has no name", t.Source.Index)}
		}
		if err := validateType(&t); err != nil {
			return nil, &LoadError{Path: t.Source.Path, Reason: fmt.Sprintf("type %s: %v", t.Name, err)}
		}
		if _, dup := typeMap[t.Name]; dup {
			return nil, &LoadError{Path: t.Source.Path, Reason: fmt.Sprintf("type %s defined twice", t.Name)}
		}
		typeMap[t.Name] = &t
	}

	sorted := make([]*Rule, 0, len(rules))
	for i := range rules {
		r := rules[i]
		if _, ok := rank[r.Layer]; !ok {
			return nil, &LoadError{Path: r.Source.Path, Rule: r.ID(), Reason: fmt.Sprintf("layer %q is not in the layer order", r.Layer)}
		}
		if r.Match.Empty() {
			return nil, &LoadError{Path: r.Source.Path, Rule: r.ID(), Reason: "rule has no match predicate"}
		}
		if r.Type == "" {
			return nil, &LoadError{Path: r.Source.Path, Rule: r.ID(), Reason: "rule has no target type"}
		}
		if _, ok := typeMap[r.Type]; !ok {
			return nil, &LoadError{Path: r.Source.Path, Rule: r.ID(), Reason: fmt.Sprintf("undefined type %q", r.Type)}
		}
		if err := validateOverrides(r.Overrides); err != nil {
			return nil, &LoadError{Path: r.Source.Path, Rule: r.ID(), Reason: err.Error()}
		}
		sorted = append(sorted, &r)
	}

	rs := &RuleSet{types: typeMap, layerRank: rank, order: append([]Layer(nil), order...)}
	sort.SliceStable(sorted, func(i, j int) bool { return rs.precedes(sorted[i], sorted[j]) })
	rs.rules = sorted
	return rs, nil
}

// precedes is the total resolution order: layer precedence, then explicit
// priority, then file path, then declaration index.
func (rs *RuleSet) precedes(a, b *Rule) bool {
	if ra, rb := rs.layerRank[a.Layer], rs.layerRank[b.Layer]; ra != rb {
		return ra > rb
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Source.Path != b.Source.Path {
		return a.Source.Path < b.Source.Path
	}
	return a.Source.Index < b.Source.Index
}

// Type returns the named behavior type or nil.
func (rs *RuleSet) Type(name string) *BehaviorType {
	if rs == nil {
		return nil
	}
	return rs.types[name]
}

// Rules returns the rules in resolution order.
func (rs *RuleSet) Rules() []Rule {
	if rs == nil {
		return nil
	}
	out := make([]Rule, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = *r
	}
	return out
}

func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

func (rs *RuleSet) TypeCount() int {
	if rs == nil {
		return 0
	}
	return len(rs.types)
}

// LayerOrder returns the precedence order in effect.
func (rs *RuleSet) LayerOrder() []Layer {
	return append([]Layer(nil), rs.order...)
}

func validateType(t *BehaviorType) error {
	if err := t.Nice.Valid(qos.MinNice, qos.MaxNice); err != nil {
		return fmt.Errorf("nice: %w", err)
	}
	if err := t.LatencyNice.Valid(qos.MinLatencyNice, qos.MaxLatencyNice); err != nil {
		return fmt.Errorf("latency_nice: %w", err)
	}
	if err := t.IOLevel.Valid(qos.MinIOLevel, qos.MaxIOLevel); err != nil {
		return fmt.Errorf("ionice_level: %w", err)
	}
	if err := t.CPUWeight.Valid(qos.MinCPUWeight, qos.MaxCPUWeight); err != nil {
		return fmt.Errorf("cgroup_cpu_weight: %w", err)
	}
	return nil
}

func validateOverrides(o qos.Overrides) error {
	check := func(name string, v *int, lo, hi int) error {
		if v != nil && (*v < lo || *v > hi) {
			return fmt.Errorf("override %s=%d outside [%d,%d]", name, *v, lo, hi)
		}
		return nil
	}
	if err := check("nice", o.Nice, qos.MinNice, qos.MaxNice); err != nil {
		return err
	}
	if err := check("latency_nice", o.LatencyNice, qos.MinLatencyNice, qos.MaxLatencyNice); err != nil {
		return err
	}
	if err := check("ionice_level", o.IOLevel, qos.MinIOLevel, qos.MaxIOLevel); err != nil {
		return err
	}
	return check("cgroup_cpu_weight", o.CPUWeight, qos.MinCPUWeight, qos.MaxCPUWeight)
}
