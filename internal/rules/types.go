// Package rules holds the behavioral type catalogue and the layered rule set
// that maps processes onto it.
//
// Rules live in per-layer directories of YAML files. Resolution between
// matching rules is fully determined by (layer precedence, explicit priority,
// file path, declaration index); map iteration order never influences it.
package rules

import (
	"fmt"
	"strings"

	"prio-governor/internal/qos"
)

// Layer is the origin of a rule file.
type Layer string

const (
	LayerVendor  Layer = "vendor"
	LayerDistro  Layer = "distro"
	LayerUser    Layer = "user"
	LayerRuntime Layer = "runtime"
)

// DefaultLayerOrder lists layers from highest to lowest precedence.
var DefaultLayerOrder = []Layer{LayerUser, LayerDistro, LayerVendor, LayerRuntime}

func ParseLayer(s string) (Layer, error) {
	switch l := Layer(strings.ToLower(strings.TrimSpace(s))); l {
	case LayerVendor, LayerDistro, LayerUser, LayerRuntime:
		return l, nil
	}
	return "", fmt.Errorf("unknown rule layer %q", s)
}

// BehaviorType is a named envelope of acceptable scheduling parameters.
type BehaviorType struct {
	Name        string
	Nice        qos.Range
	LatencyNice qos.Range
	IOClass     *qos.IOClass
	IOLevel     qos.Range
	CPUWeight   qos.Range
	Source      Source
}

// Constrain clamps p into the type's ranges.
func (t *BehaviorType) Constrain(p qos.Params) qos.Params {
	if t == nil {
		return p
	}
	p.Nice = t.Nice.Clamp(p.Nice)
	p.LatencyNice = t.LatencyNice.Clamp(p.LatencyNice)
	if t.IOClass != nil {
		p.IOClass = *t.IOClass
	}
	p.IOLevel = t.IOLevel.Clamp(p.IOLevel)
	p.CPUWeight = t.CPUWeight.Clamp(p.CPUWeight)
	return p
}

// LatencySensitivity maps the latency-nice envelope onto [-1, 1]; more
// latency-sensitive types get larger values. Types without a latency-nice
// range are neutral.
func (t *BehaviorType) LatencySensitivity() float64 {
	if t == nil || !t.LatencyNice.Set {
		return 0
	}
	v := -t.LatencyNice.Mid() / 20
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// Match is a conjunction of predicates. Empty fields are ignored; a Match with
// no predicate at all is rejected at load time.
type Match struct {
	Name      string
	Exe       string
	Cmdline   []string
	Parent    string
	Cgroup    string
	User      string
	Container string
	Env       map[string]string
}

func (m Match) Empty() bool {
	return m.Name == "" && m.Exe == "" && len(m.Cmdline) == 0 && m.Parent == "" &&
		m.Cgroup == "" && m.User == "" && m.Container == "" && len(m.Env) == 0
}

// Source locates a declaration for tie-breaks and error messages.
type Source struct {
	Path  string
	Index int
}

func (s Source) String() string {
	return fmt.Sprintf("%s#%d", s.Path, s.Index)
}

// Rule binds a Match to a BehaviorType.
type Rule struct {
	Name      string
	Layer     Layer
	Priority  int
	Match     Match
	Type      string
	Tags      []string
	Overrides qos.Overrides
	Source    Source
}

// ID is a human readable identifier used in reason trails.
func (r *Rule) ID() string {
	if r.Name != "" {
		return fmt.Sprintf("%s:%s", r.Layer, r.Name)
	}
	return fmt.Sprintf("%s:%s", r.Layer, r.Source)
}

// LoadError reports why a rule set was rejected.
type LoadError struct {
	Path   string
	Rule   string
	Reason string
}

func (e *LoadError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("%s: rule %s: %s", e.Path, e.Rule, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}
