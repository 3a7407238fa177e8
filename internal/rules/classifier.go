package rules

import (
	"path/filepath"
	"sort"
	"strings"

	"prio-governor/internal/qos"
	"prio-governor/internal/telemetry"
)

// Classification is the classifier's verdict for one process.
type Classification struct {
	Type      string
	Tags      []string
	Overrides qos.Overrides
	Rule      *Rule
}

func (c Classification) Matched() bool { return c.Rule != nil }

// Classify evaluates every rule against p. parent may be nil. The selected
// rule is the first match in resolution order; tags are the union over all
// matching rules whose layer is at or above the selected rule's layer.
func (rs *RuleSet) Classify(p *telemetry.ProcessEntity, parent *telemetry.ProcessEntity) Classification {
	if rs == nil || p == nil {
		return Classification{}
	}
	var selected *Rule
	tags := make(map[string]struct{})
	for _, r := range rs.rules {
		if !matches(&r.Match, p, parent) {
			continue
		}
		if selected == nil {
			selected = r
		} else if rs.layerRank[r.Layer] < rs.layerRank[selected.Layer] {
			// rules are sorted, so no later match can be in a higher layer
			break
		}
		for _, t := range r.Tags {
			tags[t] = struct{}{}
		}
	}
	if selected == nil {
		return Classification{}
	}
	out := Classification{
		Type:      selected.Type,
		Overrides: selected.Overrides,
		Rule:      selected,
	}
	for t := range tags {
		out.Tags = append(out.Tags, t)
	}
	sort.Strings(out.Tags)
	return out
}

// ClassifyAll stamps type, tags and overrides onto every process. Tags are
// appended to any tags the process already carries.
func (rs *RuleSet) ClassifyAll(procs []telemetry.ProcessEntity) {
	byPID := make(map[int]*telemetry.ProcessEntity, len(procs))
	for i := range procs {
		byPID[procs[i].PID] = &procs[i]
	}
	for i := range procs {
		p := &procs[i]
		c := rs.Classify(p, byPID[p.PPID])
		if !c.Matched() {
			continue
		}
		p.BehaviorType = c.Type
		p.Overrides = c.Overrides
		p.MatchedRule = c.Rule.ID()
		for _, t := range c.Tags {
			if !p.HasTag(t) {
				p.Tags = append(p.Tags, t)
			}
		}
	}
}

// ResolveGroups fills in the classification of groups whose root process is
// unmatched, using the member whose selected rule comes first in resolution
// order. Groups with a classified root keep the root's verdict.
func (rs *RuleSet) ResolveGroups(groups []telemetry.AppGroupEntity, procs []telemetry.ProcessEntity) {
	byPID := make(map[int]*telemetry.ProcessEntity, len(procs))
	for i := range procs {
		byPID[procs[i].PID] = &procs[i]
	}
	for gi := range groups {
		g := &groups[gi]
		if g.BehaviorType != "" {
			continue
		}
		var best *Rule
		var bestProc *telemetry.ProcessEntity
		for _, pid := range g.Members {
			p := byPID[pid]
			if p == nil || p.BehaviorType == "" {
				continue
			}
			c := rs.Classify(p, byPID[p.PPID])
			if !c.Matched() {
				continue
			}
			if best == nil || rs.precedes(c.Rule, best) {
				best, bestProc = c.Rule, p
			}
		}
		if best != nil {
			g.BehaviorType = bestProc.BehaviorType
			g.Overrides = bestProc.Overrides
			g.MatchedRule = bestProc.MatchedRule
		}
	}
}

func matches(m *Match, p *telemetry.ProcessEntity, parent *telemetry.ProcessEntity) bool {
	if m.Name != "" && m.Name != p.Name && m.Name != filepath.Base(p.Exe) {
		return false
	}
	if m.Exe != "" && m.Exe != p.Exe {
		return false
	}
	for _, sub := range m.Cmdline {
		if !strings.Contains(p.Cmdline, sub) {
			return false
		}
	}
	if m.Parent != "" {
		if parent == nil || (m.Parent != parent.Name && m.Parent != filepath.Base(parent.Exe)) {
			return false
		}
	}
	if m.Cgroup != "" && !strings.Contains(p.CgroupPath, m.Cgroup) {
		return false
	}
	if m.User != "" && m.User != p.User {
		return false
	}
	if m.Container != "" && m.Container != p.Container {
		return false
	}
	for k, v := range m.Env {
		if got, ok := p.Env[k]; !ok || got != v {
			return false
		}
	}
	return true
}
