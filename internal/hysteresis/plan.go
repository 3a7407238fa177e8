package hysteresis

import (
	"sort"

	"prio-governor/internal/qos"
)

// ProcessTarget is the parameter set one process should carry.
type ProcessTarget struct {
	PID    int
	Params qos.Params
	// Cgroup is the process's cgroup v2 path, if known.
	Cgroup string
}

// GroupTarget is the stable class of one group and the per-process targets
// derived from it.
type GroupTarget struct {
	GroupID string
	RootPID int
	Class   qos.Class
	Procs   []ProcessTarget
}

// Change is one process whose applied parameters differ from its target.
type Change struct {
	GroupID  string      `json:"group"`
	PID      int         `json:"pid"`
	Class    qos.Class   `json:"class"`
	Params   qos.Params  `json:"params"`
	Previous *qos.Params `json:"previous,omitempty"`
	Cgroup   string      `json:"cgroup,omitempty"`
}

// Plan lists the processes whose last successfully applied parameters differ
// from their targets. Groups are taken whole, most severe first: the largest
// class distance from what was last applied (NORMAL for groups never
// applied), demotions before promotions, then lowest root pid. At most
// budget groups are planned; the ids of the remaining groups are returned as
// deferred and keep their previous parameters. budget <= 0 means no limit.
func (t *Tracker) Plan(targets []GroupTarget, budget int) ([]Change, []string) {
	type pending struct {
		target  *GroupTarget
		changes []Change
		delta   int
		demote  bool
	}
	var groups []pending
	for gi := range targets {
		gt := &targets[gi]
		var changes []Change
		for _, p := range gt.Procs {
			a, ok := t.applied[p.PID]
			if ok && a.groupID == gt.GroupID {
				a.seen = t.iteration
				t.applied[p.PID] = a
				if a.params == p.Params {
					continue
				}
			}
			c := Change{GroupID: gt.GroupID, PID: p.PID, Class: gt.Class, Params: p.Params, Cgroup: p.Cgroup}
			if ok && a.groupID == gt.GroupID {
				prev := a.params
				c.Previous = &prev
			}
			changes = append(changes, c)
		}
		if len(changes) == 0 {
			continue
		}
		base := qos.Normal
		if i, ok := t.index[gt.GroupID]; ok && t.slots[i].hasApplied {
			base = t.slots[i].appliedClass
		}
		delta := gt.Class.Rank() - base.Rank()
		demote := delta < 0
		if demote {
			delta = -delta
		}
		groups = append(groups, pending{target: gt, changes: changes, delta: delta, demote: demote})
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.delta != b.delta {
			return a.delta > b.delta
		}
		if a.demote != b.demote {
			return a.demote
		}
		return a.target.RootPID < b.target.RootPID
	})

	var out []Change
	var deferred []string
	for i, g := range groups {
		if budget > 0 && i >= budget {
			deferred = append(deferred, g.target.GroupID)
			continue
		}
		out = append(out, g.changes...)
	}
	return out, deferred
}

// MarkApplied records a successful actuation. Failed actuations are simply
// not marked, so the next Plan offers them again.
func (t *Tracker) MarkApplied(c Change) {
	t.applied[c.PID] = appliedEntry{groupID: c.GroupID, params: c.Params, seen: t.iteration}
	if i, ok := t.index[c.GroupID]; ok {
		s := &t.slots[i]
		s.hasApplied = true
		s.appliedClass = c.Class
	}
}

// Applied returns the last parameters successfully applied to pid.
func (t *Tracker) Applied(pid int) (qos.Params, bool) {
	a, ok := t.applied[pid]
	return a.params, ok
}
