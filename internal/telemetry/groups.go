package telemetry

import (
	"fmt"
	"sort"
)

// GroupID formats the id of the group rooted at pid.
func GroupID(rootPID int) string {
	return fmt.Sprintf("g%d", rootPID)
}

// BuildGroups partitions processes into application groups. A process joins
// the group of its parent when the parent is known, is not pid 1 and lives in
// the same cgroup; otherwise it roots a new group. Every process ends up in
// exactly one group. Processes must already carry their classification.
func BuildGroups(procs []ProcessEntity) []AppGroupEntity {
	byPID := make(map[int]*ProcessEntity, len(procs))
	for i := range procs {
		byPID[procs[i].PID] = &procs[i]
	}

	roots := make(map[int]int, len(procs))
	var rootOf func(pid int, depth int) int
	rootOf = func(pid int, depth int) int {
		if r, ok := roots[pid]; ok {
			return r
		}
		p := byPID[pid]
		root := pid
		// depth guards against ppid cycles in torn snapshots
		if depth < len(procs) {
			if parent, ok := byPID[p.PPID]; ok && p.PPID > 1 && p.PPID != pid && parent.CgroupPath == p.CgroupPath {
				root = rootOf(parent.PID, depth+1)
			}
		}
		roots[pid] = root
		return root
	}

	members := make(map[int][]int)
	for i := range procs {
		r := rootOf(procs[i].PID, 0)
		members[r] = append(members[r], procs[i].PID)
	}

	rootPIDs := make([]int, 0, len(members))
	for r := range members {
		rootPIDs = append(rootPIDs, r)
	}
	sort.Ints(rootPIDs)

	groups := make([]AppGroupEntity, 0, len(rootPIDs))
	for _, r := range rootPIDs {
		root := byPID[r]
		pids := members[r]
		sort.Ints(pids)

		g := AppGroupEntity{
			ID:           GroupID(r),
			RootPID:      r,
			Members:      pids,
			Name:         root.Name,
			CgroupPath:   root.CgroupPath,
			BehaviorType: root.BehaviorType,
			Overrides:    root.Overrides,
			MatchedRule:  root.MatchedRule,
		}
		if parent, ok := byPID[root.PPID]; ok && root.PPID != r {
			if pr := rootOf(parent.PID, 0); pr != r {
				g.ParentGroupID = GroupID(pr)
			}
		}

		tags := make(map[string]struct{})
		for _, pid := range pids {
			p := byPID[pid]
			g.CPUShare1s += p.CPUShare1s
			g.CPUShare10s += p.CPUShare10s
			g.IOShare += p.IOShare
			g.RSSBytes += p.RSSBytes
			g.HasGUI = g.HasGUI || p.HasGUI
			g.Focused = g.Focused || p.Focused
			g.AudioActive = g.AudioActive || p.AudioActive
			for _, t := range p.Tags {
				tags[t] = struct{}{}
			}
		}
		g.Tags = sortedKeys(tags)
		groups = append(groups, g)
	}
	return groups
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
