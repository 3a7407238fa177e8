package telemetry

import (
	"context"
	"sort"
	"time"

	"prio-governor/internal/qos"
)

// ProcessEntity is one process as seen by one iteration.
type ProcessEntity struct {
	PID        int               `json:"pid"`
	PPID       int               `json:"ppid"`
	UID        uint32            `json:"uid"`
	GID        uint32            `json:"gid"`
	User       string            `json:"user,omitempty"`
	Name       string            `json:"name"`
	Exe        string            `json:"exe,omitempty"`
	Cmdline    string            `json:"cmdline,omitempty"`
	CgroupPath string            `json:"cgroup,omitempty"`
	Container  string            `json:"container,omitempty"`
	Env        map[string]string `json:"-"`
	State      string            `json:"state,omitempty"`
	Alive      bool              `json:"alive"`

	CPUShare1s   float64 `json:"cpu_share_1s"`
	CPUShare10s  float64 `json:"cpu_share_10s"`
	IOReadBytes  uint64  `json:"io_read_bytes"`
	IOWriteBytes uint64  `json:"io_write_bytes"`
	IOShare      float64 `json:"io_share"`
	RSSBytes     uint64  `json:"rss_bytes"`

	HasGUI      bool `json:"gui"`
	Focused     bool `json:"focused"`
	AudioActive bool `json:"audio"`

	// Filled by the classifier.
	BehaviorType string        `json:"behavior_type,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	Overrides    qos.Overrides `json:"overrides"`
	MatchedRule  string        `json:"matched_rule,omitempty"`

	// Copied from the ranker's opinion of the owning group. Advisory only.
	ModelScore *float64 `json:"model_score,omitempty"`
	ModelClass string   `json:"model_class,omitempty"`
}

// HasTag reports whether the tag set contains tag.
func (p *ProcessEntity) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AppGroupEntity aggregates the processes of one application tree.
type AppGroupEntity struct {
	ID            string   `json:"id"`
	RootPID       int      `json:"root_pid"`
	ParentGroupID string   `json:"parent_group,omitempty"`
	Members       []int    `json:"members"`
	Name          string   `json:"name"`
	CgroupPath    string   `json:"cgroup,omitempty"`
	CPUShare1s    float64  `json:"cpu_share_1s"`
	CPUShare10s   float64  `json:"cpu_share_10s"`
	IOShare       float64  `json:"io_share"`
	RSSBytes      uint64   `json:"rss_bytes"`
	HasGUI        bool     `json:"gui"`
	Focused       bool     `json:"focused"`
	AudioActive   bool     `json:"audio"`
	Tags          []string `json:"tags,omitempty"`

	BehaviorType string        `json:"behavior_type,omitempty"`
	Overrides    qos.Overrides `json:"overrides"`
	MatchedRule  string        `json:"matched_rule,omitempty"`
}

func (g *AppGroupEntity) HasTag(tag string) bool {
	for _, t := range g.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Active reports whether the group shows any recent activity worth scoring.
func (g *AppGroupEntity) Active() bool {
	return g.Focused || g.AudioActive || g.HasGUI || g.CPUShare1s > 0 || g.CPUShare10s > 0 || g.IOShare > 0
}

// PSILine holds the stall averages (percent) of one "some" or "full" line.
type PSILine struct {
	Avg10  float64 `json:"avg10"`
	Avg60  float64 `json:"avg60"`
	Avg300 float64 `json:"avg300"`
}

// ResourcePressure is the PSI record of one resource.
type ResourcePressure struct {
	Some PSILine `json:"some"`
	Full PSILine `json:"full"`
}

// Pressure is the system-wide PSI snapshot.
type Pressure struct {
	CPU    ResourcePressure `json:"cpu"`
	IO     ResourcePressure `json:"io"`
	Memory ResourcePressure `json:"memory"`
}

// Snapshot is everything one iteration consumes from the collector.
type Snapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Processes []ProcessEntity `json:"processes"`
	Pressure  Pressure        `json:"pressure"`
	UserIdle  time.Duration   `json:"user_idle"`
	// Complete is false when any part of the snapshot could not be acquired.
	Complete bool   `json:"complete"`
	Missing  string `json:"missing,omitempty"`
}

// Source produces one snapshot per call.
type Source interface {
	Collect(ctx context.Context) (*Snapshot, error)
}

// SortProcesses orders processes by pid, the canonical order every later
// stage relies on.
func SortProcesses(procs []ProcessEntity) {
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
}
