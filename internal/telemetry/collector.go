package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"prio-governor/internal/logging"
)

const kthreaddPID = 2

// CollectorOptions configures a Collector.
type CollectorOptions struct {
	ProcRoot      string
	Hints         *HintsFile
	Containers    ContainerResolver
	CollectEnv    bool
	KernelThreads bool
	Timeout       time.Duration
}

// Collector samples processes with gopsutil and system pressure with procfs.
// One Collector serves one governor loop; Collect must not be called
// concurrently.
type Collector struct {
	opts  CollectorOptions
	fs    procfs.FS
	usage *usageTracker
	now   func() time.Time
}

func NewCollector(opts CollectorOptions) (*Collector, error) {
	if opts.ProcRoot == "" {
		opts.ProcRoot = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(opts.ProcRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", opts.ProcRoot, err)
	}
	numCPU, err := cpu.Counts(true)
	if err != nil || numCPU < 1 {
		numCPU = 1
	}
	return &Collector{
		opts:  opts,
		fs:    fs,
		usage: newUsageTracker(numCPU),
		now:   time.Now,
	}, nil
}

// refresher is implemented by resolvers that cache remote state.
type refresher interface {
	Refresh(ctx context.Context, now time.Time)
}

// Collect takes one snapshot. A failure to enumerate processes is an error;
// a failure to read pressure yields an incomplete snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	logger := logging.GetLogger()
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	now := c.now()

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	if r, ok := c.opts.Containers.(refresher); ok {
		r.Refresh(ctx, now)
	}

	c.usage.begin()
	entities := make([]ProcessEntity, 0, len(procs))
	for _, proc := range procs {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("collect processes: %w", ctx.Err())
		}
		e, ok := c.sample(ctx, proc, now)
		if !ok {
			continue
		}
		entities = append(entities, e)
	}
	c.usage.sweep()

	io := c.usage.ioShares()
	for i := range entities {
		p := &entities[i]
		p.CPUShare1s = c.usage.cpuShare(p.PID, time.Second)
		p.CPUShare10s = c.usage.cpuShare(p.PID, historyWindow)
		p.IOShare = io[p.PID]
	}

	hints := c.opts.Hints.Read()
	hints.Apply(entities)
	SortProcesses(entities)

	snap := &Snapshot{
		Timestamp: now,
		Processes: entities,
		UserIdle:  hints.UserIdle(),
		Complete:  true,
	}
	pressure, err := c.readPressure()
	if err != nil {
		snap.Complete = false
		snap.Missing = err.Error()
		logger.WithError(err).Warn("Pressure stall information unavailable")
	}
	snap.Pressure = pressure

	logger.WithFields(logrus.Fields{
		"processes": len(entities),
		"psi_cpu":   pressure.CPU.Some.Avg10,
		"psi_io":    pressure.IO.Some.Avg10,
	}).Trace("Collected telemetry snapshot")
	return snap, nil
}

// sample reads one process. Processes that vanish mid-read are skipped.
func (c *Collector) sample(ctx context.Context, proc *process.Process, now time.Time) (ProcessEntity, bool) {
	pid := int(proc.Pid)
	ppid32, err := proc.PpidWithContext(ctx)
	if err != nil {
		return ProcessEntity{}, false
	}
	ppid := int(ppid32)
	if !c.opts.KernelThreads && (pid == kthreaddPID || ppid == kthreaddPID) {
		return ProcessEntity{}, false
	}
	status, _ := proc.StatusWithContext(ctx)
	state := strings.Join(status, ",")
	if state == process.Zombie {
		return ProcessEntity{}, false
	}

	e := ProcessEntity{PID: pid, PPID: ppid, State: state, Alive: true}
	e.Name, _ = proc.NameWithContext(ctx)
	e.Exe, _ = proc.ExeWithContext(ctx)
	e.Cmdline, _ = proc.CmdlineWithContext(ctx)
	e.User, _ = proc.UsernameWithContext(ctx)
	if uids, err := proc.UidsWithContext(ctx); err == nil && len(uids) > 0 {
		e.UID = uids[0]
	}
	if gids, err := proc.GidsWithContext(ctx); err == nil && len(gids) > 0 {
		e.GID = gids[0]
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		e.RSSBytes = mem.RSS
	}
	if c.opts.CollectEnv {
		if env, err := proc.EnvironWithContext(ctx); err == nil {
			e.Env = parseEnviron(env)
		}
	}
	e.CgroupPath = c.cgroupPath(pid)
	if c.opts.Containers != nil {
		e.Container = c.opts.Containers.ContainerName(e.CgroupPath)
	}

	var cpuSeconds float64
	if times, err := proc.TimesWithContext(ctx); err == nil {
		cpuSeconds = times.User + times.System
	}
	var ioBytes uint64
	if ioc, err := proc.IOCountersWithContext(ctx); err == nil {
		e.IOReadBytes = ioc.ReadBytes
		e.IOWriteBytes = ioc.WriteBytes
		ioBytes = ioc.ReadBytes + ioc.WriteBytes
	}
	created, _ := proc.CreateTimeWithContext(ctx)
	c.usage.observe(pid, created, now, cpuSeconds, ioBytes)
	return e, true
}

// cgroupPath prefers the unified (v2) hierarchy entry.
func (c *Collector) cgroupPath(pid int) string {
	p, err := c.fs.Proc(pid)
	if err != nil {
		return ""
	}
	groups, err := p.Cgroups()
	if err != nil || len(groups) == 0 {
		return ""
	}
	for _, g := range groups {
		if g.HierarchyID == 0 {
			return g.Path
		}
	}
	for _, g := range groups {
		for _, ctrl := range g.Controllers {
			if ctrl == "cpu" {
				return g.Path
			}
		}
	}
	return groups[0].Path
}

func (c *Collector) readPressure() (Pressure, error) {
	var p Pressure
	for _, r := range []struct {
		name string
		dst  *ResourcePressure
	}{
		{"cpu", &p.CPU},
		{"io", &p.IO},
		{"memory", &p.Memory},
	} {
		stats, err := c.fs.PSIStatsForResource(r.name)
		if err != nil {
			return p, fmt.Errorf("read psi %s: %w", r.name, err)
		}
		*r.dst = convertPSI(stats)
	}
	return p, nil
}

func convertPSI(s procfs.PSIStats) ResourcePressure {
	var out ResourcePressure
	if s.Some != nil {
		out.Some = PSILine{Avg10: s.Some.Avg10, Avg60: s.Some.Avg60, Avg300: s.Some.Avg300}
	}
	if s.Full != nil {
		out.Full = PSILine{Avg10: s.Full.Avg10, Avg60: s.Full.Avg60, Avg300: s.Full.Avg300}
	}
	return out
}

func parseEnviron(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			out[k] = v
		}
	}
	return out
}
