package telemetry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildGroups(t *testing.T) {
	procs := []ProcessEntity{
		{PID: 1, PPID: 0, Name: "systemd", CgroupPath: "/init.scope"},
		{PID: 500, PPID: 1, Name: "firefox", CgroupPath: "/app-firefox.scope", CPUShare1s: 0.1, HasGUI: true, Tags: []string{"browser"}, BehaviorType: "Browser"},
		{PID: 501, PPID: 500, Name: "content", CgroupPath: "/app-firefox.scope", CPUShare1s: 0.2, AudioActive: true, Tags: []string{"media"}},
		{PID: 502, PPID: 501, Name: "content", CgroupPath: "/app-firefox.scope", CPUShare1s: 0.05},
		{PID: 600, PPID: 500, Name: "helper", CgroupPath: "/other.scope"},
		{PID: 700, PPID: 9999, Name: "orphan", CgroupPath: "/app-firefox.scope"},
	}

	groups := BuildGroups(procs)
	require.Len(t, groups, 4)

	byID := map[string]AppGroupEntity{}
	seen := map[int]int{}
	for _, g := range groups {
		byID[g.ID] = g
		for _, pid := range g.Members {
			seen[pid]++
		}
	}
	for _, p := range procs {
		assert.Equal(t, 1, seen[p.PID], "pid %d must be in exactly one group", p.PID)
	}

	ff := byID["g500"]
	assert.Equal(t, []int{500, 501, 502}, ff.Members)
	assert.InDelta(t, 0.35, ff.CPUShare1s, 1e-9)
	assert.True(t, ff.HasGUI)
	assert.True(t, ff.AudioActive)
	assert.Equal(t, []string{"browser", "media"}, ff.Tags)
	assert.Equal(t, "Browser", ff.BehaviorType)
	assert.Equal(t, "g1", ff.ParentGroupID)

	helper := byID["g600"]
	assert.Equal(t, []int{600}, helper.Members, "different cgroup roots a new group")
	assert.Equal(t, "g500", helper.ParentGroupID)

	assert.Equal(t, "", byID["g700"].ParentGroupID)
	assert.Equal(t, []int{1}, byID["g1"].Members, "pid 1 never absorbs children")
}

func TestBuildGroupsSurvivesCycles(t *testing.T) {
	procs := []ProcessEntity{
		{PID: 10, PPID: 11, CgroupPath: "/x"},
		{PID: 11, PPID: 10, CgroupPath: "/x"},
	}
	groups := BuildGroups(procs)
	total := 0
	for _, g := range groups {
		total += len(g.Members)
	}
	assert.Equal(t, 2, total)
}

func TestUsageTrackerShares(t *testing.T) {
	u := newUsageTracker(2)
	t0 := time.Unix(1000, 0)

	u.begin()
	u.observe(1, 1, t0, 10, 0)
	u.observe(2, 1, t0, 5, 100)
	u.sweep()
	assert.Equal(t, 0.0, u.cpuShare(1, time.Second), "single sample has no share")

	for i := 1; i <= 12; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		u.begin()
		// pid 1 burns one full core, pid 2 idles until the last second
		u.observe(1, 1, at, 10+float64(i), uint64(300*i))
		cpu2 := 5.0
		if i == 12 {
			cpu2 = 7.0
		}
		u.observe(2, 1, at, cpu2, 100+uint64(100*i))
		u.sweep()
	}

	assert.InDelta(t, 0.5, u.cpuShare(1, time.Second), 1e-9)
	assert.InDelta(t, 0.5, u.cpuShare(1, historyWindow), 1e-9)
	assert.InDelta(t, 1.0, u.cpuShare(2, time.Second), 1e-9)
	assert.InDelta(t, 0.1, u.cpuShare(2, historyWindow), 1e-9)

	io := u.ioShares()
	assert.InDelta(t, 0.75, io[1], 1e-9)
	assert.InDelta(t, 0.25, io[2], 1e-9)

	assert.LessOrEqual(t, len(u.procs[1].samples), 12, "history is bounded by the window")
}

func TestUsageTrackerEarlyTicks(t *testing.T) {
	u := newUsageTracker(1)
	t0 := time.Unix(1000, 0)
	step := 950 * time.Millisecond
	for i := 0; i <= 4; i++ {
		u.begin()
		// idle until the last tick, which burns the whole interval
		cpu := 0.0
		if i == 4 {
			cpu = step.Seconds()
		}
		u.observe(1, 1, t0.Add(time.Duration(i)*step), cpu, 0)
		u.sweep()
	}
	assert.InDelta(t, 1.0, u.cpuShare(1, time.Second), 1e-9, "a tick 50ms early still counts as the 1s baseline")
	assert.InDelta(t, 0.25, u.cpuShare(1, 4*time.Second), 1e-9)
}

func TestUsageTrackerPidReuseAndSweep(t *testing.T) {
	u := newUsageTracker(1)
	t0 := time.Unix(0, 0)
	u.begin()
	u.observe(7, 100, t0, 50, 0)
	u.begin()
	u.observe(7, 200, t0.Add(time.Second), 1, 0)
	assert.Equal(t, 0.0, u.cpuShare(7, time.Second), "a recycled pid starts fresh")

	u.begin()
	u.sweep()
	assert.Empty(t, u.procs)
}

func TestHintsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hints.json")
	hf := NewHintsFile(path)
	assert.Equal(t, Hints{}, hf.Read(), "missing file means no hints")

	require.NoError(t, os.WriteFile(path, []byte(`{"focused_pid": 42, "gui_pids": [43], "audio_pids": [44], "user_idle_sec": 12.5}`), 0o644))
	h := hf.Read()
	assert.Equal(t, 42, h.FocusedPID)
	assert.Equal(t, 12500*time.Millisecond, h.UserIdle())

	procs := []ProcessEntity{{PID: 42}, {PID: 43}, {PID: 44}, {PID: 45}}
	h.Apply(procs)
	assert.True(t, procs[0].Focused)
	assert.True(t, procs[0].HasGUI)
	assert.True(t, procs[1].HasGUI)
	assert.False(t, procs[1].Focused)
	assert.True(t, procs[2].AudioActive)
	assert.False(t, procs[3].HasGUI || procs[3].Focused || procs[3].AudioActive)

	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
	assert.Equal(t, 42, hf.Read().FocusedPID, "malformed update keeps the last good hints")
}

func TestContainerID(t *testing.T) {
	id := strings.Repeat("ab", 32)
	assert.Equal(t, id, ContainerID("/system.slice/docker-"+id+".scope"))
	assert.Equal(t, id, ContainerID("/docker/"+id))
	assert.Equal(t, "", ContainerID("/user.slice/app.scope"))
}

type fakeLister struct {
	calls int
	list  []types.Container
	err   error
}

func (f *fakeLister) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	f.calls++
	return f.list, f.err
}

func TestDockerResolver(t *testing.T) {
	id := strings.Repeat("cd", 32)
	fl := &fakeLister{list: []types.Container{{ID: id, Names: []string{"/web"}}}}
	r := newDockerResolver(fl, time.Minute)

	now := time.Unix(100, 0)
	r.Refresh(context.Background(), now)
	r.Refresh(context.Background(), now.Add(time.Second))
	assert.Equal(t, 1, fl.calls, "refresh is rate limited by the interval")
	assert.Equal(t, "web", r.ContainerName("/system.slice/docker-"+id+".scope"))

	fl.err = errors.New("daemon gone")
	r.Refresh(context.Background(), now.Add(2*time.Minute))
	assert.Equal(t, "web", r.ContainerName("/docker/"+id), "failed refresh keeps the previous table")
}

func TestGroupActive(t *testing.T) {
	assert.False(t, (&AppGroupEntity{}).Active())
	assert.True(t, (&AppGroupEntity{IOShare: 0.01}).Active())
	assert.True(t, (&AppGroupEntity{Focused: true}).Active())
}
