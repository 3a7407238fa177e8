package actuator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"prio-governor/internal/config"
	"prio-governor/internal/hysteresis"
	"prio-governor/internal/qos"
)

type fakeSys struct {
	nice        map[int]int
	ioprio      map[int][2]int
	latency     map[int]int
	weights     map[string]int
	niceErr     error
	latencyErr  error
	latencyCall int
}

func newFakeSys() *fakeSys {
	return &fakeSys{nice: map[int]int{}, ioprio: map[int][2]int{}, latency: map[int]int{}, weights: map[string]int{}}
}

func (f *fakeSys) SetNice(pid, nice int) error {
	if f.niceErr != nil {
		return f.niceErr
	}
	f.nice[pid] = nice
	return nil
}

func (f *fakeSys) SetIOPrio(pid int, class qos.IOClass, level int) error {
	f.ioprio[pid] = [2]int{int(class), level}
	return nil
}

func (f *fakeSys) SetLatencyNice(pid, v int) error {
	f.latencyCall++
	if f.latencyErr != nil {
		return f.latencyErr
	}
	f.latency[pid] = v
	return nil
}

func (f *fakeSys) WriteCPUWeight(cgroup string, w int) error {
	f.weights[cgroup] = w
	return nil
}

type fakeGroup struct{ pids []string }

func (g *fakeGroup) AddPids(pids ...string) error {
	g.pids = append(g.pids, pids...)
	return nil
}

func change(pid int, class qos.Class, cgroup string) hysteresis.Change {
	return hysteresis.Change{GroupID: "g", PID: pid, Class: class, Params: qos.Envelope(class), Cgroup: cgroup}
}

func TestLinuxAppliesAllParameters(t *testing.T) {
	sys := newFakeSys()
	l := newLinux(config.ActuatorConfig{CgroupWeight: true, LatencyNice: true}, sys)
	res := l.Apply(context.Background(), []hysteresis.Change{
		change(10, qos.Idle, "/user.slice/app.scope"),
		change(11, qos.Normal, "/user.slice/app.scope"),
		change(12, qos.Interactive, "/"),
	})
	for _, r := range res {
		require.NoError(t, r.Err)
	}
	assert.Equal(t, 19, sys.nice[10])
	assert.Equal(t, [2]int{int(qos.IOIdle), 7}, sys.ioprio[10])
	assert.Equal(t, -8, sys.latency[12])
	assert.Equal(t, map[string]int{"/user.slice/app.scope": 10}, sys.weights, "first change per cgroup wins, root untouched")
}

func TestLinuxDisablesUnsupportedLatencyNice(t *testing.T) {
	sys := newFakeSys()
	sys.latencyErr = unix.E2BIG
	l := newLinux(config.ActuatorConfig{LatencyNice: true}, sys)
	res := l.Apply(context.Background(), []hysteresis.Change{change(1, qos.Normal, ""), change(2, qos.Normal, "")})
	assert.NoError(t, res[0].Err)
	assert.NoError(t, res[1].Err)
	assert.Equal(t, 1, sys.latencyCall)
	assert.False(t, l.LatencyNiceEnabled())
}

func TestLinuxReportsFailures(t *testing.T) {
	sys := newFakeSys()
	sys.niceErr = unix.ESRCH
	l := newLinux(config.ActuatorConfig{}, sys)
	res := l.Apply(context.Background(), []hysteresis.Change{change(1, qos.Normal, "")})
	require.Error(t, res[0].Err)
	assert.True(t, errors.Is(res[0].Err, unix.ESRCH))
	assert.Contains(t, res[0].Err.Error(), "setpriority")
	assert.Equal(t, [2]int{int(qos.IOBestEffort), 4}, sys.ioprio[1], "other parameters still applied")
}

func TestLinuxRateLimitHonoursTimeout(t *testing.T) {
	sys := newFakeSys()
	l := newLinux(config.ActuatorConfig{OpsPerSecond: 1, Burst: 1, Timeout: 50 * time.Millisecond}, sys)
	res := l.Apply(context.Background(), []hysteresis.Change{change(1, qos.Normal, ""), change(2, qos.Normal, "")})
	assert.NoError(t, res[0].Err)
	require.Error(t, res[1].Err)
	assert.Contains(t, res[1].Err.Error(), "rate limit")
	_, touched := sys.nice[2]
	assert.False(t, touched)
}

func TestLinuxAssignsRDTClass(t *testing.T) {
	sys := newFakeSys()
	bg := &fakeGroup{}
	l := newLinux(config.ActuatorConfig{RDT: config.RDTConfig{
		Enabled: true,
		Classes: map[string]string{"BACKGROUND": "bulk", "IDLE": "missing"},
	}}, sys)
	l.rdt = func(name string) (pidAdder, bool) {
		if name == "bulk" {
			return bg, true
		}
		return nil, false
	}
	res := l.Apply(context.Background(), []hysteresis.Change{
		change(7, qos.Background, ""),
		change(8, qos.Idle, ""),
		change(9, qos.Normal, ""),
	})
	assert.NoError(t, res[0].Err)
	assert.Equal(t, []string{"7"}, bg.pids)
	assert.Error(t, res[1].Err)
	assert.NoError(t, res[2].Err)
}
