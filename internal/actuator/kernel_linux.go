//go:build linux

package actuator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"prio-governor/internal/config"
	"prio-governor/internal/hysteresis"
	"prio-governor/internal/logging"
	"prio-governor/internal/qos"
)

const (
	ioprioWhoProcess = 1
	ioprioClassShift = 13

	schedFlagKeepPolicy  = 0x08
	schedFlagKeepParams  = 0x10
	schedFlagLatencyNice = 0x80
	schedAttrSize        = 60
)

// schedAttr is struct sched_attr including the latency-nice extension.
type schedAttr struct {
	Size        uint32
	Policy      uint32
	Flags       uint64
	Nice        int32
	Priority    uint32
	Runtime     uint64
	Deadline    uint64
	Period      uint64
	UtilMin     uint32
	UtilMax     uint32
	LatencyNice int32
}

// sysOps is the kernel surface the Linux actuator touches.
type sysOps interface {
	SetNice(pid, nice int) error
	SetIOPrio(pid int, class qos.IOClass, level int) error
	SetLatencyNice(pid, latencyNice int) error
	WriteCPUWeight(cgroup string, weight int) error
}

type kernel struct {
	cgroupRoot string
}

func (kernel) SetNice(pid, nice int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, pid, nice)
}

func (kernel) SetIOPrio(pid int, class qos.IOClass, level int) error {
	prio := int(class)<<ioprioClassShift | level
	_, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, ioprioWhoProcess, uintptr(pid), uintptr(prio))
	if errno != 0 {
		return errno
	}
	return nil
}

func (kernel) SetLatencyNice(pid, latencyNice int) error {
	attr := schedAttr{
		Size:        schedAttrSize,
		Flags:       schedFlagKeepPolicy | schedFlagKeepParams | schedFlagLatencyNice,
		LatencyNice: int32(latencyNice),
	}
	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETATTR, uintptr(pid), uintptr(unsafe.Pointer(&attr)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (k kernel) WriteCPUWeight(cgroup string, weight int) error {
	path := filepath.Join(k.cgroupRoot, cgroup, "cpu.weight")
	return os.WriteFile(path, []byte(strconv.Itoa(weight)), 0o644)
}

// pidAdder is the part of an RDT control group the actuator needs.
type pidAdder interface {
	AddPids(pids ...string) error
}

// Linux applies parameters with setpriority, ioprio_set, sched_setattr and
// cgroup v2 cpu.weight. Every change costs one token of the rate limiter.
type Linux struct {
	cfg     config.ActuatorConfig
	sys     sysOps
	limiter *rate.Limiter
	rdt     func(name string) (pidAdder, bool)
	logger  *logrus.Logger

	latencyNice bool
}

func NewLinux(cfg config.ActuatorConfig) (*Linux, error) {
	l := newLinux(cfg, kernel{cgroupRoot: cfg.CgroupRoot})
	if cfg.RDT.Enabled {
		lookup, err := initRDT()
		if err != nil {
			return nil, err
		}
		l.rdt = lookup
	}
	return l, nil
}

func newLinux(cfg config.ActuatorConfig, sys sysOps) *Linux {
	limit := rate.Inf
	if cfg.OpsPerSecond > 0 {
		limit = rate.Limit(cfg.OpsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Linux{
		cfg:         cfg,
		sys:         sys,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logging.GetLogger(),
		latencyNice: cfg.LatencyNice,
	}
}

func (l *Linux) Name() string { return "linux" }

func (l *Linux) Apply(ctx context.Context, changes []hysteresis.Change) []Result {
	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}
	weighted := make(map[string]bool)
	out := make([]Result, len(changes))
	for i, c := range changes {
		out[i].Change = c
		if err := l.limiter.Wait(ctx); err != nil {
			out[i].Err = fmt.Errorf("rate limit: %w", err)
			continue
		}
		out[i].Err = l.applyOne(c, weighted)
		if out[i].Err != nil {
			l.logger.WithFields(changeFields(c)).WithError(out[i].Err).Debug("Apply failed")
		}
	}
	return out
}

// applyOne sets every parameter it can and joins the failures. cpu.weight
// belongs to the whole cgroup, so it is written once per cgroup and batch,
// by the most severe change; the root cgroup is never written.
func (l *Linux) applyOne(c hysteresis.Change, weighted map[string]bool) error {
	var errs []error
	p := c.Params
	if err := l.sys.SetNice(c.PID, p.Nice); err != nil {
		errs = append(errs, fmt.Errorf("setpriority: %w", err))
	}
	if p.IOClass != qos.IONone {
		if err := l.sys.SetIOPrio(c.PID, p.IOClass, p.IOLevel); err != nil {
			errs = append(errs, fmt.Errorf("ioprio_set: %w", err))
		}
	}
	if l.latencyNice {
		if err := l.sys.SetLatencyNice(c.PID, p.LatencyNice); err != nil {
			if unsupported(err) {
				l.latencyNice = false
				l.logger.WithError(err).Warn("Kernel does not support latency nice, disabling it")
			} else {
				errs = append(errs, fmt.Errorf("sched_setattr: %w", err))
			}
		}
	}
	if l.cfg.CgroupWeight && c.Cgroup != "" && c.Cgroup != "/" && !weighted[c.Cgroup] {
		weighted[c.Cgroup] = true
		if err := l.sys.WriteCPUWeight(c.Cgroup, p.CPUWeight); err != nil {
			errs = append(errs, fmt.Errorf("cpu.weight %s: %w", c.Cgroup, err))
		}
	}
	if l.rdt != nil {
		if name, ok := l.cfg.RDT.ClassFor(c.Class); ok {
			if grp, found := l.rdt(name); !found {
				errs = append(errs, fmt.Errorf("rdt class %q does not exist", name))
			} else if err := grp.AddPids(strconv.Itoa(c.PID)); err != nil {
				errs = append(errs, fmt.Errorf("rdt class %q: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func unsupported(err error) bool {
	return errors.Is(err, unix.EINVAL) || errors.Is(err, unix.E2BIG) || errors.Is(err, unix.ENOSYS)
}

// LatencyNiceEnabled reports whether latency nice is still being applied.
func (l *Linux) LatencyNiceEnabled() bool { return l.latencyNice }

func (l *Linux) Close() error { return nil }
