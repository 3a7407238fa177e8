package host

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v4/cpu"
	gohost "github.com/shirou/gopsutil/v4/host"
	"github.com/sirupsen/logrus"

	"prio-governor/internal/logging"
)

// HostConfig describes what the running kernel offers the governor. It is
// probed once at startup and decides which optional features stay enabled.
type HostConfig struct {
	Hostname      string `json:"hostname"`
	OSInfo        string `json:"os"`
	KernelVersion string `json:"kernel_version"`
	CPUModel      string `json:"cpu_model"`
	LogicalCPUs   int    `json:"logical_cpus"`

	// PSI is false when /proc/pressure cannot be read; every snapshot is
	// then incomplete.
	PSI      bool   `json:"psi"`
	PSIError string `json:"psi_error,omitempty"`

	CgroupV2          bool     `json:"cgroup_v2"`
	CgroupControllers []string `json:"cgroup_controllers,omitempty"`

	// RDT reports a mounted resctrl filesystem.
	RDT bool `json:"rdt"`
}

// Paths points the probe at the filesystems it inspects.
type Paths struct {
	ProcRoot    string
	CgroupRoot  string
	ResctrlRoot string
}

func DefaultPaths() Paths {
	return Paths{ProcRoot: "/proc", CgroupRoot: "/sys/fs/cgroup", ResctrlRoot: "/sys/fs/resctrl"}
}

// Probe inspects the host. It never fails; missing features are reported as
// unavailable.
func Probe(ctx context.Context, paths Paths) *HostConfig {
	logger := logging.GetLogger()
	hc := &HostConfig{
		OSInfo:      runtime.GOOS + "/" + runtime.GOARCH,
		LogicalCPUs: runtime.NumCPU(),
	}

	if info, err := gohost.InfoWithContext(ctx); err == nil {
		hc.Hostname = info.Hostname
		hc.KernelVersion = info.KernelVersion
		if info.Platform != "" {
			hc.OSInfo = info.Platform + " " + info.PlatformVersion + " (" + hc.OSInfo + ")"
		}
	} else {
		logger.WithError(err).Debug("Failed to read host info")
		hc.Hostname, _ = os.Hostname()
	}
	if hc.KernelVersion == "" {
		hc.KernelVersion = "unknown"
	}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		hc.CPUModel = infos[0].ModelName
	}
	if hc.CPUModel == "" {
		hc.CPUModel = "unknown"
	}

	hc.probePSI(paths.ProcRoot)
	hc.probeCgroup(paths.CgroupRoot)
	if st, err := os.Stat(filepath.Join(paths.ResctrlRoot, "info")); err == nil && st.IsDir() {
		hc.RDT = true
	}

	logger.WithFields(hc.LogFields()).Info("Host configuration probed")
	return hc
}

func (hc *HostConfig) probePSI(procRoot string) {
	fs, err := procfs.NewFS(procRoot)
	if err == nil {
		_, err = fs.PSIStatsForResource("cpu")
	}
	if err != nil {
		hc.PSIError = err.Error()
		return
	}
	hc.PSI = true
}

func (hc *HostConfig) probeCgroup(root string) {
	data, err := os.ReadFile(filepath.Join(root, "cgroup.controllers"))
	if err != nil {
		return
	}
	hc.CgroupV2 = true
	hc.CgroupControllers = strings.Fields(string(data))
}

// HasController reports whether the cgroup v2 root delegates controller.
func (hc *HostConfig) HasController(controller string) bool {
	for _, c := range hc.CgroupControllers {
		if c == controller {
			return true
		}
	}
	return false
}

func (hc *HostConfig) LogFields() logrus.Fields {
	return logrus.Fields{
		"hostname":   hc.Hostname,
		"kernel":     hc.KernelVersion,
		"cpu_model":  hc.CPUModel,
		"cpus":       hc.LogicalCPUs,
		"psi":        hc.PSI,
		"cgroup_v2":  hc.CgroupV2,
		"cpu_weight": hc.HasController("cpu"),
		"rdt":        hc.RDT,
	}
}
