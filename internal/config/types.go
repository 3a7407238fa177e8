package config

import (
	"time"

	"prio-governor/internal/qos"
	"prio-governor/internal/rules"
)

type PolicyMode string

const (
	ModeRulesOnly PolicyMode = "rules-only"
	ModeHybrid    PolicyMode = "hybrid"
)

// Config is one immutable configuration snapshot. It is never modified after
// LoadConfig returns it.
type Config struct {
	Governor   GovernorConfig   `yaml:"governor"`
	Thresholds Thresholds       `yaml:"thresholds"`
	Hysteresis HysteresisConfig `yaml:"hysteresis"`
	Scoring    ScoringWeights   `yaml:"scoring"`
	Hybrid     HybridConfig     `yaml:"hybrid"`
	Rules      RulesConfig      `yaml:"rules"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Actuator   ActuatorConfig   `yaml:"actuator"`
	Sink       SinkConfig       `yaml:"sink"`
	API        APIConfig        `yaml:"api"`

	// Path the snapshot was loaded from, empty for built-in defaults.
	Source string `yaml:"-"`
}

type GovernorConfig struct {
	PollInterval           time.Duration `yaml:"poll_interval" validate:"gte=10ms"`
	PolicyMode             PolicyMode    `yaml:"policy_mode" validate:"oneof=rules-only hybrid"`
	MaxCandidates          int           `yaml:"max_candidates" validate:"gte=1"`
	MaxChangesPerIteration int           `yaml:"max_changes_per_iteration" validate:"gte=0"`
	EvictAfterIterations   int           `yaml:"evict_after_iterations" validate:"gte=1"`
	LogLevel               string        `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn warning error"`
	PolicyLogLevel         string        `yaml:"policy_log_level" validate:"omitempty,oneof=trace debug info warn warning error"`
	LogFormat              string        `yaml:"log_format" validate:"omitempty,oneof=text json"`
}

// ChangeBudget is the number of groups whose parameters may change in one
// iteration. Zero in the file means "same as max_candidates".
func (g GovernorConfig) ChangeBudget() int {
	if g.MaxChangesPerIteration > 0 {
		return g.MaxChangesPerIteration
	}
	return g.MaxCandidates
}

type Thresholds struct {
	CritInteractivePercentile float64  `yaml:"crit_interactive_percentile" validate:"gt=0,lte=1"`
	InteractivePercentile     float64  `yaml:"interactive_percentile" validate:"gte=0,lte=1"`
	NormalPercentile          float64  `yaml:"normal_percentile" validate:"gte=0,lte=1"`
	BackgroundPercentile      float64  `yaml:"background_percentile" validate:"gte=0,lte=1"`
	IdlePercentile            *float64 `yaml:"idle_percentile,omitempty" validate:"omitempty,gte=0,lte=1"`

	PSICPUSomeHigh         float64 `yaml:"psi_cpu_some_high" validate:"gte=0,lte=100"`
	PSIIOSomeHigh          float64 `yaml:"psi_io_some_high" validate:"gte=0,lte=100"`
	NoisyNeighbourCPUShare float64 `yaml:"noisy_neighbour_cpu_share" validate:"gte=0"`
	NoisyNeighbourIOShare  float64 `yaml:"noisy_neighbour_io_share" validate:"gte=0"`

	UserIdleTimeoutSec       float64 `yaml:"user_idle_timeout_sec" validate:"gte=0"`
	InteractiveBuildGraceSec float64 `yaml:"interactive_build_grace_sec" validate:"gte=0"`
}

// Fractions returns the crit, interactive, normal and background fractions in
// that order. Whatever they leave uncovered is IDLE.
func (t Thresholds) Fractions() [4]float64 {
	return [4]float64{t.CritInteractivePercentile, t.InteractivePercentile, t.NormalPercentile, t.BackgroundPercentile}
}

func (t Thresholds) UserIdleTimeout() time.Duration {
	return time.Duration(t.UserIdleTimeoutSec * float64(time.Second))
}

func (t Thresholds) BuildGrace() time.Duration {
	return time.Duration(t.InteractiveBuildGraceSec * float64(time.Second))
}

type HysteresisConfig struct {
	MinDwellIterations int     `yaml:"min_dwell_iterations" validate:"gte=1"`
	MinDwellSeconds    float64 `yaml:"min_dwell_seconds" validate:"gte=0"`
}

func (h HysteresisConfig) MinDwell() time.Duration {
	return time.Duration(h.MinDwellSeconds * float64(time.Second))
}

type ScoringWeights struct {
	Focus   float64 `yaml:"focus" validate:"gte=0"`
	Audio   float64 `yaml:"audio" validate:"gte=0"`
	GUI     float64 `yaml:"gui" validate:"gte=0"`
	CPU     float64 `yaml:"cpu" validate:"gte=0"`
	IO      float64 `yaml:"io" validate:"gte=0"`
	Latency float64 `yaml:"latency" validate:"gte=0"`
}

type HybridConfig struct {
	RuleWeight          float64      `yaml:"rule_weight" validate:"gte=0"`
	MLWeight            float64      `yaml:"ml_weight" validate:"gte=0"`
	ConfidenceThreshold float64      `yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	Ranker              RankerConfig `yaml:"ranker"`
}

type RankerConfig struct {
	Kind    string        `yaml:"kind" validate:"oneof=none http"`
	URL     string        `yaml:"url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

type RulesConfig struct {
	VendorDir     string        `yaml:"vendor_dir"`
	DistroDir     string        `yaml:"distro_dir"`
	UserDir       string        `yaml:"user_dir"`
	RuntimeDir    string        `yaml:"runtime_dir"`
	LayerOrder    []string      `yaml:"layer_order" validate:"omitempty,dive,oneof=vendor distro user runtime"`
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
	BuildTags     []string      `yaml:"build_tags"`
}

// Dirs maps each layer to its directory.
func (r RulesConfig) Dirs() map[rules.Layer]string {
	return map[rules.Layer]string{
		rules.LayerVendor:  r.VendorDir,
		rules.LayerDistro:  r.DistroDir,
		rules.LayerUser:    r.UserDir,
		rules.LayerRuntime: r.RuntimeDir,
	}
}

// Order returns the configured layer precedence, highest first.
func (r RulesConfig) Order() []rules.Layer {
	if len(r.LayerOrder) == 0 {
		return rules.DefaultLayerOrder
	}
	out := make([]rules.Layer, 0, len(r.LayerOrder))
	for _, s := range r.LayerOrder {
		if l, err := rules.ParseLayer(s); err == nil {
			out = append(out, l)
		}
	}
	return out
}

type TelemetryConfig struct {
	ProcRoot       string        `yaml:"proc_root"`
	HintsFile      string        `yaml:"hints_file"`
	CollectEnv     bool          `yaml:"collect_env"`
	KernelThreads  bool          `yaml:"kernel_threads"`
	Docker         bool          `yaml:"docker"`
	DockerRefresh  time.Duration `yaml:"docker_refresh"`
	CollectTimeout time.Duration `yaml:"collect_timeout"`
}

type ActuatorConfig struct {
	Mode         string        `yaml:"mode" validate:"oneof=dry-run linux"`
	OpsPerSecond float64       `yaml:"ops_per_second" validate:"gte=0"`
	Burst        int           `yaml:"burst" validate:"gte=0"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
	CgroupRoot   string        `yaml:"cgroup_root"`
	CgroupWeight bool          `yaml:"cgroup_weight"`
	LatencyNice  bool          `yaml:"latency_nice"`
	RDT          RDTConfig     `yaml:"rdt"`
}

// RDTConfig maps QoS classes onto existing resctrl classes.
type RDTConfig struct {
	Enabled bool              `yaml:"enabled"`
	Classes map[string]string `yaml:"classes"`
}

// ClassFor returns the resctrl class configured for c.
func (r RDTConfig) ClassFor(c qos.Class) (string, bool) {
	name, ok := r.Classes[c.String()]
	return name, ok
}

type SinkConfig struct {
	Influx     InfluxConfig `yaml:"influx"`
	SpoolDir   string       `yaml:"spool_dir"`
	BufferSize int          `yaml:"buffer_size" validate:"gte=0"`
}

type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host" validate:"required_if=Enabled true"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org" validate:"required_if=Enabled true"`
	Bucket  string `yaml:"bucket" validate:"required_if=Enabled true"`
}

type APIConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Listen    string  `yaml:"listen" validate:"required_if=Enabled true"`
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Governor: GovernorConfig{
			PollInterval:         time.Second,
			PolicyMode:           ModeRulesOnly,
			MaxCandidates:        256,
			EvictAfterIterations: 30,
			LogLevel:             "info",
			PolicyLogLevel:       "info",
			LogFormat:            "text",
		},
		Thresholds: Thresholds{
			CritInteractivePercentile: 0.05,
			InteractivePercentile:     0.15,
			NormalPercentile:          0.5,
			BackgroundPercentile:      0.2,
			PSICPUSomeHigh:            40,
			PSIIOSomeHigh:             50,
			NoisyNeighbourCPUShare:    0.25,
			NoisyNeighbourIOShare:     0.5,
			UserIdleTimeoutSec:        300,
			InteractiveBuildGraceSec:  30,
		},
		Hysteresis: HysteresisConfig{MinDwellIterations: 3},
		Scoring: ScoringWeights{
			Focus:   10,
			Audio:   6,
			GUI:     2,
			CPU:     3,
			IO:      1,
			Latency: 2,
		},
		Hybrid: HybridConfig{
			RuleWeight:          0.5,
			MLWeight:            0.5,
			ConfidenceThreshold: 0.7,
			Ranker:              RankerConfig{Kind: "none", Timeout: 200 * time.Millisecond},
		},
		Rules: RulesConfig{
			VendorDir:     "/usr/share/prio-governor/rules.d",
			DistroDir:     "/usr/lib/prio-governor/rules.d",
			UserDir:       "/etc/prio-governor/rules.d",
			RuntimeDir:    "/var/lib/prio-governor/rules.d",
			Watch:         true,
			WatchDebounce: 250 * time.Millisecond,
			BuildTags:     []string{"build"},
		},
		Telemetry: TelemetryConfig{
			ProcRoot:       "/proc",
			DockerRefresh:  30 * time.Second,
			CollectTimeout: 500 * time.Millisecond,
		},
		Actuator: ActuatorConfig{
			Mode:         "dry-run",
			OpsPerSecond: 500,
			Burst:        100,
			Timeout:      time.Second,
			CgroupRoot:   "/sys/fs/cgroup",
			LatencyNice:  true,
		},
		Sink: SinkConfig{
			SpoolDir:   "~/.local/state/prio-governor/spool",
			BufferSize: 1024,
		},
		API: APIConfig{
			Listen:    "127.0.0.1:9477",
			RateLimit: 20,
			Burst:     40,
		},
	}
}
