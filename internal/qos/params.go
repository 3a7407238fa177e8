package qos

import (
	"fmt"
	"strings"
)

// IOClass mirrors the kernel's ioprio classes.
type IOClass int

const (
	IONone IOClass = iota
	IORealtime
	IOBestEffort
	IOIdle
)

var ioClassNames = map[IOClass]string{
	IONone:       "none",
	IORealtime:   "realtime",
	IOBestEffort: "best-effort",
	IOIdle:       "idle",
}

func (c IOClass) String() string {
	if name, ok := ioClassNames[c]; ok {
		return name
	}
	return fmt.Sprintf("IOClass(%d)", int(c))
}

func ParseIOClass(s string) (IOClass, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "-"))
	switch norm {
	case "rt":
		return IORealtime, nil
	case "be", "besteffort":
		return IOBestEffort, nil
	}
	for c, name := range ioClassNames {
		if name == norm {
			return c, nil
		}
	}
	return IONone, fmt.Errorf("unknown io class %q", s)
}

func (c IOClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *IOClass) UnmarshalText(b []byte) error {
	parsed, err := ParseIOClass(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Limits of the kernel interfaces the parameters end up in.
const (
	MinNice        = -20
	MaxNice        = 19
	MinLatencyNice = -20
	MaxLatencyNice = 19
	MinIOLevel     = 0
	MaxIOLevel     = 7
	MinCPUWeight   = 1
	MaxCPUWeight   = 10000
)

// Params is the concrete tuple handed to the actuator for one process.
type Params struct {
	Nice        int     `json:"nice"`
	LatencyNice int     `json:"latency_nice"`
	IOClass     IOClass `json:"ionice_class"`
	IOLevel     int     `json:"ionice_level"`
	CPUWeight   int     `json:"cgroup_cpu_weight"`
}

func (p Params) String() string {
	return fmt.Sprintf("nice=%d latnice=%d io=%s/%d weight=%d", p.Nice, p.LatencyNice, p.IOClass, p.IOLevel, p.CPUWeight)
}

var envelopes = map[Class]Params{
	CritInteractive: {Nice: -10, LatencyNice: -15, IOClass: IOBestEffort, IOLevel: 0, CPUWeight: 400},
	Interactive:     {Nice: -5, LatencyNice: -8, IOClass: IOBestEffort, IOLevel: 2, CPUWeight: 200},
	Normal:          {Nice: 0, LatencyNice: 0, IOClass: IOBestEffort, IOLevel: 4, CPUWeight: 100},
	Background:      {Nice: 10, LatencyNice: 10, IOClass: IOBestEffort, IOLevel: 6, CPUWeight: 50},
	Idle:            {Nice: 19, LatencyNice: 19, IOClass: IOIdle, IOLevel: 7, CPUWeight: 10},
}

// Envelope returns the fixed parameter set of a class.
func Envelope(c Class) Params {
	if p, ok := envelopes[c]; ok {
		return p
	}
	return envelopes[Normal]
}

// Range is an inclusive integer interval. A zero Range (Set == false) does not
// constrain anything.
type Range struct {
	Min int  `yaml:"min" json:"min"`
	Max int  `yaml:"max" json:"max"`
	Set bool `yaml:"-" json:"set"`
}

func NewRange(min, max int) Range {
	return Range{Min: min, Max: max, Set: true}
}

func (r Range) Clamp(v int) int {
	if !r.Set {
		return v
	}
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// Mid is the midpoint of the range, used when a single representative value is
// needed (for example the latency sensitivity of a behavior type).
func (r Range) Mid() float64 {
	return float64(r.Min+r.Max) / 2
}

func (r Range) Valid(lo, hi int) error {
	if !r.Set {
		return nil
	}
	if r.Min > r.Max {
		return fmt.Errorf("min %d > max %d", r.Min, r.Max)
	}
	if r.Min < lo || r.Max > hi {
		return fmt.Errorf("range [%d,%d] outside [%d,%d]", r.Min, r.Max, lo, hi)
	}
	return nil
}

// Overrides are per-field replacements coming from an explicit rule. Nil
// fields leave the computed value alone.
type Overrides struct {
	Nice        *int     `json:"nice,omitempty"`
	LatencyNice *int     `json:"latency_nice,omitempty"`
	IOClass     *IOClass `json:"ionice_class,omitempty"`
	IOLevel     *int     `json:"ionice_level,omitempty"`
	CPUWeight   *int     `json:"cgroup_cpu_weight,omitempty"`
}

func (o Overrides) Empty() bool {
	return o.Nice == nil && o.LatencyNice == nil && o.IOClass == nil && o.IOLevel == nil && o.CPUWeight == nil
}

// Apply replaces every field o sets.
func (o Overrides) Apply(p Params) Params {
	if o.Nice != nil {
		p.Nice = *o.Nice
	}
	if o.LatencyNice != nil {
		p.LatencyNice = *o.LatencyNice
	}
	if o.IOClass != nil {
		p.IOClass = *o.IOClass
	}
	if o.IOLevel != nil {
		p.IOLevel = *o.IOLevel
	}
	if o.CPUWeight != nil {
		p.CPUWeight = *o.CPUWeight
	}
	return p
}

// Fields lists the names of the overridden fields, in a fixed order.
func (o Overrides) Fields() []string {
	var out []string
	if o.Nice != nil {
		out = append(out, fmt.Sprintf("nice=%d", *o.Nice))
	}
	if o.LatencyNice != nil {
		out = append(out, fmt.Sprintf("latency_nice=%d", *o.LatencyNice))
	}
	if o.IOClass != nil {
		out = append(out, fmt.Sprintf("ionice_class=%s", *o.IOClass))
	}
	if o.IOLevel != nil {
		out = append(out, fmt.Sprintf("ionice_level=%d", *o.IOLevel))
	}
	if o.CPUWeight != nil {
		out = append(out, fmt.Sprintf("cgroup_cpu_weight=%d", *o.CPUWeight))
	}
	return out
}
