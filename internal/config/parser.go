package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"prio-governor/internal/logging"
	"prio-governor/internal/qos"
)

const DefaultPath = "/etc/prio-governor/config.yaml"

const fractionEpsilon = 1e-9

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// ValidationError lists every offending field of a rejected configuration.
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	where := e.Path
	if where == "" {
		where = "config"
	}
	return fmt.Sprintf("%s: invalid configuration: %s", where, strings.Join(e.Problems, "; "))
}

func LoadConfig(path string) (*Config, error) {
	cfg, _, err := LoadConfigWithContent(path)
	return cfg, err
}

// LoadConfigWithContent reads, expands, decodes and validates the file at
// path. It also returns the raw file content for spool artifacts.
func LoadConfigWithContent(path string) (*Config, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(path)
	if err != nil {
		logger.WithField("path", path).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	cfg, warnings, err := Parse(data)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			ve.Path = path
		}
		logger.WithField("path", path).WithError(err).Error("Failed to load config file")
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	for _, w := range warnings {
		logger.WithField("path", path).Warn(w)
	}
	cfg.Source = path
	return cfg, string(data), nil
}

// Parse decodes a configuration document on top of the defaults. Warnings
// describe adjustments made while normalizing, such as rescaled percentiles.
func Parse(data []byte) (*Config, []string, error) {
	cfg := Default()
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}
	if err := expandPaths(cfg); err != nil {
		return nil, nil, err
	}
	warnings, err := Finalize(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, warnings, nil
}

// Defaults returns the built-in configuration, validated and with paths
// expanded, for hosts that have no config file.
func Defaults() (*Config, error) {
	cfg := Default()
	if err := expandPaths(cfg); err != nil {
		return nil, err
	}
	if _, err := Finalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize validates cfg and normalizes its percentile cut points in place.
func Finalize(cfg *Config) ([]string, error) {
	var problems []string
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, err
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s: failed %q (%s)", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag(), fe.Param()))
		}
	}
	problems = append(problems, crossCheck(cfg)...)
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	var warnings []string
	if w := normalizePercentiles(&cfg.Thresholds); w != "" {
		warnings = append(warnings, w)
	}
	if cfg.Governor.PolicyMode == ModeHybrid && cfg.Hybrid.Ranker.Kind == "none" {
		warnings = append(warnings, "policy_mode is hybrid but no ranker is configured; decisions will be rules-only")
	}
	return warnings, nil
}

func crossCheck(cfg *Config) []string {
	var problems []string
	if cfg.Hybrid.Ranker.Kind == "http" && cfg.Hybrid.Ranker.URL == "" {
		problems = append(problems, "hybrid.ranker.url: required for kind http")
	}
	if cfg.Governor.PolicyMode == ModeHybrid && cfg.Hybrid.RuleWeight+cfg.Hybrid.MLWeight <= 0 {
		problems = append(problems, "hybrid: rule_weight + ml_weight must be positive")
	}
	seen := make(map[string]bool)
	for _, l := range cfg.Rules.LayerOrder {
		if seen[l] {
			problems = append(problems, fmt.Sprintf("rules.layer_order: %s listed twice", l))
		}
		seen[l] = true
	}
	if cfg.Actuator.RDT.Enabled {
		for class := range cfg.Actuator.RDT.Classes {
			if !knownClassName(class) {
				problems = append(problems, fmt.Sprintf("actuator.rdt.classes: unknown qos class %q", class))
			}
		}
	}
	return problems
}

// normalizePercentiles rescales the cut points when they cannot describe a
// partition: four fractions above 1, or five explicit fractions that do not
// sum to exactly 1. Four fractions below 1 leave the rest to IDLE.
func normalizePercentiles(t *Thresholds) string {
	f := t.Fractions()
	sum := f[0] + f[1] + f[2] + f[3]
	total := sum
	if t.IdlePercentile != nil {
		total += *t.IdlePercentile
		if math.Abs(total-1) <= fractionEpsilon {
			return ""
		}
	} else if total <= 1+fractionEpsilon {
		return ""
	}

	scale := 1 / total
	t.CritInteractivePercentile *= scale
	t.InteractivePercentile *= scale
	t.NormalPercentile *= scale
	t.BackgroundPercentile *= scale
	if t.IdlePercentile != nil {
		idle := *t.IdlePercentile * scale
		t.IdlePercentile = &idle
	}
	return fmt.Sprintf("percentile cut points sum to %.3f, normalized proportionally to 1.0", total)
}

func expandEnvVars(content string) string {
	return envPattern.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

func expandPaths(cfg *Config) error {
	for _, p := range []*string{
		&cfg.Rules.VendorDir,
		&cfg.Rules.DistroDir,
		&cfg.Rules.UserDir,
		&cfg.Rules.RuntimeDir,
		&cfg.Telemetry.HintsFile,
		&cfg.Sink.SpoolDir,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

func knownClassName(s string) bool {
	c, err := qos.ParseClass(s)
	return err == nil && c.String() == s
}

// LogFields summarizes the policy-relevant settings for startup logs.
func (c *Config) LogFields() logrus.Fields {
	f := c.Thresholds.Fractions()
	return logrus.Fields{
		"policy_mode":    c.Governor.PolicyMode,
		"poll_interval":  c.Governor.PollInterval.String(),
		"max_candidates": c.Governor.MaxCandidates,
		"percentiles":    fmt.Sprintf("%.3f/%.3f/%.3f/%.3f", f[0], f[1], f[2], f[3]),
		"min_dwell":      c.Hysteresis.MinDwellIterations,
		"actuator":       c.Actuator.Mode,
	}
}
