// Package actuator applies planned parameter changes to live processes.
package actuator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"prio-governor/internal/config"
	"prio-governor/internal/hysteresis"
	"prio-governor/internal/logging"
)

// Result reports the outcome of one change. Err is nil on success.
type Result struct {
	Change hysteresis.Change
	Err    error
}

// Actuator applies a batch of changes and reports one result per change, in
// order. It must honour ctx; changes not attempted before ctx ends are
// reported with ctx's error.
type Actuator interface {
	Name() string
	Apply(ctx context.Context, changes []hysteresis.Change) []Result
	Close() error
}

// New builds the actuator selected by cfg.
func New(cfg config.ActuatorConfig) (Actuator, error) {
	switch cfg.Mode {
	case "", "dry-run":
		return NewDryRun(), nil
	case "linux":
		a, err := NewLinux(cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown actuator mode %q", cfg.Mode)
	}
}

// DryRun logs what it would do and always succeeds.
type DryRun struct {
	logger *logrus.Logger
}

func NewDryRun() *DryRun {
	return &DryRun{logger: logging.GetLogger()}
}

func (d *DryRun) Name() string { return "dry-run" }

func (d *DryRun) Apply(ctx context.Context, changes []hysteresis.Change) []Result {
	out := make([]Result, len(changes))
	for i, c := range changes {
		out[i].Change = c
		if err := ctx.Err(); err != nil {
			out[i].Err = err
			continue
		}
		d.logger.WithFields(changeFields(c)).Info("dry-run: would apply")
	}
	return out
}

func (d *DryRun) Close() error { return nil }

func changeFields(c hysteresis.Change) logrus.Fields {
	f := logrus.Fields{
		"entity": c.GroupID,
		"pid":    c.PID,
		"class":  c.Class.String(),
		"params": c.Params.String(),
	}
	if c.Previous != nil {
		f["previous"] = c.Previous.String()
	}
	return f
}
