//go:build !linux

package actuator

import (
	"errors"

	"prio-governor/internal/config"
)

// NewLinux is only available on Linux.
func NewLinux(config.ActuatorConfig) (Actuator, error) {
	return nil, errors.New("linux actuator is not supported on this platform")
}
