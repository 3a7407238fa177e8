// Package qos defines the five QoS classes the governor assigns and the fixed
// scheduling-parameter envelope each class carries.
//
// Classes are totally ordered: a higher rank is more important. Comparisons in
// the policy engine and the hysteresis tracker are done on Rank, never on names.
package qos

import (
	"fmt"
	"strings"
)

// Class is a QoS tier. The zero value is Idle.
type Class int

const (
	Idle Class = iota
	Background
	Normal
	Interactive
	CritInteractive
)

var classNames = map[Class]string{
	Idle:            "IDLE",
	Background:      "BACKGROUND",
	Normal:          "NORMAL",
	Interactive:     "INTERACTIVE",
	CritInteractive: "CRIT_INTERACTIVE",
}

// All returns every class from most to least important.
func All() []Class {
	return []Class{CritInteractive, Interactive, Normal, Background, Idle}
}

func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// Rank is the ordering key. CritInteractive has the highest rank.
func (c Class) Rank() int { return int(c) }

func (c Class) IsValid() bool {
	_, ok := classNames[c]
	return ok
}

// Higher reports whether c is strictly more important than other.
func (c Class) Higher(other Class) bool { return c > other }

// AtLeast reports whether c is as important as other or more.
func (c Class) AtLeast(other Class) bool { return c >= other }

// ParseClass accepts the canonical upper-case names and their lower-case,
// hyphenated spellings ("crit-interactive").
func ParseClass(s string) (Class, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for c, name := range classNames {
		if name == norm {
			return c, nil
		}
	}
	return Idle, fmt.Errorf("unknown QoS class %q", s)
}

func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Class) UnmarshalText(b []byte) error {
	parsed, err := ParseClass(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Min returns the less important of two classes.
func Min(a, b Class) Class {
	if a < b {
		return a
	}
	return b
}

// Max returns the more important of two classes.
func Max(a, b Class) Class {
	if a > b {
		return a
	}
	return b
}
