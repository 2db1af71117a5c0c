// Package definition models immutable workflow blueprints: ordered steps
// with job, fan-out, and polling configuration, failure and retry policies,
// output dependencies, and condition hooks. Definitions are built with a
// fluent Builder, validated statically, and stored in a Registry keyed by
// (key, version).
package definition

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Version is a semantic version compared component-wise
// (major, then minor, then patch).
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// ParseVersion parses a "major.minor.patch" string.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("definition: parse version %q: want major.minor.patch", s)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("definition: parse version %q: component %q is not a non-negative integer", s, p)
		}
		nums[i] = n
	}

	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MustParseVersion is like ParseVersion but panics on error.
// Use for hardcoded version literals.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// NewerThan reports whether v is strictly newer than o.
func (v Version) NewerThan(o Version) bool {
	if v.Major != o.Major {
		return v.Major > o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor > o.Minor
	}
	return v.Patch > o.Patch
}

// AutoRetryConfig enables workflow-level automatic retry: a failed
// workflow is retried from its failed step after Delay, up to MaxAttempts
// times, by the auto-retry sweep.
type AutoRetryConfig struct {
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
}

// Definition is an immutable description of a workflow: identity, ordered
// steps, and workflow-level policies. Definitions must not be mutated
// after registration.
type Definition struct {
	Key           string           `json:"key"`
	Version       Version          `json:"version"`
	DisplayName   string           `json:"display_name,omitempty"`
	ContextLoader string           `json:"context_loader,omitempty"`
	Steps         []Step           `json:"steps"`
	AutoRetry     *AutoRetryConfig `json:"auto_retry,omitempty"`
}

// QualifiedKey returns the "key:version" registry key for this definition.
func (d *Definition) QualifiedKey() string {
	return d.Key + ":" + d.Version.String()
}

// StepByKey returns the step with the given key, or false if absent.
func (d *Definition) StepByKey(key string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].Key == key {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// StepIndex returns the position of the step with the given key, or -1.
func (d *Definition) StepIndex(key string) int {
	for i := range d.Steps {
		if d.Steps[i].Key == key {
			return i
		}
	}
	return -1
}

// FirstStep returns the first step, or false for an empty definition.
func (d *Definition) FirstStep() (*Step, bool) {
	if len(d.Steps) == 0 {
		return nil, false
	}
	return &d.Steps[0], true
}

// NextStep returns the step after the one with the given key, or false if
// the key is the last step or unknown.
func (d *Definition) NextStep(key string) (*Step, bool) {
	idx := d.StepIndex(key)
	if idx < 0 || idx+1 >= len(d.Steps) {
		return nil, false
	}
	return &d.Steps[idx+1], true
}

// IsLastStep reports whether the given key names the final step.
func (d *Definition) IsLastStep(key string) bool {
	idx := d.StepIndex(key)
	return idx >= 0 && idx == len(d.Steps)-1
}

// StepsFrom returns the sub-slice of steps starting at the given key,
// in execution order. Empty if the key is unknown.
func (d *Definition) StepsFrom(key string) []Step {
	idx := d.StepIndex(key)
	if idx < 0 {
		return nil
	}
	return d.Steps[idx:]
}
