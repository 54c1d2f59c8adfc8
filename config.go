// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mpfit

import (
	"fmt"
	"os"
	"runtime"

	"github.com/grailbio/base/errors"
	"gopkg.in/yaml.v3"
)

// Strategy names a partition strategy for event-based jobs: how event
// indices are assigned to tasks.
type Strategy int

const (
	// Bulk partitions events into W contiguous ranges.
	Bulk Strategy = iota
	// Interleaved partitions events into W stride-W index sets.
	Interleaved
	// PerEvent creates one task per event.
	PerEvent
)

var strategies = [...]string{
	Bulk:        "bulk",
	Interleaved: "interleaved",
	PerEvent:    "per-event",
}

// String returns the strategy's configuration name.
func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategies) {
		return fmt.Sprintf("strategy(%d)", int(s))
	}
	return strategies[s]
}

// ParseStrategy parses a strategy from its configuration name.
func ParseStrategy(name string) (Strategy, error) {
	for i, s := range strategies {
		if s == name {
			return Strategy(i), nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown partition strategy %q", name))
}

// MarshalYAML implements yaml.Marshaler.
func (s Strategy) MarshalYAML() (interface{}, error) { return s.String(), nil }

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Strategy) UnmarshalYAML(node *yaml.Node) error {
	var name string
	if err := node.Decode(&name); err != nil {
		return err
	}
	parsed, err := ParseStrategy(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Config holds the runtime options recognized by the engine. The zero
// Config is not valid; obtain one from DefaultConfig and override
// fields, or load one from YAML with LoadConfig.
type Config struct {
	// Workers is the number of worker processes in the fleet.
	Workers int `yaml:"workers"`
	// PartitionStrategy selects how likelihood jobs split their
	// events over tasks.
	PartitionStrategy Strategy `yaml:"partition_strategy"`
	// ExtendedLikelihood adds the extended maximum-likelihood term to
	// likelihood evaluations.
	ExtendedLikelihood bool `yaml:"extended_likelihood"`
	// LikelihoodOffsetting subtracts a one-shot offset, captured at
	// the first non-zero evaluation, from every likelihood value to
	// improve floating-point conditioning.
	LikelihoodOffsetting bool `yaml:"likelihood_offsetting"`
	// ApplyWeightSquared switches weighted likelihoods to the
	// variance-adjusted squared-weight form.
	ApplyWeightSquared bool `yaml:"apply_weight_squared"`

	// StepTolerance, GradTolerance, NCycles and ErrorLevel configure
	// the numerical derivator. See package gradient for their
	// meaning.
	StepTolerance float64 `yaml:"step_tolerance"`
	GradTolerance float64 `yaml:"grad_tolerance"`
	NCycles       int     `yaml:"ncycles"`
	ErrorLevel    float64 `yaml:"error_level"`

	// SendNonblocking bounds master-side sends after the connection
	// handshake so that a wedged peer surfaces as a transport error
	// rather than a hang.
	SendNonblocking bool `yaml:"send_nonblocking"`
}

// DefaultConfig returns the documented defaults: hardware concurrency
// workers, bulk partitioning, offsetting on, derivator settings for
// the default minimizer strategy, and non-blocking sends.
func DefaultConfig() Config {
	return Config{
		Workers:              runtime.NumCPU(),
		PartitionStrategy:    Bulk,
		LikelihoodOffsetting: true,
		StepTolerance:        0.3,
		GradTolerance:        0.05,
		NCycles:              3,
		ErrorLevel:           0.5,
		SendNonblocking:      true,
	}
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("workers must be positive, got %d", c.Workers))
	}
	if c.NCycles <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("ncycles must be positive, got %d", c.NCycles))
	}
	return nil
}

// LoadConfig reads a YAML configuration file, overlaying it onto the
// defaults.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, errors.E(errors.Invalid, fmt.Sprintf("config %s", path), err)
	}
	return c, c.Validate()
}

// MarshalString encodes the configuration as YAML. It is used to ship
// the master's configuration to fleet children through the
// environment.
func (c Config) MarshalString() (string, error) {
	data, err := yaml.Marshal(c)
	return string(data), err
}

// UnmarshalConfigString decodes a configuration produced by
// MarshalString.
func UnmarshalConfigString(s string) (Config, error) {
	c := DefaultConfig()
	err := yaml.Unmarshal([]byte(s), &c)
	return c, err
}
