// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the YAML configuration of the action core.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tiendc/go-deepcopy"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/actioncore/pkg/constants"
)

type FullConfig struct {
	Agent     AgentConfig     `yaml:"agent"`     // Process-wide settings, require a restart
	Reaper    ReaperConfig    `yaml:"reaper"`    // Actor reaper tuning
	Resident  ResidentConfig  `yaml:"resident"`  // Resident worker settings
	ActionLog ActionLogConfig `yaml:"actionLog"` // Where action log records are kept
	Output    OutputConfig    `yaml:"output"`    // Capture of actor stdout/stderr
	Actions   []ActionConfig  `yaml:"actions"`   // Configured actions
}

type AgentConfig struct {
	MetricsPort int           `yaml:"metricsPort"`         // Port of the /metrics endpoint, 0 disables it
	SentryDSN   string        `yaml:"sentryDSN,omitempty"` // Empty disables error reporting
	DedupTTL    time.Duration `yaml:"dedupTTL"`            // Replay suppression window, 0 disables it
}

type ReaperConfig struct {
	// ResetTimeout bounds how long a reset waits for the reaper goroutine.
	ResetTimeout time.Duration `yaml:"resetTimeout"`
}

type ResidentConfig struct {
	YardPath  string `yaml:"yardPath"`  // Worker binary, resolved through PATH when relative
	SocketDir string `yaml:"socketDir"` // Parent directory of the per-core socket directory
}

type ActionLogConfig struct {
	SQLitePath string `yaml:"sqlitePath,omitempty"`
	Memory     bool   `yaml:"memory"`
}

type OutputConfig struct {
	Directory      string        `yaml:"directory"`
	MaxSize        int64         `yaml:"maxSize"`
	RotateInterval time.Duration `yaml:"rotateInterval"`
}

// ActionConfig is the YAML form of an action.ActionDef.
type ActionConfig struct {
	ID         int             `yaml:"id"`
	Type       string          `yaml:"type"`
	Path       string          `yaml:"path"`
	WorkingDir string          `yaml:"workingDir,omitempty"`
	Timeout    int             `yaml:"timeout,omitempty"` // Seconds, 0 means no timeout
	Condition  ConditionConfig `yaml:"condition,omitempty"`
}

// ConditionConfig enables a criterion by setting it. Unset criteria match everything.
type ConditionConfig struct {
	ServerID        *uint32 `yaml:"serverId,omitempty"`
	HostID          *uint64 `yaml:"hostId,omitempty"`
	HostGroupID     *uint64 `yaml:"hostGroupId,omitempty"`
	TriggerID       *uint64 `yaml:"triggerId,omitempty"`
	TriggerStatus   string  `yaml:"triggerStatus,omitempty"`
	TriggerSeverity string  `yaml:"triggerSeverity,omitempty"`
	// SeverityCompare is "eq" (default) or "eq_gt".
	SeverityCompare string `yaml:"severityCompare,omitempty"`
}

// Default returns the configuration used for every key the file leaves out.
func Default() FullConfig {
	return FullConfig{
		Agent: AgentConfig{
			MetricsPort: constants.DefaultMetricsPort,
			DedupTTL:    constants.DefaultDedupTTL,
		},
		Reaper: ReaperConfig{
			ResetTimeout: constants.ShutdownTimeout,
		},
		Resident: ResidentConfig{
			YardPath:  constants.ResidentYardBinary,
			SocketDir: constants.DefaultSocketDir,
		},
		ActionLog: ActionLogConfig{
			Memory: true,
		},
		Output: OutputConfig{
			Directory:      constants.DefaultOutputDir,
			MaxSize:        constants.DefaultOutputMaxSize,
			RotateInterval: constants.DefaultRotateInterval,
		},
	}
}

// Load reads the config file at path, applies environment overrides and validates the result.
// A missing file yields the defaults.
func Load(path string) (FullConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return FullConfig{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return FullConfig{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return FullConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return FullConfig{}, err
	}

	return cfg, nil
}

// Parse decodes data on top of the defaults. Unknown keys are rejected. It does not validate.
func Parse(data []byte) (FullConfig, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return FullConfig{}, err
	}

	return cfg, nil
}

// Clone returns a deep copy of the config.
func (c FullConfig) Clone() FullConfig {
	var clone FullConfig
	_ = deepcopy.Copy(&clone, &c)

	return clone
}

// Validate checks the settings and every action definition.
func (c FullConfig) Validate() error {
	var errs []error

	if c.Agent.MetricsPort < 0 || c.Agent.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("agent.metricsPort %d is out of range", c.Agent.MetricsPort))
	}

	if c.Agent.DedupTTL < 0 {
		errs = append(errs, errors.New("agent.dedupTTL must not be negative"))
	}

	if c.Reaper.ResetTimeout <= 0 {
		errs = append(errs, errors.New("reaper.resetTimeout must be positive"))
	}

	if c.Resident.YardPath == "" {
		errs = append(errs, errors.New("resident.yardPath must not be empty"))
	}

	if c.Resident.SocketDir == "" {
		errs = append(errs, errors.New("resident.socketDir must not be empty"))
	}

	if !c.ActionLog.Memory && c.ActionLog.SQLitePath == "" {
		errs = append(errs, errors.New("actionLog needs either memory or a sqlitePath"))
	}

	if c.Output.Directory == "" {
		errs = append(errs, errors.New("output.directory must not be empty"))
	}

	if c.Output.RotateInterval <= 0 {
		errs = append(errs, errors.New("output.rotateInterval must be positive"))
	}

	if _, err := c.ActionDefs(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
