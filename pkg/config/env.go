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

package config

import (
	"fmt"

	"github.com/united-manufacturing-hub/actioncore/pkg/env"
)

// ApplyEnv overrides file values with the ACTIONCORE_* environment variables that are set.
//
// Order of precedence (highest to lowest):
// 1. Environment variables
// 2. Config file values
// 3. Default values
func (c *FullConfig) ApplyEnv() error {
	var err error

	if c.Agent.MetricsPort, err = env.GetAsInt("ACTIONCORE_METRICS_PORT", false, c.Agent.MetricsPort); err != nil {
		return fmt.Errorf("failed to get ACTIONCORE_METRICS_PORT: %w", err)
	}

	if c.Agent.SentryDSN, err = env.GetAsString("ACTIONCORE_SENTRY_DSN", false, c.Agent.SentryDSN); err != nil {
		return fmt.Errorf("failed to get ACTIONCORE_SENTRY_DSN: %w", err)
	}

	if c.Agent.DedupTTL, err = env.GetAsDuration("ACTIONCORE_DEDUP_TTL", false, c.Agent.DedupTTL); err != nil {
		return fmt.Errorf("failed to get ACTIONCORE_DEDUP_TTL: %w", err)
	}

	if c.Resident.YardPath, err = env.GetAsString("ACTIONCORE_YARD_PATH", false, c.Resident.YardPath); err != nil {
		return fmt.Errorf("failed to get ACTIONCORE_YARD_PATH: %w", err)
	}

	if c.Resident.SocketDir, err = env.GetAsString("ACTIONCORE_SOCKET_DIR", false, c.Resident.SocketDir); err != nil {
		return fmt.Errorf("failed to get ACTIONCORE_SOCKET_DIR: %w", err)
	}

	sqlitePath, err := env.GetAsString("ACTIONCORE_ACTION_LOG", false, "")
	if err != nil {
		return fmt.Errorf("failed to get ACTIONCORE_ACTION_LOG: %w", err)
	}

	if sqlitePath != "" {
		c.ActionLog.SQLitePath = sqlitePath
		c.ActionLog.Memory = false
	}

	if c.Output.Directory, err = env.GetAsString("ACTIONCORE_OUTPUT_DIR", false, c.Output.Directory); err != nil {
		return fmt.Errorf("failed to get ACTIONCORE_OUTPUT_DIR: %w", err)
	}

	if c.Output.MaxSize, err = env.GetAsInt64("ACTIONCORE_OUTPUT_MAX_SIZE", false, c.Output.MaxSize); err != nil {
		return fmt.Errorf("failed to get ACTIONCORE_OUTPUT_MAX_SIZE: %w", err)
	}

	return nil
}
