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

package constants

import "time"

const (
	// ResidentYardBinary is the worker executable spawned for resident actions.
	// It is resolved through PATH unless the config names an absolute path.
	ResidentYardBinary = "resident-yard"

	// ResidentChannelPrefix prefixes the channel name of a resident, followed by the action id.
	ResidentChannelPrefix = "resident-"

	// DefaultSocketDir is the parent directory for resident channel sockets.
	DefaultSocketDir = "/tmp/actioncore"

	// MaxModulePathLen bounds the module path sent in a PARAMETERS frame.
	MaxModulePathLen = 4096
)

const (
	// DefaultDedupTTL is how long a dispatched (server, event) pair suppresses replays.
	DefaultDedupTTL = 10 * time.Minute

	// DedupCullInterval is how often expired dedup entries are swept.
	DedupCullInterval = time.Minute
)

const (
	// DefaultOutputDir is where actor stdout/stderr is captured.
	DefaultOutputDir = "/tmp/actioncore/output"

	// DefaultOutputMaxSize is the size after which an actor's current output file is rotated.
	DefaultOutputMaxSize = 1024 * 1024

	// MinOutputMaxSize and MaxOutputMaxSize clamp the configured rotation size.
	MinOutputMaxSize = 4096
	MaxOutputMaxSize = 256 * 1024 * 1024

	// DefaultRotateInterval is the period of the output rotation check.
	DefaultRotateInterval = 30 * time.Second
)

const (
	// DefaultMetricsPort is the port of the /metrics endpoint.
	DefaultMetricsPort = 8081

	// ShutdownTimeout bounds the graceful shutdown of the metrics server and the reset barrier.
	ShutdownTimeout = 3 * time.Second
)
