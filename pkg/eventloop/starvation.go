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

package eventloop

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actioncore/pkg/metrics"
	"github.com/united-manufacturing-hub/actioncore/pkg/sentry"
)

// DefaultStarvationThreshold is the heartbeat delay after which the loop counts as starved.
const DefaultStarvationThreshold = 5 * time.Second

// StarvationChecker detects a blocked event loop. It posts a heartbeat task every interval
// and reports starvation when the last heartbeat ran longer than threshold ago, e.g. because
// a frame callback is stuck on a slow action log write.
type StarvationChecker struct {
	logger    *zap.SugaredLogger
	loop      Poster
	threshold time.Duration
	interval  time.Duration

	mu       sync.RWMutex
	lastBeat time.Time
}

// NewStarvationChecker creates a checker for loop. Run starts it.
func NewStarvationChecker(logger *zap.SugaredLogger, loop Poster, threshold time.Duration) *StarvationChecker {
	if logger == nil {
		panic("logger cannot be nil - StarvationChecker requires a valid logger")
	}

	interval := time.Second
	if threshold < 2*interval {
		interval = threshold / 2
	}

	return &StarvationChecker{
		logger:    logger,
		loop:      loop,
		threshold: threshold,
		interval:  interval,
		lastBeat:  time.Now(),
	}
}

// Run checks the loop until ctx is done. It always returns nil.
func (s *StarvationChecker) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.beat()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if starved := s.Check(); starved > 0 {
				metrics.AddLoopStarvation(starved.Seconds())
				sentry.ReportIssuef(sentry.IssueTypeWarning, s.logger, "event loop starvation detected: %.2f seconds since last heartbeat", starved.Seconds())
			}

			s.loop.Post(s.beat)
		}
	}
}

// Check returns the time since the last heartbeat when it exceeds the threshold, zero otherwise.
func (s *StarvationChecker) Check() time.Duration {
	since := time.Since(s.LastHeartbeat())
	if since <= s.threshold {
		return 0
	}

	return since
}

// LastHeartbeat returns when the loop last ran a heartbeat.
func (s *StarvationChecker) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastBeat
}

func (s *StarvationChecker) beat() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastBeat = time.Now()
}
