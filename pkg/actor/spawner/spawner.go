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

// Package spawner starts actors and registers them with the reaper atomically.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actioncore/pkg/action"
	"github.com/united-manufacturing-hub/actioncore/pkg/action/actionlog"
	"github.com/united-manufacturing-hub/actioncore/pkg/actor/reaper"
	"github.com/united-manufacturing-hub/actioncore/pkg/metrics"
	"github.com/united-manufacturing-hub/actioncore/pkg/sentry"
)

// ErrSpawnFailed wraps every error that kept an actor from being started and tracked.
var ErrSpawnFailed = errors.New("failed to spawn actor")

// Spawner starts actors. The reaper lock is held from process creation until the new
// pid is registered, so the reaper cannot observe an exit it does not know yet.
type Spawner struct {
	logger  *zap.SugaredLogger
	reaper  *reaper.Reaper
	store   actionlog.Store
	starter Starter
}

type spawnOptions struct {
	collected     reaper.CollectedFunc
	postCollected reaper.CollectedFunc
	session       any
	status        actionlog.Status
	dontLog       bool
}

// Option customizes a single Spawn call.
type Option func(*spawnOptions)

// WithCollected sets the callback run under the reaper lock once the actor's exit was collected.
func WithCollected(fn reaper.CollectedFunc) Option {
	return func(o *spawnOptions) {
		o.collected = fn
	}
}

// WithPostCollected sets the callback run after the reaper lock was released.
func WithPostCollected(fn reaper.CollectedFunc) Option {
	return func(o *spawnOptions) {
		o.postCollected = fn
	}
}

// WithSession attaches an opaque handle to the ActorInfo.
func WithSession(session any) Option {
	return func(o *spawnOptions) {
		o.session = session
	}
}

// WithStatus sets the status of the log record created for a successful spawn.
// The default is STARTED.
func WithStatus(status actionlog.Status) Option {
	return func(o *spawnOptions) {
		o.status = status
	}
}

// WithDontLog registers the actor with its completion record suppressed. Unlike
// Reaper.MarkDoNotLog after the spawn, no exit can be collected before the flag is set.
func WithDontLog() Option {
	return func(o *spawnOptions) {
		o.dontLog = true
	}
}

// New creates a Spawner.
func New(logger *zap.SugaredLogger, r *reaper.Reaper, store actionlog.Store, starter Starter) *Spawner {
	if logger == nil {
		panic("logger cannot be nil - Spawner requires a valid logger")
	}

	metrics.InitErrorCounter(metrics.ComponentSpawner, "log")

	return &Spawner{
		logger:  logger,
		reaper:  r,
		store:   store,
		starter: starter,
	}
}

// Spawn starts argv for def and registers the child with the reaper.
// A start failure is recorded as FAILED/EXEC_FAILURE and nothing is registered.
func (s *Spawner) Spawn(ctx context.Context, def action.ActionDef, argv []string, opts ...Option) (*reaper.ActorInfo, error) {
	o := spawnOptions{status: actionlog.StatusStarted}
	for _, opt := range opts {
		opt(&o)
	}

	s.reaper.Lock()

	pid, err := s.starter.Start(Command{ActionID: def.ID, WorkingDir: def.WorkingDir, Argv: argv})
	if err != nil {
		if _, logErr := s.store.Create(ctx, def, actionlog.FailureExecFailure, actionlog.StatusFailed); logErr != nil {
			s.reportLogError(def, logErr)
		}
		s.reaper.Unlock()

		metrics.RecordSpawn(def.Type.String(), false)
		s.logger.Warnf("Failed to spawn action %d (%v): %s", def.ID, argv, err)

		return nil, fmt.Errorf("%w: action %d: %w", ErrSpawnFailed, def.ID, err)
	}

	logID, err := s.store.Create(ctx, def, actionlog.FailureNone, o.status)
	if err != nil {
		// The actor runs without a record; its completion is not logged.
		s.reportLogError(def, err)
	}

	info := &reaper.ActorInfo{
		PID:           pid,
		ActionID:      def.ID,
		LogID:         logID,
		DontLog:       o.dontLog || logID == actionlog.InvalidID,
		Collected:     o.collected,
		PostCollected: o.postCollected,
		Session:       o.session,
	}

	if err := s.reaper.Register(info); err != nil {
		s.reaper.Unlock()

		if killErr := s.starter.Kill(pid); killErr != nil {
			s.logger.Warnf("Failed to kill unregistered pid %d: %s", pid, killErr)
		}

		if logID != actionlog.InvalidID {
			endErr := s.store.End(ctx, actionlog.EndArg{
				LogID:       logID,
				Status:      actionlog.StatusFailed,
				FailureCode: actionlog.FailureUnexpectedExit,
			})
			if endErr != nil {
				s.reportLogError(def, endErr)
			}
		}

		metrics.RecordSpawn(def.Type.String(), false)

		return nil, fmt.Errorf("%w: action %d: %w", ErrSpawnFailed, def.ID, err)
	}

	s.reaper.Unlock()

	metrics.RecordSpawn(def.Type.String(), true)
	s.logger.Debugf("Spawned action %d as pid %d (log %d)", def.ID, pid, logID)

	if timeout := def.TimeoutDuration(); timeout > 0 {
		s.armTimeout(info, timeout)
	}

	return info, nil
}

// armTimeout kills info once timeout elapsed, unless it was collected before.
func (s *Spawner) armTimeout(info *reaper.ActorInfo, timeout time.Duration) {
	time.AfterFunc(timeout, func() {
		if err := s.reaper.Expire(info); err != nil {
			if !errors.Is(err, reaper.ErrNotTracked) {
				s.logger.Warnf("Failed to kill timed out %s: %s", info, err)
			}

			return
		}

		s.logger.Infof("Killed %s after timeout of %s", info, timeout)
	})
}

func (s *Spawner) reportLogError(def action.ActionDef, err error) {
	metrics.IncErrorCount(metrics.ComponentSpawner, "log")
	sentry.ReportIssuef(sentry.IssueTypeError, s.logger, "failed to write action log for action %d: %w", def.ID, err)
}
