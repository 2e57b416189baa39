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

// Package reaper collects the exit status of every actor spawned by the core.
//
// One goroutine (Run) owns the only blocking wait. Spawners register a child while
// holding the reaper lock, so an exit that races the registration is never lost:
// the reaper looks the pid up under the same lock after the wait returns.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actioncore/pkg/action/actionlog"
	"github.com/united-manufacturing-hub/actioncore/pkg/ctxutil/ctxsem"
	"github.com/united-manufacturing-hub/actioncore/pkg/eventloop"
	"github.com/united-manufacturing-hub/actioncore/pkg/metrics"
	"github.com/united-manufacturing-hub/actioncore/pkg/sentry"
)

var (
	// ErrShutdown is returned by operations on a reaper that was shut down.
	ErrShutdown = errors.New("reaper is shut down")
	// ErrNotTracked is returned for a pid the reaper does not watch.
	ErrNotTracked = errors.New("pid is not tracked by the reaper")
	// ErrAlreadyTracked is returned when a pid is registered twice.
	ErrAlreadyTracked = errors.New("pid is already tracked by the reaper")
)

// waitErrorDelay throttles the loop after an unexpected wait error.
const waitErrorDelay = 100 * time.Millisecond

// CollectedFunc is invoked once the exit of an actor was collected.
type CollectedFunc func(info *ActorInfo, exit ChildExit)

// ActorInfo describes one tracked child.
type ActorInfo struct {
	PID      int
	ActionID int
	LogID    uint64
	// DontLog suppresses the completion record, e.g. for resident workers whose log id
	// belongs to their first notification.
	DontLog bool
	// TimedOut is set when the actor was killed because its action timed out.
	TimedOut bool

	// Collected runs with the reaper lock held.
	Collected CollectedFunc
	// PostCollected runs after the lock is released.
	PostCollected CollectedFunc

	// Session is an opaque handle for the spawning component.
	Session any
}

// Reaper tracks actors between registration and exit collection.
type Reaper struct {
	logger *zap.SugaredLogger
	source ChildExitSource
	store  actionlog.Store
	loop   eventloop.Poster

	mu     sync.Mutex
	actors map[int]*ActorInfo
	// cancelWait interrupts the pending wait; nil when none is pending.
	cancelWait context.CancelFunc
	// resetDone is non-nil while a reset is requested and closed once it was performed.
	resetDone chan struct{}
	shutdown  bool

	// sem is posted once per registration, once per ignored or non-terminal status change
	// and once to wake the loop for a reset or shutdown.
	sem *ctxsem.Counting
}

// New creates a Reaper. Completion records go to store; actor releases are posted to loop.
func New(logger *zap.SugaredLogger, source ChildExitSource, store actionlog.Store, loop eventloop.Poster) *Reaper {
	if logger == nil {
		panic("logger cannot be nil - Reaper requires a valid logger")
	}

	metrics.InitErrorCounter(metrics.ComponentReaper, "wait")

	return &Reaper{
		logger: logger,
		source: source,
		store:  store,
		loop:   loop,
		actors: make(map[int]*ActorInfo),
		sem:    ctxsem.NewCounting(),
	}
}

// Lock acquires the reaper lock. Spawners hold it across process creation and Register.
func (r *Reaper) Lock() {
	r.mu.Lock()
}

// Unlock releases the reaper lock.
func (r *Reaper) Unlock() {
	r.mu.Unlock()
}

// Register starts tracking info.PID. The caller must hold the reaper lock.
func (r *Reaper) Register(info *ActorInfo) error {
	if r.shutdown {
		return ErrShutdown
	}

	if _, ok := r.actors[info.PID]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadyTracked, info.PID)
	}

	r.actors[info.PID] = info
	metrics.SetReaperPending(len(r.actors))
	r.sem.Post()

	return nil
}

// IsWatching reports whether pid is tracked.
func (r *Reaper) IsWatching(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.actors[pid]

	return ok
}

// MarkDoNotLog suppresses the completion record of pid.
func (r *Reaper) MarkDoNotLog(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.actors[pid]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotTracked, pid)
	}

	info.DontLog = true

	return nil
}

// PendingCount returns the number of tracked actors.
func (r *Reaper) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.actors)
}

// Kill force-terminates pid if it is tracked. The exit is collected as usual.
func (r *Reaper) Kill(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.actors[pid]; !ok {
		return fmt.Errorf("%w: %d", ErrNotTracked, pid)
	}

	return r.source.Kill(pid)
}

// Expire kills the actor described by info because its action ran out of time; the
// completion record says KILLED_TIMEOUT. It is a no-op error when info was already
// collected, even if its pid was reused by a newer actor.
func (r *Reaper) Expire(info *ActorInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.actors[info.PID] != info {
		return fmt.Errorf("%w: %d", ErrNotTracked, info.PID)
	}

	info.TimedOut = true

	return r.source.Kill(info.PID)
}

// Reset kills every tracked actor, forgets them and returns once the reaper goroutine
// acknowledged. It returns immediately when nothing is tracked.
// Completion work of the reaper is only ever posted to the event loop, never awaited,
// so a caller running on the event loop cannot deadlock here.
func (r *Reaper) Reset(ctx context.Context) error {
	r.mu.Lock()

	if r.shutdown {
		r.mu.Unlock()

		return ErrShutdown
	}

	if len(r.actors) == 0 {
		r.mu.Unlock()

		return nil
	}

	if r.resetDone == nil {
		r.resetDone = make(chan struct{})
	}

	done := r.resetDone

	if r.cancelWait != nil {
		r.cancelWait()
	}
	r.mu.Unlock()

	r.sem.Post()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("reaper reset not acknowledged: %w", ctx.Err())
	}
}

// Shutdown asks the reaper goroutine to stop and returns immediately.
func (r *Reaper) Shutdown() {
	r.mu.Lock()
	r.shutdown = true

	if r.cancelWait != nil {
		r.cancelWait()
	}
	r.mu.Unlock()

	r.sem.Post()
}

// Run is the reaper goroutine. It returns nil after Shutdown or when ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Debug("Reaper started")
	defer r.logger.Debug("Reaper stopped")

	for {
		if err := r.sem.Wait(ctx); err != nil {
			return nil
		}

		r.mu.Lock()

		if r.shutdown {
			r.mu.Unlock()

			return nil
		}

		if r.resetDone != nil {
			dropped, done := r.resetLocked()
			r.mu.Unlock()

			r.logReset(context.WithoutCancel(ctx), dropped)
			close(done)

			continue
		}

		if len(r.actors) == 0 {
			// stale wake-up
			r.mu.Unlock()

			continue
		}

		waitCtx, cancel := context.WithCancel(ctx)
		r.cancelWait = cancel
		r.mu.Unlock()

		exit, err := r.source.Next(waitCtx)

		r.mu.Lock()
		r.cancelWait = nil
		r.mu.Unlock()
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			// The consumed post still belongs to a live registration.
			r.sem.Post()

			if waitCtx.Err() == nil {
				metrics.IncErrorCount(metrics.ComponentReaper, "wait")
				sentry.ReportIssue(fmt.Errorf("reaper wait failed: %w", err), sentry.IssueTypeWarning, r.logger)

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(waitErrorDelay):
				}
			}

			continue
		}

		if !exit.Terminal() {
			r.logger.Debugf("Ignoring %s status change of pid %d", exit.Kind, exit.PID)
			r.sem.Post()

			continue
		}

		if !r.collect(ctx, exit) {
			r.logger.Debugf("Ignoring exit of untracked pid %d", exit.PID)
			r.sem.Post()
		}
	}
}

// collect handles a terminal exit and reports whether its pid was tracked.
func (r *Reaper) collect(ctx context.Context, exit ChildExit) bool {
	r.mu.Lock()

	info, ok := r.actors[exit.PID]
	if !ok {
		r.mu.Unlock()

		return false
	}

	delete(r.actors, exit.PID)
	metrics.SetReaperPending(len(r.actors))

	if info.Collected != nil {
		info.Collected(info, exit)
	}
	r.mu.Unlock()

	if info.PostCollected != nil {
		info.PostCollected(info, exit)
	}

	metrics.RecordCollected(exit.Kind.String())
	r.logger.Debugf("Collected pid %d (action %d): %s %d", exit.PID, info.ActionID, exit.Kind, exit.Code)

	if !info.DontLog {
		r.logEnd(context.WithoutCancel(ctx), info, exit)
	}

	r.loop.Post(func() { release(info) })

	return true
}

func (r *Reaper) logEnd(ctx context.Context, info *ActorInfo, exit ChildExit) {
	arg := actionlog.EndArg{
		LogID:    info.LogID,
		Status:   actionlog.StatusSucceeded,
		ExitCode: exit.Code,
	}

	if exit.Kind != ExitNormal {
		arg.Status = actionlog.StatusFailed
		arg.FailureCode = actionlog.FailureUnexpectedExit

		if info.TimedOut {
			arg.FailureCode = actionlog.FailureKilledTimeout
		}
	}

	if err := r.store.End(ctx, arg); err != nil {
		metrics.IncErrorCount(metrics.ComponentReaper, "log")
		sentry.ReportIssuef(sentry.IssueTypeWarning, r.logger, "failed to log end of pid %d (log %d): %w", info.PID, info.LogID, err)
	}
}

// resetLocked kills and forgets every tracked actor. It returns the dropped actors and
// the channel to close once their records were written. Must be called with r.mu held.
func (r *Reaper) resetLocked() ([]*ActorInfo, chan struct{}) {
	dropped := make([]*ActorInfo, 0, len(r.actors))

	for pid, info := range r.actors {
		if err := r.source.Kill(pid); err != nil {
			r.logger.Warnf("Failed to kill pid %d during reset: %s", pid, err)
		}

		delete(r.actors, pid)
		dropped = append(dropped, info)
		r.loop.Post(func() { release(info) })
	}

	drained := r.sem.Drain()
	metrics.SetReaperPending(0)
	r.logger.Infof("Reaper reset, dropped %d actor(s) and %d pending wake-up(s)", len(dropped), drained)

	done := r.resetDone
	r.resetDone = nil

	return dropped, done
}

// logReset closes the records of actors a reset dropped; their exits are never collected.
func (r *Reaper) logReset(ctx context.Context, dropped []*ActorInfo) {
	for _, info := range dropped {
		if info.DontLog {
			continue
		}

		err := r.store.End(ctx, actionlog.EndArg{
			LogID:       info.LogID,
			Status:      actionlog.StatusFailed,
			FailureCode: actionlog.FailureUnexpectedExit,
		})
		if err != nil {
			metrics.IncErrorCount(metrics.ComponentReaper, "log")
			sentry.ReportIssuef(sentry.IssueTypeWarning, r.logger, "failed to log reset of pid %d (log %d): %w", info.PID, info.LogID, err)
		}
	}
}

// release drops the references an ActorInfo holds once its exit was handled.
// It runs on the event loop, after every callback that could still use info.
func release(info *ActorInfo) {
	info.Collected = nil
	info.PostCollected = nil
	info.Session = nil
}

// String implements fmt.Stringer for log output.
func (i *ActorInfo) String() string {
	return "pid " + strconv.Itoa(i.PID) + " action " + strconv.Itoa(i.ActionID)
}
