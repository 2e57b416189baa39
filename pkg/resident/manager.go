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

// Package resident runs one long-lived worker per resident action and feeds it events,
// one notification at a time, over a private channel.
package resident

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actioncore/pkg/action"
	"github.com/united-manufacturing-hub/actioncore/pkg/action/actionlog"
	"github.com/united-manufacturing-hub/actioncore/pkg/actor/reaper"
	"github.com/united-manufacturing-hub/actioncore/pkg/actor/spawner"
	"github.com/united-manufacturing-hub/actioncore/pkg/constants"
	"github.com/united-manufacturing-hub/actioncore/pkg/eventloop"
	"github.com/united-manufacturing-hub/actioncore/pkg/metrics"
	"github.com/united-manufacturing-hub/actioncore/pkg/resident/transport"
	"github.com/united-manufacturing-hub/actioncore/pkg/sentry"
)

var (
	// ErrShutdown is returned by Notify after Shutdown.
	ErrShutdown = errors.New("resident manager is shut down")
	// ErrNotRunning is returned for an action without a live resident.
	ErrNotRunning = errors.New("no resident running for action")
	// ErrNotResident is returned when a non-resident action is routed here.
	ErrNotResident = errors.New("action is not a resident action")
)

// storeTimeout bounds action log writes made from event loop callbacks.
const storeTimeout = 5 * time.Second

// Close reasons, used as metric labels.
const (
	reasonChannelError = "channel_error"
	reasonProtocol     = "protocol_violation"
	reasonWorkerExit   = "worker_exit"
	reasonClosed       = "closed"
	reasonReset        = "reset"
	reasonShutdown     = "shutdown"
)

// ActorSpawner starts worker processes.
type ActorSpawner interface {
	Spawn(ctx context.Context, def action.ActionDef, argv []string, opts ...spawner.Option) (*reaper.ActorInfo, error)
}

// ActorKiller terminates tracked workers.
type ActorKiller interface {
	Kill(pid int) error
}

// Manager owns every resident.
type Manager struct {
	logger    *zap.SugaredLogger
	store     actionlog.Store
	spawner   ActorSpawner
	killer    ActorKiller
	transport transport.Transport
	loop      eventloop.Poster
	yardPath  string

	// mu guards residents and shutdown. Lock order: mu, then a resident's own lock.
	mu        sync.Mutex
	residents map[int]*residentInfo
	shutdown  bool
}

// NewManager creates a Manager that spawns yardPath as the worker of every resident.
func NewManager(logger *zap.SugaredLogger, store actionlog.Store, sp ActorSpawner, killer ActorKiller, tr transport.Transport, loop eventloop.Poster, yardPath string) *Manager {
	if logger == nil {
		panic("logger cannot be nil - resident Manager requires a valid logger")
	}

	if yardPath == "" {
		yardPath = constants.ResidentYardBinary
	}

	metrics.InitErrorCounter(metrics.ComponentResident, "log")
	metrics.SetLiveResidents(0)

	return &Manager{
		logger:    logger,
		store:     store,
		spawner:   sp,
		killer:    killer,
		transport: tr,
		loop:      loop,
		yardPath:  yardPath,
		residents: make(map[int]*residentInfo),
	}
}

// ChannelName returns the channel name of the resident of actionID.
func ChannelName(actionID int) string {
	return constants.ResidentChannelPrefix + strconv.Itoa(actionID)
}

// Notify routes ev to the resident of def, launching it first if needed.
// The first event of a new resident reuses the log record of the worker spawn; every
// later event gets its own QUEUING record.
func (m *Manager) Notify(ctx context.Context, def action.ActionDef, ev action.EventInfo) error {
	if def.Type != action.TypeResident {
		return fmt.Errorf("%w: action %d", ErrNotResident, def.ID)
	}

	snapshot := snapshotEvent(ev)

	m.mu.Lock()

	if m.shutdown {
		m.mu.Unlock()

		return ErrShutdown
	}

	if r, ok := m.residents[def.ID]; ok {
		r.mu.Lock()
		m.mu.Unlock()

		logID, err := m.store.Create(ctx, def, actionlog.FailureNone, actionlog.StatusQueuing)
		if err != nil {
			r.mu.Unlock()
			m.reportLogError(def.ID, err)

			return fmt.Errorf("error creating action log for action %d: %w", def.ID, err)
		}

		r.enqueueLocked(logID, snapshot)
		closeErr := r.drainLocked(ctx)
		r.mu.Unlock()

		if closeErr != nil {
			m.closeResident(r, closeErr.code, closeErr.reason)
		}

		return nil
	}

	r, err := m.launch(ctx, def, snapshot)
	if err != nil {
		m.mu.Unlock()

		return err
	}

	m.residents[def.ID] = r
	metrics.SetLiveResidents(len(m.residents))
	m.mu.Unlock()

	return nil
}

// launch creates the resident of def with ev as its first notification.
// Must be called with m.mu held.
func (m *Manager) launch(ctx context.Context, def action.ActionDef, ev action.EventInfo) (*residentInfo, error) {
	r := newResident(m, def)

	ch, err := m.transport.Open(r.channelName, r.onChannelError)
	if err != nil {
		return nil, fmt.Errorf("error opening channel %s: %w", r.channelName, err)
	}

	r.channel = ch

	// The worker outlives single events; the action timeout never applies to it.
	workerDef := def
	workerDef.Timeout = 0

	info, err := m.spawner.Spawn(ctx, workerDef, []string{m.yardPath, ch.Address()},
		spawner.WithStatus(actionlog.StatusLaunchingResident),
		spawner.WithDontLog(),
		spawner.WithPostCollected(m.onWorkerCollected),
		spawner.WithSession(r),
	)
	if err != nil {
		ch.Close()

		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pid = info.PID
	r.enqueueLocked(info.LogID, ev)

	// The worker runs from here on; its first transition does not depend on the caller.
	if err := r.machine.SendEvent(context.WithoutCancel(ctx), EventSpawned); err != nil {
		m.abortLaunchLocked(r, actionlog.FailureUnexpectedExit)

		return nil, fmt.Errorf("error starting resident %d: %w", def.ID, err)
	}

	if err := ch.Pull(headerLen, r.onHeader); err != nil {
		m.abortLaunchLocked(r, actionlog.FailurePipeReadErr)

		return nil, fmt.Errorf("error reading from channel %s: %w", r.channelName, err)
	}

	m.logger.Infof("Launched resident for action %d as pid %d", def.ID, r.pid)

	return r, nil
}

// abortLaunchLocked tears down a resident that was spawned but never inserted.
// Must be called with r.mu held.
func (m *Manager) abortLaunchLocked(r *residentInfo, code actionlog.FailureCode) {
	r.closed = true
	r.channel.Close()
	m.kill(r.pid)
	m.failNotifications(r.takePendingLocked(), code)
}

// onWorkerCollected runs on the reaper goroutine once a worker exited.
func (m *Manager) onWorkerCollected(info *reaper.ActorInfo, exit reaper.ChildExit) {
	r, ok := info.Session.(*residentInfo)
	if !ok {
		return
	}

	m.loop.Post(func() {
		m.logger.Infof("Worker of resident %d exited: %s %d", r.def.ID, exit.Kind, exit.Code)
		m.closeResident(r, actionlog.FailureUnexpectedExit, reasonWorkerExit)
	})
}

// Close tears down the resident of actionID. Pending notifications fail with UNEXPECTED_EXIT.
func (m *Manager) Close(actionID int) error {
	m.mu.Lock()
	r, ok := m.residents[actionID]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrNotRunning, actionID)
	}

	m.closeResident(r, actionlog.FailureUnexpectedExit, reasonClosed)

	return nil
}

// Reset closes every resident. New events launch fresh ones.
func (m *Manager) Reset(ctx context.Context) error {
	m.closeAll(reasonReset)

	return ctx.Err()
}

// Shutdown closes every resident and refuses further events.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	m.closeAll(reasonShutdown)
}

func (m *Manager) closeAll(reason string) {
	m.mu.Lock()
	all := make([]*residentInfo, 0, len(m.residents))
	for _, r := range m.residents {
		all = append(all, r)
	}
	m.mu.Unlock()

	for _, r := range all {
		m.closeResident(r, actionlog.FailureUnexpectedExit, reason)
	}
}

// closeResident removes r, fails its pending notifications with code, closes its
// channel and kills its worker. Closing a closed resident is a no-op.
func (m *Manager) closeResident(r *residentInfo, code actionlog.FailureCode, reason string) {
	m.mu.Lock()
	if cur, ok := m.residents[r.def.ID]; ok && cur == r {
		delete(m.residents, r.def.ID)
		metrics.SetLiveResidents(len(m.residents))
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		m.mu.Unlock()

		return
	}

	r.closed = true
	pending := r.takePendingLocked()

	if err := r.machine.SendEvent(context.Background(), EventClose); err != nil {
		m.logger.Warnf("Resident %d: %s", r.def.ID, err)
	}

	ch := r.channel
	pid := r.pid
	r.mu.Unlock()
	m.mu.Unlock()

	if ch != nil {
		ch.Close()
	}

	if pid > 0 {
		m.kill(pid)
	}

	m.failNotifications(pending, code)
	metrics.RecordResidentClose(reason)

	m.logger.Infof("Closed resident %d (%s), failed %d pending notifications with %s", r.def.ID, reason, len(pending), code)
}

func (m *Manager) kill(pid int) {
	if err := m.killer.Kill(pid); err != nil && !errors.Is(err, reaper.ErrNotTracked) {
		m.logger.Warnf("Failed to kill resident worker %d: %s", pid, err)
	}
}

func (m *Manager) failNotifications(pending []*notifyInfo, code actionlog.FailureCode) {
	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	for _, n := range pending {
		metrics.RecordNotification("failed")

		err := m.store.End(ctx, actionlog.EndArg{
			LogID:       n.logID,
			Status:      actionlog.StatusFailed,
			FailureCode: code,
		})
		if err != nil {
			m.reportLogError(n.resident.def.ID, err)
		}
	}
}

func (m *Manager) reportLogError(actionID int, err error) {
	metrics.IncErrorCount(metrics.ComponentResident, "log")
	sentry.ReportIssuef(sentry.IssueTypeError, m.logger, "failed to write action log for resident %d: %w", actionID, err)
}

// State returns the current state of the resident of actionID.
func (m *Manager) State(actionID int) (string, bool) {
	m.mu.Lock()
	r, ok := m.residents[actionID]
	m.mu.Unlock()

	if !ok {
		return "", false
	}

	return r.machine.Current(), true
}

// History returns the visited states of the live resident of actionID.
func (m *Manager) History(actionID int) []string {
	m.mu.Lock()
	r, ok := m.residents[actionID]
	m.mu.Unlock()

	if !ok {
		return nil
	}

	return r.machine.History()
}

// Snapshot describes one live resident.
type Snapshot struct {
	ActionID int
	PID      int
	State    string
	Queued   int
	InFlight bool
	// RSS is the resident set size of the worker in bytes, 0 when unknown.
	RSS uint64
}

// Snapshot returns all live residents ordered by action id.
func (m *Manager) Snapshot() []Snapshot {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.residents))
	for _, r := range m.residents {
		r.mu.Lock()
		out = append(out, Snapshot{
			ActionID: r.def.ID,
			PID:      r.pid,
			State:    r.machine.Current(),
			Queued:   len(r.queue),
			InFlight: r.inFlight != nil,
		})
		r.mu.Unlock()
	}
	m.mu.Unlock()

	for i := range out {
		out[i].RSS = workerRSS(out[i].PID)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ActionID < out[j].ActionID })

	return out
}

func workerRSS(pid int) uint64 {
	if pid <= 0 {
		return 0
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}

	mem, err := p.MemoryInfo()
	if err != nil {
		return 0
	}

	return mem.RSS
}
