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

package resident

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	deepcopy "github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/actioncore/internal/fsm"
	"github.com/united-manufacturing-hub/actioncore/pkg/action"
	"github.com/united-manufacturing-hub/actioncore/pkg/action/actionlog"
	"github.com/united-manufacturing-hub/actioncore/pkg/metrics"
	"github.com/united-manufacturing-hub/actioncore/pkg/resident/protocol"
	"github.com/united-manufacturing-hub/actioncore/pkg/resident/transport"
)

const headerLen = protocol.HeaderLen

// residentInfo is one worker and its notification queue. All fields below mu are
// guarded by it.
type residentInfo struct {
	manager     *Manager
	def         action.ActionDef
	channelName string
	machine     *fsm.Machine

	mu       sync.Mutex
	pid      int
	channel  transport.Channel
	queue    []*notifyInfo
	inFlight *notifyInfo
	sentAt   time.Time
	closed   bool
}

// notifyInfo is one event waiting for, or in, delivery to a worker.
type notifyInfo struct {
	resident *residentInfo
	logID    uint64
	event    action.EventInfo
}

// closeRequest tells the caller to close the resident once its lock was released.
type closeRequest struct {
	code   actionlog.FailureCode
	reason string
	err    error
}

func newResident(m *Manager, def action.ActionDef) *residentInfo {
	name := ChannelName(def.ID)

	return &residentInfo{
		manager:     m,
		def:         def,
		channelName: name,
		machine: fsm.NewMachine(fsm.Config{
			ID:           name,
			InitialState: StateInit,
			Transitions:  transitions(),
			HistoryLimit: historyLimit,
		}, m.logger),
	}
}

// snapshotEvent copies ev so the caller may reuse its slices.
func snapshotEvent(ev action.EventInfo) action.EventInfo {
	snap := ev
	snap.HostGroupIDs = nil

	if ev.HostGroupIDs != nil {
		if err := deepcopy.Copy(&snap.HostGroupIDs, &ev.HostGroupIDs); err != nil {
			snap.HostGroupIDs = append([]uint64(nil), ev.HostGroupIDs...)
		}
	}

	return snap
}

func (r *residentInfo) enqueueLocked(logID uint64, ev action.EventInfo) {
	r.queue = append(r.queue, &notifyInfo{resident: r, logID: logID, event: ev})
}

// takePendingLocked removes the in-flight and queued notifications, in-flight first.
func (r *residentInfo) takePendingLocked() []*notifyInfo {
	var pending []*notifyInfo
	if r.inFlight != nil {
		pending = append(pending, r.inFlight)
		r.inFlight = nil
	}

	pending = append(pending, r.queue...)
	r.queue = nil

	return pending
}

// drainLocked sends the head of the queue when the worker is idle.
// An idle resident has no pull pending, so a frame the worker sends unasked is only read
// as the header of the next ACK and closes the resident then.
func (r *residentInfo) drainLocked(ctx context.Context) *closeRequest {
	if r.closed || !r.machine.Is(StateIdle) || len(r.queue) == 0 {
		return nil
	}

	// A queued notification is owned by the resident; the caller giving up must not
	// leave it stranded in an idle queue.
	ctx = context.WithoutCancel(ctx)

	n := r.queue[0]

	frame, err := protocol.EncodeNotifyEvent(uint32(r.def.ID), n.event)
	if err != nil {
		return &closeRequest{code: actionlog.FailurePipeWriteErr, reason: reasonProtocol, err: err}
	}

	if err := r.machine.SendEvent(ctx, EventNotify); err != nil {
		return &closeRequest{code: actionlog.FailurePipeWriteErr, reason: reasonProtocol, err: err}
	}

	r.queue = r.queue[1:]
	r.inFlight = n
	r.sentAt = time.Now()

	if err := r.channel.Push(frame); err != nil {
		return &closeRequest{code: actionlog.FailurePipeWriteErr, reason: reasonChannelError, err: err}
	}

	if err := r.manager.store.UpdateStatusToStart(ctx, n.logID); err != nil {
		r.manager.reportLogError(r.def.ID, err)
	}

	if err := r.channel.Pull(headerLen, r.onHeader); err != nil {
		return &closeRequest{code: actionlog.FailurePipeReadErr, reason: reasonChannelError, err: err}
	}

	return nil
}

// onHeader handles a frame header. It runs on the event loop.
func (r *residentInfo) onHeader(b []byte) {
	r.handle(func(ctx context.Context) *closeRequest {
		h, err := protocol.DecodeHeader(b)
		if err != nil {
			return violation(err)
		}

		switch r.machine.Current() {
		case StateWaitLaunched:
			return r.onLaunchedLocked(ctx, h)
		case StateWaitParamAck:
			return r.onModuleLoadedLocked(ctx, h)
		case StateWaitNotifyAck:
			if err := h.Expect(protocol.PacketNotifyEventAck); err != nil {
				return violation(err)
			}

			if h.BodyLen != protocol.AckBodyLen {
				return violation(fmt.Errorf("%w: NOTIFY_EVENT_ACK with %d byte body", protocol.ErrInvalidLength, h.BodyLen))
			}

			if err := r.channel.Pull(int(h.BodyLen), r.onAckBody); err != nil {
				return &closeRequest{code: actionlog.FailurePipeReadErr, reason: reasonChannelError, err: err}
			}

			return nil
		default:
			return violation(fmt.Errorf("%w: %s in state %s", protocol.ErrUnexpectedFrame, h.Type, r.machine.Current()))
		}
	})
}

func (r *residentInfo) onLaunchedLocked(ctx context.Context, h protocol.Header) *closeRequest {
	if err := h.ExpectEmpty(protocol.PacketLaunched); err != nil {
		return violation(err)
	}

	params, err := protocol.EncodeParameters(r.def.Path)
	if err != nil {
		return violation(err)
	}

	if err := r.machine.SendEvent(ctx, EventLaunched); err != nil {
		return violation(err)
	}

	if err := r.channel.Push(params); err != nil {
		return &closeRequest{code: actionlog.FailurePipeWriteErr, reason: reasonChannelError, err: err}
	}

	if err := r.channel.Pull(headerLen, r.onHeader); err != nil {
		return &closeRequest{code: actionlog.FailurePipeReadErr, reason: reasonChannelError, err: err}
	}

	return nil
}

func (r *residentInfo) onModuleLoadedLocked(ctx context.Context, h protocol.Header) *closeRequest {
	if err := h.ExpectEmpty(protocol.PacketModuleLoaded); err != nil {
		return violation(err)
	}

	if err := r.machine.SendEvent(ctx, EventModuleLoaded); err != nil {
		return violation(err)
	}

	r.manager.logger.Debugf("Resident %d loaded module %s", r.def.ID, r.def.Path)

	return r.drainLocked(ctx)
}

// onAckBody completes the notification in flight. It runs on the event loop.
func (r *residentInfo) onAckBody(b []byte) {
	r.handle(func(ctx context.Context) *closeRequest {
		code, err := protocol.DecodeNotifyEventAck(b)
		if err != nil {
			return violation(err)
		}

		n := r.inFlight
		if n == nil || !r.machine.Is(StateWaitNotifyAck) {
			return violation(fmt.Errorf("%w: NOTIFY_EVENT_ACK without notification in flight", protocol.ErrUnexpectedFrame))
		}

		err = r.manager.store.End(ctx, actionlog.EndArg{
			LogID:    n.logID,
			Status:   actionlog.StatusSucceeded,
			ExitCode: int(int32(code)),
		})
		if err != nil {
			r.manager.reportLogError(r.def.ID, err)
		}

		metrics.RecordNotification("succeeded")
		metrics.ObserveNotifyLatency(time.Since(r.sentAt))

		r.inFlight = nil

		if err := r.machine.SendEvent(ctx, EventAck); err != nil {
			return violation(err)
		}

		return r.drainLocked(ctx)
	})
}

// onChannelError runs on the event loop when the channel broke.
func (r *residentInfo) onChannelError(err error) {
	code := actionlog.FailurePipeReadErr

	switch {
	case errors.Is(err, transport.ErrHangup):
		code = actionlog.FailurePipeReadHUP
	case transport.IsWrite(err):
		code = actionlog.FailurePipeWriteErr
	}

	r.manager.logger.Warnf("Channel of resident %d failed: %s", r.def.ID, err)
	r.manager.closeResident(r, code, reasonChannelError)
}

// handle runs fn under the resident lock and closes the resident if fn asks for it.
func (r *residentInfo) handle(fn func(ctx context.Context) *closeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()

		return
	}

	req := fn(ctx)
	r.mu.Unlock()

	if req != nil {
		r.manager.logger.Warnf("Closing resident %d: %s", r.def.ID, req.err)
		r.manager.closeResident(r, req.code, req.reason)
	}
}

func violation(err error) *closeRequest {
	return &closeRequest{code: actionlog.FailurePipeReadErr, reason: reasonProtocol, err: err}
}
