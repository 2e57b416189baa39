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
	"github.com/looplab/fsm"
)

// States of a resident's conversation with its worker.
const (
	// StateInit is the state of a resident whose worker was not spawned yet.
	StateInit = "init"
	// StateWaitLaunched waits for the worker to report LAUNCHED.
	StateWaitLaunched = "wait_launched"
	// StateWaitParamAck waits for MODULE_LOADED after PARAMETERS was sent.
	StateWaitParamAck = "wait_param_ack"
	// StateIdle has no notification in flight.
	StateIdle = "idle"
	// StateWaitNotifyAck waits for the ACK of the notification in flight.
	StateWaitNotifyAck = "wait_notify_ack"
	// StateClosed is terminal.
	StateClosed = "closed"
)

// Events driving the resident state machine.
const (
	EventSpawned      = "spawned"
	EventLaunched     = "launched"
	EventModuleLoaded = "module_loaded"
	EventNotify       = "notify"
	EventAck          = "ack"
	EventClose        = "close"
)

func transitions() []fsm.EventDesc {
	return []fsm.EventDesc{
		{Name: EventSpawned, Src: []string{StateInit}, Dst: StateWaitLaunched},
		{Name: EventLaunched, Src: []string{StateWaitLaunched}, Dst: StateWaitParamAck},
		{Name: EventModuleLoaded, Src: []string{StateWaitParamAck}, Dst: StateIdle},
		{Name: EventNotify, Src: []string{StateIdle}, Dst: StateWaitNotifyAck},
		{Name: EventAck, Src: []string{StateWaitNotifyAck}, Dst: StateIdle},
		{
			Name: EventClose,
			Src:  []string{StateInit, StateWaitLaunched, StateWaitParamAck, StateIdle, StateWaitNotifyAck},
			Dst:  StateClosed,
		},
	}
}

// historyLimit bounds the state history kept per resident.
const historyLimit = 64
