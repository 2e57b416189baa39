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

// Package fsm wraps looplab/fsm with the conventions shared by every state machine of the core.
package fsm

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Config describes a Machine.
type Config struct {
	ID           string
	InitialState string
	Transitions  []fsm.EventDesc
	// HistoryLimit caps the recorded state history; 0 disables the history.
	HistoryLimit int
}

// Machine is a state machine whose transitions are driven by its owner.
//
// Callbacks registered with AddCallback run inside the transition and must not send
// events to the same machine: looplab/fsm holds its event lock across callbacks.
type Machine struct {
	cfg Config

	fsm *fsm.FSM

	// Registered "enter_<state>" callbacks, for logging and metrics only.
	callbacks map[string]fsm.Callback

	historyMu sync.Mutex
	history   []string

	logger *zap.SugaredLogger
}

// NewMachine creates a Machine in cfg.InitialState.
func NewMachine(cfg Config, logger *zap.SugaredLogger) *Machine {
	if logger == nil {
		panic("logger cannot be nil - Machine requires a valid logger")
	}

	m := &Machine{
		cfg:       cfg,
		callbacks: make(map[string]fsm.Callback),
		logger:    logger,
	}

	if cfg.HistoryLimit > 0 {
		m.history = append(m.history, cfg.InitialState)
	}

	m.fsm = fsm.NewFSM(
		cfg.InitialState,
		fsm.Events(cfg.Transitions),
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				m.record(e.Dst)
				m.logger.Debugf("FSM %s: %s -> %s on %s", m.cfg.ID, e.Src, e.Dst, e.Event)

				if cb, ok := m.callbacks["enter_"+e.Dst]; ok {
					cb(ctx, e)
				}
			},
		},
	)

	return m
}

// AddCallback registers a callback for "enter_<state>". Register before the first event.
func (m *Machine) AddCallback(name string, callback fsm.Callback) {
	m.callbacks[name] = callback
}

// SendEvent fires eventName. An already cancelled context never starts a transition,
// so the machine cannot be left with a half-done transition.
func (m *Machine) SendEvent(ctx context.Context, eventName string, args ...interface{}) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return m.fsm.Event(ctx, eventName, args...)
}

// Current returns the current state.
func (m *Machine) Current() string {
	return m.fsm.Current()
}

// Is reports whether the machine is in state.
func (m *Machine) Is(state string) bool {
	return m.fsm.Is(state)
}

// Can reports whether eventName is allowed in the current state.
func (m *Machine) Can(eventName string) bool {
	return m.fsm.Can(eventName)
}

// SetCurrentState forces the state without callbacks. Tests only.
func (m *Machine) SetCurrentState(state string) {
	m.fsm.SetState(state)
}

// History returns the visited states, oldest first, including the initial state.
func (m *Machine) History() []string {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	out := make([]string, len(m.history))
	copy(out, m.history)

	return out
}

// ID returns the machine id.
func (m *Machine) ID() string {
	return m.cfg.ID
}

func (m *Machine) record(state string) {
	if m.cfg.HistoryLimit <= 0 {
		return
	}

	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	m.history = append(m.history, state)
	if over := len(m.history) - m.cfg.HistoryLimit; over > 0 {
		m.history = m.history[over:]
	}
}
