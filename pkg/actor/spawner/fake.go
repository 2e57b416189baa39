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

package spawner

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// FakeStarter is a Starter for tests. It hands out increasing pids and never starts a process.
// A command whose Argv[0] is listed in Missing fails like an absent executable.
type FakeStarter struct {
	mu      sync.Mutex
	nextPID int
	missing map[string]bool
	started []Command
	killed  []int

	// OnStart, when set, runs after a successful start with the assigned pid.
	// It is called with the reaper lock held by the spawner.
	OnStart func(pid int, c Command)
}

// NewFakeStarter creates a FakeStarter whose first pid is firstPID.
func NewFakeStarter(firstPID int, missing ...string) *FakeStarter {
	f := &FakeStarter{nextPID: firstPID, missing: make(map[string]bool)}
	for _, m := range missing {
		f.missing[m] = true
	}

	return f
}

func (f *FakeStarter) Start(c Command) (int, error) {
	f.mu.Lock()

	if len(c.Argv) == 0 || f.missing[c.Argv[0]] {
		f.mu.Unlock()

		name := ""
		if len(c.Argv) > 0 {
			name = c.Argv[0]
		}

		return 0, &exec.Error{Name: name, Err: fmt.Errorf("%w: executable file not found", os.ErrNotExist)}
	}

	pid := f.nextPID
	f.nextPID++
	f.started = append(f.started, c)
	onStart := f.OnStart
	f.mu.Unlock()

	if onStart != nil {
		onStart(pid, c)
	}

	return pid, nil
}

func (f *FakeStarter) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.killed = append(f.killed, pid)

	return nil
}

// Started returns the commands started so far.
func (f *FakeStarter) Started() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Command, len(f.started))
	copy(out, f.started)

	return out
}

// Killed returns the pids passed to Kill.
func (f *FakeStarter) Killed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]int, len(f.killed))
	copy(out, f.killed)

	return out
}
