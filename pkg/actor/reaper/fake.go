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

package reaper

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"
)

// FakeSource is an in-memory ChildExitSource for tests. Exits are delivered in the order
// they are fed. Kill records the pid and, like the OS would, delivers a SIGKILL exit for it.
type FakeSource struct {
	exits chan ChildExit

	mu      sync.Mutex
	killed  []int
	killErr error
}

// NewFakeSource creates a FakeSource that buffers up to 1024 undelivered exits.
func NewFakeSource() *FakeSource {
	return &FakeSource{exits: make(chan ChildExit, 1024)}
}

// Exit feeds a normal exit of pid with code.
func (f *FakeSource) Exit(pid, code int) {
	f.Deliver(ChildExit{PID: pid, Kind: ExitNormal, Code: code})
}

// Deliver feeds an arbitrary status change.
func (f *FakeSource) Deliver(exit ChildExit) {
	f.exits <- exit
}

func (f *FakeSource) Next(ctx context.Context) (ChildExit, error) {
	select {
	case <-ctx.Done():
		return ChildExit{}, ctx.Err()
	case exit := <-f.exits:
		return exit, nil
	}
}

func (f *FakeSource) Kill(pid int) error {
	f.mu.Lock()
	f.killed = append(f.killed, pid)
	err := f.killErr
	f.mu.Unlock()

	if err != nil {
		return err
	}

	f.Deliver(ChildExit{PID: pid, Kind: ExitKilled, Code: int(unix.SIGKILL)})

	return nil
}

// SetKillError makes every following Kill fail with err.
func (f *FakeSource) SetKillError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.killErr = err
}

// Killed returns the pids passed to Kill so far.
func (f *FakeSource) Killed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]int, len(f.killed))
	copy(out, f.killed)

	return out
}
