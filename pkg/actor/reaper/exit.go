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
	"fmt"
)

// ExitKind classifies a status change reported for a child.
type ExitKind int

const (
	// ExitNormal means the child called exit. Code is the exit status.
	ExitNormal ExitKind = iota
	// ExitKilled means the child was terminated by a signal. Code is the signal number.
	ExitKilled
	// ExitCoreDumped is ExitKilled with a core dump.
	ExitCoreDumped
	// ExitStopped and ExitContinued are job-control changes; the child is still alive.
	ExitStopped
	ExitContinued
)

func (k ExitKind) String() string {
	switch k {
	case ExitNormal:
		return "exited"
	case ExitKilled:
		return "killed"
	case ExitCoreDumped:
		return "core_dumped"
	case ExitStopped:
		return "stopped"
	case ExitContinued:
		return "continued"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ChildExit is one status change of a child process.
type ChildExit struct {
	PID  int
	Kind ExitKind
	Code int
}

// Terminal reports whether the child is gone.
func (e ChildExit) Terminal() bool {
	return e.Kind == ExitNormal || e.Kind == ExitKilled || e.Kind == ExitCoreDumped
}

// ChildExitSource reports status changes of any child of this process.
type ChildExitSource interface {
	// Next blocks until some child changes state or ctx is done.
	Next(ctx context.Context) (ChildExit, error)
	// Kill force-terminates pid.
	Kill(pid int) error
}
