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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"
)

// Command is one process to start.
type Command struct {
	ActionID   int
	WorkingDir string
	Argv       []string
}

// Starter is the process-start primitive. Started children are never waited on by
// the starter; their exit belongs to the reaper.
type Starter interface {
	// Start launches cmd, resolving Argv[0] through PATH, and returns its pid.
	Start(cmd Command) (int, error)
	// Kill force-terminates a child that was started but could not be registered.
	Kill(pid int) error
}

// OutputOpener hands out the file an action's stdout and stderr are written to.
type OutputOpener interface {
	OpenCurrent(actionID int) (*os.File, error)
}

// ExecStarter starts children with os/exec.
type ExecStarter struct {
	logger *zap.SugaredLogger
	output OutputOpener
}

// NewExecStarter creates an ExecStarter. A nil output discards the children's output.
func NewExecStarter(logger *zap.SugaredLogger, output OutputOpener) *ExecStarter {
	if logger == nil {
		panic("logger cannot be nil - ExecStarter requires a valid logger")
	}

	return &ExecStarter{logger: logger, output: output}
}

func (s *ExecStarter) Start(c Command) (int, error) {
	if len(c.Argv) == 0 {
		return 0, errors.New("empty argv")
	}

	path, err := exec.LookPath(c.Argv[0])
	if err != nil {
		return 0, err
	}

	cmd := exec.Command(path, c.Argv[1:]...)
	cmd.Args[0] = c.Argv[0]
	cmd.Dir = c.WorkingDir

	// Own process group, so signals aimed at the core's terminal do not reach actors.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if s.output != nil {
		out, err := s.output.OpenCurrent(c.ActionID)
		if err != nil {
			return 0, fmt.Errorf("error opening actor output: %w", err)
		}
		// The child inherits its own descriptor.
		defer out.Close()

		cmd.Stdout = out
		cmd.Stderr = out
	}

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	pid := cmd.Process.Pid

	if err := cmd.Process.Release(); err != nil {
		s.logger.Warnf("Failed to release process handle of pid %d: %s", pid, err)
	}

	return pid, nil
}

func (s *ExecStarter) Kill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
