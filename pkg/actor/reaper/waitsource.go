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

//go:build linux || darwin || freebsd

package reaper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// WaitSource is the POSIX ChildExitSource: a wildcard wait4 driven by SIGCHLD.
type WaitSource struct {
	sigCh chan os.Signal
}

// NewWaitSource subscribes to SIGCHLD. Close releases the subscription.
func NewWaitSource() *WaitSource {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGCHLD)

	return &WaitSource{sigCh: sigCh}
}

// Next reaps one child. With no child ready (or none at all) it sleeps until the next SIGCHLD.
func (s *WaitSource) Next(ctx context.Context) (ChildExit, error) {
	for {
		var ws unix.WaitStatus

		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED, nil)

		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			// nothing to wait for yet
		case err != nil:
			return ChildExit{}, fmt.Errorf("wait4 failed: %w", err)
		case pid > 0:
			return classify(pid, ws), nil
		}

		select {
		case <-ctx.Done():
			return ChildExit{}, ctx.Err()
		case <-s.sigCh:
		}
	}
}

// Kill sends SIGKILL to pid.
func (s *WaitSource) Kill(pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill pid %d: %w", pid, err)
	}

	return nil
}

// Close stops SIGCHLD delivery.
func (s *WaitSource) Close() {
	signal.Stop(s.sigCh)
}

func classify(pid int, ws unix.WaitStatus) ChildExit {
	switch {
	case ws.Exited():
		return ChildExit{PID: pid, Kind: ExitNormal, Code: ws.ExitStatus()}
	case ws.Signaled() && ws.CoreDump():
		return ChildExit{PID: pid, Kind: ExitCoreDumped, Code: int(ws.Signal())}
	case ws.Signaled():
		return ChildExit{PID: pid, Kind: ExitKilled, Code: int(ws.Signal())}
	case ws.Stopped():
		return ChildExit{PID: pid, Kind: ExitStopped, Code: int(ws.StopSignal())}
	default:
		return ChildExit{PID: pid, Kind: ExitContinued}
	}
}
