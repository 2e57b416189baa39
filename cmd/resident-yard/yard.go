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

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actioncore/pkg/action"
	"github.com/united-manufacturing-hub/actioncore/pkg/resident/protocol"
)

// exitNotRunnable is reported for a module that could not be started at all.
const exitNotRunnable = 127

type yard struct {
	logger *zap.SugaredLogger
	conn   io.ReadWriter
	module string
}

func newYard(logger *zap.SugaredLogger, conn io.ReadWriter) *yard {
	return &yard{logger: logger, conn: conn}
}

// handshake announces the worker, receives the module path and confirms the module is usable.
func (y *yard) handshake() error {
	if err := protocol.WriteFrame(y.conn, protocol.EncodeLaunched()); err != nil {
		return fmt.Errorf("failed to send LAUNCHED: %w", err)
	}

	f, err := protocol.ReadFrame(y.conn)
	if err != nil {
		return fmt.Errorf("failed to read PARAMETERS: %w", err)
	}

	if f.Type != protocol.PacketParameters {
		return fmt.Errorf("%w: got %s, want %s", protocol.ErrUnexpectedFrame, f.Type, protocol.PacketParameters)
	}

	module, err := protocol.DecodeParameters(f.Body)
	if err != nil {
		return err
	}

	if err := checkExecutable(module); err != nil {
		return err
	}

	y.module = module

	if err := protocol.WriteFrame(y.conn, protocol.EncodeModuleLoaded()); err != nil {
		return fmt.Errorf("failed to send MODULE_LOADED: %w", err)
	}

	y.logger.Infof("Loaded module %s", module)

	return nil
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to load module: %w", err)
	}

	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("module %s is not an executable file", path)
	}

	return nil
}

// serve answers every NOTIFY_EVENT with the exit code of one module run. It returns nil
// once the core closes the channel.
func (y *yard) serve(ctx context.Context) error {
	for {
		f, err := protocol.ReadFrame(y.conn)
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}

		if f.Type != protocol.PacketNotifyEvent {
			return fmt.Errorf("%w: got %s, want %s", protocol.ErrUnexpectedFrame, f.Type, protocol.PacketNotifyEvent)
		}

		actionID, ev, err := protocol.DecodeNotifyEvent(f.Body)
		if err != nil {
			return err
		}

		code := y.run(ctx, actionID, ev)

		if err := protocol.WriteFrame(y.conn, protocol.EncodeNotifyEventAck(uint32(int32(code)))); err != nil {
			return fmt.Errorf("failed to send NOTIFY_EVENT_ACK: %w", err)
		}
	}
}

// run executes the module with the event as JSON on stdin and returns its exit code.
// A module killed by a signal reports 128 plus the signal number, like a shell does.
func (y *yard) run(ctx context.Context, actionID uint32, ev action.EventInfo) int {
	payload, err := json.Marshal(ev)
	if err != nil {
		y.logger.Errorf("Failed to marshal event %d: %s", ev.ID, err)

		return exitNotRunnable
	}

	cmd := exec.CommandContext(ctx, y.module)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"ACTIONCORE_ACTION_ID="+strconv.FormatUint(uint64(actionID), 10),
		"ACTIONCORE_EVENT_ID="+strconv.FormatUint(ev.ID, 10),
	)

	err = cmd.Run()

	var exitErr *exec.ExitError

	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}

		return exitErr.ExitCode()
	default:
		y.logger.Errorf("Failed to run module for event %d: %s", ev.ID, err)

		return exitNotRunnable
	}
}
