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

// Package actionlog records every action execution attempt and its outcome.
package actionlog

import (
	"context"
	"errors"
	"time"

	"github.com/united-manufacturing-hub/actioncore/pkg/action"
)

// Status is the lifecycle state of one action log record.
type Status int

const (
	// StatusQueuing is used for resident notifications waiting for their turn.
	StatusQueuing Status = iota
	StatusStarted
	StatusSucceeded
	StatusFailed
	// StatusLaunchingResident is kept until the resident worker is set up and the first event is sent.
	StatusLaunchingResident
)

func (s Status) String() string {
	switch s {
	case StatusQueuing:
		return "QUEUING"
	case StatusStarted:
		return "STARTED"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusFailed:
		return "FAILED"
	case StatusLaunchingResident:
		return "LAUNCHING_RESIDENT"
	default:
		return "UNKNOWN"
	}
}

// FailureCode tells why an execution failed.
type FailureCode int

const (
	FailureNone FailureCode = iota
	FailureExecFailure
	FailureEntryNotFound
	FailureKilledTimeout
	FailurePipeReadHUP
	FailurePipeReadErr
	FailurePipeWriteErr
	FailureUnexpectedExit
)

func (c FailureCode) String() string {
	switch c {
	case FailureNone:
		return "NONE"
	case FailureExecFailure:
		return "EXEC_FAILURE"
	case FailureEntryNotFound:
		return "ENTRY_NOT_FOUND"
	case FailureKilledTimeout:
		return "KILLED_TIMEOUT"
	case FailurePipeReadHUP:
		return "PIPE_READ_HUP"
	case FailurePipeReadErr:
		return "PIPE_READ_ERR"
	case FailurePipeWriteErr:
		return "PIPE_WRITE_ERR"
	case FailureUnexpectedExit:
		return "UNEXPECTED_EXIT"
	default:
		return "UNKNOWN"
	}
}

// InvalidID is never returned for a stored record.
const InvalidID uint64 = 0

// ErrNotFound is returned for an unknown log id.
var ErrNotFound = errors.New("action log not found")

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("action log store is closed")

// Log is one action log record. Unset times are zero and an unset exit code is nil.
type Log struct {
	ID          uint64
	ActionID    int
	Status      Status
	StarterID   int
	QueuingTime time.Time
	StartTime   time.Time
	EndTime     time.Time
	FailureCode FailureCode
	ExitCode    *int
}

// EndArg describes the outcome written by End.
type EndArg struct {
	LogID       uint64
	Status      Status
	ExitCode    int
	FailureCode FailureCode
}

// Store is the action log collaborator of the spawner, the reaper and the resident manager.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a record for def and returns its id. A QUEUING record gets a
	// queuing time, every other status a start time. A failure code other than
	// FailureNone also ends the record.
	Create(ctx context.Context, def action.ActionDef, failureCode FailureCode, status Status) (uint64, error)
	// UpdateStatusToStart moves a record to STARTED and sets its start time.
	UpdateStatusToStart(ctx context.Context, logID uint64) error
	// End writes the final status, exit code and failure code with the end time.
	End(ctx context.Context, arg EndArg) error
	Get(ctx context.Context, logID uint64) (Log, error)
	// List returns all records ordered by id.
	List(ctx context.Context) ([]Log, error)
	Close() error
}

// newLog builds the record Create stores.
func newLog(def action.ActionDef, failureCode FailureCode, status Status, now time.Time) Log {
	l := Log{
		ActionID:    def.ID,
		Status:      status,
		FailureCode: failureCode,
	}

	if status == StatusQueuing {
		l.QueuingTime = now
	} else {
		l.StartTime = now
	}

	if failureCode != FailureNone {
		l.EndTime = now
	}

	return l
}
