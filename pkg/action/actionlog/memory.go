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

package actionlog

import (
	"context"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/actioncore/pkg/action"
)

// MemoryStore keeps records in memory. It is used by tests and when no database is configured.
type MemoryStore struct {
	mu     sync.Mutex
	logs   []Log
	closed bool
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, def action.ActionDef, failureCode FailureCode, status Status) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return InvalidID, ErrClosed
	}

	l := newLog(def, failureCode, status, m.now())
	l.ID = uint64(len(m.logs) + 1)
	m.logs = append(m.logs, l)

	return l.ID, nil
}

func (m *MemoryStore) UpdateStatusToStart(_ context.Context, logID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.find(logID)
	if err != nil {
		return err
	}

	l.Status = StatusStarted
	l.StartTime = m.now()

	return nil
}

func (m *MemoryStore) End(_ context.Context, arg EndArg) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.find(arg.LogID)
	if err != nil {
		return err
	}

	exitCode := arg.ExitCode
	l.Status = arg.Status
	l.ExitCode = &exitCode
	l.FailureCode = arg.FailureCode
	l.EndTime = m.now()

	return nil
}

func (m *MemoryStore) Get(_ context.Context, logID uint64) (Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.find(logID)
	if err != nil {
		return Log{}, err
	}

	return *l, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	out := make([]Log, len(m.logs))
	copy(out, m.logs)

	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

// find must be called with m.mu held.
func (m *MemoryStore) find(logID uint64) (*Log, error) {
	if m.closed {
		return nil, ErrClosed
	}

	if logID == InvalidID || logID > uint64(len(m.logs)) {
		return nil, ErrNotFound
	}

	return &m.logs[logID-1], nil
}
