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

// Package eventloop provides the single serialized task context of the core.
// Resident frame callbacks, deferred actor releases and resident close requests all run here,
// one at a time and in posting order.
package eventloop

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actioncore/pkg/sentry"
)

// Task is one unit of work run on the loop.
type Task func()

// Poster is the part of Loop that producers need.
type Poster interface {
	Post(task Task)
}

// Loop is an unbounded FIFO of tasks executed by whoever runs it.
// Post never blocks, so producers holding locks (the reaper) cannot deadlock against the loop.
type Loop struct {
	logger *zap.SugaredLogger

	mu    sync.Mutex
	tasks []Task

	// runMu serializes execution between Run and RunPending.
	runMu sync.Mutex

	wake chan struct{}
}

// New creates an empty Loop.
func New(logger *zap.SugaredLogger) *Loop {
	if logger == nil {
		panic("logger cannot be nil - Loop requires a valid logger")
	}

	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Post appends a task to the queue.
func (l *Loop) Post(task Task) {
	if task == nil {
		return
	}

	l.mu.Lock()
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.tasks)
}

// Run executes tasks until ctx is done. It returns nil on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug("Event loop started")

	for {
		l.RunPending()

		select {
		case <-ctx.Done():
			l.logger.Debug("Event loop stopped")

			return nil
		case <-l.wake:
		}
	}
}

// RunPending executes the queued tasks, including tasks posted while it runs,
// and returns how many were executed.
func (l *Loop) RunPending() int {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	n := 0

	for {
		task, ok := l.pop()
		if !ok {
			return n
		}

		l.execute(task)
		n++
	}
}

func (l *Loop) pop() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tasks) == 0 {
		return nil, false
	}

	task := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]

	return task, true
}

func (l *Loop) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			sentry.ReportIssue(fmt.Errorf("event loop task panicked: %v", r), sentry.IssueTypeError, l.logger)
		}
	}()

	task()
}
