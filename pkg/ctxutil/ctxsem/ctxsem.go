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

package ctxsem

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// capacity bounds the number of outstanding posts.
const capacity = 1 << 30

// Counting is a context aware counting semaphore with post/wait semantics.
// It is built on a semaphore.Weighted whose whole capacity is taken at creation:
// Post releases one permit, Wait acquires one, so a Wait blocks until a matching Post.
type Counting struct {
	sem *semaphore.Weighted
}

func NewCounting() *Counting {
	sem := semaphore.NewWeighted(capacity)
	// Cannot block: nothing else holds permits yet.
	_ = sem.Acquire(context.Background(), capacity)

	return &Counting{sem: sem}
}

// Post makes one Wait succeed.
func (c *Counting) Post() {
	c.sem.Release(1)
}

// Wait blocks until a Post is available or ctx is done.
func (c *Counting) Wait(ctx context.Context) error {
	return c.sem.Acquire(ctx, 1)
}

// TryWait consumes a Post without blocking and reports whether one was available.
func (c *Counting) TryWait() bool {
	return c.sem.TryAcquire(1)
}

// Drain consumes every pending Post and returns how many there were.
func (c *Counting) Drain() int {
	n := 0
	for c.sem.TryAcquire(1) {
		n++
	}

	return n
}
