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

package transport

import (
	"fmt"
	"sync"

	"github.com/united-manufacturing-hub/actioncore/pkg/eventloop"
)

// Fake is an in-memory Transport for tests. Frames pushed by the owner are recorded and
// inbound bytes are fed with FakeChannel.Deliver.
type Fake struct {
	loop eventloop.Poster

	mu       sync.Mutex
	channels map[string]*FakeChannel
	opened   []string
	openErr  error
}

// NewFake creates a Fake posting callbacks to loop.
func NewFake(loop eventloop.Poster) *Fake {
	return &Fake{loop: loop, channels: make(map[string]*FakeChannel)}
}

// SetOpenError makes the following Open calls fail with err.
func (f *Fake) SetOpenError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.openErr = err
}

func (f *Fake) Open(name string, onError ErrorFunc) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.openErr != nil {
		return nil, f.openErr
	}

	if c, ok := f.channels[name]; ok && !c.IsClosed() {
		return nil, fmt.Errorf("channel %s is already open", name)
	}

	c := &FakeChannel{name: name, loop: f.loop, onError: onError}
	f.channels[name] = c
	f.opened = append(f.opened, name)

	return c, nil
}

// Channel returns the most recently opened channel called name, or nil.
func (f *Fake) Channel(name string) *FakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.channels[name]
}

// Opened returns the names passed to successful Open calls, in order.
func (f *Fake) Opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.opened))
	copy(out, f.opened)

	return out
}

// FakeChannel is the Channel handed out by Fake.
type FakeChannel struct {
	name    string
	loop    eventloop.Poster
	onError ErrorFunc

	mu      sync.Mutex
	closed  bool
	failed  bool
	pushed  [][]byte
	pulls   []pullRequest
	inbound []byte
}

func (c *FakeChannel) Name() string {
	return c.name
}

// Address returns the channel name.
func (c *FakeChannel) Address() string {
	return c.name
}

func (c *FakeChannel) Push(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	buf := make([]byte, len(b))
	copy(buf, b)
	c.pushed = append(c.pushed, buf)

	return nil
}

func (c *FakeChannel) Pull(n int, cb PullFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.pulls = append(c.pulls, pullRequest{n: n, cb: cb})
	c.serveLocked()

	return nil
}

func (c *FakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.pulls = nil

	return nil
}

// IsClosed reports whether the owner closed the channel.
func (c *FakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// Pushed returns every frame pushed so far.
func (c *FakeChannel) Pushed() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]byte, len(c.pushed))
	copy(out, c.pushed)

	return out
}

// PendingPulls returns the number of pull requests not yet satisfied.
func (c *FakeChannel) PendingPulls() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pulls)
}

// Deliver feeds bytes from the peer. Pulls are satisfied in order once enough bytes arrived.
func (c *FakeChannel) Deliver(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.inbound = append(c.inbound, b...)
	c.serveLocked()
}

// Fail reports err through the error callback, once, like a broken connection would.
func (c *FakeChannel) Fail(op Op, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.failed {
		return
	}

	c.failed = true
	terr := &Error{Channel: c.name, Op: op, Err: err}
	c.loop.Post(func() {
		if !c.IsClosed() && c.onError != nil {
			c.onError(terr)
		}
	})
}

// Hangup reports that the peer closed its end.
func (c *FakeChannel) Hangup() {
	c.Fail(OpRead, ErrHangup)
}

func (c *FakeChannel) serveLocked() {
	for len(c.pulls) > 0 && len(c.inbound) >= c.pulls[0].n {
		req := c.pulls[0]
		c.pulls = c.pulls[1:]

		data := make([]byte, req.n)
		copy(data, c.inbound)
		c.inbound = c.inbound[req.n:]

		c.loop.Post(func() {
			if !c.IsClosed() {
				req.cb(data)
			}
		})
	}
}
