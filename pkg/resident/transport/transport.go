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

// Package transport provides the duplex byte channels between the core and resident workers.
//
// All callbacks of a channel are posted to an event loop, never run on an I/O goroutine.
package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("transport: channel closed")
	// ErrHangup reports that the peer closed its end.
	ErrHangup = errors.New("transport: peer hung up")
)

// Op names the direction that failed.
type Op string

const (
	OpAccept Op = "accept"
	OpRead   Op = "read"
	OpWrite  Op = "write"
)

// Error is delivered to the error callback of a channel.
type Error struct {
	Channel string
	Op      Op
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s on %s: %s", e.Op, e.Channel, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsWrite reports whether err is a failed write.
func IsWrite(err error) bool {
	var te *Error

	return errors.As(err, &te) && te.Op == OpWrite
}

// ErrorFunc receives the first error of a channel. It runs on the event loop.
type ErrorFunc func(err error)

// PullFunc receives the bytes requested by Pull. It runs on the event loop.
type PullFunc func(data []byte)

// Channel is one named duplex byte channel.
type Channel interface {
	Name() string
	// Address is what a peer needs to connect, e.g. a socket path.
	Address() string
	// Push enqueues b for writing and returns without waiting for the write.
	Push(b []byte) error
	// Pull requests exactly n bytes. Requests are served in order.
	Pull(n int, cb PullFunc) error
	// Close releases the channel. No callback runs after Close returned.
	Close() error
}

// Transport opens channels by name.
type Transport interface {
	Open(name string, onError ErrorFunc) (Channel, error)
}
