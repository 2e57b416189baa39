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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actioncore/pkg/eventloop"
	"github.com/united-manufacturing-hub/actioncore/pkg/metrics"
)

const (
	socketSuffix  = ".sock"
	dirPermission = 0o700

	// DefaultDialTimeout bounds the retries of Dial.
	DefaultDialTimeout = 10 * time.Second
)

// SocketPath returns the socket of channel name below dir.
func SocketPath(dir, name string) string {
	return filepath.Join(dir, name+socketSuffix)
}

// UnixTransport serves every channel on its own unix socket and accepts exactly one peer.
type UnixTransport struct {
	logger *zap.SugaredLogger
	dir    string
	loop   eventloop.Poster
}

// NewUnixTransport creates a UnixTransport with sockets below dir.
func NewUnixTransport(logger *zap.SugaredLogger, dir string, loop eventloop.Poster) *UnixTransport {
	if logger == nil {
		panic("logger cannot be nil - UnixTransport requires a valid logger")
	}

	metrics.InitErrorCounter(metrics.ComponentTransport, "accept")
	metrics.InitErrorCounter(metrics.ComponentTransport, "read")
	metrics.InitErrorCounter(metrics.ComponentTransport, "write")

	return &UnixTransport{logger: logger, dir: dir, loop: loop}
}

// Dir returns the socket directory.
func (t *UnixTransport) Dir() string {
	return t.dir
}

// Open listens on the socket of name. The peer may connect any time after Open returned.
func (t *UnixTransport) Open(name string, onError ErrorFunc) (Channel, error) {
	if err := os.MkdirAll(t.dir, dirPermission); err != nil {
		return nil, fmt.Errorf("error creating socket directory %s: %w", t.dir, err)
	}

	path := SocketPath(t.dir, name)

	// A socket left behind by a crashed core would make the listen fail.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error removing stale socket %s: %w", path, err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("error listening on %s: %w", path, err)
	}

	c := &unixChannel{
		logger:  t.logger,
		name:    name,
		path:    path,
		loop:    t.loop,
		onError: onError,
		ln:      ln,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		pushSig: make(chan struct{}, 1),
		pullSig: make(chan struct{}, 1),
	}

	go c.accept()
	go c.writeLoop()
	go c.readLoop()

	t.logger.Debugf("Opened channel %s on %s", name, path)

	return c, nil
}

type pullRequest struct {
	n  int
	cb PullFunc
}

type unixChannel struct {
	logger  *zap.SugaredLogger
	name    string
	path    string
	loop    eventloop.Poster
	onError ErrorFunc
	ln      *net.UnixListener

	// ready is closed once conn is set.
	ready chan struct{}
	conn  *net.UnixConn

	done      chan struct{}
	closeOnce sync.Once
	failOnce  sync.Once

	mu      sync.Mutex
	closed  bool
	pushes  [][]byte
	pulls   []pullRequest
	pushSig chan struct{}
	pullSig chan struct{}
}

func (c *unixChannel) Name() string {
	return c.name
}

func (c *unixChannel) Address() string {
	return c.path
}

func (c *unixChannel) Push(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.pushes = append(c.pushes, b)
	signal(c.pushSig)

	return nil
}

func (c *unixChannel) Pull(n int, cb PullFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.pulls = append(c.pulls, pullRequest{n: n, cb: cb})
	signal(c.pullSig)

	return nil
}

func (c *unixChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.pushes = nil
		c.pulls = nil
		c.mu.Unlock()

		close(c.done)
		c.ln.Close()

		select {
		case <-c.ready:
			c.conn.Close()
		default:
		}

		os.Remove(c.path)
	})

	return nil
}

func (c *unixChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *unixChannel) accept() {
	conn, err := c.ln.AcceptUnix()

	// One peer per channel.
	c.ln.Close()
	os.Remove(c.path)

	if err != nil {
		c.fail(OpAccept, err)

		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()

		return
	}
	c.conn = conn
	close(c.ready)
	c.mu.Unlock()

	c.logger.Debugf("Peer connected to channel %s", c.name)
}

func (c *unixChannel) writeLoop() {
	select {
	case <-c.ready:
	case <-c.done:
		return
	}

	for {
		c.mu.Lock()
		var (
			next []byte
			ok   bool
		)
		if len(c.pushes) > 0 {
			next, ok = c.pushes[0], true
			c.pushes = c.pushes[1:]
		}
		c.mu.Unlock()

		if !ok {
			select {
			case <-c.pushSig:
				continue
			case <-c.done:
				return
			}
		}

		if _, err := c.conn.Write(next); err != nil {
			c.fail(OpWrite, err)

			return
		}
	}
}

func (c *unixChannel) readLoop() {
	select {
	case <-c.ready:
	case <-c.done:
		return
	}

	for {
		c.mu.Lock()
		var (
			req pullRequest
			ok  bool
		)
		if len(c.pulls) > 0 {
			req, ok = c.pulls[0], true
			c.pulls = c.pulls[1:]
		}
		c.mu.Unlock()

		if !ok {
			select {
			case <-c.pullSig:
				continue
			case <-c.done:
				return
			}
		}

		buf := make([]byte, req.n)
		if req.n > 0 {
			if _, err := io.ReadFull(c.conn, buf); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					err = ErrHangup
				}
				c.fail(OpRead, err)

				return
			}
		}

		cb := req.cb
		c.loop.Post(func() {
			if !c.isClosed() {
				cb(buf)
			}
		})
	}
}

// fail reports the first error of the channel unless it was closed by its owner.
func (c *unixChannel) fail(op Op, err error) {
	if c.isClosed() {
		return
	}

	c.failOnce.Do(func() {
		metrics.IncErrorCount(metrics.ComponentTransport, string(op))
		c.logger.Debugf("Channel %s failed on %s: %s", c.name, op, err)

		terr := &Error{Channel: c.name, Op: op, Err: err}
		c.loop.Post(func() {
			if !c.isClosed() && c.onError != nil {
				c.onError(terr)
			}
		})
	})
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Dial connects to the channel socket at address, retrying with exponential backoff until
// the socket accepts, ctx is done or DefaultDialTimeout elapsed.
func Dial(ctx context.Context, address string) (*net.UnixConn, error) {
	addr := &net.UnixAddr{Name: address, Net: "unix"}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = DefaultDialTimeout

	var conn *net.UnixConn

	err := backoff.Retry(func() error {
		var err error
		conn, err = net.DialUnix("unix", nil, addr)

		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("error dialing channel %s: %w", address, err)
	}

	return conn, nil
}
