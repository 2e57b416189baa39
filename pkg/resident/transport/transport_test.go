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

package transport_test

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/actioncore/pkg/eventloop"
	"github.com/united-manufacturing-hub/actioncore/pkg/resident/protocol"
	"github.com/united-manufacturing-hub/actioncore/pkg/resident/transport"
)

var _ = Describe("UnixTransport", func() {
	var (
		tr     *transport.UnixTransport
		dir    string
		cancel context.CancelFunc
		ctx    context.Context
		errs   chan error
	)

	BeforeEach(func() {
		var err error
		// socket paths are length-limited, keep the directory short
		dir, err = os.MkdirTemp("", "tr")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)

		logger := zaptest.NewLogger(GinkgoT()).Sugar()
		loop := eventloop.New(logger)
		ctx, cancel = context.WithCancel(context.Background())
		go loop.Run(ctx) //nolint:errcheck

		tr = transport.NewUnixTransport(logger, dir, loop)
		errs = make(chan error, 4)
	})

	AfterEach(func() {
		cancel()
	})

	open := func(name string) (transport.Channel, *net.UnixConn) {
		ch, err := tr.Open(name, func(err error) { errs <- err })
		Expect(err).NotTo(HaveOccurred())

		peer, err := transport.Dial(ctx, ch.Address())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = peer.Close() })

		return ch, peer
	}

	It("exchanges frames with the peer", func() {
		ch, peer := open("resident-1")
		defer ch.Close()

		got := make(chan []byte, 2)
		Expect(ch.Pull(protocol.HeaderLen, func(b []byte) { got <- b })).To(Succeed())

		Expect(protocol.WriteFrame(peer, protocol.EncodeLaunched())).To(Succeed())
		Eventually(got).Should(Receive(Equal(protocol.EncodeLaunched())))

		params, err := protocol.EncodeParameters("/bin/true")
		Expect(err).NotTo(HaveOccurred())
		Expect(ch.Push(params)).To(Succeed())

		Expect(peer.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
		f, err := protocol.ReadFrame(peer)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Type).To(Equal(protocol.PacketParameters))
	})

	It("serves pulls in order", func() {
		ch, peer := open("resident-2")
		defer ch.Close()

		got := make(chan []byte, 2)
		Expect(ch.Pull(2, func(b []byte) { got <- b })).To(Succeed())
		Expect(ch.Pull(3, func(b []byte) { got <- b })).To(Succeed())

		_, err := peer.Write([]byte("abcde"))
		Expect(err).NotTo(HaveOccurred())

		Eventually(got).Should(Receive(Equal([]byte("ab"))))
		Eventually(got).Should(Receive(Equal([]byte("cde"))))
	})

	It("reports a hang-up once", func() {
		ch, peer := open("resident-3")
		defer ch.Close()

		Expect(ch.Pull(protocol.HeaderLen, func([]byte) {})).To(Succeed())
		Expect(peer.Close()).To(Succeed())

		var err error
		Eventually(errs).Should(Receive(&err))
		Expect(errors.Is(err, transport.ErrHangup)).To(BeTrue())
		Expect(transport.IsWrite(err)).To(BeFalse())
		Consistently(errs, 100*time.Millisecond).ShouldNot(Receive())
	})

	It("stays silent and removes its socket after Close", func() {
		ch, err := tr.Open("resident-4", func(err error) { errs <- err })
		Expect(err).NotTo(HaveOccurred())
		Expect(transport.SocketPath(dir, "resident-4")).To(BeAnExistingFile())

		Expect(ch.Close()).To(Succeed())
		Expect(transport.SocketPath(dir, "resident-4")).NotTo(BeAnExistingFile())
		Expect(ch.Push([]byte{1})).To(MatchError(transport.ErrClosed))
		Expect(ch.Pull(1, func([]byte) {})).To(MatchError(transport.ErrClosed))
		Consistently(errs, 100*time.Millisecond).ShouldNot(Receive())
	})

	It("replaces a stale socket file", func() {
		Expect(os.WriteFile(transport.SocketPath(dir, "resident-5"), nil, 0o600)).To(Succeed())

		ch, err := tr.Open("resident-5", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(ch.Close()).To(Succeed())
	})

	It("gives up dialing when the context ends", func() {
		short, shortCancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer shortCancel()

		_, err := transport.Dial(short, transport.SocketPath(dir, "nobody"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Fake", func() {
	var (
		loop *eventloop.Loop
		fake *transport.Fake
	)

	BeforeEach(func() {
		loop = eventloop.New(zaptest.NewLogger(GinkgoT()).Sugar())
		fake = transport.NewFake(loop)
	})

	It("satisfies pulls once enough bytes were delivered", func() {
		ch, err := fake.Open("resident-1", nil)
		Expect(err).NotTo(HaveOccurred())

		var got [][]byte
		Expect(ch.Pull(4, func(b []byte) { got = append(got, b) })).To(Succeed())

		fc := fake.Channel("resident-1")
		fc.Deliver([]byte{1, 2})
		loop.RunPending()
		Expect(got).To(BeEmpty())

		fc.Deliver([]byte{3, 4, 5})
		loop.RunPending()
		Expect(got).To(Equal([][]byte{{1, 2, 3, 4}}))
		Expect(fc.PendingPulls()).To(BeZero())
	})

	It("records pushes and refuses a second open of a live channel", func() {
		ch, err := fake.Open("resident-2", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(ch.Push([]byte("x"))).To(Succeed())
		Expect(fake.Channel("resident-2").Pushed()).To(Equal([][]byte{[]byte("x")}))

		_, err = fake.Open("resident-2", nil)
		Expect(err).To(HaveOccurred())

		Expect(ch.Close()).To(Succeed())
		_, err = fake.Open("resident-2", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(fake.Opened()).To(Equal([]string{"resident-2", "resident-2"}))
	})

	It("delivers a failure once and never after close", func() {
		var errs []error
		_, err := fake.Open("resident-3", func(err error) { errs = append(errs, err) })
		Expect(err).NotTo(HaveOccurred())

		fc := fake.Channel("resident-3")
		fc.Fail(transport.OpWrite, errors.New("broken pipe"))
		fc.Hangup()
		loop.RunPending()

		Expect(errs).To(HaveLen(1))
		Expect(transport.IsWrite(errs[0])).To(BeTrue())
	})
})
