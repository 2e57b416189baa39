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

package spawner_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/actioncore/pkg/action"
	"github.com/united-manufacturing-hub/actioncore/pkg/action/actionlog"
	"github.com/united-manufacturing-hub/actioncore/pkg/actor/output"
	"github.com/united-manufacturing-hub/actioncore/pkg/actor/reaper"
	"github.com/united-manufacturing-hub/actioncore/pkg/actor/spawner"
	"github.com/united-manufacturing-hub/actioncore/pkg/eventloop"
)

var _ = Describe("Spawner", func() {
	var (
		s       *spawner.Spawner
		r       *reaper.Reaper
		source  *reaper.FakeSource
		starter *spawner.FakeStarter
		store   *actionlog.MemoryStore
		ctx     context.Context
		cancel  context.CancelFunc
		done    chan error
		def     action.ActionDef
	)

	BeforeEach(func() {
		logger := zaptest.NewLogger(GinkgoT()).Sugar()
		source = reaper.NewFakeSource()
		starter = spawner.NewFakeStarter(500, "does-not-exist")
		store = actionlog.NewMemoryStore()
		r = reaper.New(logger, source, store, eventloop.New(logger))
		s = spawner.New(logger, r, store, starter)
		def = action.ActionDef{ID: 1, Type: action.TypeCommand, Path: "echo hi", WorkingDir: "/tmp"}

		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)
		go func() { done <- r.Run(ctx) }()
	})

	AfterEach(func() {
		cancel()
		Eventually(done).Should(Receive())
	})

	It("records an exec failure and tracks nothing when the executable is missing", func() {
		info, err := s.Spawn(ctx, def, []string{"does-not-exist", "x"})
		Expect(err).To(MatchError(spawner.ErrSpawnFailed))
		Expect(err).To(MatchError(os.ErrNotExist))
		Expect(info).To(BeNil())
		Expect(r.PendingCount()).To(BeZero())

		logs, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(logs).To(HaveLen(1))
		Expect(logs[0].Status).To(Equal(actionlog.StatusFailed))
		Expect(logs[0].FailureCode).To(Equal(actionlog.FailureExecFailure))
		Expect(logs[0].ActionID).To(Equal(1))
	})

	It("registers a started actor and logs its completion", func() {
		info, err := s.Spawn(ctx, def, []string{"echo", "hi"})
		Expect(err).NotTo(HaveOccurred())
		Expect(info.PID).To(Equal(500))
		Expect(info.ActionID).To(Equal(1))
		Expect(r.IsWatching(500)).To(BeTrue())

		Expect(starter.Started()).To(ConsistOf(spawner.Command{ActionID: 1, WorkingDir: "/tmp", Argv: []string{"echo", "hi"}}))

		l, err := store.Get(ctx, info.LogID)
		Expect(err).NotTo(HaveOccurred())
		Expect(l.Status).To(Equal(actionlog.StatusStarted))

		source.Exit(500, 0)
		Eventually(func() actionlog.Status {
			l, _ := store.Get(ctx, info.LogID)

			return l.Status
		}).Should(Equal(actionlog.StatusSucceeded))
		Expect(r.IsWatching(500)).To(BeFalse())
	})

	It("collects an actor that exits before the spawn returns", func() {
		collected := make(chan int, 1)
		starter.OnStart = func(pid int, _ spawner.Command) {
			source.Exit(pid, 0)
		}

		_, err := s.Spawn(ctx, def, []string{"true"}, spawner.WithCollected(func(info *reaper.ActorInfo, _ reaper.ChildExit) {
			collected <- info.PID
		}))
		Expect(err).NotTo(HaveOccurred())
		Eventually(collected).Should(Receive(Equal(500)))
	})

	It("applies the spawn options", func() {
		post := make(chan any, 1)
		info, err := s.Spawn(ctx, def, []string{"yard"},
			spawner.WithStatus(actionlog.StatusLaunchingResident),
			spawner.WithSession("session"),
			spawner.WithPostCollected(func(info *reaper.ActorInfo, _ reaper.ChildExit) {
				post <- info.Session
			}))
		Expect(err).NotTo(HaveOccurred())

		l, err := store.Get(ctx, info.LogID)
		Expect(err).NotTo(HaveOccurred())
		Expect(l.Status).To(Equal(actionlog.StatusLaunchingResident))

		source.Exit(info.PID, 0)
		Eventually(post).Should(Receive(Equal("session")))
	})

	It("suppresses the completion record on request", func() {
		collected := make(chan struct{}, 1)
		info, err := s.Spawn(ctx, def, []string{"yard"},
			spawner.WithStatus(actionlog.StatusLaunchingResident),
			spawner.WithDontLog(),
			spawner.WithPostCollected(func(*reaper.ActorInfo, reaper.ChildExit) { collected <- struct{}{} }))
		Expect(err).NotTo(HaveOccurred())
		Expect(info.DontLog).To(BeTrue())

		source.Exit(info.PID, 1)
		Eventually(collected).Should(Receive())

		l, err := store.Get(ctx, info.LogID)
		Expect(err).NotTo(HaveOccurred())
		Expect(l.Status).To(Equal(actionlog.StatusLaunchingResident))
	})

	It("kills an actor that outlives its timeout", func() {
		def.Timeout = 1
		info, err := s.Spawn(ctx, def, []string{"sleep", "10"})
		Expect(err).NotTo(HaveOccurred())

		Eventually(source.Killed, 3*time.Second).Should(ConsistOf(info.PID))
		Eventually(func() actionlog.FailureCode {
			l, _ := store.Get(ctx, info.LogID)

			return l.FailureCode
		}).Should(Equal(actionlog.FailureKilledTimeout))
	})

	It("does not kill an actor that finished before its timeout", func() {
		def.Timeout = 1
		info, err := s.Spawn(ctx, def, []string{"true"})
		Expect(err).NotTo(HaveOccurred())

		source.Exit(info.PID, 0)
		Eventually(func() bool { return r.IsWatching(info.PID) }).Should(BeFalse())
		Consistently(source.Killed, 1500*time.Millisecond).Should(BeEmpty())
	})

	It("kills and fails a child the reaper refuses after shutdown", func() {
		r.Shutdown()
		Eventually(done).Should(Receive())
		done <- nil

		_, err := s.Spawn(ctx, def, []string{"true"})
		Expect(err).To(MatchError(spawner.ErrSpawnFailed))
		Expect(err).To(MatchError(reaper.ErrShutdown))
		Expect(starter.Killed()).To(ConsistOf(500))

		logs, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(logs).To(HaveLen(1))
		Expect(logs[0].Status).To(Equal(actionlog.StatusFailed))
	})
})

var _ = Describe("ExecStarter", func() {
	var (
		starter *spawner.ExecStarter
		out     *output.Manager
	)

	BeforeEach(func() {
		logger := zaptest.NewLogger(GinkgoT()).Sugar()
		out = output.NewManager(logger, GinkgoT().TempDir(), 0)
		starter = spawner.NewExecStarter(logger, out)
	})

	It("starts a process found on PATH and captures its output", func() {
		pid, err := starter.Start(spawner.Command{ActionID: 9, WorkingDir: "/", Argv: []string{"sh", "-c", "echo hello"}})
		Expect(err).NotTo(HaveOccurred())
		Expect(pid).To(BeNumerically(">", 0))

		Eventually(func() string {
			data, _ := os.ReadFile(filepath.Join(out.Dir(9), output.CurrentFileName))

			return string(data)
		}).Should(Equal("hello\n"))
	})

	It("reports a missing executable", func() {
		_, err := starter.Start(spawner.Command{Argv: []string{"actioncore-no-such-binary"}})
		Expect(err).To(MatchError(exec.ErrNotFound))
	})

	It("rejects an empty argv", func() {
		_, err := starter.Start(spawner.Command{})
		Expect(err).To(HaveOccurred())
	})
})
