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

package reaper_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/actioncore/pkg/action"
	"github.com/united-manufacturing-hub/actioncore/pkg/action/actionlog"
	"github.com/united-manufacturing-hub/actioncore/pkg/actor/reaper"
	"github.com/united-manufacturing-hub/actioncore/pkg/eventloop"
)

var _ = Describe("Reaper", func() {
	var (
		r      *reaper.Reaper
		source *reaper.FakeSource
		store  *actionlog.MemoryStore
		loop   *eventloop.Loop
		ctx    context.Context
		cancel context.CancelFunc
		done   chan error

		mu        sync.Mutex
		collected []reaper.ChildExit
		infos     []*reaper.ActorInfo
	)

	onCollected := func(info *reaper.ActorInfo, exit reaper.ChildExit) {
		mu.Lock()
		defer mu.Unlock()

		collected = append(collected, exit)
		infos = append(infos, info)
	}

	collectedCount := func() int {
		mu.Lock()
		defer mu.Unlock()

		return len(collected)
	}

	// register tracks pid the way the spawner does: a log record, then Register under the lock.
	register := func(pid int) *reaper.ActorInfo {
		logID, err := store.Create(ctx, action.ActionDef{ID: pid * 10}, actionlog.FailureNone, actionlog.StatusStarted)
		Expect(err).NotTo(HaveOccurred())

		info := &reaper.ActorInfo{PID: pid, ActionID: pid * 10, LogID: logID, Collected: onCollected}

		r.Lock()
		defer r.Unlock()
		Expect(r.Register(info)).To(Succeed())

		return info
	}

	startRun := func() {
		done = make(chan error, 1)
		go func() { done <- r.Run(ctx) }()
	}

	BeforeEach(func() {
		logger := zaptest.NewLogger(GinkgoT()).Sugar()
		source = reaper.NewFakeSource()
		store = actionlog.NewMemoryStore()
		loop = eventloop.New(logger)
		r = reaper.New(logger, source, store, loop)
		ctx, cancel = context.WithCancel(context.Background())

		mu.Lock()
		collected = nil
		infos = nil
		mu.Unlock()
	})

	AfterEach(func() {
		cancel()
		if done != nil {
			Eventually(done).Should(Receive(BeNil()))
			done = nil
		}
	})

	Context("collecting exits", func() {
		BeforeEach(func() {
			startRun()
		})

		It("tracks a pid from registration until its exit is collected", func() {
			info := register(100)
			Expect(r.IsWatching(100)).To(BeTrue())
			Expect(r.PendingCount()).To(Equal(1))

			source.Exit(100, 3)

			Eventually(collectedCount).Should(Equal(1))
			Expect(r.IsWatching(100)).To(BeFalse())
			Expect(r.PendingCount()).To(BeZero())

			l, err := store.Get(ctx, info.LogID)
			Expect(err).NotTo(HaveOccurred())
			Expect(l.Status).To(Equal(actionlog.StatusSucceeded))
			Expect(l.ExitCode).To(HaveValue(Equal(3)))
		})

		It("never collects a pid twice", func() {
			register(101)
			source.Exit(101, 0)
			source.Exit(101, 0)

			Eventually(collectedCount).Should(Equal(1))

			register(102)
			source.Exit(102, 0)
			Eventually(collectedCount).Should(Equal(2))
			Consistently(collectedCount, 50*time.Millisecond).Should(Equal(2))
		})

		It("ignores untracked pids and job-control changes", func() {
			register(103)
			source.Exit(9999, 1)
			source.Deliver(reaper.ChildExit{PID: 103, Kind: reaper.ExitStopped, Code: 19})
			source.Deliver(reaper.ChildExit{PID: 103, Kind: reaper.ExitContinued})
			Consistently(collectedCount, 50*time.Millisecond).Should(BeZero())
			Expect(r.IsWatching(103)).To(BeTrue())

			source.Exit(103, 0)
			Eventually(collectedCount).Should(Equal(1))
		})

		It("collects an exit that happened before registration completed", func() {
			r.Lock()
			source.Exit(104, 0)
			info := &reaper.ActorInfo{PID: 104, Collected: onCollected, DontLog: true}
			Expect(r.Register(info)).To(Succeed())
			r.Unlock()

			Eventually(collectedCount).Should(Equal(1))
		})

		It("rejects a duplicate registration", func() {
			register(105)

			r.Lock()
			err := r.Register(&reaper.ActorInfo{PID: 105})
			r.Unlock()
			Expect(err).To(MatchError(reaper.ErrAlreadyTracked))
		})

		It("delivers one callback per actor with its own metadata", func() {
			const n = 50

			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(pid int) {
					defer GinkgoRecover()
					defer wg.Done()

					register(pid)
					source.Exit(pid, pid%7)
				}(1000 + i)
			}
			wg.Wait()

			Eventually(collectedCount).Should(Equal(n))
			Consistently(collectedCount, 50*time.Millisecond).Should(Equal(n))

			mu.Lock()
			defer mu.Unlock()

			seen := map[int]bool{}
			for i, exit := range collected {
				Expect(infos[i].PID).To(Equal(exit.PID))
				Expect(infos[i].ActionID).To(Equal(exit.PID * 10))
				Expect(exit.Code).To(Equal(exit.PID % 7))
				Expect(seen[exit.PID]).To(BeFalse())
				seen[exit.PID] = true
			}
			Expect(r.PendingCount()).To(BeZero())
		})

		It("runs the post-collected callback without the lock", func() {
			post := make(chan bool, 1)
			info := &reaper.ActorInfo{PID: 106, DontLog: true}
			info.PostCollected = func(i *reaper.ActorInfo, _ reaper.ChildExit) {
				// would deadlock if the lock were still held
				post <- r.IsWatching(i.PID)
			}

			r.Lock()
			Expect(r.Register(info)).To(Succeed())
			r.Unlock()

			source.Exit(106, 0)
			Eventually(post).Should(Receive(BeFalse()))
		})

		It("skips the completion record when marked do-not-log", func() {
			info := register(107)
			Expect(r.MarkDoNotLog(107)).To(Succeed())
			Expect(r.MarkDoNotLog(4242)).To(MatchError(reaper.ErrNotTracked))

			source.Exit(107, 0)
			Eventually(collectedCount).Should(Equal(1))

			l, err := store.Get(ctx, info.LogID)
			Expect(err).NotTo(HaveOccurred())
			Expect(l.Status).To(Equal(actionlog.StatusStarted))
		})

		It("records signal deaths and timeouts as failures", func() {
			killed := register(108)
			expired := register(109)

			Expect(r.Kill(108)).To(Succeed())
			Expect(r.Expire(expired)).To(Succeed())
			Expect(r.Expire(&reaper.ActorInfo{PID: 108})).To(MatchError(reaper.ErrNotTracked))
			Expect(r.Kill(4242)).To(MatchError(reaper.ErrNotTracked))

			Eventually(collectedCount).Should(Equal(2))

			l, err := store.Get(ctx, killed.LogID)
			Expect(err).NotTo(HaveOccurred())
			Expect(l.Status).To(Equal(actionlog.StatusFailed))
			Expect(l.FailureCode).To(Equal(actionlog.FailureUnexpectedExit))

			l, err = store.Get(ctx, expired.LogID)
			Expect(err).NotTo(HaveOccurred())
			Expect(l.FailureCode).To(Equal(actionlog.FailureKilledTimeout))
		})

		It("releases collected actors on the event loop", func() {
			info := register(110)
			source.Exit(110, 0)
			Eventually(collectedCount).Should(Equal(1))

			Eventually(loop.Len).Should(Equal(1))
			Expect(info.Collected).NotTo(BeNil())
			loop.RunPending()
			Expect(info.Collected).To(BeNil())
		})

		It("stops on Shutdown", func() {
			register(111)
			r.Shutdown()

			Eventually(done).Should(Receive(BeNil()))
			done = nil

			r.Lock()
			err := r.Register(&reaper.ActorInfo{PID: 112})
			r.Unlock()
			Expect(err).To(MatchError(reaper.ErrShutdown))
			Expect(r.Reset(ctx)).To(MatchError(reaper.ErrShutdown))
		})
	})

	Context("Reset", func() {
		It("returns immediately without tracked actors", func() {
			// no Run goroutine: a reset that needed an acknowledgement would block
			Expect(r.Reset(ctx)).To(Succeed())
		})

		It("waits for the reaper goroutine to acknowledge", func() {
			register(200)

			shortCtx, shortCancel := context.WithTimeout(ctx, 30*time.Millisecond)
			defer shortCancel()
			Expect(r.Reset(shortCtx)).To(MatchError(context.DeadlineExceeded))
		})

		It("kills and forgets every tracked actor", func() {
			startRun()

			const m = 5
			for i := 0; i < m; i++ {
				register(300 + i)
			}
			Expect(r.PendingCount()).To(Equal(m))

			Expect(r.Reset(ctx)).To(Succeed())

			Expect(r.PendingCount()).To(BeZero())
			Expect(source.Killed()).To(ConsistOf(300, 301, 302, 303, 304))
			Expect(loop.Len()).To(Equal(m))

			// the killed children's exits are untracked now and must not be collected
			Consistently(collectedCount, 50*time.Millisecond).Should(BeZero())

			register(400)
			source.Exit(400, 0)
			Eventually(collectedCount).Should(Equal(1))
			Expect(r.IsWatching(400)).To(BeFalse())
		})

		It("fails the records of reset actors unless they are marked do-not-log", func() {
			startRun()

			for _, pid := range []int{500, 501, 502} {
				register(pid)
			}
			Expect(r.MarkDoNotLog(502)).To(Succeed())

			Expect(r.Reset(ctx)).To(Succeed())

			logs, err := store.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(HaveLen(3))

			byAction := make(map[int]actionlog.Log, len(logs))
			for _, l := range logs {
				byAction[l.ActionID] = l
			}

			for _, actionID := range []int{5000, 5010} {
				Expect(byAction[actionID].Status).To(Equal(actionlog.StatusFailed))
				Expect(byAction[actionID].FailureCode).To(Equal(actionlog.FailureUnexpectedExit))
			}
			Expect(byAction[5020].Status).To(Equal(actionlog.StatusStarted))
		})
	})
})
