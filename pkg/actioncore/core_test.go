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

package actioncore_test

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/actioncore/pkg/action"
	"github.com/united-manufacturing-hub/actioncore/pkg/action/actionlog"
	"github.com/united-manufacturing-hub/actioncore/pkg/actioncore"
	"github.com/united-manufacturing-hub/actioncore/pkg/actor/reaper"
	"github.com/united-manufacturing-hub/actioncore/pkg/actor/spawner"
	"github.com/united-manufacturing-hub/actioncore/pkg/config"
	"github.com/united-manufacturing-hub/actioncore/pkg/eventloop"
	"github.com/united-manufacturing-hub/actioncore/pkg/resident"
	"github.com/united-manufacturing-hub/actioncore/pkg/resident/protocol"
	"github.com/united-manufacturing-hub/actioncore/pkg/resident/transport"
)

var _ = Describe("Core", func() {
	var (
		cfg     config.FullConfig
		store   *actionlog.MemoryStore
		source  *reaper.FakeSource
		starter *spawner.FakeStarter
		tr      *transport.Fake
		core    *actioncore.Core
		ctx     context.Context
		cancel  context.CancelFunc
	)

	const (
		commandHost  = 10
		residentHost = 20
	)

	event := func(id, hostID uint64) action.EventInfo {
		return action.EventInfo{ServerID: 1, ID: id, HostID: hostID, HostName: "web01", Brief: "disk full"}
	}

	records := func() []actionlog.Log {
		logs, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())

		return logs
	}

	onHost := func(id uint64) config.ConditionConfig {
		return config.ConditionConfig{HostID: &id}
	}

	newCore := func() *actioncore.Core {
		c, err := actioncore.New(ctx, cfg, zaptest.NewLogger(GinkgoT()).Sugar(),
			actioncore.WithStore(store),
			actioncore.WithChildExitSource(source),
			actioncore.WithStarter(starter),
			actioncore.WithTransport(func(_ string, loop eventloop.Poster) transport.Transport {
				tr = transport.NewFake(loop)

				return tr
			}),
		)
		Expect(err).NotTo(HaveOccurred())

		return c
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		DeferCleanup(cancel)

		cfg = config.Default()
		cfg.Agent.DedupTTL = 0
		cfg.Resident.SocketDir = GinkgoT().TempDir()
		cfg.Resident.YardPath = "/usr/libexec/resident-yard"
		cfg.Output.Directory = GinkgoT().TempDir()
		cfg.Actions = []config.ActionConfig{
			{ID: 1, Type: "command", Path: "notify-admin --host 'web 01'", Condition: onHost(commandHost)},
			{ID: 2, Type: "command", Path: "missing-tool", Condition: onHost(commandHost)},
			{ID: 7, Type: "resident", Path: "/opt/modules/notify.so", Condition: onHost(residentHost)},
		}

		store = actionlog.NewMemoryStore()
		source = reaper.NewFakeSource()
		starter = spawner.NewFakeStarter(100, "missing-tool")
	})

	It("refuses an invalid config", func() {
		cfg.Actions = append(cfg.Actions, config.ActionConfig{ID: 1, Type: "command", Path: "true"})

		_, err := actioncore.New(ctx, cfg, zaptest.NewLogger(GinkgoT()).Sugar())
		Expect(err).To(MatchError(ContainSubstring("duplicate action id 1")))
	})

	It("needs to be started before a reset", func() {
		core = newCore()
		Expect(core.Reset(ctx)).To(MatchError(actioncore.ErrNotStarted))
		Expect(core.Wait()).To(MatchError(actioncore.ErrNotStarted))
		Expect(core.Shutdown()).To(Succeed())
	})

	It("cannot be started after shutdown", func() {
		core = newCore()
		Expect(core.Shutdown()).To(Succeed())
		Expect(core.Shutdown()).To(Succeed())
		Expect(core.Start(ctx)).To(MatchError(reaper.ErrShutdown))
	})

	Context("when started", func() {
		BeforeEach(func() {
			core = newCore()
			Expect(core.Start(ctx)).To(Succeed())
			DeferCleanup(func() { Expect(core.Shutdown()).To(Succeed()) })
		})

		It("namespaces the socket directory by its id", func() {
			Expect(core.SocketDir()).To(Equal(filepath.Join(cfg.Resident.SocketDir, core.ID().String())))
			Expect(core.Actions().Len()).To(Equal(3))
		})

		It("starts only once", func() {
			Expect(core.Start(ctx)).To(MatchError(actioncore.ErrAlreadyStarted))
		})

		It("runs command actions and logs their outcome", func() {
			err := core.Dispatch(ctx, event(1, commandHost))
			Expect(err).To(MatchError(spawner.ErrSpawnFailed))

			Expect(starter.Started()).To(ConsistOf(And(
				HaveField("ActionID", 1),
				HaveField("Argv", Equal([]string{"notify-admin", "--host", "web 01"})),
			)))
			Expect(core.Reaper().IsWatching(100)).To(BeTrue())

			source.Exit(100, 0)

			Eventually(records).Should(ContainElement(And(
				HaveField("ActionID", 1),
				HaveField("Status", actionlog.StatusSucceeded),
			)))
			Expect(records()).To(ContainElement(And(
				HaveField("ActionID", 2),
				HaveField("Status", actionlog.StatusFailed),
				HaveField("FailureCode", actionlog.FailureExecFailure),
			)))
			Eventually(core.Reaper().PendingCount).Should(BeZero())
		})

		It("feeds resident actions through the worker and resets them", func() {
			Expect(core.Dispatch(ctx, event(5, residentHost))).To(Succeed())

			Expect(starter.Started()).To(ConsistOf(HaveField("Argv", Equal([]string{
				"/usr/libexec/resident-yard", resident.ChannelName(7),
			}))))

			channel := tr.Channel(resident.ChannelName(7))
			Expect(channel).NotTo(BeNil())

			channel.Deliver(protocol.EncodeLaunched())
			channel.Deliver(protocol.EncodeModuleLoaded())

			Eventually(func() string {
				state, _ := core.Residents().State(7)

				return state
			}).Should(Equal(resident.StateWaitNotifyAck))

			channel.Deliver(protocol.EncodeNotifyEventAck(0))

			Eventually(records).Should(ContainElement(And(
				HaveField("ActionID", 7),
				HaveField("Status", actionlog.StatusSucceeded),
			)))

			Expect(core.Reset(ctx)).To(Succeed())

			_, ok := core.Residents().State(7)
			Expect(ok).To(BeFalse())
			Expect(source.Killed()).To(ContainElement(100))
			Expect(channel.IsClosed()).To(BeTrue())
			Eventually(core.Reaper().PendingCount).Should(BeZero())
		})
	})
})
