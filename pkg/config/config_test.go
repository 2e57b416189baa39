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

package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/actioncore/pkg/action"
	"github.com/united-manufacturing-hub/actioncore/pkg/config"
	"github.com/united-manufacturing-hub/actioncore/pkg/constants"
)

const sampleConfig = `
agent:
  metricsPort: 9100
  dedupTTL: 0s
resident:
  yardPath: /usr/libexec/resident-yard
actionLog:
  memory: false
  sqlitePath: /var/lib/actioncore/log.db
output:
  maxSize: 65536
actions:
  - id: 7
    type: resident
    path: /opt/modules/notify.so
  - id: 3
    type: command
    path: "logger -t actioncore 'trigger fired'"
    workingDir: /tmp
    timeout: 30
    condition:
      hostGroupId: 12
      triggerSeverity: warning
      severityCompare: eq_gt
`

var _ = Describe("Config", func() {
	Describe("Parse", func() {
		It("keeps defaults for keys the file leaves out", func() {
			cfg, err := config.Parse([]byte(sampleConfig))
			Expect(err).NotTo(HaveOccurred())

			Expect(cfg.Agent.MetricsPort).To(Equal(9100))
			Expect(cfg.Agent.DedupTTL).To(BeZero())
			Expect(cfg.Reaper.ResetTimeout).To(Equal(constants.ShutdownTimeout))
			Expect(cfg.Resident.SocketDir).To(Equal(constants.DefaultSocketDir))
			Expect(cfg.Output.Directory).To(Equal(constants.DefaultOutputDir))
			Expect(cfg.Output.RotateInterval).To(Equal(constants.DefaultRotateInterval))
			Expect(cfg.Output.MaxSize).To(Equal(int64(65536)))
			Expect(cfg.Actions).To(HaveLen(2))
			Expect(cfg.Validate()).To(Succeed())
		})

		It("returns the defaults for an empty document", func() {
			cfg, err := config.Parse(nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg).To(Equal(config.Default()))
		})

		It("rejects unknown keys", func() {
			_, err := config.Parse([]byte("agent:\n  metricPort: 1\n"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Validate", func() {
		var cfg config.FullConfig

		BeforeEach(func() {
			cfg = config.Default()
		})

		It("accepts the defaults", func() {
			Expect(cfg.Validate()).To(Succeed())
		})

		It("rejects duplicate ids", func() {
			cfg.Actions = []config.ActionConfig{
				{ID: 1, Type: "command", Path: "true"},
				{ID: 1, Type: "resident", Path: "/m.so"},
			}
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("duplicate action id 1")))
		})

		It("rejects unknown types, empty paths and negative timeouts", func() {
			cfg.Actions = []config.ActionConfig{
				{ID: 1, Type: "script", Path: "true"},
				{ID: 2, Type: "command", Path: "  "},
				{ID: 3, Type: "command", Path: "true", Timeout: -1},
			}

			err := cfg.Validate()
			Expect(err).To(MatchError(ContainSubstring("unknown action type")))
			Expect(err).To(MatchError(ContainSubstring("action 2: path must not be empty")))
			Expect(err).To(MatchError(ContainSubstring("action 3: timeout must not be negative")))
		})

		It("rejects an unknown condition value", func() {
			cfg.Actions = []config.ActionConfig{
				{ID: 1, Type: "command", Path: "true", Condition: config.ConditionConfig{TriggerStatus: "flapping"}},
			}
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("unknown trigger status")))
		})

		It("requires a sqlite path when the memory store is off", func() {
			cfg.ActionLog.Memory = false
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("sqlitePath")))
		})
	})

	Describe("ActionDefs", func() {
		It("turns set criteria into enabled conditions", func() {
			cfg, err := config.Parse([]byte(sampleConfig))
			Expect(err).NotTo(HaveOccurred())

			defs, err := cfg.ActionDefs()
			Expect(err).NotTo(HaveOccurred())
			Expect(defs).To(HaveLen(2))

			resident := defs[0]
			Expect(resident.Type).To(Equal(action.TypeResident))
			Expect(resident.Condition.Enabled).To(BeZero())

			cmd := defs[1]
			Expect(cmd.Type).To(Equal(action.TypeCommand))
			Expect(cmd.TimeoutDuration()).To(Equal(30 * time.Second))
			Expect(cmd.Condition.IsEnabled(action.CondHostGroupID | action.CondTriggerSeverity)).To(BeTrue())
			Expect(cmd.Condition.IsEnabled(action.CondHostID)).To(BeFalse())
			Expect(cmd.Condition.TriggerSeverity).To(Equal(action.TriggerSeverityWarning))
			Expect(cmd.Condition.TriggerSeverityCompType).To(Equal(action.CompareEQGT))
		})
	})

	Describe("Load", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
		})

		It("falls back to the defaults when the file does not exist", func() {
			cfg, err := config.Load(filepath.Join(dir, "missing.yaml"))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Agent.MetricsPort).To(Equal(constants.DefaultMetricsPort))
		})

		It("lets environment variables win over the file", func() {
			path := filepath.Join(dir, "config.yaml")
			Expect(os.WriteFile(path, []byte(sampleConfig), 0o600)).To(Succeed())

			GinkgoT().Setenv("ACTIONCORE_METRICS_PORT", "9200")
			GinkgoT().Setenv("ACTIONCORE_DEDUP_TTL", "1m")
			GinkgoT().Setenv("ACTIONCORE_ACTION_LOG", filepath.Join(dir, "log.db"))

			cfg, err := config.Load(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Agent.MetricsPort).To(Equal(9200))
			Expect(cfg.Agent.DedupTTL).To(Equal(time.Minute))
			Expect(cfg.ActionLog.SQLitePath).To(Equal(filepath.Join(dir, "log.db")))
			Expect(cfg.Resident.YardPath).To(Equal("/usr/libexec/resident-yard"))
		})

		It("reports validation errors", func() {
			path := filepath.Join(dir, "config.yaml")
			Expect(os.WriteFile(path, []byte("actions:\n  - id: 1\n    type: command\n"), 0o600)).To(Succeed())

			_, err := config.Load(path)
			Expect(err).To(MatchError(ContainSubstring("path must not be empty")))
		})
	})

	It("clones deeply", func() {
		serverID := uint32(4)
		cfg := config.Default()
		cfg.Actions = []config.ActionConfig{
			{ID: 1, Type: "command", Path: "true", Condition: config.ConditionConfig{ServerID: &serverID}},
		}

		clone := cfg.Clone()
		Expect(clone).To(Equal(cfg))

		*clone.Actions[0].Condition.ServerID = 5
		clone.Actions[0].Path = "false"
		Expect(*cfg.Actions[0].Condition.ServerID).To(Equal(uint32(4)))
		Expect(cfg.Actions[0].Path).To(Equal("true"))
	})
})

var _ = Describe("ActionTable", func() {
	var table *config.ActionTable

	BeforeEach(func() {
		onHost := action.Condition{HostID: 10}
		onHost.Enable(action.CondHostID)

		table = config.NewActionTable([]action.ActionDef{
			{ID: 5, Type: action.TypeResident, Path: "/m.so", Condition: onHost},
			{ID: 2, Type: action.TypeCommand, Path: "true"},
		})
	})

	It("returns matching actions in id order", func() {
		ids := func(defs []action.ActionDef) []int {
			out := make([]int, 0, len(defs))
			for _, d := range defs {
				out = append(out, d.ID)
			}

			return out
		}

		Expect(ids(table.Matching(action.EventInfo{HostID: 10}))).To(Equal([]int{2, 5}))
		Expect(ids(table.Matching(action.EventInfo{HostID: 11}))).To(Equal([]int{2}))
	})

	It("looks actions up by id", func() {
		def, ok := table.Get(5)
		Expect(ok).To(BeTrue())
		Expect(def.Path).To(Equal("/m.so"))

		_, ok = table.Get(3)
		Expect(ok).To(BeFalse())
	})

	It("swaps its contents", func() {
		table.Replace(nil)
		Expect(table.Len()).To(BeZero())
		Expect(table.Matching(action.EventInfo{})).To(BeEmpty())
	})
})
