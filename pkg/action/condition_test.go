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

package action_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/actioncore/pkg/action"
)

var _ = Describe("Condition", func() {
	var ev action.EventInfo

	BeforeEach(func() {
		ev = action.EventInfo{
			ServerID:     3,
			ID:           100,
			TriggerID:    42,
			Status:       action.TriggerStatusProblem,
			Severity:     action.TriggerSeverityError,
			HostID:       9,
			HostGroupIDs: []uint64{1, 5},
		}
	})

	It("matches everything when nothing is enabled", func() {
		Expect(action.Condition{}.Matches(ev)).To(BeTrue())
	})

	DescribeTable("single criteria",
		func(cond action.Condition, expected bool) {
			Expect(cond.Matches(ev)).To(Equal(expected))
		},
		Entry("server id hit", action.Condition{Enabled: action.CondServerID, ServerID: 3}, true),
		Entry("server id miss", action.Condition{Enabled: action.CondServerID, ServerID: 4}, false),
		Entry("host id miss", action.Condition{Enabled: action.CondHostID, HostID: 1}, false),
		Entry("host group hit", action.Condition{Enabled: action.CondHostGroupID, HostGroupID: 5}, true),
		Entry("host group miss", action.Condition{Enabled: action.CondHostGroupID, HostGroupID: 2}, false),
		Entry("trigger id hit", action.Condition{Enabled: action.CondTriggerID, TriggerID: 42}, true),
		Entry("trigger status miss", action.Condition{Enabled: action.CondTriggerStatus, TriggerStatus: action.TriggerStatusOK}, false),
		Entry("severity EQ hit", action.Condition{
			Enabled: action.CondTriggerSeverity, TriggerSeverity: action.TriggerSeverityError, TriggerSeverityCompType: action.CompareEQ,
		}, true),
		Entry("severity EQ miss", action.Condition{
			Enabled: action.CondTriggerSeverity, TriggerSeverity: action.TriggerSeverityWarning, TriggerSeverityCompType: action.CompareEQ,
		}, false),
		Entry("severity EQ_GT lower threshold", action.Condition{
			Enabled: action.CondTriggerSeverity, TriggerSeverity: action.TriggerSeverityWarning, TriggerSeverityCompType: action.CompareEQGT,
		}, true),
		Entry("severity EQ_GT higher threshold", action.Condition{
			Enabled: action.CondTriggerSeverity, TriggerSeverity: action.TriggerSeverityCritical, TriggerSeverityCompType: action.CompareEQGT,
		}, false),
		Entry("severity without comparison type", action.Condition{
			Enabled: action.CondTriggerSeverity, TriggerSeverity: action.TriggerSeverityError,
		}, false),
	)

	It("requires every enabled criterion", func() {
		cond := action.Condition{ServerID: 3, HostID: 10}
		cond.Enable(action.CondServerID | action.CondHostID)

		Expect(cond.IsEnabled(action.CondServerID)).To(BeTrue())
		Expect(cond.Matches(ev)).To(BeFalse())

		cond.HostID = 9
		Expect(cond.Matches(ev)).To(BeTrue())
	})
})

var _ = Describe("Type", func() {
	It("parses both spellings", func() {
		t, err := action.ParseType("RESIDENT")
		Expect(err).NotTo(HaveOccurred())
		Expect(t).To(Equal(action.TypeResident))

		t, err = action.ParseType("command")
		Expect(err).NotTo(HaveOccurred())
		Expect(t.String()).To(Equal("command"))

		_, err = action.ParseType("script")
		Expect(err).To(HaveOccurred())
	})
})
