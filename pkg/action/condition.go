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

package action

import "slices"

// ConditionFlag enables one criterion of a Condition.
type ConditionFlag uint32

const (
	CondServerID ConditionFlag = 1 << iota
	CondHostID
	CondHostGroupID
	CondTriggerID
	CondTriggerStatus
	CondTriggerSeverity
)

// CompareType selects how the trigger severity is compared.
type CompareType int

const (
	CompareInvalid CompareType = iota
	// CompareEQ matches an equal severity.
	CompareEQ
	// CompareEQGT matches an equal or higher severity.
	CompareEQGT
)

// Condition restricts the events an action reacts to. Criteria whose flag is not
// enabled are ignored, so the zero Condition matches every event.
type Condition struct {
	Enabled                 ConditionFlag
	ServerID                uint32
	HostID                  uint64
	HostGroupID             uint64
	TriggerID               uint64
	TriggerStatus           TriggerStatus
	TriggerSeverity         TriggerSeverity
	TriggerSeverityCompType CompareType
}

// Enable turns on the given criteria.
func (c *Condition) Enable(flags ConditionFlag) {
	c.Enabled |= flags
}

// IsEnabled reports whether all the given criteria are on.
func (c Condition) IsEnabled(flags ConditionFlag) bool {
	return c.Enabled&flags == flags
}

// Matches reports whether ev satisfies every enabled criterion.
func (c Condition) Matches(ev EventInfo) bool {
	if c.IsEnabled(CondServerID) && ev.ServerID != c.ServerID {
		return false
	}

	if c.IsEnabled(CondHostID) && ev.HostID != c.HostID {
		return false
	}

	if c.IsEnabled(CondHostGroupID) && !slices.Contains(ev.HostGroupIDs, c.HostGroupID) {
		return false
	}

	if c.IsEnabled(CondTriggerID) && ev.TriggerID != c.TriggerID {
		return false
	}

	if c.IsEnabled(CondTriggerStatus) && ev.Status != c.TriggerStatus {
		return false
	}

	if c.IsEnabled(CondTriggerSeverity) {
		switch c.TriggerSeverityCompType {
		case CompareEQ:
			if ev.Severity != c.TriggerSeverity {
				return false
			}
		case CompareEQGT:
			if ev.Severity < c.TriggerSeverity {
				return false
			}
		default:
			return false
		}
	}

	return true
}
