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

// Package action holds the action definitions and monitoring events the core works on.
package action

import (
	"fmt"
	"time"
)

// Type selects how an action is executed.
type Type int

const (
	// TypeCommand spawns a one-shot program per matching event.
	TypeCommand Type = iota
	// TypeResident forwards matching events to a long-lived worker.
	TypeResident
)

func (t Type) String() string {
	switch t {
	case TypeCommand:
		return "command"
	case TypeResident:
		return "resident"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseType parses the configuration spelling of a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "command", "COMMAND":
		return TypeCommand, nil
	case "resident", "RESIDENT":
		return TypeResident, nil
	default:
		return 0, fmt.Errorf("unknown action type %q", s)
	}
}

// ActionDef is one configured action. It is immutable once loaded.
type ActionDef struct {
	ID         int
	Condition  Condition
	Type       Type
	Path       string
	WorkingDir string
	// Timeout in seconds. Zero disables the timeout.
	Timeout int
}

// TimeoutDuration returns Timeout as a time.Duration.
func (d ActionDef) TimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

// EventType tells whether a trigger was raised or cleared.
type EventType int

const (
	EventTypeActivated EventType = iota
	EventTypeDeactivated
	EventTypeUnknown
)

// TriggerStatus is the trigger state carried by an event.
type TriggerStatus int

const (
	TriggerStatusOK TriggerStatus = iota
	TriggerStatusProblem
	TriggerStatusUnknown
)

// TriggerSeverity is ordered: a larger value is more severe.
type TriggerSeverity int

const (
	TriggerSeverityUnknown TriggerSeverity = iota
	TriggerSeverityInfo
	TriggerSeverityWarning
	TriggerSeverityError
	TriggerSeverityCritical
	TriggerSeverityEmergency
)

// EventInfo is a monitoring event as received from a monitored server.
type EventInfo struct {
	ServerID     uint32          `json:"serverId" yaml:"serverId"`
	ID           uint64          `json:"id" yaml:"id"`
	Time         time.Time       `json:"time" yaml:"time"`
	Type         EventType       `json:"type" yaml:"type"`
	TriggerID    uint64          `json:"triggerId" yaml:"triggerId"`
	Status       TriggerStatus   `json:"status" yaml:"status"`
	Severity     TriggerSeverity `json:"severity" yaml:"severity"`
	HostID       uint64          `json:"hostId" yaml:"hostId"`
	HostName     string          `json:"hostName" yaml:"hostName"`
	Brief        string          `json:"brief" yaml:"brief"`
	HostGroupIDs []uint64        `json:"hostGroupIds,omitempty" yaml:"hostGroupIds,omitempty"`
}
