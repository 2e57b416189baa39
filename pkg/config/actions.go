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

package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/united-manufacturing-hub/actioncore/pkg/action"
)

var (
	triggerStatuses = map[string]action.TriggerStatus{
		"ok":      action.TriggerStatusOK,
		"problem": action.TriggerStatusProblem,
		"unknown": action.TriggerStatusUnknown,
	}

	triggerSeverities = map[string]action.TriggerSeverity{
		"unknown":   action.TriggerSeverityUnknown,
		"info":      action.TriggerSeverityInfo,
		"warning":   action.TriggerSeverityWarning,
		"error":     action.TriggerSeverityError,
		"critical":  action.TriggerSeverityCritical,
		"emergency": action.TriggerSeverityEmergency,
	}

	compareTypes = map[string]action.CompareType{
		"":      action.CompareEQ,
		"eq":    action.CompareEQ,
		"eq_gt": action.CompareEQGT,
	}
)

// ActionDef converts one configured action.
func (a ActionConfig) ActionDef() (action.ActionDef, error) {
	if a.ID <= 0 {
		return action.ActionDef{}, fmt.Errorf("action id %d must be positive", a.ID)
	}

	typ, err := action.ParseType(a.Type)
	if err != nil {
		return action.ActionDef{}, fmt.Errorf("action %d: %w", a.ID, err)
	}

	if strings.TrimSpace(a.Path) == "" {
		return action.ActionDef{}, fmt.Errorf("action %d: path must not be empty", a.ID)
	}

	if a.Timeout < 0 {
		return action.ActionDef{}, fmt.Errorf("action %d: timeout must not be negative", a.ID)
	}

	cond, err := a.Condition.condition()
	if err != nil {
		return action.ActionDef{}, fmt.Errorf("action %d: %w", a.ID, err)
	}

	return action.ActionDef{
		ID:         a.ID,
		Condition:  cond,
		Type:       typ,
		Path:       a.Path,
		WorkingDir: a.WorkingDir,
		Timeout:    a.Timeout,
	}, nil
}

func (c ConditionConfig) condition() (action.Condition, error) {
	var cond action.Condition

	if c.ServerID != nil {
		cond.Enable(action.CondServerID)
		cond.ServerID = *c.ServerID
	}

	if c.HostID != nil {
		cond.Enable(action.CondHostID)
		cond.HostID = *c.HostID
	}

	if c.HostGroupID != nil {
		cond.Enable(action.CondHostGroupID)
		cond.HostGroupID = *c.HostGroupID
	}

	if c.TriggerID != nil {
		cond.Enable(action.CondTriggerID)
		cond.TriggerID = *c.TriggerID
	}

	if c.TriggerStatus != "" {
		status, ok := triggerStatuses[strings.ToLower(c.TriggerStatus)]
		if !ok {
			return cond, fmt.Errorf("unknown trigger status %q", c.TriggerStatus)
		}

		cond.Enable(action.CondTriggerStatus)
		cond.TriggerStatus = status
	}

	cmp, ok := compareTypes[strings.ToLower(c.SeverityCompare)]
	if !ok {
		return cond, fmt.Errorf("unknown severity comparison %q", c.SeverityCompare)
	}

	if c.TriggerSeverity != "" {
		severity, ok := triggerSeverities[strings.ToLower(c.TriggerSeverity)]
		if !ok {
			return cond, fmt.Errorf("unknown trigger severity %q", c.TriggerSeverity)
		}

		cond.Enable(action.CondTriggerSeverity)
		cond.TriggerSeverity = severity
		cond.TriggerSeverityCompType = cmp
	}

	return cond, nil
}

// ActionDefs converts every configured action. Ids must be unique.
func (c FullConfig) ActionDefs() ([]action.ActionDef, error) {
	var errs []error

	defs := make([]action.ActionDef, 0, len(c.Actions))
	seen := make(map[int]struct{}, len(c.Actions))

	for _, a := range c.Actions {
		def, err := a.ActionDef()
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if _, dup := seen[def.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate action id %d", def.ID))

			continue
		}

		seen[def.ID] = struct{}{}
		defs = append(defs, def)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return defs, nil
}

// ActionTable is the set of loaded actions. It is safe for concurrent use and can be
// swapped as a whole while events are dispatched.
type ActionTable struct {
	mu   sync.RWMutex
	defs []action.ActionDef
}

// NewActionTable creates a table holding defs, sorted by id.
func NewActionTable(defs []action.ActionDef) *ActionTable {
	t := &ActionTable{}
	t.Replace(defs)

	return t
}

// Replace swaps the table contents.
func (t *ActionTable) Replace(defs []action.ActionDef) {
	sorted := slices.Clone(defs)
	slices.SortFunc(sorted, func(a, b action.ActionDef) int { return a.ID - b.ID })

	t.mu.Lock()
	t.defs = sorted
	t.mu.Unlock()
}

// Matching returns the actions whose condition ev satisfies, in id order.
func (t *ActionTable) Matching(ev action.EventInfo) []action.ActionDef {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []action.ActionDef

	for _, def := range t.defs {
		if def.Condition.Matches(ev) {
			out = append(out, def)
		}
	}

	return out
}

// Get returns the action with id.
func (t *ActionTable) Get(id int) (action.ActionDef, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i, ok := slices.BinarySearchFunc(t.defs, id, func(def action.ActionDef, id int) int { return def.ID - id })
	if !ok {
		return action.ActionDef{}, false
	}

	return t.defs[i], true
}

// Len returns the number of actions.
func (t *ActionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.defs)
}
