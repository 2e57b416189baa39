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

// Package dispatcher routes monitoring events to the actions whose condition they match.
package dispatcher

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actioncore/pkg/action"
	"github.com/united-manufacturing-hub/actioncore/pkg/action/argv"
	"github.com/united-manufacturing-hub/actioncore/pkg/actor/reaper"
	"github.com/united-manufacturing-hub/actioncore/pkg/actor/spawner"
	"github.com/united-manufacturing-hub/actioncore/pkg/constants"
	"github.com/united-manufacturing-hub/actioncore/pkg/metrics"
)

// ErrEmptyCommand is returned for a command action whose path yields no argv.
var ErrEmptyCommand = errors.New("command action has an empty command line")

// Dispatch outcomes, used as metric labels.
const (
	outcomeCommand   = "command"
	outcomeResident  = "resident"
	outcomeFailed    = "failed"
	outcomeDuplicate = "duplicate"
	outcomeUnmatched = "unmatched"
)

// ActionLister finds the actions an event triggers.
type ActionLister interface {
	Matching(ev action.EventInfo) []action.ActionDef
}

// CommandSpawner runs command actions.
type CommandSpawner interface {
	Spawn(ctx context.Context, def action.ActionDef, argv []string, opts ...spawner.Option) (*reaper.ActorInfo, error)
}

// ResidentNotifier delivers events to resident actions.
type ResidentNotifier interface {
	Notify(ctx context.Context, def action.ActionDef, ev action.EventInfo) error
}

// Dispatcher executes every action matching an event.
type Dispatcher struct {
	logger    *zap.SugaredLogger
	actions   ActionLister
	spawner   CommandSpawner
	residents ResidentNotifier

	// dedupMu makes the lookup and insert of a dedup key atomic.
	dedupMu sync.Mutex
	// dedup is nil when duplicate suppression is disabled.
	dedup *expiremap.ExpireMap[uint64, time.Time]
}

// New creates a Dispatcher. Events seen again within dedupTTL are dropped; a dedupTTL
// of 0 disables the suppression.
func New(logger *zap.SugaredLogger, actions ActionLister, sp CommandSpawner, residents ResidentNotifier, dedupTTL time.Duration) *Dispatcher {
	if logger == nil {
		panic("logger cannot be nil - Dispatcher requires a valid logger")
	}

	d := &Dispatcher{
		logger:    logger,
		actions:   actions,
		spawner:   sp,
		residents: residents,
	}

	if dedupTTL > 0 {
		cull := constants.DedupCullInterval
		if dedupTTL < cull {
			cull = dedupTTL
		}

		d.dedup = expiremap.NewEx[uint64, time.Time](cull, dedupTTL)
	}

	return d
}

// Dispatch runs every action matching ev. A failing action does not keep the others
// from running; all failures are joined into the returned error.
func (d *Dispatcher) Dispatch(ctx context.Context, ev action.EventInfo) error {
	if d.isDuplicate(ev) {
		metrics.RecordDispatched(outcomeDuplicate)
		d.logger.Debugf("Dropping duplicate event %d of server %d", ev.ID, ev.ServerID)

		return nil
	}

	defs := d.actions.Matching(ev)
	if len(defs) == 0 {
		metrics.RecordDispatched(outcomeUnmatched)

		return nil
	}

	var errs []error

	routed := 0

	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)

			break
		}

		if err := d.run(ctx, def, ev); err != nil {
			metrics.RecordDispatched(outcomeFailed)
			d.logger.Warnf("Action %d failed for event %d: %s", def.ID, ev.ID, err)
			errs = append(errs, fmt.Errorf("action %d: %w", def.ID, err))

			continue
		}

		routed++
	}

	// Nothing ran, so a retry of the same event must not be taken for a replay.
	if routed == 0 {
		d.forget(ev)
	}

	return errors.Join(errs...)
}

// DispatchAll dispatches evs in order.
func (d *Dispatcher) DispatchAll(ctx context.Context, evs []action.EventInfo) error {
	var errs []error

	for _, ev := range evs {
		if err := d.Dispatch(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (d *Dispatcher) run(ctx context.Context, def action.ActionDef, ev action.EventInfo) error {
	switch def.Type {
	case action.TypeCommand:
		args := argv.Split(def.Path)
		if len(args) == 0 {
			return ErrEmptyCommand
		}

		if _, err := d.spawner.Spawn(ctx, def, args); err != nil {
			return err
		}

		metrics.RecordDispatched(outcomeCommand)

		return nil
	case action.TypeResident:
		if err := d.residents.Notify(ctx, def, ev); err != nil {
			return err
		}

		metrics.RecordDispatched(outcomeResident)

		return nil
	default:
		return fmt.Errorf("unknown action type %d", def.Type)
	}
}

func (d *Dispatcher) isDuplicate(ev action.EventInfo) bool {
	if d.dedup == nil {
		return false
	}

	key := dedupKey(ev)

	d.dedupMu.Lock()
	defer d.dedupMu.Unlock()

	if _, seen := d.dedup.Load(key); seen {
		return true
	}

	d.dedup.Set(key, time.Now())

	return false
}

// forget drops the suppression entry of ev.
func (d *Dispatcher) forget(ev action.EventInfo) {
	if d.dedup == nil {
		return
	}

	d.dedupMu.Lock()
	defer d.dedupMu.Unlock()

	d.dedup.Delete(dedupKey(ev))
}

// dedupKey identifies an event by its server and event id.
func dedupKey(ev action.EventInfo) uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], ev.ServerID)
	binary.LittleEndian.PutUint64(buf[4:12], ev.ID)

	return xxhash.Sum64(buf[:])
}
