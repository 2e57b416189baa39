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

// Package actioncore wires the action execution components into one process-scoped Core.
//
// A Core is created with New, started once with Start, may be Reset any number of times
// and is stopped with Shutdown. Every component is owned by the Core; nothing is global.
package actioncore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/actioncore/pkg/action"
	"github.com/united-manufacturing-hub/actioncore/pkg/action/actionlog"
	"github.com/united-manufacturing-hub/actioncore/pkg/action/dispatcher"
	"github.com/united-manufacturing-hub/actioncore/pkg/actor/output"
	"github.com/united-manufacturing-hub/actioncore/pkg/actor/reaper"
	"github.com/united-manufacturing-hub/actioncore/pkg/actor/spawner"
	"github.com/united-manufacturing-hub/actioncore/pkg/config"
	"github.com/united-manufacturing-hub/actioncore/pkg/eventloop"
	"github.com/united-manufacturing-hub/actioncore/pkg/logger"
	"github.com/united-manufacturing-hub/actioncore/pkg/metrics"
	"github.com/united-manufacturing-hub/actioncore/pkg/resident"
	"github.com/united-manufacturing-hub/actioncore/pkg/resident/transport"
	"github.com/united-manufacturing-hub/actioncore/pkg/sentry"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("core already started")
	// ErrNotStarted is returned by operations that need a running core.
	ErrNotStarted = errors.New("core not started")
)

// Core is the action execution context of one server process.
type Core struct {
	id     uuid.UUID
	cfg    config.FullConfig
	logger *zap.SugaredLogger

	store      actionlog.Store
	source     reaper.ChildExitSource
	loop       *eventloop.Loop
	starvation *eventloop.StarvationChecker
	reaper     *reaper.Reaper
	output     *output.Manager
	spawner    *spawner.Spawner
	transport  transport.Transport
	residents  *resident.Manager
	actions    *config.ActionTable
	dispatcher *dispatcher.Dispatcher
	socketDir  string

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Option replaces a collaborator of the Core, mostly for tests.
type Option func(*options)

type options struct {
	store     actionlog.Store
	source    reaper.ChildExitSource
	starter   spawner.Starter
	transport TransportFactory
}

// TransportFactory builds the resident transport for a socket directory. Frame callbacks
// must be posted to loop.
type TransportFactory func(dir string, loop eventloop.Poster) transport.Transport

// WithStore uses store for action log records instead of the configured one.
func WithStore(store actionlog.Store) Option {
	return func(o *options) { o.store = store }
}

// WithChildExitSource replaces the SIGCHLD driven wait.
func WithChildExitSource(source reaper.ChildExitSource) Option {
	return func(o *options) { o.source = source }
}

// WithStarter replaces the process-start primitive.
func WithStarter(starter spawner.Starter) Option {
	return func(o *options) { o.starter = starter }
}

// WithTransport replaces the unix socket transport of residents.
func WithTransport(factory TransportFactory) Option {
	return func(o *options) { o.transport = factory }
}

// New validates cfg and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg config.FullConfig, log *zap.SugaredLogger, opts ...Option) (*Core, error) {
	if log == nil {
		panic("logger cannot be nil - Core requires a valid logger")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	defs, err := cfg.ActionDefs()
	if err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Core{
		id:     uuid.New(),
		cfg:    cfg.Clone(),
		logger: log,
	}

	// Two cores on one host never share a socket directory.
	c.socketDir = filepath.Join(cfg.Resident.SocketDir, c.id.String())

	c.store = o.store
	if c.store == nil {
		if c.store, err = openStore(ctx, cfg.ActionLog); err != nil {
			return nil, err
		}
	}

	c.source = o.source
	if c.source == nil {
		c.source = reaper.NewWaitSource()
	}

	c.loop = eventloop.New(log.Named(logger.ComponentEventLoop))
	c.starvation = eventloop.NewStarvationChecker(log.Named(logger.ComponentEventLoop), c.loop, eventloop.DefaultStarvationThreshold)
	c.reaper = reaper.New(log.Named(logger.ComponentReaper), c.source, c.store, c.loop)
	c.output = output.NewManager(log.Named(logger.ComponentOutput), cfg.Output.Directory, cfg.Output.MaxSize)

	starter := o.starter
	if starter == nil {
		starter = spawner.NewExecStarter(log.Named(logger.ComponentSpawner), c.output)
	}

	c.spawner = spawner.New(log.Named(logger.ComponentSpawner), c.reaper, c.store, starter)

	if o.transport != nil {
		c.transport = o.transport(c.socketDir, c.loop)
	} else {
		c.transport = transport.NewUnixTransport(log.Named(logger.ComponentTransport), c.socketDir, c.loop)
	}

	c.residents = resident.NewManager(log.Named(logger.ComponentResident), c.store, c.spawner, c.reaper, c.transport, c.loop, cfg.Resident.YardPath)
	c.actions = config.NewActionTable(defs)
	c.dispatcher = dispatcher.New(log.Named(logger.ComponentDispatcher), c.actions, c.spawner, c.residents, cfg.Agent.DedupTTL)

	log.Infow("Action core created",
		"id", c.id.String(),
		"actions", len(defs),
		"socketDir", c.socketDir)

	return c, nil
}

func openStore(ctx context.Context, cfg config.ActionLogConfig) (actionlog.Store, error) {
	if cfg.Memory {
		return actionlog.NewMemoryStore(), nil
	}

	store, err := actionlog.NewSQLiteStore(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open action log %s: %w", cfg.SQLitePath, err)
	}

	return store, nil
}

// Start runs the reaper, the event loop, its starvation check and the output rotation in
// the background.
// They stop when ctx is done or on Shutdown; Wait returns their first error.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return reaper.ErrShutdown
	}

	if c.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error { return c.reaper.Run(groupCtx) })
	group.Go(func() error { return c.loop.Run(groupCtx) })
	group.Go(func() error { return c.starvation.Run(groupCtx) })
	group.Go(func() error { return c.rotate(groupCtx) })

	c.started = true
	c.cancel = cancel
	c.group = group

	c.logger.Infof("Action core %s started", c.id)

	return nil
}

// Wait blocks until the background goroutines have stopped.
func (c *Core) Wait() error {
	c.mu.Lock()
	group := c.group
	c.mu.Unlock()

	if group == nil {
		return ErrNotStarted
	}

	return group.Wait()
}

func (c *Core) rotate(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Output.RotateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.output.CheckAndRotate(ctx); err != nil {
				metrics.IncErrorCount(metrics.ComponentOutput, "rotate")
				sentry.ReportIssuef(sentry.IssueTypeWarning, c.logger, "output rotation failed: %w", err)
			}
		}
	}
}

// Dispatch routes ev to every matching action.
func (c *Core) Dispatch(ctx context.Context, ev action.EventInfo) error {
	return c.dispatcher.Dispatch(ctx, ev)
}

// Reset closes every resident and kills every tracked actor, then waits for the reaper to
// acknowledge. The core keeps running afterwards.
func (c *Core) Reset(ctx context.Context) error {
	c.mu.Lock()
	started := c.started && !c.stopped
	c.mu.Unlock()

	if !started {
		return ErrNotStarted
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Reaper.ResetTimeout)
	defer cancel()

	if err := c.residents.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset residents: %w", err)
	}

	if err := c.reaper.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset reaper: %w", err)
	}

	c.logger.Infof("Action core %s reset", c.id)

	return nil
}

// Shutdown stops every component and releases the action log and the socket directory.
// It waits for the background goroutines when the core was started.
func (c *Core) Shutdown() error {
	c.mu.Lock()

	if c.stopped {
		c.mu.Unlock()

		return nil
	}

	c.stopped = true
	cancel := c.cancel
	group := c.group
	c.mu.Unlock()

	c.residents.Shutdown()
	c.reaper.Shutdown()

	var errs []error

	if group != nil {
		cancel()

		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}

	if ws, ok := c.source.(*reaper.WaitSource); ok {
		ws.Close()
	}

	c.output.CloseAll()

	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close action log: %w", err))
	}

	if err := os.RemoveAll(c.socketDir); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove socket directory: %w", err))
	}

	c.logger.Infof("Action core %s shut down", c.id)

	return errors.Join(errs...)
}

// ID returns the instance id of the core.
func (c *Core) ID() uuid.UUID {
	return c.id
}

func (c *Core) Config() config.FullConfig {
	return c.cfg.Clone()
}

func (c *Core) Store() actionlog.Store {
	return c.store
}

func (c *Core) Reaper() *reaper.Reaper {
	return c.reaper
}

func (c *Core) Residents() *resident.Manager {
	return c.residents
}

func (c *Core) Actions() *config.ActionTable {
	return c.actions
}

// SocketDir returns the directory holding the resident channel sockets of this core.
func (c *Core) SocketDir() string {
	return c.socketDir
}
