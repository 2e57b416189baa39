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

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actioncore/pkg/action"
	"github.com/united-manufacturing-hub/actioncore/pkg/actioncore"
	"github.com/united-manufacturing-hub/actioncore/pkg/config"
	"github.com/united-manufacturing-hub/actioncore/pkg/constants"
	"github.com/united-manufacturing-hub/actioncore/pkg/env"
	"github.com/united-manufacturing-hub/actioncore/pkg/logger"
	"github.com/united-manufacturing-hub/actioncore/pkg/metrics"
	"github.com/united-manufacturing-hub/actioncore/pkg/sentry"
)

const (
	// maxEventLine bounds one JSON event read from stdin.
	maxEventLine = 1024 * 1024

	snapshotInterval = 30 * time.Second
)

func main() {
	// Initialize the global logger first thing
	logger.Initialize()
	defer func() { _ = logger.Sync() }()

	log := logger.For(logger.ComponentCore)
	log.Infof("Starting actioncore %s...", constants.AppVersion)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath, err := env.GetAsString("ACTIONCORE_CONFIG", false, constants.DefaultConfigPath)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to get ACTIONCORE_CONFIG: %w", err)
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config: %w", err)
		os.Exit(1)
	}

	sentry.InitSentry(cfg.Agent.SentryDSN, constants.AppVersion)

	if cfg.Agent.MetricsPort > 0 {
		server := metrics.SetupMetricsEndpoint(fmt.Sprintf(":%d", cfg.Agent.MetricsPort))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown metrics server: %w", err)
			}
		}()
	}

	core, err := actioncore.New(ctx, cfg, log)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create action core: %w", err)
		os.Exit(1)
	}

	if err := core.Start(ctx); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to start action core: %w", err)
		os.Exit(1)
	}

	go readEvents(ctx, os.Stdin, core, log)

	// Log the residents periodically
	go residentSnapshotLogger(ctx, core)

	<-ctx.Done()
	log.Info("Received shutdown signal")

	if err := core.Shutdown(); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Action core shutdown failed: %w", err)
	}

	log.Info("actioncore completed")
}

// readEvents dispatches one JSON encoded event per line until r is exhausted.
func readEvents(ctx context.Context, r io.Reader, core *actioncore.Core, log *zap.SugaredLogger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev action.EventInfo
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Warnf("Skipping malformed event: %s", err)

			continue
		}

		if err := core.Dispatch(ctx, ev); err != nil {
			log.Warnf("Event %d of server %d: %s", ev.ID, ev.ServerID, err)
		}
	}

	if err := scanner.Err(); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to read events: %w", err)
	}

	log.Info("Event input closed")
}

// residentSnapshotLogger logs every live resident once per snapshotInterval.
func residentSnapshotLogger(ctx context.Context, core *actioncore.Core) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	snapLogger := logger.For("SnapshotLogger")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			residents := core.Residents().Snapshot()
			snapLogger.Infof("=== %d resident(s), %d actor(s) pending ===", len(residents), core.Reaper().PendingCount())

			for _, r := range residents {
				snapLogger.Infof("  └─ action %d pid %d: %s | queued %d | in flight %t | rss %d KiB",
					r.ActionID, r.PID, r.State, r.Queued, r.InFlight, r.RSS/1024)
			}
		}
	}
}
