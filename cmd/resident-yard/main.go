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

// resident-yard is the worker process of a resident action. It connects to the channel
// address given as its only argument, loads the module announced by the core and runs it
// once per notified event.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/united-manufacturing-hub/actioncore/pkg/logger"
	"github.com/united-manufacturing-hub/actioncore/pkg/resident/transport"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <channel>\n", os.Args[0])
		os.Exit(2)
	}

	logger.Initialize()
	defer func() { _ = logger.Sync() }()

	log := logger.For(logger.ComponentYard)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := transport.Dial(ctx, os.Args[1])
	if err != nil {
		log.Errorf("Failed to connect: %s", err)
		os.Exit(1)
	}
	defer conn.Close()

	y := newYard(log, conn)

	if err := y.handshake(); err != nil {
		log.Errorf("Handshake failed: %s", err)
		os.Exit(1)
	}

	if err := y.serve(ctx); err != nil {
		log.Errorf("Resident yard stopped: %s", err)
		os.Exit(1)
	}
}
