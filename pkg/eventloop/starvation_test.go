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

package eventloop_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/actioncore/pkg/eventloop"
)

var _ = Describe("StarvationChecker", func() {
	It("notices a loop that stops running heartbeats", func() {
		logger := zaptest.NewLogger(GinkgoT()).Sugar()
		loop := eventloop.New(logger)
		checker := eventloop.NewStarvationChecker(logger, loop, 100*time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- checker.Run(ctx) }()

		// nobody runs the loop, so the posted heartbeats pile up
		Eventually(checker.Check).Should(BeNumerically(">", 100*time.Millisecond))
		Expect(loop.Len()).To(BeNumerically(">", 0))

		before := checker.LastHeartbeat()
		loop.RunPending()
		Expect(checker.LastHeartbeat()).To(BeTemporally(">", before))
		Expect(checker.Check()).To(BeZero())

		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})
})
