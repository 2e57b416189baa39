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

package sentry

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
	IssueTypeFatal   IssueType = "fatal"
)

// debounceWindow is how long an identical error/warning title is suppressed after being sent.
const debounceWindow = 2 * time.Hour

var (
	shouldDebounce = true
	recentlySent   = expiremap.NewEx[string, time.Time](time.Minute, debounceWindow)
)

// EnableTestMode disables debouncing for testing.
func EnableTestMode() {
	shouldDebounce = false
}

// DisableTestMode restores normal debouncing behavior.
func DisableTestMode() {
	shouldDebounce = true
}

func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports an issue with additional context data that will be included in Sentry.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	switch issueType {
	case IssueTypeFatal:
		log.Errorf("Fatal error: %s", err)
		log.Errorf("Stack trace: %s", string(debug.Stack()))
		sendSentryEvent(createSentryEvent(sentry.LevelFatal, err, context))
		sentry.Flush(5 * time.Second)
		log.Panic("Fatal error")
	case IssueTypeError:
		log.Error(err)

		if debounced(err) {
			return
		}

		sendSentryEvent(createSentryEvent(sentry.LevelError, err, context))
	case IssueTypeWarning:
		log.Warn(err)

		if debounced(err) {
			return
		}

		sendSentryEvent(createSentryEvent(sentry.LevelWarning, err, context))
	}
}

// ReportComponentError reports an error of one of the core components (reaper, resident, ...).
func ReportComponentError(log *zap.SugaredLogger, component string, operation string, err error) {
	ReportIssueWithContext(err, IssueTypeError, log, map[string]interface{}{
		"component": component,
		"operation": operation,
	})
}

// debounced reports whether an issue with the same title was sent within debounceWindow,
// and marks the title as sent otherwise.
func debounced(err error) bool {
	if !shouldDebounce {
		return false
	}

	title := getMeaningfulErrorTitle(err)
	if _, seen := recentlySent.Load(title); seen {
		return true
	}

	recentlySent.Set(title, time.Now())

	return false
}
