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

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/united-manufacturing-hub/actioncore/pkg/logger"
	"github.com/united-manufacturing-hub/actioncore/pkg/sentry"
)

const (
	// Component Labels.
	ComponentReaper     = "reaper"
	ComponentSpawner    = "spawner"
	ComponentResident   = "resident"
	ComponentDispatcher = "dispatcher"
	ComponentActionLog  = "action_log"
	ComponentOutput     = "actor_output"
	ComponentTransport  = "transport"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "actioncore"
	subsystem = "core"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	spawnCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "spawns_total",
			Help:      "Total number of actor spawn attempts by action type and result",
		},
		[]string{"type", "result"},
	)

	collectedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "collected_actors_total",
			Help:      "Total number of actor exits collected by the reaper, by exit kind",
		},
		[]string{"kind"},
	)

	reaperPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reaper_pending_actors",
			Help:      "Number of actors registered with the reaper and not yet collected",
		},
	)

	liveResidents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resident_workers",
			Help:      "Number of running resident workers",
		},
	)

	notificationCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resident_notifications_total",
			Help:      "Total number of resident notifications by result (queued, sent, succeeded, failed)",
		},
		[]string{"result"},
	)

	residentCloseCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resident_closes_total",
			Help:      "Total number of closed residents by reason",
		},
		[]string{"reason"},
	)

	notifyLatency = promauto.NewSummary(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resident_notify_duration_milliseconds",
			Help:      "Time between sending NOTIFY_EVENT and receiving its ACK (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.99: 0.01,
			},
		},
	)

	loopStarvation = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "event_loop_starvation_seconds_total",
			Help:      "Total seconds the event loop failed to run a heartbeat in time",
		},
	)

	dispatchedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatched_events_total",
			Help:      "Total number of events seen by the dispatcher by outcome (matched, unmatched, duplicate)",
		},
		[]string{"outcome"},
	)
)

// SetupMetricsEndpoint starts an HTTP server to expose metrics
// This should be called once at application startup.
func SetupMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeError, logger.For(logger.ComponentMetrics))
		}
	}()

	return server
}

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// InitErrorCounter initializes the error counter for a component.
func InitErrorCounter(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Add(0)
}

// RecordSpawn counts a spawn attempt. result is "ok" or "failed".
func RecordSpawn(actionType string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}

	spawnCounter.WithLabelValues(actionType, result).Inc()
}

// RecordCollected counts an exit collected by the reaper.
func RecordCollected(kind string) {
	collectedCounter.WithLabelValues(kind).Inc()
}

// SetReaperPending publishes the number of tracked actors.
func SetReaperPending(n int) {
	reaperPending.Set(float64(n))
}

// SetLiveResidents publishes the number of running resident workers.
func SetLiveResidents(n int) {
	liveResidents.Set(float64(n))
}

// RecordNotification counts a resident notification transition.
func RecordNotification(result string) {
	notificationCounter.WithLabelValues(result).Inc()
}

// RecordResidentClose counts a closed resident.
func RecordResidentClose(reason string) {
	residentCloseCounter.WithLabelValues(reason).Inc()
}

// ObserveNotifyLatency records the round trip of one notification.
func ObserveNotifyLatency(d time.Duration) {
	notifyLatency.Observe(float64(d.Milliseconds()))
}

// RecordDispatched counts one dispatched event.
func RecordDispatched(outcome string) {
	dispatchedCounter.WithLabelValues(outcome).Inc()
}

// AddLoopStarvation adds seconds of detected event loop starvation.
func AddLoopStarvation(seconds float64) {
	loopStarvation.Add(seconds)
}
