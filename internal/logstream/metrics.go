// Copyright 2025 Tom Barlow
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

package logstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// publisherFrames tracks frames leaving the agent-side buffer
	publisherFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdktr_log_publisher_frames_total",
			Help: "Total frames handled by the log publisher by outcome",
		},
		[]string{"outcome"},
	)

	// publisherConnects tracks ingest connections established
	publisherConnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cdktr_log_publisher_connects_total",
			Help: "Total connections the log publisher made to the ingest endpoint",
		},
	)

	// managerIngestFrames tracks frames arriving at the ingest endpoint
	managerIngestFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdktr_log_manager_ingest_frames_total",
			Help: "Total frames received on the ingest endpoint by outcome",
		},
		[]string{"outcome"},
	)

	// managerSubscribers tracks live fan-out connections
	managerSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cdktr_log_manager_subscribers",
			Help: "Number of currently connected log subscribers",
		},
	)

	// persisterFlushes tracks bulk insert rounds
	persisterFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdktr_log_persister_flushes_total",
			Help: "Total persister flushes by outcome",
		},
		[]string{"outcome"},
	)

	// persisterDroppedFrames tracks frames lost to the buffer ceiling
	persisterDroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cdktr_log_persister_dropped_frames_total",
			Help: "Total frames dropped by the persister buffer ceiling",
		},
	)
)

// recordPublish increments the publisher frame counter
func recordPublish(outcome string) {
	publisherFrames.WithLabelValues(outcome).Inc()
}

// recordConnect increments the publisher connection counter
func recordConnect() {
	publisherConnects.Inc()
}

// recordIngest increments the ingest frame counter
func recordIngest(outcome string) {
	managerIngestFrames.WithLabelValues(outcome).Inc()
}

// setSubscribers sets the live subscriber gauge
func setSubscribers(n int) {
	managerSubscribers.Set(float64(n))
}

// recordFlush increments the flush counter
func recordFlush(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	persisterFlushes.WithLabelValues(outcome).Inc()
}

// recordPersistDrops counts frames lost to the buffer ceiling
func recordPersistDrops(n int) {
	persisterDroppedFrames.Add(float64(n))
}
