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

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queueDepth tracks items waiting in the run queue
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cdktr_queue_depth",
			Help: "Number of workflow instances waiting in the run queue",
		},
	)

	// queueRejections tracks enqueues refused at capacity
	queueRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cdktr_queue_rejections_total",
			Help: "Total enqueues rejected because the queue was full",
		},
	)
)

// setDepth updates the queue depth gauge
func setDepth(n int) {
	queueDepth.Set(float64(n))
}

// recordRejection increments the full-queue rejection counter
func recordRejection() {
	queueRejections.Inc()
}
