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

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// schedulerFires tracks cron fires by outcome
	schedulerFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdktr_scheduler_fires_total",
			Help: "Total cron fires by outcome (enqueued or dropped)",
		},
		[]string{"outcome"},
	)

	// schedulerWorkflows tracks the number of scheduled workflows
	schedulerWorkflows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cdktr_scheduler_workflows",
			Help: "Number of workflows with an active cron schedule",
		},
	)
)

// recordFire increments the fire counter
func recordFire(outcome string) {
	schedulerFires.WithLabelValues(outcome).Inc()
}

// setScheduledCount updates the scheduled workflow gauge
func setScheduledCount(n int) {
	schedulerWorkflows.Set(float64(n))
}
