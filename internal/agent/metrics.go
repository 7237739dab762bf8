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

package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tombee/cdktr/pkg/workflow"
)

var (
	// taskRuns tracks task executions by outcome
	taskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdktr_agent_task_runs_total",
			Help: "Total task executions by outcome",
		},
		[]string{"outcome"},
	)

	// instanceRuns tracks workflow instance runs by terminal status
	instanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdktr_agent_instance_runs_total",
			Help: "Total workflow instance runs by terminal status",
		},
		[]string{"status"},
	)

	// inflightInstances tracks workflow instances currently executing
	inflightInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cdktr_agent_inflight_instances",
			Help: "Workflow instances currently executing",
		},
	)
)

// recordTaskRun increments the task outcome counter
func recordTaskRun(outcome string) {
	taskRuns.WithLabelValues(outcome).Inc()
}

// recordInstanceRun increments the instance terminal status counter
func recordInstanceRun(status workflow.RunStatus) {
	instanceRuns.WithLabelValues(string(status)).Inc()
}

// setInflight updates the in-flight instance gauge
func setInflight(n int) {
	inflightInstances.Set(float64(n))
}
