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

package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// storeWorkflows tracks the number of workflows currently loaded
	storeWorkflows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cdktr_workflow_store_workflows",
			Help: "Number of workflow definitions currently loaded",
		},
	)

	// storeRefreshes tracks directory refresh outcomes
	storeRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdktr_workflow_store_refreshes_total",
			Help: "Total workflow directory refreshes by outcome",
		},
		[]string{"outcome"},
	)

	// storeParseFailures tracks files skipped during refresh
	storeParseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cdktr_workflow_store_parse_failures_total",
			Help: "Total workflow files skipped due to read or parse failures",
		},
	)
)

// recordRefresh increments the refresh counter
func recordRefresh(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	storeRefreshes.WithLabelValues(outcome).Inc()
}

// setWorkflowCount updates the loaded workflow gauge
func setWorkflowCount(n int) {
	storeWorkflows.Set(float64(n))
}

// recordParseFailures adds skipped file counts
func recordParseFailures(n int) {
	storeParseFailures.Add(float64(n))
}
