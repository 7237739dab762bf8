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

package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// registryAgents tracks the number of live agents
	registryAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cdktr_registry_agents",
			Help: "Number of currently registered agents",
		},
	)

	// registryReclaims tracks instances reclaimed from lost agents
	registryReclaims = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cdktr_registry_reclaimed_instances_total",
			Help: "Total workflow instances marked CRASHED after agent loss",
		},
	)
)

// setAgentCount updates the live agent gauge
func setAgentCount(n int) {
	registryAgents.Set(float64(n))
}

// recordReclaim increments the reclaimed instance counter
func recordReclaim() {
	registryReclaims.Inc()
}
