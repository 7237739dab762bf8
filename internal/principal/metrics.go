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

package principal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// controlRequests tracks control requests by method and outcome
	controlRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdktr_control_requests_total",
			Help: "Total control requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)
)

// recordRequest counts one control request outcome.
func recordRequest(method, outcome string) {
	controlRequests.WithLabelValues(method, outcome).Inc()
}
