// Copyright 2025 Pulse Health
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

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_orchestrator_dispatch_total",
			Help: "Total number of tasks dispatched to downstream agents",
		},
		[]string{"agent", "status"},
	)
	promDSRJobsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_orchestrator_dsr_jobs_started_total",
			Help: "Total number of DSR erasure jobs started",
		},
	)
	promDSRJobsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_orchestrator_dsr_jobs_completed_total",
			Help: "Total number of DSR erasure jobs completed successfully",
		},
	)
	promDSRJobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_orchestrator_dsr_jobs_failed_total",
			Help: "Total number of DSR erasure jobs that reached the failed state",
		},
	)
)

func init() {
	prometheus.MustRegister(promDispatchTotal)
	prometheus.MustRegister(promDSRJobsStarted)
	prometheus.MustRegister(promDSRJobsCompleted)
	prometheus.MustRegister(promDSRJobsFailed)
}
