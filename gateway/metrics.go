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

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_gateway_requests_total",
			Help: "Total number of requests processed by the gateway",
		},
		[]string{"route", "status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_gateway_request_duration_milliseconds",
			Help:    "Request duration in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
		},
		[]string{"route"},
	)
	promPolicyEvaluations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_gateway_policy_evaluations_total",
			Help: "Total number of remote policy evaluations",
		},
	)
	promPolicyDenied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_gateway_policy_denied_total",
			Help: "Total number of requests denied by the policy engine",
		},
	)
	promConsentBlocked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_gateway_consent_blocked_total",
			Help: "Total number of requests blocked by the guardian consent gate",
		},
	)
	promOPAUnreachable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_gateway_opa_unreachable_total",
			Help: "Total number of policy evaluations that failed closed because the engine was unreachable",
		},
	)
	promPolicyLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulse_gateway_policy_latency_milliseconds",
			Help:    "Remote policy evaluation latency in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
		},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promPolicyEvaluations)
	prometheus.MustRegister(promPolicyDenied)
	prometheus.MustRegister(promConsentBlocked)
	prometheus.MustRegister(promOPAUnreachable)
	prometheus.MustRegister(promPolicyLatency)
}
