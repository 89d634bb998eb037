/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics registers the control plane's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gpufleet"

var (
	ProvisioningDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "provisioning",
		Name:      "duration_seconds",
		Help:      "Time from provision command receipt to the booting transition.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"provider", "result"})

	ProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "probe_results_total",
		Help:      "Health probe step outcomes.",
	}, []string{"step", "result"})

	RoutingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "routing",
		Name:      "requests_total",
		Help:      "Routing decisions per model, counted once per request attempt.",
	}, []string{"model", "outcome"})

	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Proxied inference requests per model and outcome.",
	}, []string{"model", "outcome"})

	ProxyTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "tokens_total",
		Help:      "Token usage parsed from proxied responses.",
	}, []string{"model", "kind"})

	ReconciliationSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciliation",
		Name:      "sweeps_total",
		Help:      "Reconciliation sweep outcomes.",
	}, []string{"result"})
)
