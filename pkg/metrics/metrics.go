/*
Copyright 2023 The KCP Authors.

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

// Package metrics instruments placement requests and topology events.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// PlacementMetrics records the outcome of placement requests and topology
// change events.
type PlacementMetrics struct {
	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	operatorsPlaced *prometheus.CounterVec
	topologyEvents  *prometheus.CounterVec
}

// NewPlacementMetrics creates the placement metrics and registers them on
// registerer. A nil registerer leaves them unregistered.
func NewPlacementMetrics(registerer prometheus.Registerer) *PlacementMetrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	prom := NewPrometheusMetrics(registerer)

	m := &PlacementMetrics{
		requests: prom.NewCounterVec(
			"requests_total",
			"Total number of placement requests by strategy and result",
			[]string{LabelStrategy, LabelResult},
		),
		duration: prom.NewHistogramVec(
			"duration_seconds",
			"Time taken to place the operators of a request",
			[]string{LabelStrategy},
			LatencyBuckets,
		),
		operatorsPlaced: prom.NewCounterVec(
			"operators_placed_total",
			"Total number of operators assigned to a node",
			[]string{LabelStrategy},
		),
		topologyEvents: prom.NewCounterVec(
			"topology_events_total",
			"Total number of topology change events by outcome",
			[]string{LabelEvent, LabelOutcome},
		),
	}
	prom.MustRegister(m.requests, m.duration, m.operatorsPlaced, m.topologyEvents)

	klog.V(4).Info("Registered placement metrics")
	return m
}

// ObservePlacement records one placement request.
func (m *PlacementMetrics) ObservePlacement(strategy string, err error, duration time.Duration, operators int) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.requests.WithLabelValues(strategy, result).Inc()
	m.duration.WithLabelValues(strategy).Observe(duration.Seconds())
	if operators > 0 {
		m.operatorsPlaced.WithLabelValues(strategy).Add(float64(operators))
	}
}

// ObserveTopologyEvent records one topology change event.
func (m *PlacementMetrics) ObserveTopologyEvent(event, outcome string) {
	m.topologyEvents.WithLabelValues(event, outcome).Inc()
}
