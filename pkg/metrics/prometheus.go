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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names follow Prometheus conventions with a placement_ prefix.
const (
	MetricNamespace = "placement"
)

// Label names used across placement metrics.
const (
	LabelStrategy = "strategy"
	LabelResult   = "result"
	LabelEvent    = "event"
	LabelOutcome  = "outcome"
	LabelNode     = "node"
)

// Label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"

	EventLinkAdded   = "link_added"
	EventLinkRemoved = "link_removed"
	EventNodeAdded   = "node_added"
	EventNodeRemoved = "node_removed"

	OutcomeNoOp     = "noop"
	OutcomeReplaced = "replaced"
	OutcomeFailed   = "failed"
	OutcomeRefused  = "refused"
)

// PrometheusMetrics creates metrics with consistent naming and registers
// them on a registerer.
type PrometheusMetrics struct {
	registerer prometheus.Registerer
}

// NewPrometheusMetrics creates a new PrometheusMetrics helper.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	return &PrometheusMetrics{registerer: registerer}
}

// NewCounterVec creates a new Prometheus CounterVec.
func (p *PrometheusMetrics) NewCounterVec(name, help string, labelNames []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricNamespace,
		Name:      name,
		Help:      help,
	}, labelNames)
}

// NewHistogramVec creates a new Prometheus HistogramVec.
func (p *PrometheusMetrics) NewHistogramVec(name, help string, labelNames []string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricNamespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labelNames)
}

// NewDesc creates a descriptor for metrics computed at scrape time.
func (p *PrometheusMetrics) NewDesc(name, help string, labelNames []string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(MetricNamespace, "", name), help, labelNames, nil)
}

// MustRegister registers the provided collectors and panics on conflicts.
func (p *PrometheusMetrics) MustRegister(collectors ...prometheus.Collector) {
	p.registerer.MustRegister(collectors...)
}

// Register registers the provided collector.
func (p *PrometheusMetrics) Register(collector prometheus.Collector) error {
	return p.registerer.Register(collector)
}

var (
	// LatencyBuckets covers placement latencies from sub-millisecond greedy
	// runs to solver calls hitting their timeout (in seconds).
	LatencyBuckets = []float64{
		0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
	}
)
