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

// Package collectors provides Prometheus collectors that read placement
// state at scrape time.
package collectors

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamgrid/placement/pkg/metrics"
	"github.com/streamgrid/placement/pkg/topology"
)

// NodeLister lists topology nodes. *topology.Topology satisfies it.
type NodeLister interface {
	Nodes() []topology.Node
}

// NodeSlotsCollector exports the available slots of every topology node.
// Slots go negative when the cost-optimal strategy overcommits a node.
type NodeSlotsCollector struct {
	nodes     NodeLister
	available *prometheus.Desc
	capacity  *prometheus.Desc
}

var _ prometheus.Collector = &NodeSlotsCollector{}

// NewNodeSlotsCollector creates a collector over nodes.
func NewNodeSlotsCollector(nodes NodeLister) *NodeSlotsCollector {
	prom := metrics.NewPrometheusMetrics(nil)
	return &NodeSlotsCollector{
		nodes: nodes,
		available: prom.NewDesc(
			"node_available_slots",
			"Operator slots still free on a topology node",
			[]string{metrics.LabelNode},
		),
		capacity: prom.NewDesc(
			"node_capacity_slots",
			"Operator slots a topology node was registered with",
			[]string{metrics.LabelNode},
		),
	}
}

// Describe implements prometheus.Collector.
func (c *NodeSlotsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.available
	ch <- c.capacity
}

// Collect implements prometheus.Collector.
func (c *NodeSlotsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, node := range c.nodes.Nodes() {
		id := strconv.FormatUint(uint64(node.ID), 10)
		ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, float64(node.AvailableSlots), id)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(node.Capacity), id)
	}
}
