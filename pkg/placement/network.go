/*
Copyright 2024 The KCP Authors.

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

package placement

import (
	"slices"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/streamgrid/placement/pkg/execution"
	"github.com/streamgrid/placement/pkg/failure"
	"github.com/streamgrid/placement/pkg/plan"
	"github.com/streamgrid/placement/pkg/topology"
)

// connect materializes every edge of the request. Edges within one node
// share a sub-plan; edges across nodes get a network sink and source pair
// per topology hop, with forwarding sub-plans on intermediate nodes.
func (t *Transaction) connect() error {
	for _, edge := range t.edges {
		from, ok := t.Location(edge.Upstream)
		if !ok {
			return failure.New(failure.ReasonInvalidRequest, "upstream operator %d of edge %s is not placed", edge.Upstream, edge)
		}
		to, ok := t.Location(edge.Downstream)
		if !ok {
			return failure.New(failure.ReasonInvalidRequest, "downstream operator %d of edge %s is not placed", edge.Downstream, edge)
		}

		if from == to {
			t.joinOnNode(from, edge)
			continue
		}

		path, err := t.env.Topology.FindNodesBetween(from, to)
		if err != nil {
			return failure.Wrap(failure.ReasonTopologyPathNotFound, err, "routing edge %s from node %d to node %d", edge, from, to)
		}
		if err := t.buildChain(edge, path); err != nil {
			return err
		}
	}
	return nil
}

// joinOnNode merges the sub-plans of two operators placed on the same node.
func (t *Transaction) joinOnNode(node topology.NodeID, edge plan.Edge) {
	_, upstream, ok := t.env.ExecutionPlan.LocateOperator(t.sqp.ID, edge.Upstream)
	if !ok {
		return
	}
	_, downstream, ok := t.env.ExecutionPlan.LocateOperator(t.sqp.ID, edge.Downstream)
	if !ok || upstream == downstream {
		return
	}

	target, other := upstream, downstream
	if other.ID < target.ID {
		target, other = other, target
	}
	target.Merge(other)
	t.env.ExecutionPlan.RemoveSubPlan(node, other)
}

func (t *Transaction) buildChain(edge plan.Edge, path []topology.NodeID) error {
	_, upstream, ok := t.env.ExecutionPlan.LocateOperator(t.sqp.ID, edge.Upstream)
	if !ok {
		return failure.New(failure.ReasonInvalidRequest, "operator %d is missing from the execution plan", edge.Upstream)
	}
	_, downstream, ok := t.env.ExecutionPlan.LocateOperator(t.sqp.ID, edge.Downstream)
	if !ok {
		return failure.New(failure.ReasonInvalidRequest, "operator %d is missing from the execution plan", edge.Downstream)
	}

	hops := len(path) - 1
	sinkIDs := make([]plan.OperatorID, hops)
	sourceIDs := make([]plan.OperatorID, hops)
	partitions := make([]uint64, hops)
	for i := 0; i < hops; i++ {
		sinkIDs[i] = t.env.ExecutionPlan.NextSystemOperatorID()
		sourceIDs[i] = t.env.ExecutionPlan.NextSystemOperatorID()
		partitions[i] = t.env.ExecutionPlan.NextPartition()
	}

	current := upstream
	input := edge.Upstream
	for i := 0; i < hops; i++ {
		from, to := path[i], path[i+1]

		sink := &plan.Operator{
			ID:         sinkIDs[i],
			Kind:       plan.KindNetworkSink,
			Children:   []plan.OperatorID{input},
			PinnedNode: &from,
			State:      plan.StatePlaced,
			Network: &plan.NetworkDescriptor{
				Partition:    partitions[i],
				PeerNode:     to,
				PeerOperator: sourceIDs[i],
				Edge:         edge,
			},
		}
		current.Add(sink)

		source := &plan.Operator{
			ID:         sourceIDs[i],
			Kind:       plan.KindNetworkSource,
			PinnedNode: &to,
			State:      plan.StatePlaced,
			Network: &plan.NetworkDescriptor{
				Partition:    partitions[i],
				PeerNode:     from,
				PeerOperator: sinkIDs[i],
				Edge:         edge,
			},
		}
		if i == hops-1 {
			downstream.ReplaceChild(edge.Downstream, edge.Upstream, source.ID)
			downstream.Add(source)
			break
		}

		forward := t.env.ExecutionPlan.NewSubPlan(t.sqp.ID)
		forward.Add(source)
		t.env.ExecutionPlan.AddSubPlan(to, forward)
		current = forward
		input = source.ID
	}

	t.result.NetworkOperators += 2 * hops
	t.logger.V(4).Info("Inserted network boundary", "edge", edge.String(), "path", path)
	return nil
}

// removeNetworkBoundaries drops the network operators bridging the given
// edges and rewires the downstream operators to their logical inputs.
func (t *Transaction) removeNetworkBoundaries(edges sets.Set[plan.Edge]) {
	if edges.Len() == 0 {
		return
	}

	removed := 0
	for _, nodeID := range t.env.ExecutionPlan.ExecutionNodeIDs() {
		en, ok := t.env.ExecutionPlan.ExecutionNodeByNodeID(nodeID)
		if !ok {
			continue
		}
		for _, sp := range en.QuerySubPlans(t.sqp.ID) {
			removed += removeBoundariesFrom(sp, edges)
			if sp.Len() == 0 {
				t.env.ExecutionPlan.RemoveSubPlan(nodeID, sp)
			}
		}
	}
	if removed > 0 {
		t.logger.V(4).Info("Removed network boundaries", "operators", removed)
	}
}

func removeBoundariesFrom(sp *execution.SubPlan, edges sets.Set[plan.Edge]) int {
	removed := 0
	for _, op := range sp.Operators() {
		if op.Network == nil || !edges.Has(op.Network.Edge) {
			continue
		}
		if op.Kind == plan.KindNetworkSource {
			for _, consumer := range slices.Clone(op.Parents) {
				sp.ReplaceChild(consumer, op.ID, op.Network.Edge.Upstream)
			}
		}
		sp.Remove(op.ID)
		removed++
	}
	return removed
}
