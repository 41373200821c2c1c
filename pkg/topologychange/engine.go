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

// Package topologychange repairs placements after topology changes. For a
// removed link or node it finds the logical edges whose network boundaries
// cross the change, marks the operators between the two ends of those edges
// for re-placement and runs a placement strategy on exactly that region.
package topologychange

import (
	"context"
	"slices"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/streamgrid/placement/pkg/execution"
	"github.com/streamgrid/placement/pkg/failure"
	"github.com/streamgrid/placement/pkg/placement"
	"github.com/streamgrid/placement/pkg/plan"
	"github.com/streamgrid/placement/pkg/topology"
)

// Outcome is the result of re-placing one shared query.
type Outcome struct {
	Request placement.Request
	Result  *placement.Result
	Err     error
}

// Engine reacts to topology changes.
type Engine struct {
	env      placement.Environment
	strategy placement.Strategy
}

// New returns an engine re-placing operators with strategy.
func New(env placement.Environment, strategy placement.Strategy) *Engine {
	return &Engine{env: env, strategy: strategy}
}

// OnTopologyLinkAdded adds a link. Running operators are never moved onto
// new links.
func (e *Engine) OnTopologyLinkAdded(ctx context.Context, child, parent topology.NodeID, bandwidth float64) error {
	if err := e.env.Topology.AddLink(child, parent, bandwidth); err != nil {
		return err
	}
	klog.FromContext(ctx).V(2).Info("Added topology link", "child", child, "parent", parent, "bandwidth", bandwidth)
	return nil
}

// OnTopologyLinkRemoved removes the link from upstream to downstream and
// re-places every shared query with a network boundary across it. The
// returned error combines the errors of all outcomes.
func (e *Engine) OnTopologyLinkRemoved(ctx context.Context, upstream, downstream topology.NodeID) ([]Outcome, error) {
	logger := klog.FromContext(ctx).WithValues("upstream", upstream, "downstream", downstream)

	if err := e.env.Topology.RemoveLink(upstream, downstream); err != nil {
		return nil, err
	}

	requests := e.LinkRemovalRequests(upstream, downstream)
	if len(requests) == 0 {
		logger.V(2).Info("Removed link carries no placed operators")
		return nil, nil
	}
	for i := range requests {
		e.refineDownstream(&requests[i])
	}

	logger.Info("Re-placing shared queries after link removal", "sharedQueries", len(requests))
	return e.replace(klog.NewContext(ctx, logger), requests)
}

// LinkRemovalRequests returns one request per shared query hosted on both
// ends of the link, bounded by the operators on either side of the network
// boundaries crossing it. It does not mutate anything.
func (e *Engine) LinkRemovalRequests(upstream, downstream topology.NodeID) []placement.Request {
	up, ok := e.env.ExecutionPlan.ExecutionNodeByNodeID(upstream)
	if !ok || !up.HasSubPlans() {
		return nil
	}
	down, ok := e.env.ExecutionPlan.ExecutionNodeByNodeID(downstream)
	if !ok || !down.HasSubPlans() {
		return nil
	}

	shared := sets.New(up.PlacedSharedQueryPlanIDs()...).Intersection(sets.New(down.PlacedSharedQueryPlanIDs()...))

	var requests []placement.Request
	for _, id := range sets.List(shared) {
		req := newRequest(id)
		for _, edge := range crossingEdges(up, id, plan.KindNetworkSink, downstream) {
			req.PinnedUpstream.Insert(edge.Upstream)
			req.PinnedDownstream.Insert(edge.Downstream)
		}
		if req.PinnedUpstream.Len() > 0 {
			requests = append(requests, req)
		}
	}
	return requests
}

// OnTopologyNodeRemoved removes a node and re-places the operators it
// hosted. A node that hosts operators but lacks an upstream or downstream
// neighbour to route around it is refused without changing anything.
func (e *Engine) OnTopologyNodeRemoved(ctx context.Context, id topology.NodeID) ([]Outcome, error) {
	logger := klog.FromContext(ctx).WithValues("node", id)

	if !e.env.Topology.Contains(id) {
		return nil, failure.New(failure.ReasonNotFound, "node %d not found", id)
	}
	en, ok := e.env.ExecutionPlan.ExecutionNodeByNodeID(id)
	if !ok || !en.HasSubPlans() {
		e.env.ExecutionPlan.RemoveExecutionNode(id)
		logger.V(2).Info("Removed node hosts no operators")
		return nil, e.env.Topology.RemoveNode(id)
	}

	requests, err := e.NodeRemovalRequests(id)
	if err != nil {
		return nil, err
	}

	e.env.ExecutionPlan.RemoveExecutionNode(id)
	if err := e.env.Topology.RemoveNode(id); err != nil {
		return nil, err
	}

	logger.Info("Re-placing shared queries after node removal", "sharedQueries", len(requests))
	return e.replace(klog.NewContext(ctx, logger), requests)
}

// NodeRemovalRequests returns one request per shared query hosted on the
// node. Upstream boundaries are the inputs of network boundaries leading
// into the node, downstream boundaries the consumers of those leaving it.
func (e *Engine) NodeRemovalRequests(id topology.NodeID) ([]placement.Request, error) {
	children := e.env.Topology.Children(id)
	parents := e.env.Topology.Parents(id)
	if len(children) == 0 || len(parents) == 0 {
		return nil, failure.New(failure.ReasonOrphanedRemoval,
			"node %d has %d upstream and %d downstream neighbours, operators cannot be routed around it", id, len(children), len(parents))
	}

	en, ok := e.env.ExecutionPlan.ExecutionNodeByNodeID(id)
	if !ok {
		return nil, nil
	}

	var requests []placement.Request
	for _, sq := range en.PlacedSharedQueryPlanIDs() {
		req := newRequest(sq)
		for _, child := range children {
			if neighbour, ok := e.env.ExecutionPlan.ExecutionNodeByNodeID(child); ok {
				for _, edge := range crossingEdges(neighbour, sq, plan.KindNetworkSink, id) {
					req.PinnedUpstream.Insert(edge.Upstream)
				}
			}
		}
		for _, parent := range parents {
			if neighbour, ok := e.env.ExecutionPlan.ExecutionNodeByNodeID(parent); ok {
				for _, edge := range crossingEdges(neighbour, sq, plan.KindNetworkSource, id) {
					req.PinnedDownstream.Insert(edge.Downstream)
				}
			}
		}
		if req.PinnedUpstream.Len() == 0 || req.PinnedDownstream.Len() == 0 {
			return nil, failure.New(failure.ReasonOrphanedRemoval,
				"shared query plan %d has operators on node %d that no neighbour feeds or consumes", sq, id)
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// crossingEdges returns the logical edges bridged by network operators of
// the given kind on node whose peer is the given node.
func crossingEdges(node *execution.ExecutionNode, id plan.SharedQueryID, kind plan.Kind, peer topology.NodeID) []plan.Edge {
	edges := sets.New[plan.Edge]()
	for _, sp := range node.QuerySubPlans(id) {
		for _, op := range sp.Operators() {
			if op.Kind == kind && op.Network != nil && op.Network.PeerNode == peer {
				edges.Insert(op.Network.Edge)
			}
		}
	}
	result := edges.UnsortedList()
	slices.SortFunc(result, plan.CompareEdges)
	return result
}

// refineDownstream pushes downstream boundaries that can no longer be
// reached from the upstream boundaries further downstream, to the first
// operators placed on a reachable node.
func (e *Engine) refineDownstream(req *placement.Request) {
	sqp, ok := e.env.Plans.SharedQueryPlan(req.SharedQueryID)
	if !ok {
		return
	}

	var reachable sets.Set[topology.NodeID]
	for _, id := range sets.List(req.PinnedUpstream) {
		op, _ := sqp.Operator(id)
		node, pinned := op.Pinned()
		if !pinned {
			return
		}
		if r := e.env.Topology.ReachableDownstream(node); reachable == nil {
			reachable = r
		} else {
			reachable = reachable.Intersection(r)
		}
	}

	refined := sets.New[plan.OperatorID]()
	for _, id := range sets.List(req.PinnedDownstream) {
		visited := sets.New(id)
		queue := []plan.OperatorID{id}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			op, _ := sqp.Operator(current)
			if node, pinned := op.Pinned(); (pinned && reachable.Has(node)) || len(op.Parents) == 0 {
				refined.Insert(current)
				continue
			}
			for _, parent := range op.Parents {
				if !visited.Has(parent) {
					visited.Insert(parent)
					queue = append(queue, parent)
				}
			}
		}
	}
	req.PinnedDownstream = refined
}

// replace re-places every request and reports one outcome per request.
func (e *Engine) replace(ctx context.Context, requests []placement.Request) ([]Outcome, error) {
	logger := klog.FromContext(ctx)

	var (
		outcomes []Outcome
		errs     error
	)
	for _, req := range requests {
		outcome := Outcome{Request: req}
		outcome.Result, outcome.Err = e.replaceOne(ctx, req)
		if outcome.Err != nil {
			logger.Error(outcome.Err, "Re-placement failed", "sharedQueryID", req.SharedQueryID)
			errs = multierr.Append(errs, outcome.Err)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, errs
}

func (e *Engine) replaceOne(ctx context.Context, req placement.Request) (*placement.Result, error) {
	sqp, ok := e.env.Plans.SharedQueryPlan(req.SharedQueryID)
	if !ok {
		return nil, failure.New(failure.ReasonNotFound, "shared query plan %d not found", req.SharedQueryID)
	}
	if err := sqp.PerformReOperatorPlacement(req.PinnedUpstream, req.PinnedDownstream); err != nil {
		return nil, err
	}

	klog.FromContext(ctx).V(2).Info("Re-placing operators", "sharedQueryID", req.SharedQueryID,
		"upstream", sets.List(req.PinnedUpstream), "downstream", sets.List(req.PinnedDownstream))
	result, err := e.strategy.UpdateGlobalExecutionPlan(ctx, req)
	if err != nil {
		return nil, err
	}
	sqp.Status = plan.StatusDeployed
	return result, nil
}

func newRequest(id plan.SharedQueryID) placement.Request {
	return placement.Request{
		SharedQueryID:    id,
		PinnedUpstream:   sets.New[plan.OperatorID](),
		PinnedDownstream: sets.New[plan.OperatorID](),
	}
}
