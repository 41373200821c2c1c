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

// Package topdown implements a greedy placement strategy that places every
// operator as close to its sinks as capacity allows.
package topdown

import (
	"context"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/streamgrid/placement/pkg/failure"
	"github.com/streamgrid/placement/pkg/placement"
	"github.com/streamgrid/placement/pkg/plan"
	"github.com/streamgrid/placement/pkg/topology"
)

// Strategy places operators in reverse topological order. Each operator
// starts at the common child of the nodes hosting its consumers and walks
// down towards the nodes of its upstream boundaries until a node can host
// it.
type Strategy struct {
	env placement.Environment
}

var _ placement.Strategy = &Strategy{}

// New returns a top-down strategy operating on env.
func New(env placement.Environment) *Strategy {
	return &Strategy{env: env}
}

// Name implements placement.Strategy.
func (s *Strategy) Name() string {
	return placement.StrategyTopDown
}

// UpdateGlobalExecutionPlan implements placement.Strategy. On failure every
// change made for the request is rolled back.
func (s *Strategy) UpdateGlobalExecutionPlan(ctx context.Context, req placement.Request) (*placement.Result, error) {
	tx, err := placement.Begin(ctx, s.env, req)
	if err != nil {
		return nil, err
	}
	if err := s.env.Topology.ValidateTree(tx.AnchorNodes()...); err != nil {
		return nil, err
	}
	if err := s.validateSinkFanOut(tx); err != nil {
		return nil, err
	}

	if err := s.place(tx); err != nil {
		return nil, tx.Rollback(err)
	}
	result, err := tx.Commit()
	if err != nil {
		return nil, tx.Rollback(err)
	}
	return result, nil
}

// validateSinkFanOut requires a single root once the downstream boundaries
// are spread over several nodes.
func (s *Strategy) validateSinkFanOut(tx *placement.Transaction) error {
	sqp := tx.SharedQueryPlan()
	nodes := sets.New[topology.NodeID]()
	for id := range tx.Request().PinnedDownstream {
		op, _ := sqp.Operator(id)
		if node, ok := op.Pinned(); ok {
			nodes.Insert(node)
		}
	}
	if nodes.Len() < 2 {
		return nil
	}
	if _, err := s.env.Topology.Root(); err != nil {
		return failure.Wrap(failure.ReasonUnsupportedTopologyShape, err,
			"downstream operators of shared query plan %d are spread over nodes %v", sqp.ID, sets.List(nodes))
	}
	return nil
}

func (s *Strategy) place(tx *placement.Transaction) error {
	if err := tx.RemoveStalePlacements(); err != nil {
		return err
	}

	sqp := tx.SharedQueryPlan()
	req := tx.Request()
	scope := tx.Scope()
	for i := len(scope) - 1; i >= 0; i-- {
		id := scope[i]
		op, _ := sqp.Operator(id)

		var (
			node topology.NodeID
			err  error
		)
		switch {
		case req.PinnedDownstream.Has(id):
			node, _ = op.Pinned()
		case req.PinnedUpstream.Has(id):
			node, err = s.resolvePinned(tx, op)
		default:
			node, err = s.findCandidate(tx, op)
		}
		if err != nil {
			return err
		}

		if err := tx.Place(id, node, placement.Strict); err != nil {
			return err
		}
	}
	return nil
}

// consumerNodes returns the distinct nodes hosting the consumers of op.
func consumerNodes(tx *placement.Transaction, op *plan.Operator) []topology.NodeID {
	nodes := sets.New[topology.NodeID]()
	for _, parent := range op.Parents {
		if node, ok := tx.Location(parent); ok {
			nodes.Insert(node)
		}
	}
	return sets.List(nodes)
}

// boundaryNodes returns the pinned nodes of the upstream boundaries feeding
// op.
func boundaryNodes(tx *placement.Transaction, op *plan.Operator) []topology.NodeID {
	sqp := tx.SharedQueryPlan()
	req := tx.Request()
	nodes := sets.New[topology.NodeID]()
	for id := range sqp.Upstream(op.ID) {
		if !req.PinnedUpstream.Has(id) {
			continue
		}
		upstream, _ := sqp.Operator(id)
		if node, ok := upstream.Pinned(); ok {
			nodes.Insert(node)
		}
	}
	return sets.List(nodes)
}

// resolvePinned checks that the pinned node of an upstream boundary can
// reach every node hosting its consumers.
func (s *Strategy) resolvePinned(tx *placement.Transaction, op *plan.Operator) (topology.NodeID, error) {
	pinned, _ := op.Pinned()
	for _, node := range consumerNodes(tx, op) {
		if node != pinned && !s.env.Topology.IsAncestor(node, pinned) {
			return 0, failure.New(failure.ReasonNoCommonAncestor,
				"%s is pinned to node %d which cannot reach node %d hosting its consumers", op, pinned, node)
		}
	}
	return pinned, nil
}

// findCandidate starts at the common child of the consumers of op and walks
// down the path towards its upstream boundaries until a node has room for
// it. Only nodes every upstream boundary can reach are considered.
func (s *Strategy) findCandidate(tx *placement.Transaction, op *plan.Operator) (topology.NodeID, error) {
	consumers := consumerNodes(tx, op)
	if len(consumers) == 0 {
		return 0, failure.New(failure.ReasonInvalidRequest, "%s has no placed consumers", op)
	}
	start := consumers[0]
	if len(consumers) > 1 {
		var err error
		if start, err = s.env.Topology.FindCommonChild(consumers); err != nil {
			return 0, err
		}
	}

	boundaries := boundaryNodes(tx, op)
	if len(boundaries) == 0 {
		return 0, failure.New(failure.ReasonInvalidRequest, "%s is not fed by any upstream boundary", op)
	}
	path, err := s.env.Topology.FindPathBetween(boundaries, []topology.NodeID{start})
	if err != nil {
		return 0, err
	}

	cost := op.EffectiveCost()
	for i := len(path) - 1; i >= 0; i-- {
		candidate := path[i]
		if !s.reachableFrom(candidate, boundaries) {
			continue
		}
		if tx.IsPartial() && s.env.Topology.IsRoot(candidate) {
			tx.Logger().V(4).Info("Skipping root node for re-placement", "operator", op.String(), "node", candidate)
			continue
		}

		fits, err := tx.Fits(candidate, cost)
		if err != nil {
			return 0, err
		}
		if fits {
			eligible, err := tx.Eligible(candidate)
			if err != nil {
				return 0, err
			}
			if eligible {
				return candidate, nil
			}
		}
		tx.Logger().V(4).Info("Node cannot host operator, moving down", "operator", op.String(), "node", candidate)
	}
	return 0, failure.New(failure.ReasonCapacityExhausted, "no node between node %d and the inputs of %s can host it", start, op)
}

// reachableFrom reports whether node is one of ids or an ancestor of all
// of them.
func (s *Strategy) reachableFrom(node topology.NodeID, ids []topology.NodeID) bool {
	for _, id := range ids {
		if id != node && !s.env.Topology.IsAncestor(node, id) {
			return false
		}
	}
	return true
}
