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

// Package bottomup implements a greedy placement strategy that places every
// operator as close to its sources as capacity allows.
package bottomup

import (
	"context"
	"slices"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/streamgrid/placement/pkg/failure"
	"github.com/streamgrid/placement/pkg/placement"
	"github.com/streamgrid/placement/pkg/plan"
	"github.com/streamgrid/placement/pkg/topology"
)

// Strategy places operators in topological order, starting each operator at
// the node of its inputs and walking towards the root until a node can host
// it.
type Strategy struct {
	env placement.Environment
}

var _ placement.Strategy = &Strategy{}

// New returns a bottom-up strategy operating on env.
func New(env placement.Environment) *Strategy {
	return &Strategy{env: env}
}

// Name implements placement.Strategy.
func (s *Strategy) Name() string {
	return placement.StrategyBottomUp
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

	if err := s.place(tx); err != nil {
		return nil, tx.Rollback(err)
	}
	result, err := tx.Commit()
	if err != nil {
		return nil, tx.Rollback(err)
	}
	return result, nil
}

func (s *Strategy) place(tx *placement.Transaction) error {
	if err := tx.RemoveStalePlacements(); err != nil {
		return err
	}

	sqp := tx.SharedQueryPlan()
	req := tx.Request()
	for _, id := range tx.Scope() {
		op, _ := sqp.Operator(id)

		var (
			node topology.NodeID
			err  error
		)
		switch {
		case req.PinnedUpstream.Has(id):
			node, _ = op.Pinned()
		case req.PinnedDownstream.Has(id):
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

// inputNodes returns the distinct nodes hosting the inputs of op.
func inputNodes(tx *placement.Transaction, op *plan.Operator) ([]topology.NodeID, error) {
	nodes := sets.New[topology.NodeID]()
	for _, child := range op.Children {
		node, ok := tx.Location(child)
		if !ok {
			return nil, failure.New(failure.ReasonInvalidRequest, "input %d of %s is not placed", child, op)
		}
		nodes.Insert(node)
	}
	return sets.List(nodes), nil
}

// resolvePinned checks that the pinned node of a downstream boundary can be
// reached from the common ancestor of its inputs.
func (s *Strategy) resolvePinned(tx *placement.Transaction, op *plan.Operator) (topology.NodeID, error) {
	pinned, _ := op.Pinned()

	var located []topology.NodeID
	for _, child := range op.Children {
		if node, ok := tx.Location(child); ok && !slices.Contains(located, node) {
			located = append(located, node)
		}
	}
	if len(located) == 0 {
		return pinned, nil
	}

	ancestor := located[0]
	if len(located) > 1 {
		var err error
		if ancestor, err = s.env.Topology.FindCommonAncestor(located); err != nil {
			return 0, err
		}
	}
	if pinned != ancestor && !s.env.Topology.IsAncestor(pinned, ancestor) {
		return 0, failure.New(failure.ReasonNoCommonAncestor,
			"%s is pinned to node %d which is not reachable from node %d hosting its inputs", op, pinned, ancestor)
	}
	return pinned, nil
}

// findCandidate starts at the common ancestor of the inputs of op and walks
// towards the root until a node has room for it.
func (s *Strategy) findCandidate(tx *placement.Transaction, op *plan.Operator) (topology.NodeID, error) {
	nodes, err := inputNodes(tx, op)
	if err != nil {
		return 0, err
	}
	if len(nodes) == 0 {
		return 0, failure.New(failure.ReasonInvalidRequest, "%s has no inputs", op)
	}

	candidate := nodes[0]
	if len(nodes) > 1 {
		if candidate, err = s.env.Topology.FindCommonAncestor(nodes); err != nil {
			return 0, err
		}
	}
	if tx.IsPartial() && s.env.Topology.IsRoot(candidate) {
		return 0, failure.New(failure.ReasonCapacityExhausted, "re-placing %s would start at root node %d", op, candidate)
	}

	cost := op.EffectiveCost()
	for {
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

		parents := s.env.Topology.Parents(candidate)
		if len(parents) == 0 {
			return 0, failure.New(failure.ReasonCapacityExhausted, "no node on the way to the root can host %s", op)
		}
		next := parents[0]
		if tx.IsPartial() && s.env.Topology.IsRoot(next) {
			return 0, failure.New(failure.ReasonCapacityExhausted, "re-placing %s would reach root node %d", op, next)
		}
		tx.Logger().V(4).Info("Node cannot host operator, moving up", "operator", op.String(), "node", candidate, "next", next)
		candidate = next
	}
}
