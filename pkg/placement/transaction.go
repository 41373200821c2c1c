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
	"context"
	"slices"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/streamgrid/placement/pkg/execution"
	"github.com/streamgrid/placement/pkg/failure"
	"github.com/streamgrid/placement/pkg/plan"
	"github.com/streamgrid/placement/pkg/topology"
)

// SlotMode selects how Place accounts for slots.
type SlotMode int

const (
	// Strict refuses placements on nodes without enough free slots.
	Strict SlotMode = iota
	// Overcommit accepts placements beyond the free slots of a node.
	Overcommit
)

type slotChange struct {
	node  topology.NodeID
	delta int
}

// Transaction is the state of one placement request. Every mutation of the
// topology, the execution plan and the shared query plan goes through it so
// that a failed request can be undone.
type Transaction struct {
	ctx    context.Context
	env    Environment
	req    Request
	sqp    *plan.SharedQueryPlan
	logger logr.Logger

	scope    sets.Set[plan.OperatorID]
	order    []plan.OperatorID
	edges    []plan.Edge
	partial  bool
	prepared bool
	done     bool

	ledger       []slotChange
	planSnapshot *execution.Plan
	sqpSnapshot  *plan.SharedQueryPlan
	result       *Result
}

// Begin validates a request and opens a transaction for it. Nothing is
// mutated until RemoveStalePlacements is called.
func Begin(ctx context.Context, env Environment, req Request) (*Transaction, error) {
	sqp, ok := env.Plans.SharedQueryPlan(req.SharedQueryID)
	if !ok {
		return nil, failure.New(failure.ReasonNotFound, "shared query plan %d not found", req.SharedQueryID)
	}
	if req.PinnedUpstream.Len() == 0 {
		return nil, failure.New(failure.ReasonNoSourceOperators, "shared query plan %d: request has no pinned upstream operators", req.SharedQueryID)
	}
	if req.PinnedDownstream.Len() == 0 {
		return nil, failure.New(failure.ReasonNoSinkOperators, "shared query plan %d: request has no pinned downstream operators", req.SharedQueryID)
	}
	if overlap := req.PinnedUpstream.Intersection(req.PinnedDownstream); overlap.Len() > 0 {
		return nil, failure.New(failure.ReasonInvalidRequest, "operators %v are pinned both upstream and downstream", sets.List(overlap))
	}

	scope := sqp.Between(req.PinnedUpstream, req.PinnedDownstream)
	for _, id := range sets.List(scope) {
		op, _ := sqp.Operator(id)
		if op.State == plan.StatePlaced {
			return nil, failure.New(failure.ReasonInvalidRequest, "%s is already placed on node %d", op, *op.PinnedNode)
		}
	}

	partial := false
	for _, id := range sets.List(req.PinnedUpstream.Union(req.PinnedDownstream)) {
		op, ok := sqp.Operator(id)
		if !ok {
			return nil, failure.New(failure.ReasonNotFound, "pinned operator %d not found in shared query plan %d", id, req.SharedQueryID)
		}
		node, pinned := op.Pinned()
		if !pinned {
			return nil, failure.New(failure.ReasonInvalidRequest, "pinned operator %s has no pinned node", op)
		}
		if !env.Topology.Contains(node) {
			return nil, failure.New(failure.ReasonNotFound, "pinned operator %s is pinned to unknown node %d", op, node)
		}
		if op.State != plan.StatePlaced {
			scope.Insert(id)
		} else if req.PinnedUpstream.Has(id) {
			partial = true
		}
	}

	var order []plan.OperatorID
	for _, id := range sqp.TopologicalOrder() {
		if scope.Has(id) {
			order = append(order, id)
		}
	}

	var edges []plan.Edge
	upstreamSide := scope.Union(req.PinnedUpstream)
	downstreamSide := scope.Union(req.PinnedDownstream)
	for _, id := range sets.List(upstreamSide) {
		op, _ := sqp.Operator(id)
		for _, parent := range op.Parents {
			if downstreamSide.Has(parent) {
				edges = append(edges, plan.Edge{Upstream: id, Downstream: parent})
			}
		}
	}
	slices.SortFunc(edges, plan.CompareEdges)

	logger := klog.FromContext(ctx).WithValues("sharedQueryID", req.SharedQueryID)
	logger.V(4).Info("Opened placement transaction", "scope", sets.List(scope), "edges", len(edges), "partial", partial)

	return &Transaction{
		ctx:          ctx,
		env:          env,
		req:          req,
		sqp:          sqp,
		logger:       logger,
		scope:        scope,
		order:        order,
		edges:        edges,
		partial:      partial,
		planSnapshot: env.ExecutionPlan.Snapshot(),
		sqpSnapshot:  sqp.Clone(),
		result:       &Result{Placements: map[plan.OperatorID]topology.NodeID{}},
	}, nil
}

// SharedQueryPlan returns the plan being placed.
func (t *Transaction) SharedQueryPlan() *plan.SharedQueryPlan {
	return t.sqp
}

// Topology returns the topology being placed onto.
func (t *Transaction) Topology() *topology.Topology {
	return t.env.Topology
}

// Logger returns the request scoped logger.
func (t *Transaction) Logger() logr.Logger {
	return t.logger
}

// Request returns the request of the transaction.
func (t *Transaction) Request() Request {
	return t.req
}

// Result returns the result being built. Strategies may annotate it.
func (t *Transaction) Result() *Result {
	return t.result
}

// Scope returns the operators to place in topological order.
func (t *Transaction) Scope() []plan.OperatorID {
	return slices.Clone(t.order)
}

// InScope returns true if the operator is placed by this request.
func (t *Transaction) InScope(id plan.OperatorID) bool {
	return t.scope.Has(id)
}

// IsPartial returns true for re-placements, where upstream boundaries are
// already running.
func (t *Transaction) IsPartial() bool {
	return t.partial
}

// Edges returns the logical edges whose network boundaries the request
// rebuilds.
func (t *Transaction) Edges() []plan.Edge {
	return slices.Clone(t.edges)
}

// AnchorNodes returns the pinned nodes of all boundary operators.
func (t *Transaction) AnchorNodes() []topology.NodeID {
	nodes := sets.New[topology.NodeID]()
	for id := range t.req.PinnedUpstream.Union(t.req.PinnedDownstream) {
		op, _ := t.sqp.Operator(id)
		nodes.Insert(*op.PinnedNode)
	}
	return sets.List(nodes)
}

// Location returns the node of a placed operator.
func (t *Transaction) Location(id plan.OperatorID) (topology.NodeID, bool) {
	op, ok := t.sqp.Operator(id)
	if !ok || op.State != plan.StatePlaced {
		return 0, false
	}
	return op.Pinned()
}

// Eligible returns false for nodes under maintenance and nodes rejected by
// the node selector.
func (t *Transaction) Eligible(id topology.NodeID) (bool, error) {
	node, err := t.env.Topology.FindNodeWithID(id)
	if err != nil {
		return false, err
	}
	if node.Maintenance {
		return false, nil
	}
	if t.env.Selector == nil {
		return true, nil
	}
	return t.env.Selector.Eligible(t.ctx, node)
}

// Fits returns true if the node has room for an operator of the given
// cost. Zero cost operators still need a free slot.
func (t *Transaction) Fits(id topology.NodeID, cost int) (bool, error) {
	node, err := t.env.Topology.FindNodeWithID(id)
	if err != nil {
		return false, err
	}
	return node.AvailableSlots >= cost && node.AvailableSlots > 0, nil
}

// RemoveStalePlacements removes the old placement of every operator marked
// for re-placement, returns their slots and drops the network boundaries of
// the edges the request rebuilds.
func (t *Transaction) RemoveStalePlacements() error {
	if t.prepared {
		return nil
	}
	t.prepared = true

	for _, id := range t.order {
		op, _ := t.sqp.Operator(id)
		if op.State != plan.StateToBeReplaced {
			continue
		}
		if node, pinned := op.Pinned(); pinned {
			if located, sp, ok := t.env.ExecutionPlan.LocateOperator(t.sqp.ID, id); ok {
				sp.Remove(id)
				if sp.Len() == 0 {
					t.env.ExecutionPlan.RemoveSubPlan(located, sp)
				}
				node = located
			}
			if t.env.Topology.Contains(node) {
				if err := t.adjust(node, op.EffectiveCost(), Overcommit); err != nil {
					return err
				}
			}
			t.logger.V(4).Info("Removed stale placement", "operator", op.String(), "node", node)
		}
		t.sqp.Unpin(id)
	}

	t.removeNetworkBoundaries(sets.New(t.edges...))
	return nil
}

// Place assigns an operator in scope to a node.
func (t *Transaction) Place(id plan.OperatorID, node topology.NodeID, mode SlotMode) error {
	if !t.prepared {
		if err := t.RemoveStalePlacements(); err != nil {
			return err
		}
	}
	op, ok := t.sqp.Operator(id)
	if !ok || !t.scope.Has(id) {
		return failure.New(failure.ReasonInvalidRequest, "operator %d is not part of the request", id)
	}
	if op.State == plan.StatePlaced {
		return failure.New(failure.ReasonInvalidRequest, "%s is already placed", op)
	}

	cost := op.EffectiveCost()
	if mode == Strict {
		fits, err := t.Fits(node, cost)
		if err != nil {
			return err
		}
		if !fits {
			return failure.New(failure.ReasonCapacityExhausted, "node %d cannot host %s with cost %d", node, op, cost)
		}
	}
	if err := t.adjust(node, -cost, mode); err != nil {
		return err
	}

	t.assemble(op, node)
	if err := t.sqp.Pin(id, node); err != nil {
		return err
	}
	t.result.Placements[id] = node
	t.logger.V(4).Info("Placed operator", "operator", op.String(), "node", node, "cost", cost)
	return nil
}

// Commit inserts the network boundaries of the request and finishes it.
func (t *Transaction) Commit() (*Result, error) {
	if !t.prepared {
		if err := t.RemoveStalePlacements(); err != nil {
			return nil, err
		}
	}
	for _, id := range t.order {
		op, _ := t.sqp.Operator(id)
		if op.State != plan.StatePlaced {
			return nil, failure.New(failure.ReasonInvalidRequest, "%s was not placed", op)
		}
	}
	if err := t.connect(); err != nil {
		return nil, err
	}

	t.done = true
	t.logger.V(2).Info("Committed placement", "operators", len(t.result.Placements), "networkOperators", t.result.NetworkOperators)
	return t.result, nil
}

// Rollback undoes every change of the transaction and returns cause,
// combined with any error hit while undoing. It is a no-op after Commit.
func (t *Transaction) Rollback(cause error) error {
	if t.done {
		return cause
	}
	t.done = true

	var errs error
	for i := len(t.ledger) - 1; i >= 0; i-- {
		change := t.ledger[i]
		var err error
		if change.delta < 0 {
			err = t.env.Topology.IncreaseResources(change.node, -change.delta)
		} else {
			err = t.env.Topology.Overcommit(change.node, change.delta)
		}
		if err != nil && !failure.IsNotFound(err) {
			errs = multierr.Append(errs, err)
		}
	}
	t.ledger = nil
	t.env.ExecutionPlan.Restore(t.planSnapshot)
	t.sqp.Restore(t.sqpSnapshot)

	t.logger.Info("Rolled back placement", "cause", cause)
	return multierr.Append(cause, errs)
}

// adjust changes the available slots of a node by delta and records it.
func (t *Transaction) adjust(node topology.NodeID, delta int, mode SlotMode) error {
	var err error
	switch {
	case delta > 0:
		err = t.env.Topology.IncreaseResources(node, delta)
	case mode == Strict:
		err = t.env.Topology.ReduceResources(node, -delta)
	default:
		err = t.env.Topology.Overcommit(node, -delta)
	}
	if err != nil {
		return err
	}
	t.ledger = append(t.ledger, slotChange{node: node, delta: delta})
	return nil
}

// assemble adds a copy of op to the sub-plan on node holding most of its
// neighbours, merging every other sub-plan it connects to.
func (t *Transaction) assemble(op *plan.Operator, node topology.NodeID) {
	neighbours := sets.New(op.Children...).Insert(op.Parents...)

	var (
		target     *execution.SubPlan
		best       int
		converging []*execution.SubPlan
	)
	if en, ok := t.env.ExecutionPlan.ExecutionNodeByNodeID(node); ok {
		for _, sp := range en.QuerySubPlans(t.sqp.ID) {
			overlap := 0
			for id := range neighbours {
				if sp.Has(id) {
					overlap++
				}
			}
			if overlap == 0 {
				continue
			}
			converging = append(converging, sp)
			if overlap > best {
				target, best = sp, overlap
			}
		}
	}

	if target == nil {
		target = t.env.ExecutionPlan.NewSubPlan(t.sqp.ID)
		t.env.ExecutionPlan.AddSubPlan(node, target)
	}
	for _, sp := range converging {
		if sp == target {
			continue
		}
		target.Merge(sp)
		t.env.ExecutionPlan.RemoveSubPlan(node, sp)
	}

	c := op.Clone()
	c.PinnedNode = &node
	c.State = plan.StatePlaced
	target.Add(c)
}
