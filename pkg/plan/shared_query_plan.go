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

package plan

import (
	"fmt"
	"slices"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/streamgrid/placement/pkg/failure"
	"github.com/streamgrid/placement/pkg/topology"
)

// Status is the lifecycle state of a shared query plan.
type Status int

const (
	StatusCreated Status = iota
	StatusDeployed
	StatusMigrating
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "Created"
	case StatusDeployed:
		return "Deployed"
	case StatusMigrating:
		return "Migrating"
	case StatusStopped:
		return "Stopped"
	case StatusFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// SharedQueryPlan is the deployable, possibly merged, plan of one or more
// queries. It owns the authoritative pinned node of each of its operators.
type SharedQueryPlan struct {
	ID       SharedQueryID
	QueryIDs []uint64
	Status   Status

	operators map[OperatorID]*Operator
}

// NewSharedQueryPlan builds a shared query plan from operators whose
// Children are set. Parents are derived from the children.
func NewSharedQueryPlan(id SharedQueryID, operators []*Operator) (*SharedQueryPlan, error) {
	p := &SharedQueryPlan{
		ID:        id,
		QueryIDs:  []uint64{uint64(id)},
		operators: make(map[OperatorID]*Operator, len(operators)),
	}

	var errs []error
	for _, op := range operators {
		if _, exists := p.operators[op.ID]; exists {
			errs = append(errs, fmt.Errorf("duplicate operator %d", op.ID))
			continue
		}
		if op.Kind.IsSystem() {
			errs = append(errs, fmt.Errorf("operator %d: %s operators are generated by the placement engine", op.ID, op.Kind))
			continue
		}
		if _, ok := kindNames[op.Kind]; !ok {
			errs = append(errs, fmt.Errorf("operator %d: invalid kind %d", op.ID, int(op.Kind)))
			continue
		}
		c := op.Clone()
		c.Parents = nil
		p.operators[c.ID] = c
	}
	for _, id := range p.OperatorIDs() {
		op := p.operators[id]
		switch {
		case op.Kind == KindSource && len(op.Children) > 0:
			errs = append(errs, fmt.Errorf("source %d cannot have inputs", id))
		case op.Kind != KindSource && len(op.Children) == 0:
			errs = append(errs, fmt.Errorf("%s has no inputs", op))
		case op.Kind.IsNAry() && len(op.Children) < 2:
			errs = append(errs, fmt.Errorf("%s needs at least two inputs", op))
		}
		for _, child := range op.Children {
			c, ok := p.operators[child]
			if !ok {
				errs = append(errs, fmt.Errorf("%s references unknown input %d", op, child))
				continue
			}
			c.Parents = append(c.Parents, id)
		}
	}
	for _, op := range p.operators {
		if op.Kind == KindSink && len(op.Parents) > 0 {
			errs = append(errs, fmt.Errorf("sink %d cannot have downstream operators", op.ID))
		}
	}
	if len(errs) == 0 && len(p.TopologicalOrder()) != len(p.operators) {
		errs = append(errs, fmt.Errorf("plan contains a cycle"))
	}
	if len(errs) > 0 {
		return nil, failure.Wrap(failure.ReasonInvalidRequest, utilerrors.NewAggregate(errs), "shared query plan %d", id)
	}
	return p, nil
}

// Operator returns the operator with the given id.
func (p *SharedQueryPlan) Operator(id OperatorID) (*Operator, bool) {
	op, ok := p.operators[id]
	return op, ok
}

// OperatorIDs returns all operator ids in ascending order.
func (p *SharedQueryPlan) OperatorIDs() []OperatorID {
	ids := make([]OperatorID, 0, len(p.operators))
	for id := range p.operators {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Sources returns the ids of all source operators.
func (p *SharedQueryPlan) Sources() []OperatorID {
	return p.filter(func(op *Operator) bool { return op.Kind == KindSource })
}

// Sinks returns the ids of all sink operators.
func (p *SharedQueryPlan) Sinks() []OperatorID {
	return p.filter(func(op *Operator) bool { return op.Kind == KindSink })
}

func (p *SharedQueryPlan) filter(keep func(*Operator) bool) []OperatorID {
	var ids []OperatorID
	for _, id := range p.OperatorIDs() {
		if keep(p.operators[id]) {
			ids = append(ids, id)
		}
	}
	return ids
}

// TopologicalOrder returns operator ids so that every operator comes after
// all of its inputs. Ties are broken by id.
func (p *SharedQueryPlan) TopologicalOrder() []OperatorID {
	pending := make(map[OperatorID]int, len(p.operators))
	var ready []OperatorID
	for id, op := range p.operators {
		pending[id] = 0
		for _, child := range op.Children {
			if _, ok := p.operators[child]; ok {
				pending[id]++
			}
		}
		if pending[id] == 0 {
			ready = append(ready, id)
		}
	}
	slices.Sort(ready)

	order := make([]OperatorID, 0, len(p.operators))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)
		for _, parent := range p.operators[current].Parents {
			pending[parent]--
			if pending[parent] == 0 {
				ready = append(ready, parent)
				slices.Sort(ready)
			}
		}
	}
	return order
}

// Downstream returns all operators transitively reachable from id through
// parent edges, excluding id.
func (p *SharedQueryPlan) Downstream(id OperatorID) sets.Set[OperatorID] {
	return p.walk(id, func(op *Operator) []OperatorID { return op.Parents })
}

// Upstream returns all operators transitively reachable from id through
// child edges, excluding id.
func (p *SharedQueryPlan) Upstream(id OperatorID) sets.Set[OperatorID] {
	return p.walk(id, func(op *Operator) []OperatorID { return op.Children })
}

func (p *SharedQueryPlan) walk(id OperatorID, next func(*Operator) []OperatorID) sets.Set[OperatorID] {
	result := sets.New[OperatorID]()
	queue := []OperatorID{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		op, ok := p.operators[current]
		if !ok {
			continue
		}
		for _, n := range next(op) {
			if !result.Has(n) {
				result.Insert(n)
				queue = append(queue, n)
			}
		}
	}
	return result
}

// Between returns the operators strictly between the upstream and the
// downstream boundary sets: downstream of some upstream boundary and
// upstream of some downstream boundary.
func (p *SharedQueryPlan) Between(upstream, downstream sets.Set[OperatorID]) sets.Set[OperatorID] {
	below := sets.New[OperatorID]()
	for id := range upstream {
		below = below.Union(p.Downstream(id))
	}
	above := sets.New[OperatorID]()
	for id := range downstream {
		above = above.Union(p.Upstream(id))
	}
	return below.Intersection(above).Difference(upstream).Difference(downstream)
}

// Pin records the node an operator has been placed on.
func (p *SharedQueryPlan) Pin(id OperatorID, node topology.NodeID) error {
	op, ok := p.operators[id]
	if !ok {
		return failure.New(failure.ReasonNotFound, "operator %d not found in shared query plan %d", id, p.ID)
	}
	op.PinnedNode = &node
	op.State = StatePlaced
	return nil
}

// Unpin clears the placement of an operator.
func (p *SharedQueryPlan) Unpin(id OperatorID) {
	if op, ok := p.operators[id]; ok {
		op.PinnedNode = nil
		op.State = StateToBePlaced
	}
}

// PerformReOperatorPlacement marks every operator strictly between the two
// boundary sets for re-placement. The marked operators keep their pinned
// node so that their stale placement can still be located and removed.
func (p *SharedQueryPlan) PerformReOperatorPlacement(upstream, downstream sets.Set[OperatorID]) error {
	if upstream.Len() == 0 || downstream.Len() == 0 {
		return failure.New(failure.ReasonInvalidRequest, "re-placement of shared query plan %d needs non-empty boundaries", p.ID)
	}
	for _, id := range sets.List(upstream.Union(downstream)) {
		op, ok := p.operators[id]
		if !ok {
			return failure.New(failure.ReasonNotFound, "boundary operator %d not found in shared query plan %d", id, p.ID)
		}
		if op.PinnedNode == nil {
			return failure.New(failure.ReasonInvalidRequest, "boundary operator %d of shared query plan %d is not placed", id, p.ID)
		}
	}

	for id := range p.Between(upstream, downstream) {
		p.operators[id].State = StateToBeReplaced
	}
	p.Status = StatusMigrating
	return nil
}

// Clone returns a deep copy of the plan.
func (p *SharedQueryPlan) Clone() *SharedQueryPlan {
	c := &SharedQueryPlan{
		ID:        p.ID,
		QueryIDs:  slices.Clone(p.QueryIDs),
		Status:    p.Status,
		operators: make(map[OperatorID]*Operator, len(p.operators)),
	}
	for id, op := range p.operators {
		c.operators[id] = op.Clone()
	}
	return c
}

// Restore replaces the state of p with a copy of snapshot.
func (p *SharedQueryPlan) Restore(snapshot *SharedQueryPlan) {
	c := snapshot.Clone()
	p.QueryIDs = c.QueryIDs
	p.Status = c.Status
	p.operators = c.operators
}
