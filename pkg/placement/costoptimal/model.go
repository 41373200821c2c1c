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

package costoptimal

import (
	"fmt"
	"math"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/streamgrid/placement/pkg/failure"
	"github.com/streamgrid/placement/pkg/placement"
	"github.com/streamgrid/placement/pkg/plan"
	"github.com/streamgrid/placement/pkg/solver"
	"github.com/streamgrid/placement/pkg/topology"
)

// placementModel is the optimization model of one request. P[op,node]
// selects the node of an operator, S[node] measures how far a node is
// over-subscribed.
type placementModel struct {
	tx    *placement.Transaction
	model *solver.Model

	mileage  map[topology.NodeID]float64
	eligible map[topology.NodeID]bool
	nodes    sets.Set[topology.NodeID]
	vars     map[plan.OperatorID]map[topology.NodeID]solver.Var
	slack    map[topology.NodeID]solver.Var
}

type weights struct {
	network, overUtilization float64
}

func buildModel(tx *placement.Transaction, w weights) (*placementModel, error) {
	pm := &placementModel{
		tx:       tx,
		model:    solver.NewModel(),
		mileage:  map[topology.NodeID]float64{},
		eligible: map[topology.NodeID]bool{},
		nodes:    sets.New[topology.NodeID](),
		vars:     map[plan.OperatorID]map[topology.NodeID]solver.Var{},
		slack:    map[topology.NodeID]solver.Var{},
	}

	req := tx.Request()
	for _, upstream := range sets.List(req.PinnedUpstream) {
		ops, err := pm.operatorPath(upstream)
		if err != nil {
			return nil, err
		}
		from, _ := pm.pinnedNode(ops[0])
		to, _ := pm.pinnedNode(ops[len(ops)-1])
		nodes, err := tx.Topology().FindNodesBetween(from, to)
		if err != nil {
			return nil, failure.Wrap(failure.ReasonTopologyPathNotFound, err, "no route from node %d to node %d", from, to)
		}
		if err := pm.addPath(ops, nodes); err != nil {
			return nil, err
		}
	}

	for _, id := range tx.Scope() {
		if _, ok := pm.vars[id]; !ok {
			return nil, failure.New(failure.ReasonInvalidRequest, "operator %d is not on a path between the pinned operators", id)
		}
	}

	if err := pm.addSlack(); err != nil {
		return nil, err
	}
	pm.setObjective(w)
	return pm, nil
}

func (pm *placementModel) pinnedNode(id plan.OperatorID) (topology.NodeID, bool) {
	op, _ := pm.tx.SharedQueryPlan().Operator(id)
	return op.Pinned()
}

// operatorPath follows the operators of the request from an upstream
// boundary to the downstream boundary it feeds.
func (pm *placementModel) operatorPath(upstream plan.OperatorID) ([]plan.OperatorID, error) {
	sqp := pm.tx.SharedQueryPlan()
	downstream := pm.tx.Request().PinnedDownstream

	path := []plan.OperatorID{upstream}
	current := upstream
	for !downstream.Has(current) {
		op, _ := sqp.Operator(current)
		var next []plan.OperatorID
		for _, parent := range op.Parents {
			if pm.tx.InScope(parent) || downstream.Has(parent) {
				next = append(next, parent)
			}
		}
		switch len(next) {
		case 0:
			return nil, failure.New(failure.ReasonInvalidRequest, "no pinned downstream operator is reachable from %s", op)
		case 1:
		default:
			return nil, failure.New(failure.ReasonUnsupportedTopologyShape, "%s feeds %d operators to place, only one is supported", op, len(next))
		}
		current = next[0]
		path = append(path, current)
	}
	return path, nil
}

func (pm *placementModel) addPath(ops []plan.OperatorID, nodes []topology.NodeID) error {
	for _, node := range nodes {
		if pm.nodes.Has(node) {
			continue
		}
		m, err := mileage(pm.tx.Topology(), node, pm.mileage)
		if err != nil {
			return err
		}
		pm.mileage[node] = m
		eligible, err := pm.tx.Eligible(node)
		if err != nil {
			return err
		}
		pm.eligible[node] = eligible
		pm.nodes.Insert(node)
	}

	last := len(ops) - 1
	for i, id := range ops {
		if existing, ok := pm.vars[id]; ok {
			// Reached from an earlier path: the operator must sit on both.
			onPath := sets.New(nodes...)
			for node, v := range existing {
				if !onPath.Has(node) {
					pm.model.Fix(v, 0)
				}
			}
			if i > 0 {
				pm.addOrder(ops[i-1], id, nodes)
			}
			return nil
		}

		pm.addOperator(id, nodes, i == 0, i == last)
		if i > 0 {
			pm.addOrder(ops[i-1], id, nodes)
		}
	}
	return nil
}

func (pm *placementModel) addOperator(id plan.OperatorID, nodes []topology.NodeID, first, last bool) {
	vars := make(map[topology.NodeID]solver.Var, len(nodes))
	terms := make([]solver.Term, 0, len(nodes))
	for j, node := range nodes {
		v := pm.model.NewBinary(fmt.Sprintf("P[%d,%d]", id, node))
		switch {
		case first:
			pm.model.Fix(v, indicator(j == 0))
		case last:
			pm.model.Fix(v, indicator(j == len(nodes)-1))
		case !pm.eligible[node]:
			pm.model.Fix(v, 0)
		}
		vars[node] = v
		terms = append(terms, solver.Term{Var: v, Coeff: 1})
	}
	pm.vars[id] = vars
	pm.model.AddConstraint(fmt.Sprintf("place %d once", id), terms, solver.Equal, 1)
}

// addOrder keeps id at or above the position of its input prev on the path:
// P[id,n_j] <= Σ_{k<=j} P[prev,n_k].
func (pm *placementModel) addOrder(prev, id plan.OperatorID, nodes []topology.NodeID) {
	for j, node := range nodes {
		v, ok := pm.vars[id][node]
		if !ok {
			continue
		}
		terms := []solver.Term{{Var: v, Coeff: 1}}
		for _, below := range nodes[:j+1] {
			if pv, ok := pm.vars[prev][below]; ok {
				terms = append(terms, solver.Term{Var: pv, Coeff: -1})
			}
		}
		pm.model.AddConstraint(fmt.Sprintf("%d after %d on node %d", id, prev, node), terms, solver.LessEqual, 0)
	}
}

// addSlack adds S[node] >= Σ cost*P[op,node] - availableSlots(node) for the
// operators the request places.
func (pm *placementModel) addSlack() error {
	sqp := pm.tx.SharedQueryPlan()
	for _, node := range sets.List(pm.nodes) {
		var terms []solver.Term
		for _, id := range pm.tx.Scope() {
			v, ok := pm.vars[id][node]
			if !ok {
				continue
			}
			op, _ := sqp.Operator(id)
			if cost := op.EffectiveCost(); cost > 0 {
				terms = append(terms, solver.Term{Var: v, Coeff: float64(cost)})
			}
		}
		if len(terms) == 0 {
			continue
		}

		n, err := pm.tx.Topology().FindNodeWithID(node)
		if err != nil {
			return err
		}
		s := pm.model.NewContinuous(fmt.Sprintf("S[%d]", node), 0, math.Inf(1))
		pm.slack[node] = s
		terms = append(terms, solver.Term{Var: s, Coeff: -1})
		pm.model.AddConstraint(fmt.Sprintf("utilization of node %d", node), terms, solver.LessEqual, float64(n.AvailableSlots))
	}
	return nil
}

// positionTerms returns Σ M(node)*P[id,node] scaled by coeff.
func (pm *placementModel) positionTerms(id plan.OperatorID, coeff float64) []solver.Term {
	var terms []solver.Term
	for node, v := range pm.vars[id] {
		if m := pm.mileage[node]; m != 0 {
			terms = append(terms, solver.Term{Var: v, Coeff: coeff * m})
		}
	}
	return terms
}

func (pm *placementModel) networkTerms() []solver.Term {
	sqp := pm.tx.SharedQueryPlan()
	var terms []solver.Term
	for _, edge := range pm.tx.Edges() {
		if _, ok := pm.vars[edge.Downstream]; !ok {
			continue
		}
		op, _ := sqp.Operator(edge.Upstream)
		rate := op.EffectiveOutputRate()
		terms = append(terms, pm.positionTerms(edge.Upstream, rate)...)
		terms = append(terms, pm.positionTerms(edge.Downstream, -rate)...)
	}
	return terms
}

func (pm *placementModel) setObjective(w weights) {
	var objective []solver.Term
	for _, t := range pm.networkTerms() {
		objective = append(objective, solver.Term{Var: t.Var, Coeff: w.network * t.Coeff})
	}
	for _, node := range sets.List(pm.nodes) {
		if s, ok := pm.slack[node]; ok {
			objective = append(objective, solver.Term{Var: s, Coeff: w.overUtilization})
		}
	}
	pm.model.Minimize(objective)
}

// selected returns the node the solution assigns to an operator.
func (pm *placementModel) selected(solution *solver.Solution, id plan.OperatorID) (topology.NodeID, bool) {
	for _, node := range sets.List(pm.nodes) {
		if v, ok := pm.vars[id][node]; ok && solution.IsSet(v) {
			return node, true
		}
	}
	return 0, false
}

func (pm *placementModel) networkCost(solution *solver.Solution) float64 {
	cost := 0.0
	for _, t := range pm.networkTerms() {
		cost += t.Coeff * solution.Value(t.Var)
	}
	return cost
}

func (pm *placementModel) overUtilization(solution *solver.Solution) float64 {
	total := 0.0
	for _, s := range pm.slack {
		total += solution.Value(s)
	}
	return total
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
