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

// Package placement contains the placement strategy abstraction and the
// commit machinery every strategy shares: sub-plan assembly, slot
// accounting with rollback, and network boundary insertion.
package placement

import (
	"context"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/streamgrid/placement/pkg/execution"
	"github.com/streamgrid/placement/pkg/plan"
	"github.com/streamgrid/placement/pkg/topology"
)

// Request asks a strategy to place every operator between the pinned
// upstream and pinned downstream operators of a shared query plan.
// Boundary operators that are not yet placed, such as the sources and
// sinks of a new query, are placed on their pinned node by the request.
type Request struct {
	SharedQueryID    plan.SharedQueryID
	PinnedUpstream   sets.Set[plan.OperatorID]
	PinnedDownstream sets.Set[plan.OperatorID]
}

// Result describes a committed placement.
type Result struct {
	// Placements maps every operator placed by the request to its node.
	Placements map[plan.OperatorID]topology.NodeID
	// NetworkOperators is the number of network sources and sinks inserted.
	NetworkOperators int
	// NetworkCost is the network part of the objective, set by the
	// cost-optimal strategy.
	NetworkCost float64
	// OverUtilization is the total slot over-subscription accepted by the
	// cost-optimal strategy.
	OverUtilization float64
}

// Strategy places the operators of a request onto the topology.
type Strategy interface {
	// Name identifies the strategy in logs and metrics.
	Name() string
	// UpdateGlobalExecutionPlan places the operators of the request and
	// commits them into the execution plan. On error nothing is changed.
	UpdateGlobalExecutionPlan(ctx context.Context, req Request) (*Result, error)
}

// PlanLookup resolves shared query plans by id.
type PlanLookup interface {
	SharedQueryPlan(id plan.SharedQueryID) (*plan.SharedQueryPlan, bool)
}

// NodeSelector restricts the nodes that may receive operators.
type NodeSelector interface {
	Eligible(ctx context.Context, node topology.Node) (bool, error)
}

// Environment is the global state strategies place into. It is owned by the
// scheduler and mutated by one request at a time.
type Environment struct {
	Topology      *topology.Topology
	ExecutionPlan *execution.Plan
	Plans         PlanLookup
	// Selector is optional.
	Selector NodeSelector
}

// Plans is a PlanLookup backed by a map.
type Plans map[plan.SharedQueryID]*plan.SharedQueryPlan

// SharedQueryPlan implements PlanLookup.
func (p Plans) SharedQueryPlan(id plan.SharedQueryID) (*plan.SharedQueryPlan, bool) {
	sqp, ok := p[id]
	return sqp, ok
}
