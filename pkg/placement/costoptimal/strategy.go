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

// Package costoptimal implements a placement strategy that solves a
// mixed-integer model minimizing the weighted sum of network cost and slot
// over-utilization.
//
// The network cost of an edge is the output rate of its upstream operator
// times the mileage between the two operators, where the mileage of a node
// is its inverse-bandwidth distance to the topology root. Nodes may be
// over-subscribed at a price; the solver decides whether that is cheaper
// than moving data further.
package costoptimal

import (
	"context"
	"time"

	"github.com/streamgrid/placement/pkg/failure"
	"github.com/streamgrid/placement/pkg/placement"
	"github.com/streamgrid/placement/pkg/solver"
)

// Strategy is the cost-optimal placement strategy.
type Strategy struct {
	env     placement.Environment
	solver  solver.Solver
	weights weights
	timeout time.Duration
}

var _ placement.Strategy = &Strategy{}

// New returns a cost-optimal strategy. A nil solver selects the default
// branch and bound solver.
func New(env placement.Environment, opts *placement.Options, s solver.Solver) *Strategy {
	if s == nil {
		s = solver.NewBranchAndBound()
	}
	return &Strategy{
		env:    env,
		solver: s,
		weights: weights{
			network:         opts.NetworkCostWeight,
			overUtilization: opts.OverUtilizationCostWeight,
		},
		timeout: opts.SolverTimeout,
	}
}

// Name implements placement.Strategy.
func (s *Strategy) Name() string {
	return placement.StrategyCostOptimal
}

// UpdateGlobalExecutionPlan implements placement.Strategy. A failed or timed
// out solve fails the request; there is no fallback to another strategy.
func (s *Strategy) UpdateGlobalExecutionPlan(ctx context.Context, req placement.Request) (*placement.Result, error) {
	tx, err := placement.Begin(ctx, s.env, req)
	if err != nil {
		return nil, err
	}
	if err := s.env.Topology.ValidateTree(tx.AnchorNodes()...); err != nil {
		return nil, err
	}

	if err := s.place(ctx, tx); err != nil {
		return nil, tx.Rollback(err)
	}
	result, err := tx.Commit()
	if err != nil {
		return nil, tx.Rollback(err)
	}
	return result, nil
}

func (s *Strategy) place(ctx context.Context, tx *placement.Transaction) error {
	if err := tx.RemoveStalePlacements(); err != nil {
		return err
	}

	pm, err := buildModel(tx, s.weights)
	if err != nil {
		return err
	}

	logger := tx.Logger()
	logger.V(4).Info("Solving placement model", "variables", pm.model.NumVars(), "constraints", pm.model.NumConstraints(), "timeout", s.timeout)

	solveCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	solution, err := s.solver.Solve(solveCtx, pm.model)
	if err != nil {
		if failure.IsSolverInfeasibleOrTimeout(err) {
			return err
		}
		return failure.Wrap(failure.ReasonSolverInfeasibleOrTimeout, err, "solving placement model")
	}

	for _, id := range tx.Scope() {
		node, ok := pm.selected(solution, id)
		if !ok {
			return failure.New(failure.ReasonSolverInfeasibleOrTimeout, "solution places operator %d nowhere", id)
		}
		if err := tx.Place(id, node, placement.Overcommit); err != nil {
			return err
		}
	}

	result := tx.Result()
	result.NetworkCost = pm.networkCost(solution)
	result.OverUtilization = pm.overUtilization(solution)
	logger.V(2).Info("Solved placement model", "objective", solution.Objective, "networkCost", result.NetworkCost, "overUtilization", result.OverUtilization)
	return nil
}
