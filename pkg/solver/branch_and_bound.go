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

package solver

import (
	"context"
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
	"k8s.io/klog/v2"

	"github.com/streamgrid/placement/pkg/failure"
)

const (
	defaultIntegrality = 1e-6
	defaultFeasibility = 1e-6
	defaultMaxNodes    = 200000
	simplexTolerance   = 1e-10
)

// BranchAndBound solves models by depth first branch and bound over the
// binary variables, using gonum's simplex method for the LP relaxations.
type BranchAndBound struct {
	// Integrality is the distance from 0 or 1 under which a relaxed binary
	// counts as integral.
	Integrality float64
	// Feasibility is the slack allowed when validating a rounded solution.
	Feasibility float64
	// MaxNodes bounds the search tree.
	MaxNodes int
}

var _ Solver = &BranchAndBound{}

// NewBranchAndBound returns a solver with default tolerances.
func NewBranchAndBound() *BranchAndBound {
	return &BranchAndBound{
		Integrality: defaultIntegrality,
		Feasibility: defaultFeasibility,
		MaxNodes:    defaultMaxNodes,
	}
}

type bounds struct {
	lower, upper []float64
}

func (b bounds) with(v int, value float64) bounds {
	c := bounds{
		lower: append([]float64(nil), b.lower...),
		upper: append([]float64(nil), b.upper...),
	}
	c.lower[v] = value
	c.upper[v] = value
	return c
}

// Solve implements Solver.
func (b *BranchAndBound) Solve(ctx context.Context, m *Model) (*Solution, error) {
	logger := klog.FromContext(ctx).WithValues("variables", m.NumVars(), "constraints", m.NumConstraints())

	root := bounds{lower: make([]float64, len(m.vars)), upper: make([]float64, len(m.vars))}
	for i, v := range m.vars {
		if v.lower > v.upper {
			return nil, failure.New(failure.ReasonSolverInfeasibleOrTimeout, "variable %s has empty domain [%v, %v]", v.name, v.lower, v.upper)
		}
		root.lower[i] = v.lower
		root.upper[i] = v.upper
	}

	var (
		best     []float64
		bestObj  = math.Inf(1)
		explored int
		lastErr  error
	)
	stack := []bounds{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, failure.Wrap(failure.ReasonSolverInfeasibleOrTimeout, err, "solver stopped after %d nodes", explored)
		}
		if explored >= b.MaxNodes {
			if best != nil {
				logger.Info("Branch and bound node limit reached, returning best solution", "nodes", explored)
				break
			}
			return nil, failure.New(failure.ReasonSolverInfeasibleOrTimeout, "no solution within %d branch and bound nodes", b.MaxNodes)
		}

		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		explored++

		x, obj, err := relax(m, node)
		if err != nil {
			if !errors.Is(err, lp.ErrInfeasible) {
				lastErr = err
			}
			continue
		}
		if obj >= bestObj-b.Feasibility {
			continue
		}

		branchVar, fraction := b.mostFractional(m, x)
		if branchVar < 0 {
			candidate := b.round(m, x)
			if violated := m.Violations(candidate, b.Feasibility); len(violated) > 0 {
				logger.V(5).Info("Rejecting rounded relaxation", "violated", violated)
				continue
			}
			best = candidate
			bestObj = m.Evaluate(candidate)
			continue
		}

		// Explore the branch closer to the relaxed value first.
		down, up := node.with(branchVar, 0), node.with(branchVar, 1)
		if fraction >= 0.5 {
			stack = append(stack, down, up)
		} else {
			stack = append(stack, up, down)
		}
	}

	if best == nil {
		if lastErr != nil {
			return nil, failure.Wrap(failure.ReasonSolverInfeasibleOrTimeout, lastErr, "model could not be solved")
		}
		return nil, failure.New(failure.ReasonSolverInfeasibleOrTimeout, "model is infeasible")
	}
	logger.V(4).Info("Branch and bound finished", "nodes", explored, "objective", bestObj)
	return &Solution{Values: best, Objective: bestObj, Nodes: explored}, nil
}

func (b *BranchAndBound) mostFractional(m *Model, x []float64) (int, float64) {
	branchVar, distance, value := -1, 0.0, 0.0
	for i, v := range m.vars {
		if v.kind != Binary {
			continue
		}
		d := math.Abs(x[i] - math.Round(x[i]))
		if d > b.Integrality && d > distance {
			branchVar, distance, value = i, d, x[i]
		}
	}
	return branchVar, value
}

func (b *BranchAndBound) round(m *Model, x []float64) []float64 {
	out := append([]float64(nil), x...)
	for i, v := range m.vars {
		if v.kind == Binary {
			out[i] = math.Round(x[i])
		}
	}
	return out
}

// relax solves the LP relaxation of m under the given bounds. Variables
// whose bounds coincide are substituted as constants; all other constraints
// are expressed as rows of G x <= h and converted to standard form.
func relax(m *Model, bnd bounds) ([]float64, float64, error) {
	n := len(m.vars)
	column := make([]int, n)
	var free []int
	for i := 0; i < n; i++ {
		if bnd.lower[i] == bnd.upper[i] {
			column[i] = -1
			continue
		}
		column[i] = len(free)
		free = append(free, i)
	}

	values := make([]float64, n)
	for i := 0; i < n; i++ {
		if column[i] < 0 {
			values[i] = bnd.lower[i]
		}
	}
	if len(free) == 0 {
		if len(m.Violations(values, defaultFeasibility)) > 0 {
			return nil, 0, lp.ErrInfeasible
		}
		return values, m.Evaluate(values), nil
	}

	var (
		rows [][]float64
		h    []float64
	)
	addRow := func(row []float64, rhs float64) {
		rows = append(rows, row)
		h = append(h, rhs)
	}
	for _, c := range m.constraints {
		row := make([]float64, len(free))
		rhs := c.RHS
		zero := true
		for _, t := range c.Terms {
			if column[t.Var] < 0 {
				rhs -= t.Coeff * values[t.Var]
				continue
			}
			row[column[t.Var]] += t.Coeff
		}
		for _, coeff := range row {
			if coeff != 0 {
				zero = false
				break
			}
		}
		if zero {
			if !constantHolds(c.Sense, rhs) {
				return nil, 0, lp.ErrInfeasible
			}
			continue
		}
		switch c.Sense {
		case LessEqual:
			addRow(row, rhs)
		case GreaterEqual:
			addRow(negate(row), -rhs)
		case Equal:
			addRow(row, rhs)
			addRow(negate(row), -rhs)
		}
	}
	for col, i := range free {
		if !math.IsInf(bnd.upper[i], 1) {
			row := make([]float64, len(free))
			row[col] = 1
			addRow(row, bnd.upper[i])
		}
		if !math.IsInf(bnd.lower[i], -1) {
			row := make([]float64, len(free))
			row[col] = -1
			addRow(row, -bnd.lower[i])
		}
	}

	if len(rows) == 0 {
		return nil, 0, lp.ErrUnbounded
	}

	c := make([]float64, len(free))
	for _, t := range m.objective {
		if column[t.Var] >= 0 {
			c[column[t.Var]] += t.Coeff
		}
	}

	g := mat.NewDense(len(rows), len(free), nil)
	for r, row := range rows {
		g.SetRow(r, row)
	}
	cNew, aNew, bNew := lp.Convert(c, g, h, nil, nil)
	_, xNew, err := lp.Simplex(cNew, aNew, bNew, simplexTolerance, nil)
	if err != nil {
		return nil, 0, err
	}

	for col, i := range free {
		values[i] = xNew[col] - xNew[len(free)+col]
	}
	return values, m.Evaluate(values), nil
}

func constantHolds(sense Sense, rhs float64) bool {
	switch sense {
	case LessEqual:
		return 0 <= rhs+defaultFeasibility
	case GreaterEqual:
		return 0 >= rhs-defaultFeasibility
	default:
		return math.Abs(rhs) <= defaultFeasibility
	}
}

func negate(row []float64) []float64 {
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = -v
	}
	return out
}
