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

// Package solver is the boundary to the mixed-integer optimizer used by the
// cost-optimal placement strategy. A Model is built from binary and
// continuous variables, linear constraints and a linear objective, and is
// handed to a Solver together with a deadline.
package solver

import (
	"context"
	"fmt"
	"math"
)

// Var identifies a model variable.
type Var int

// VarKind is the domain of a variable.
type VarKind int

const (
	// Binary variables take the values 0 and 1.
	Binary VarKind = iota
	// Continuous variables take any value within their bounds.
	Continuous
)

// Sense is the relation of a constraint.
type Sense int

const (
	LessEqual Sense = iota
	GreaterEqual
	Equal
)

func (s Sense) String() string {
	switch s {
	case LessEqual:
		return "<="
	case GreaterEqual:
		return ">="
	case Equal:
		return "=="
	default:
		return fmt.Sprintf("Sense(%d)", int(s))
	}
}

// Term is a coefficient applied to a variable.
type Term struct {
	Var   Var
	Coeff float64
}

// Constraint is a linear constraint Σ terms sense rhs.
type Constraint struct {
	Name  string
	Terms []Term
	Sense Sense
	RHS   float64
}

type variable struct {
	name         string
	kind         VarKind
	lower, upper float64
}

// Model is a minimization problem over binary and continuous variables.
type Model struct {
	vars        []variable
	constraints []Constraint
	objective   []Term
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{}
}

// NewBinary adds a 0/1 variable.
func (m *Model) NewBinary(name string) Var {
	m.vars = append(m.vars, variable{name: name, kind: Binary, lower: 0, upper: 1})
	return Var(len(m.vars) - 1)
}

// NewContinuous adds a continuous variable bounded by lower and upper.
// Use math.Inf for unbounded sides.
func (m *Model) NewContinuous(name string, lower, upper float64) Var {
	m.vars = append(m.vars, variable{name: name, kind: Continuous, lower: lower, upper: upper})
	return Var(len(m.vars) - 1)
}

// Fix pins a variable to a single value.
func (m *Model) Fix(v Var, value float64) {
	m.vars[v].lower = value
	m.vars[v].upper = value
}

// AddConstraint appends a linear constraint.
func (m *Model) AddConstraint(name string, terms []Term, sense Sense, rhs float64) {
	m.constraints = append(m.constraints, Constraint{Name: name, Terms: terms, Sense: sense, RHS: rhs})
}

// Minimize sets the objective. Terms on the same variable are summed.
func (m *Model) Minimize(terms []Term) {
	m.objective = terms
}

// NumVars returns the number of variables.
func (m *Model) NumVars() int {
	return len(m.vars)
}

// NumConstraints returns the number of constraints.
func (m *Model) NumConstraints() int {
	return len(m.constraints)
}

// Name returns the name a variable was created with.
func (m *Model) Name(v Var) string {
	return m.vars[v].name
}

// Kind returns the domain of a variable.
func (m *Model) Kind(v Var) VarKind {
	return m.vars[v].kind
}

// Evaluate returns the objective value of an assignment.
func (m *Model) Evaluate(values []float64) float64 {
	return evaluate(m.objective, values)
}

// Violations returns the names of the constraints and variable bounds an
// assignment violates by more than tol.
func (m *Model) Violations(values []float64, tol float64) []string {
	var violated []string
	for i, v := range m.vars {
		x := values[i]
		if x < v.lower-tol || x > v.upper+tol {
			violated = append(violated, fmt.Sprintf("bounds of %s", v.name))
		}
		if v.kind == Binary && math.Abs(x-math.Round(x)) > tol {
			violated = append(violated, fmt.Sprintf("integrality of %s", v.name))
		}
	}
	for _, c := range m.constraints {
		lhs := evaluate(c.Terms, values)
		var ok bool
		switch c.Sense {
		case LessEqual:
			ok = lhs <= c.RHS+tol
		case GreaterEqual:
			ok = lhs >= c.RHS-tol
		case Equal:
			ok = math.Abs(lhs-c.RHS) <= tol
		}
		if !ok {
			violated = append(violated, c.Name)
		}
	}
	return violated
}

func evaluate(terms []Term, values []float64) float64 {
	var sum float64
	for _, t := range terms {
		sum += t.Coeff * values[t.Var]
	}
	return sum
}

// Solution is an optimal or best found assignment.
type Solution struct {
	Values    []float64
	Objective float64
	// Nodes is the number of branch and bound nodes explored.
	Nodes int
}

// Value returns the value of a variable.
func (s *Solution) Value(v Var) float64 {
	return s.Values[v]
}

// IsSet returns true if a binary variable is 1.
func (s *Solution) IsSet(v Var) bool {
	return s.Values[v] > 0.5
}

// Solver solves a model. Implementations must return an error with reason
// SolverInfeasibleOrTimeout when the model is infeasible or the context
// expires before a solution is proven.
type Solver interface {
	Solve(ctx context.Context, m *Model) (*Solution, error)
}
